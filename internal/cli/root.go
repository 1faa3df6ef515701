// Package cli wires the command line surface: serve, accounts, route
// and quotas commands built on cobra.
package cli

import (
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "poolguard",
	Short: "PoolGuard - account pool scheduling and proxy routing",
	Long: `PoolGuard schedules API requests across a pool of managed accounts,
tracking per-key rate limits, coordinating account use between
concurrent processes, and failing requests over between per-account
proxies.

Use "poolguard [command] --help" for more information about a command.`,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv("POOLGUARD_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of PoolGuard",
	Run: func(cmd *cobra.Command, args []string) {
		println("PoolGuard Version:", version)
		println("Go Version:", goruntime.Version())
		println("OS/Arch:", goruntime.GOOS+"/"+goruntime.GOARCH)
	},
}

const version = "0.1.0"

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}
