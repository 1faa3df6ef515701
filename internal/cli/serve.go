package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/poolguard/poolguard/internal/api"
	"github.com/poolguard/poolguard/internal/config"
	"github.com/poolguard/poolguard/internal/models"
	"github.com/poolguard/poolguard/internal/notify"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Run the pool scheduler with the status API",
	Long: `Run the scheduler long-lived: load the account pool, watch the
store file for foreign saves, persist state periodically, and expose
the status API when enabled.

Example:
  poolguard serve --config config.yaml`,
	RunE: runServe,
}

var serveFlags struct {
	Addr    string
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Addr, "addr", "", "Status API address (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("POOLGUARD_SHUTDOWN_TIMEOUT", 30*time.Second), "Shutdown timeout")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := rt.cfg
	if serveFlags.Addr != "" {
		cfg.Server.Addr = serveFlags.Addr
		cfg.Server.Enabled = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fold foreign saves back into memory as sibling processes persist.
	if err := rt.store.Watch(ctx, rt.manager.ReconcileFromDisk); err != nil {
		rt.logger.Warn("store watcher unavailable", "error", err.Error())
	}

	// Hot-reload tunables on config file change.
	rt.loader.SetOnChange(func(c *config.Config) {
		rt.logger.Info("configuration reloaded", "strategy", string(c.Selection.Strategy))
	})
	rt.loader.StartWatcher(5 * time.Second)
	defer rt.loader.StopWatcher()

	if rt.audit != nil {
		rt.audit.StartCleanupRoutine(6 * time.Hour)
	}

	var notifier *notify.Notifier
	if cfg.Telegram.Enabled {
		notifier = notify.NewNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, rt.logger)
	}

	startPeriodicSave(ctx, rt, cfg.Selection.SaveInterval)

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		server = api.NewServer(rt.manager, rt.audit, rt.metrics, rt.logger)
		go func() {
			serverErr <- server.Run(cfg.Server.Addr)
		}()
	}

	if notifier.Enabled() {
		rt.logger.Info("telegram notifications enabled")
		rt.manager.SetSwitchHandler(notifier.AccountSwitched)
		startExhaustionMonitor(ctx, rt, notifier, time.Minute)
	}
	rt.logger.Info("pool scheduler running", "accounts", rt.manager.Count(), "strategy", string(cfg.Selection.Strategy))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		rt.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveFlags.Timeout)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.logger.Error("server shutdown error", "error", err.Error())
		}
	}
	cancel()

	// Leases die with the process, but releasing them now lets siblings
	// pick the accounts up without waiting for expiry.
	rt.coordinator.ReleaseAll()
	if err := rt.manager.SaveToDisk(); err != nil {
		rt.logger.Error("final save failed", "error", err.Error())
	}
	rt.logger.Info("shutdown complete")
	return nil
}

// startPeriodicSave flushes dirty state on an interval so rate-limit
// knowledge reaches sibling processes promptly.
func startPeriodicSave(ctx context.Context, rt *runtime, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !rt.manager.Dirty() {
					continue
				}
				if err := rt.manager.SaveToDisk(); err != nil {
					rt.logger.Warn("periodic save failed", "error", err.Error())
				}
			}
		}
	}()
}

// startExhaustionMonitor alerts once per family when the whole pool
// becomes blocked and again when it recovers.
func startExhaustionMonitor(ctx context.Context, rt *runtime, notifier *notify.Notifier, interval time.Duration) {
	exhausted := make(map[models.Family]bool)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				accounts := rt.manager.Accounts()
				if len(accounts) == 0 {
					continue
				}
				for _, fam := range []models.Family{models.FamilyClaude, models.FamilyGemini} {
					limited := 0
					for i := range accounts {
						if rt.manager.IsRateLimitedForFamily(&accounts[i], fam, "") {
							limited++
						}
					}
					now := limited == len(accounts)
					if now && !exhausted[fam] {
						notifier.FamilyExhausted(fam, rt.manager.GetMinWaitTimeForFamily(fam, ""))
					}
					exhausted[fam] = now
				}
			}
		}
	}()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
