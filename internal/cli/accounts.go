package cli

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/poolguard/poolguard/internal/models"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"a", "account"},
	Short:   "Manage the account pool",
}

var accountsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pool accounts with their current state",
	RunE:    runAccountsList,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account to the pool",
	Long: `Add an account identified by its refresh token. Duplicate tokens
are rejected; duplicate emails are merged on the next save, keeping the
most recently used entry.`,
	RunE: runAccountsAdd,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <index>",
	Short: "Remove the account at the given pool index",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var addFlags struct {
	RefreshToken string
	Email        string
	ProjectID    string
	Proxies      []string
}

func init() {
	accountsAddCmd.Flags().StringVar(&addFlags.RefreshToken, "refresh-token", "", "OAuth refresh token (required)")
	accountsAddCmd.Flags().StringVar(&addFlags.Email, "email", "", "Account email for display and dedupe")
	accountsAddCmd.Flags().StringVar(&addFlags.ProjectID, "project", "", "Cloud project identifier")
	accountsAddCmd.Flags().StringSliceVar(&addFlags.Proxies, "proxy", nil, "Proxy URL for this account (repeatable)")
	_ = accountsAddCmd.MarkFlagRequired("refresh-token")

	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	RootCmd.AddCommand(accountsCmd)
}

// accountRow is the list view of one account.
type accountRow struct {
	Index       int      `json:"index"`
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	LastUsed    string   `json:"last_used,omitempty"`
	RateLimited []string `json:"rate_limited,omitempty"`
	Cooldown    string   `json:"cooldown,omitempty"`
	Proxies     int      `json:"proxies"`
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	now := time.Now()
	rows := make([]accountRow, 0, rt.manager.Count())
	for _, acc := range rt.manager.Accounts() {
		row := accountRow{
			Index:   acc.Index,
			ID:      acc.ID,
			Email:   acc.Email,
			Proxies: len(acc.Proxies),
		}
		if acc.LastUsed > 0 {
			row.LastUsed = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
		}
		for key, until := range acc.RateLimitResetTimes {
			if t := time.UnixMilli(until); t.After(now) {
				row.RateLimited = append(row.RateLimited, fmt.Sprintf("%s until %s", key, t.Format(time.Kitchen)))
			}
		}
		if t := time.UnixMilli(acc.CoolingDownUntil); t.After(now) {
			row.Cooldown = fmt.Sprintf("%s (%s)", t.Format(time.Kitchen), acc.CooldownReason)
		}
		rows = append(rows, row)
	}

	if globalFlags.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No accounts in the pool.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tEMAIL\tLAST USED\tRATE LIMITED\tCOOLDOWN\tPROXIES")
	for _, row := range rows {
		limited := "-"
		if len(row.RateLimited) > 0 {
			limited = strconv.Itoa(len(row.RateLimited)) + " keys"
		}
		cooldown := row.Cooldown
		if cooldown == "" {
			cooldown = "-"
		}
		lastUsed := row.LastUsed
		if lastUsed == "" {
			lastUsed = "never"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
			row.Index, row.Email, lastUsed, limited, cooldown, row.Proxies)
	}
	if err := w.Flush(); err != nil {
		log.Printf("Error flushing tabwriter: %v", err)
	}
	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	acc := models.NewManagedAccount(addFlags.Email, addFlags.RefreshToken)
	acc.ProjectID = addFlags.ProjectID
	for _, u := range addFlags.Proxies {
		if err := models.ValidateProxyURL(u); err != nil {
			return fmt.Errorf("proxy %q: %w", u, err)
		}
		acc.Proxies = append(acc.Proxies, models.ProxyConfig{URL: u, Enabled: true})
	}

	if err := rt.manager.AddAccount(acc); err != nil {
		return err
	}
	if err := rt.manager.SaveToDisk(); err != nil {
		return err
	}
	fmt.Printf("Added account %s at index %d\n", acc.Email, acc.Index)
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid index %q", args[0])
	}

	rt, err := buildRuntime(true)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.manager.RemoveAccount(index); err != nil {
		return err
	}
	if err := rt.manager.SaveToDisk(); err != nil {
		return err
	}
	fmt.Printf("Removed account at index %d, %d remaining\n", index, rt.manager.Count())
	return nil
}
