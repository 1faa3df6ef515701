package cli

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/poolguard/poolguard/internal/models"
)

var quotasCmd = &cobra.Command{
	Use:     "quotas",
	Aliases: []string{"q", "quota", "limits"},
	Short:   "Show quota state per family across the pool",
	Long: `Display per-family availability: how many accounts are blocked,
which quota keys are active, and the earliest recovery time.

Examples:
  poolguard quotas
  poolguard quotas --family gemini --model gemini-2.0-flash
  poolguard quotas --json | jq '.'`,
	RunE: runQuotas,
}

var quotasFlags struct {
	Family string
	Model  string
}

func init() {
	quotasCmd.Flags().StringVar(&quotasFlags.Family, "family", "", "Limit output to one family (claude or gemini)")
	quotasCmd.Flags().StringVar(&quotasFlags.Model, "model", "", "Model name for model-scoped quota keys")

	RootCmd.AddCommand(quotasCmd)
}

// familyQuota is the per-family summary row.
type familyQuota struct {
	Family         string  `json:"family"`
	Accounts       int     `json:"accounts"`
	RateLimited    int     `json:"rate_limited"`
	CoolingDown    int     `json:"cooling_down"`
	MinWaitSeconds float64 `json:"min_wait_seconds"`
	Exhausted      bool    `json:"exhausted"`
}

func runQuotas(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	families := []models.Family{models.FamilyClaude, models.FamilyGemini}
	if quotasFlags.Family != "" {
		fam := models.Family(quotasFlags.Family)
		if fam != models.FamilyClaude && fam != models.FamilyGemini {
			return fmt.Errorf("unknown family %q", quotasFlags.Family)
		}
		families = []models.Family{fam}
	}

	accounts := rt.manager.Accounts()
	now := time.Now()

	rows := make([]familyQuota, 0, len(families))
	for _, fam := range families {
		row := familyQuota{Family: string(fam), Accounts: len(accounts)}
		for i := range accounts {
			if rt.manager.IsRateLimitedForFamily(&accounts[i], fam, quotasFlags.Model) {
				row.RateLimited++
			}
			if time.UnixMilli(accounts[i].CoolingDownUntil).After(now) {
				row.CoolingDown++
			}
		}
		row.MinWaitSeconds = rt.manager.GetMinWaitTimeForFamily(fam, quotasFlags.Model).Seconds()
		row.Exhausted = len(accounts) > 0 && row.RateLimited == len(accounts)
		rows = append(rows, row)
	}

	if globalFlags.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts in the pool.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FAMILY\tACCOUNTS\tRATE LIMITED\tCOOLING DOWN\tMIN WAIT\tEXHAUSTED")
	for _, row := range rows {
		exhausted := "No"
		if row.Exhausted {
			exhausted = "Yes"
		}
		wait := "-"
		if row.MinWaitSeconds > 0 {
			wait = (time.Duration(row.MinWaitSeconds) * time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			row.Family, row.Accounts, row.RateLimited, row.CoolingDown, wait, exhausted)
	}
	if err := w.Flush(); err != nil {
		log.Printf("Error flushing tabwriter: %v", err)
	}
	return nil
}
