package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poolguard/poolguard/internal/manager"
	"github.com/poolguard/poolguard/internal/models"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Test account selection without persisting the result",
	Long: `Run one selection against the current pool and print the outcome.
The lease taken for the selection is released immediately and nothing
is saved, so sibling processes are unaffected.

Examples:
  poolguard route --family claude
  poolguard route --family gemini --model gemini-2.0-flash --strategy hybrid`,
	RunE: runRoute,
}

var routeFlags struct {
	Family   string
	Model    string
	Strategy string
	Style    string
}

func init() {
	routeCmd.Flags().StringVar(&routeFlags.Family, "family", "claude", "Model family (claude or gemini)")
	routeCmd.Flags().StringVar(&routeFlags.Model, "model", "", "Model name for model-scoped quota keys")
	routeCmd.Flags().StringVar(&routeFlags.Strategy, "strategy", "", "Selection strategy override (sticky, round-robin, hybrid)")
	routeCmd.Flags().StringVar(&routeFlags.Style, "style", "", "Gemini header style (antigravity or gemini-cli)")

	RootCmd.AddCommand(routeCmd)
}

func runRoute(cmd *cobra.Command, args []string) error {
	family := models.Family(routeFlags.Family)
	if family != models.FamilyClaude && family != models.FamilyGemini {
		return fmt.Errorf("unknown family %q", routeFlags.Family)
	}

	strategy, err := models.ParseStrategy(routeFlags.Strategy)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(false)
	if err != nil {
		return err
	}
	defer rt.close()

	req := manager.SelectRequest{
		Family:   family,
		Model:    routeFlags.Model,
		Strategy: strategy,
		Style:    models.HeaderStyle(routeFlags.Style),
	}
	if family == models.FamilyGemini && req.Style == "" {
		req.Style = models.StyleAntigravity
	}

	acc := rt.manager.GetCurrentOrNextForFamily(req)
	if acc == nil {
		wait := rt.manager.GetMinWaitTimeForFamily(family, routeFlags.Model)
		if globalFlags.JSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
				"selected":         false,
				"family":           family,
				"min_wait_seconds": wait.Seconds(),
			})
		}
		fmt.Printf("No account available for %s (earliest recovery in %s)\n", family, wait)
		return nil
	}
	defer rt.manager.ReleaseAccount(acc.Index)

	if globalFlags.JSON {
		out := map[string]interface{}{
			"selected": true,
			"family":   family,
			"index":    acc.Index,
			"id":       acc.ID,
			"email":    acc.Email,
		}
		if family == models.FamilyGemini {
			if style, ok := rt.manager.GetAvailableHeaderStyle(acc, routeFlags.Model); ok {
				out["style"] = string(style)
			}
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Printf("Selected account %s (#%d) for %s\n", acc.Email, acc.Index, family)
	if family == models.FamilyGemini {
		if style, ok := rt.manager.GetAvailableHeaderStyle(acc, routeFlags.Model); ok {
			fmt.Printf("Header style: %s\n", style)
		}
	}
	return nil
}
