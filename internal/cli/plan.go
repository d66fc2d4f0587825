package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var planOutFile string

var planCmd = &cobra.Command{
	Use:   "plan [config]",
	Short: "Generate an execution plan",
	Long: `Computes the change set needed to reconcile the configuration with the
workspace's recorded state, without touching any resource.

The plan shows:
  + resources to be created
  ~ resources to be updated in place
  - resources to be deleted
  -/+ resources to be replaced`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan to a file as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	cs, snap, err := computePlan(ctx, store, newRegistry(), args)
	if err != nil {
		return err
	}

	fmt.Printf("Planning against snapshot serial %d of workspace %q\n", snap.Serial, workspaceArg())

	if !cs.HasChanges() {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nStratus will perform the following actions:")
	renderChangeSet(cs)
	renderSummary(cs)

	if planOutFile != "" {
		data, err := json.MarshalIndent(cs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
		fmt.Printf("\nPlan written to %s\n", planOutFile)
	}
	return nil
}
