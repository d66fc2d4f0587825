package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/internal/engine"
	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/provider"
)

var (
	applyAutoApprove bool
	applyParallelism int
	applyPlanFile    string
)

var applyCmd = &cobra.Command{
	Use:   "apply [config]",
	Short: "Apply a configuration",
	Long: `Plans and then executes the change set needed to reconcile the
configuration with the workspace's recorded state. Each successful change is
committed to state immediately; a failure never rolls back work that already
completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of the plan")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Maximum concurrent resource operations (0 = default)")
	applyCmd.Flags().StringVar(&applyPlanFile, "plan", "", "Apply a previously saved plan file instead of re-planning")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	registry := newRegistry()

	var cs *ir.ChangeSet
	if applyPlanFile != "" {
		cs, err = readPlanFile(applyPlanFile)
		if err != nil {
			return err
		}
		snap, err := store.Read(ctx, workspaceArg())
		if err != nil {
			return err
		}
		if snap.Serial != cs.BaseSerial {
			return fmt.Errorf("saved plan is stale: computed against serial %d but workspace is at %d", cs.BaseSerial, snap.Serial)
		}
		if err := loadPlanProviders(registry, cs); err != nil {
			return err
		}
	} else {
		cs, _, err = computePlan(ctx, store, registry, args)
		if err != nil {
			return err
		}
	}

	if !cs.HasChanges() {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("Stratus will perform the following actions:")
	renderChangeSet(cs)
	renderSummary(cs)

	if !applyAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d changes...\n\n", len(cs.Entries))

	executor := engine.NewExecutor(store, registry)
	executor.Callback = progressCallback
	if applyParallelism > 0 {
		executor.Parallelism = applyParallelism
	}

	result, err := executor.Apply(ctx, workspaceArg(), cs)
	if err != nil {
		return err
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		cs.Summary.Create+cs.Summary.Replace, cs.Summary.Update, cs.Summary.Delete)

	switch result.Status {
	case engine.RunPartial:
		return fmt.Errorf("apply finished with %d failed changes", len(result.Errors))
	case engine.RunCancelled:
		return fmt.Errorf("apply interrupted; unstarted changes remain pending")
	}
	return nil
}

func readPlanFile(path string) (*ir.ChangeSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var cs ir.ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("invalid plan file: %w", err)
	}
	return &cs, nil
}

func loadPlanProviders(registry *provider.Registry, cs *ir.ChangeSet) error {
	seen := map[string]bool{}
	for _, entry := range cs.Entries {
		name := ""
		if entry.Node != nil {
			name = entry.Node.Provider
		} else if entry.Prior != nil {
			name = entry.Prior.Provider
		}
		if name != "" && !seen[name] {
			seen[name] = true
			if err := registry.Load(name); err != nil {
				return err
			}
		}
	}
	return nil
}
