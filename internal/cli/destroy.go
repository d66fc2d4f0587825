package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/internal/engine"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy all resources in the workspace",
	Long: `Plans the deletion of every resource instance recorded in the workspace
and applies it in reverse dependency order.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	registry := newRegistry()

	snap, err := store.Read(ctx, workspaceArg())
	if err != nil {
		return err
	}
	if err := loadProviders(registry, nil, snap); err != nil {
		return err
	}

	cs, err := engine.NewPlanner(registry).PlanDestroy(snap)
	if err != nil {
		return err
	}
	if !cs.HasChanges() {
		fmt.Println("No resources to destroy.")
		return nil
	}

	fmt.Println("Stratus will destroy the following resources:")
	renderChangeSet(cs)
	renderSummary(cs)

	if !destroyAutoApprove {
		fmt.Print("\nDo you really want to destroy all resources? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	fmt.Printf("\nDestroying %d resources...\n\n", len(cs.Entries))

	executor := engine.NewExecutor(store, registry)
	executor.Callback = progressCallback

	result, err := executor.Apply(ctx, workspaceArg(), cs)
	if err != nil {
		return err
	}

	fmt.Printf("\nDestroy complete! Resources: %d destroyed.\n", cs.Summary.Delete)

	switch result.Status {
	case engine.RunPartial:
		return fmt.Errorf("destroy finished with %d failed changes", len(result.Errors))
	case engine.RunCancelled:
		return fmt.Errorf("destroy interrupted; unstarted changes remain pending")
	}
	return nil
}
