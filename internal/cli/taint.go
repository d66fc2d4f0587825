package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/internal/state"
)

var taintCmd = &cobra.Command{
	Use:   "taint <address>",
	Short: "Mark a resource for recreation",
	Long: `Marks a resource instance as tainted, forcing it to be destroyed and
recreated on the next apply even if its attributes are unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaint(cmd, args[0], true)
	},
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <address>",
	Short: "Remove taint from a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaint(cmd, args[0], false)
	},
}

func setTaint(cmd *cobra.Command, target string, tainted bool) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	workspace := workspaceArg()

	token, err := store.AcquireLock(ctx, workspace, state.LockOptions{})
	if err != nil {
		return err
	}
	defer store.ReleaseLock(ctx, token)

	snap, err := store.Read(ctx, workspace)
	if err != nil {
		return err
	}
	inst := snap.Instance(target)
	if inst == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}
	if inst.Tainted == tainted {
		fmt.Printf("Resource %s already in the requested state.\n", target)
		return nil
	}

	updated := inst.Clone()
	updated.Tainted = tainted
	if _, err := store.Commit(ctx, workspace, token, []state.Mutation{
		{Instance: updated, ExpectedVersion: inst.Version},
	}); err != nil {
		return err
	}

	if tainted {
		fmt.Printf("Resource %s has been tainted. It will be recreated on next apply.\n", target)
	} else {
		fmt.Printf("Resource %s has been untainted.\n", target)
	}
	return nil
}
