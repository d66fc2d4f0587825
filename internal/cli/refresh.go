package cli

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/internal/provider"
	"github.com/stratus-iac/stratus/internal/state"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reconcile state with the real backend",
	Long: `Reads every resource instance from its provider and updates the recorded
state to match. Instances deleted out-of-band are dropped from state so the
next plan recreates them; attribute drift is recorded in place.`,
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	registry := newRegistry()
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
	if err := loadProviders(registry, nil, snap); err != nil {
		return err
	}

	var muts []state.Mutation
	removed, drifted := 0, 0

	for _, inst := range snap.Resources {
		p, err := registry.Get(inst.Provider)
		if err != nil {
			return err
		}
		actual, err := p.Read(ctx, inst.Type, inst.ExternalID)
		if errors.Is(err, provider.ErrNotFound) {
			fmt.Printf("%s: deleted out-of-band, removing from state\n", inst.Addr())
			muts = append(muts, state.Mutation{Addr: inst.Addr(), Remove: true, ExpectedVersion: inst.Version})
			removed++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", inst.Addr(), err)
		}
		if len(actual) == 0 || reflect.DeepEqual(actual, inst.Attributes) {
			continue
		}
		fmt.Printf("%s: attributes drifted, updating state\n", inst.Addr())
		updated := inst.Clone()
		updated.Attributes = actual
		muts = append(muts, state.Mutation{Instance: updated, ExpectedVersion: inst.Version})
		drifted++
	}

	if len(muts) == 0 {
		fmt.Println("State is up-to-date.")
		return nil
	}

	next, err := store.Commit(ctx, workspace, token, muts)
	if err != nil {
		return err
	}
	fmt.Printf("Refresh complete: %d removed, %d updated (snapshot serial %d).\n", removed, drifted, next.Serial)
	return nil
}
