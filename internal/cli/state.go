package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and manage recorded state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resource addresses in the current snapshot",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show [serial]",
	Short: "Print a snapshot as JSON (latest when no serial is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateShow,
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List snapshot history, oldest first",
	RunE:  runStateHistory,
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore <serial>",
	Short: "Restore the workspace to a historical snapshot",
	Long: `Appends a new snapshot whose contents match the given historical serial.
History is never rewritten; the restore itself becomes the newest snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: runStateRestore,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateHistoryCmd)
	stateCmd.AddCommand(stateRestoreCmd)
}

func runStateList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	snap, err := store.Read(cmd.Context(), workspaceArg())
	if err != nil {
		return err
	}
	for _, inst := range snap.Resources {
		marker := ""
		if inst.Tainted {
			marker = " (tainted)"
		}
		fmt.Printf("%s%s\n", inst.Addr(), marker)
	}
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}

	var snap *ir.Snapshot
	if len(args) == 1 {
		serial, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid serial %q", args[0])
		}
		snap, err = store.SnapshotAt(ctx, workspaceArg(), serial)
		if err != nil {
			return err
		}
	} else {
		snap, err = store.Read(ctx, workspaceArg())
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runStateHistory(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	metas, err := store.Snapshots(cmd.Context(), workspaceArg())
	if err != nil {
		return err
	}
	fmt.Printf("%-8s %-25s %s\n", "SERIAL", "TAKEN AT", "RESOURCES")
	for _, meta := range metas {
		fmt.Printf("%-8d %-25s %d\n", meta.Serial, meta.TakenAt.Format("2006-01-02 15:04:05 MST"), meta.Resources)
	}
	return nil
}

func runStateRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	serial, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid serial %q", args[0])
	}
	workspace := workspaceArg()

	token, err := store.AcquireLock(ctx, workspace, state.LockOptions{})
	if err != nil {
		return err
	}
	defer store.ReleaseLock(ctx, token)

	snap, err := store.Restore(ctx, workspace, token, serial)
	if err != nil {
		return err
	}
	fmt.Printf("Restored workspace %q to serial %d contents (new serial %d).\n", workspace, serial, snap.Serial)
	return nil
}
