package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
	Long: `Workspaces hold independent resource sets managed by the same
configuration. Each workspace has its own snapshot history and lock.

The default workspace is called "default" and always exists. Select the
workspace for any command with the global --workspace flag.`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var workspaceNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Create a new workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceNew,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an empty workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var workspaceShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the selected workspace",
	RunE:  runWorkspaceShow,
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceNewCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)
	workspaceCmd.AddCommand(workspaceShowCmd)
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	workspaces, err := store.ListWorkspaces(cmd.Context())
	if err != nil {
		return err
	}
	selected := workspaceArg()
	for _, ws := range workspaces {
		if ws == selected {
			fmt.Printf("* %s\n", ws)
		} else {
			fmt.Printf("  %s\n", ws)
		}
	}
	return nil
}

func runWorkspaceNew(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	name := args[0]
	if err := store.CreateWorkspace(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("Created workspace %q. Select it with --workspace %s.\n", name, name)
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	name := args[0]
	if err := store.DeleteWorkspace(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Printf("Deleted workspace %q.\n", name)
	return nil
}

func runWorkspaceShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	name := workspaceArg()
	known, err := store.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	if err := requireWorkspace(known, name); err != nil {
		return err
	}
	snap, err := store.Read(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("Workspace: %s\n", name)
	fmt.Printf("Serial:    %d\n", snap.Serial)
	fmt.Printf("Resources: %d\n", len(snap.Resources))
	return nil
}
