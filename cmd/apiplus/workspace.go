package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/meta"
	"github.com/apiplus/workbench/internal/ui"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	GroupID: "data",
	Short:   "List and switch workspaces",
	Long: `Inspect the locally known workspaces and switch the active one. The
active workspace is what pull reconciles by default and what new
documents land in.

Example usage:
  apiplus workspace list
  apiplus workspace use wrk_1f0c`,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local workspaces",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()

		docs, err := a.db.All(ctx, document.TypeWorkspace)
		if err != nil {
			fatalf("failed to list workspaces: %v", err)
		}
		if len(docs) == 0 {
			fmt.Println("No workspaces (run 'apiplus pull' after login)")
			return
		}
		activeID, _ := a.engine.ActiveWorkspace(ctx)
		for _, doc := range docs {
			marker := " "
			if doc.ID == activeID {
				marker = ui.OK("*")
			}
			detail := ""
			if wm, err := a.metas.GetWorkspace(ctx, doc.ID); err == nil && wm != nil {
				if wm.UID == meta.UIDUnshared {
					detail = ui.Err("revoked")
				} else if wm.Role != "" {
					detail = ui.Muted(wm.Role)
				}
			}
			fmt.Printf("%s %s %s %s\n", marker, ui.Accent(doc.Name), ui.Muted(doc.ID), detail)
		}
	},
}

var workspaceUseCmd = &cobra.Command{
	Use:   "use <workspace-id>",
	Short: "Switch the active workspace",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()

		doc, err := a.db.Get(ctx, document.TypeWorkspace, args[0])
		if err != nil {
			fatalf("unknown workspace %s", args[0])
		}
		if err := a.engine.SetActiveWorkspace(ctx, doc.ID); err != nil {
			fatalf("failed to switch workspace: %v", err)
		}
		fmt.Printf("Active workspace is now %s\n", ui.Accent(doc.Name))
	},
}

func init() {
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceUseCmd)

	rootCmd.AddCommand(workspaceCmd)
}
