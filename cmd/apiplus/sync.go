package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Push pending local changes to the remote",
	Long: `Push every dirty resource to the remote service, oldest edit first.
Resources in read-only or revoked workspaces are skipped and stay
pending; failures leave their resource dirty for the next attempt.

Example usage:
  apiplus push`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		a.requireSession(cmd.Context())

		pushed, err := a.engine.Push(cmd.Context())
		if err != nil {
			fatalf("push failed: %v", err)
		}
		fmt.Printf("%s pushed %d changes\n", ui.OK("✓"), pushed)
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull remote changes into the local database",
	Long: `Fetch workspace membership changes for the whole account and resource
changes for one workspace (the active one by default), then apply them
locally. Conflicting drafts are preserved as sibling copies.

Example usage:
  apiplus pull                     # pull the active workspace
  apiplus pull --workspace wrk_1f0c`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		a.requireSession(cmd.Context())

		workspaceID, _ := cmd.Flags().GetString("workspace")
		res, err := a.engine.Pull(cmd.Context(), workspaceID)
		if err != nil {
			fatalf("pull failed: %v", err)
		}
		for _, notice := range res.Notices {
			fmt.Printf("%s %s\n", ui.Warn("!"), notice)
		}
		if res.Aborted {
			fmt.Printf("%s pull interrupted, active workspace is now %s\n",
				ui.Warn("!"), ui.Accent(res.ActiveWorkspace))
			return
		}
		fmt.Printf("%s applied %d changes\n", ui.OK("✓"), res.Applied)
	},
}

func init() {
	pullCmd.Flags().String("workspace", "", "Workspace id to pull (default: active workspace)")

	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
}
