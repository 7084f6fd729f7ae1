package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local sync state",
	Long: `Show the logged-in account, the active workspace, and how much local
work is waiting to be pushed.

Example usage:
  apiplus status`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()

		sess, err := a.sessions.Load(ctx)
		if err != nil {
			fatalf("failed to load session: %v", err)
		}
		if !sess.LoggedIn() {
			fmt.Printf("Account: %s\n", ui.Muted("not logged in"))
		} else {
			fmt.Printf("Account: %s (%s, %s plan)\n", ui.Accent(sess.Nickname), sess.Email, sess.Plan)
		}

		activeID, err := a.engine.ActiveWorkspace(ctx)
		if err != nil {
			fatalf("failed to read active workspace: %v", err)
		}
		if activeID == "" {
			fmt.Printf("Workspace: %s\n", ui.Muted("none"))
		} else {
			name := activeID
			if doc, err := a.db.Get(ctx, document.TypeWorkspace, activeID); err == nil {
				name = doc.Name
			}
			fmt.Printf("Workspace: %s %s\n", ui.Accent(name), ui.Muted(activeID))
		}

		dirty, err := a.resources.FindDirty(ctx)
		if err != nil {
			fatalf("failed to query dirty resources: %v", err)
		}
		if len(dirty) == 0 {
			fmt.Printf("Pending: %s\n", ui.OK("nothing to push"))
		} else {
			fmt.Printf("Pending: %d changes\n", len(dirty))
			for _, r := range dirty {
				fmt.Printf("  %s %s %s %s\n", ui.Marker(true), r.Event, r.Type,
					ui.Muted(fmt.Sprintf("%s (edited %s)", r.DocID,
						time.UnixMilli(r.LastEdited).Format("2006-01-02 15:04"))))
			}
		}

		if sess.LoggedIn() {
			unread, err := a.messages.UnreadCount(ctx, sess.UID)
			if err != nil {
				fatalf("failed to count messages: %v", err)
			}
			if unread > 0 {
				fmt.Printf("Messages: %d unread (see 'apiplus messages')\n", unread)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
