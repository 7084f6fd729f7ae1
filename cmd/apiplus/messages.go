package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/ui"
)

var messagesCmd = &cobra.Command{
	Use:     "messages",
	GroupID: "data",
	Short:   "List sync notifications",
	Long: `List notifications produced by pulls: documents other collaborators
inserted, updated, or deleted, and conflicts that were preserved as
sibling copies.

Example usage:
  apiplus messages               # newest 20
  apiplus messages --limit 50
  apiplus messages read          # mark everything read
  apiplus messages read msg_1f0c # mark one read`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()
		sess := a.requireSession(ctx)

		limit, _ := cmd.Flags().GetInt("limit")
		msgs, err := a.messages.ListForUID(ctx, sess.UID, limit)
		if err != nil {
			fatalf("failed to list messages: %v", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages")
			return
		}
		for _, m := range msgs {
			marker := ui.Muted("·")
			if !m.Read {
				marker = ui.Accent("●")
			}
			fmt.Printf("%s %s %s %s %s %s\n",
				marker,
				time.UnixMilli(m.Created).Format("01-02 15:04"),
				m.By,
				m.Action,
				ui.Accent(m.Doc.Name),
				ui.Muted(m.ID))
		}
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read [message-id]",
	Short: "Mark messages as read",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()
		sess := a.requireSession(ctx)

		if len(args) == 1 {
			if err := a.messages.MarkRead(ctx, args[0]); err != nil {
				fatalf("failed to mark message read: %v", err)
			}
			fmt.Println("Marked read")
			return
		}
		if err := a.messages.MarkAllRead(ctx, sess.UID); err != nil {
			fatalf("failed to mark messages read: %v", err)
		}
		fmt.Println("All messages marked read")
	},
}

func init() {
	messagesCmd.Flags().Int("limit", 20, "Maximum number of messages to show")
	messagesCmd.AddCommand(messagesReadCmd)

	rootCmd.AddCommand(messagesCmd)
}
