package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/ui"
)

var requestCmd = &cobra.Command{
	Use:     "request",
	GroupID: "data",
	Short:   "Manage request drafts and backups",
	Long: `Every request carries an authoritative backup: the last explicitly
saved (or last synced) state. Edits on top of the backup are drafts;
save promotes the draft to the new backup, restore throws the draft
away and rolls the request back.

Example usage:
  apiplus request save req_1f0c
  apiplus request restore req_1f0c`,
}

var requestSaveCmd = &cobra.Command{
	Use:   "save <request-id>",
	Short: "Promote the current draft to the saved state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()

		doc, err := a.db.Get(ctx, document.TypeRequest, args[0])
		if err != nil {
			fatalf("unknown request %s", args[0])
		}
		if err := a.engine.SaveRequest(ctx, doc.ID); err != nil {
			fatalf("failed to save request: %v", err)
		}
		fmt.Printf("%s saved %s\n", ui.OK("✓"), ui.Accent(doc.Name))
	},
}

var requestRestoreCmd = &cobra.Command{
	Use:   "restore <request-id>",
	Short: "Discard the draft and roll back to the saved state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		ctx := cmd.Context()

		b, err := a.backups.LatestByParent(ctx, args[0])
		if err != nil {
			fatalf("failed to look up backup: %v", err)
		}
		if b == nil {
			fatalf("request %s has no saved state", args[0])
		}
		doc, err := a.backups.Restore(ctx, b.ID)
		if err != nil {
			fatalf("restore failed: %v", err)
		}
		if doc == nil {
			fatalf("request %s no longer exists", args[0])
		}
		rm, err := a.metas.GetOrCreateRequest(ctx, doc.ID)
		if err != nil {
			fatalf("failed to load request state: %v", err)
		}
		rm.Unsave = false
		if err := a.metas.PutRequest(ctx, rm); err != nil {
			fatalf("failed to update request state: %v", err)
		}
		fmt.Printf("%s restored %s to %s\n", ui.OK("✓"), ui.Accent(doc.Name),
			time.UnixMilli(b.Created).Format("2006-01-02 15:04"))
	},
}

func init() {
	requestCmd.AddCommand(requestSaveCmd)
	requestCmd.AddCommand(requestRestoreCmd)

	rootCmd.AddCommand(requestCmd)
}
