package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "apiplus",
	Short: "Offline-first sync client for the apiplus workbench",
	Long: `apiplus keeps a local workbench database in sync with the remote service.

All edits land in the local database first and are pushed in the
background; remote changes from other devices and collaborators are
pulled on a jittered schedule. The client stays fully usable offline.

Common workflow:
  apiplus login --email you@example.com    # authenticate and pull
  apiplus daemon                           # run the background syncer
  apiplus status                           # inspect local sync state`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (YAML)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "auth", Title: "Authentication:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "data", Title: "Workspace Data:"},
	)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
