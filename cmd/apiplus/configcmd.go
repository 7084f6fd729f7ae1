package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/config"
	"github.com/apiplus/workbench/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter config file with the default settings. Refuses to
overwrite an existing file.

Example usage:
  apiplus config init                          # ~/.workbench/config.yaml
  apiplus config init --path ./config.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			path = filepath.Join(config.DefaultDataDir(), "config.yaml")
		}
		if err := config.WriteDefault(path); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s wrote %s\n", ui.OK("✓"), path)
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "Where to write the config file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(configCmd)
}
