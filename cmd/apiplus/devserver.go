package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/devserver"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory stand-in for the remote service",
	Long: `Run a local, in-memory implementation of the remote API for
development and demos. State is lost on exit.

A single account is seeded; point the client at it with:
  APIPLUS_HOST=http://localhost:8090 apiplus login --email dev@local --password dev

Example usage:
  apiplus devserver --addr :8090`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")

		srv := devserver.New()
		token := srv.AddAccount("dev@local", "dev", "dev-skey", api.Account{
			UID: "u_dev", Nickname: "dev", Email: "dev@local", Plan: "plus",
		})

		httpServer := &http.Server{Addr: addr, Handler: srv.Router()}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "Error: devserver failed: %v\n", err)
				os.Exit(1)
			}
		}()

		fmt.Printf("Dev server listening on %s\n", addr)
		fmt.Printf("Seeded account: dev@local / dev (token %s)\n", token)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		if err := httpServer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		fmt.Println("Dev server stopped")
	},
}

func init() {
	devserverCmd.Flags().String("addr", ":8090", "Address to listen on")

	rootCmd.AddCommand(devserverCmd)
}
