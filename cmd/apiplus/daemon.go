package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/apiplus/workbench/internal/activity"
	"github.com/apiplus/workbench/internal/config"
	"github.com/apiplus/workbench/internal/engine"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the long-lived sync process: a change observer that tracks local
edits, a scheduler that pulls and pushes on a jittered interval, and a
WebSocket activity feed for UI clients.

Edits to the config file are picked up without a restart; changing
sync_period takes effect on the next tick.

Example usage:
  apiplus daemon                        # settings from config/env
  apiplus daemon --period 60s --port 8199

Connect to the activity feed:
  ws://localhost:<port>/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, loader, err := config.Load(cfgPath)
		if err != nil {
			fatalf("%v", err)
		}
		if period, _ := cmd.Flags().GetDuration("period"); period > 0 {
			cfg.SyncPeriod = period
		}
		if cmd.Flags().Changed("port") {
			cfg.ActivityPort, _ = cmd.Flags().GetInt("port")
		}

		logOut := io.Writer(os.Stderr)
		if cfg.LogFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
		}

		a, err := buildApp(cmd.Context(), cfg, loader, logOut)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.close()
		a.requireSession(cmd.Context())

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a.engine.Start()
		defer a.engine.Stop()

		scheduler := engine.NewScheduler(a.engine, cfg.SyncPeriod,
			log.New(logOut, "[scheduler] ", log.LstdFlags))
		scheduler.Start(ctx)
		defer scheduler.Stop()

		feed := activity.NewServer(a.engine, &activity.Config{
			Port:   cfg.ActivityPort,
			Logger: log.New(logOut, "[activity] ", log.LstdFlags),
		})
		if err := feed.Start(); err != nil {
			fatalf("failed to start activity feed: %v", err)
		}
		defer feed.Stop()

		loader.Watch(func(next *config.Config) {
			scheduler.SetPeriod(next.SyncPeriod)
		})

		fmt.Printf("Sync daemon started (period %s)\n", cfg.SyncPeriod)
		fmt.Printf("Activity feed: ws://%s/ws\n", feed.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		// The deferred stops drain the scheduler cycle in flight, shut
		// down the feed, and close the observer before the db closes.
		fmt.Println("\nShutting down...")
	},
}

func init() {
	daemonCmd.Flags().Duration("period", 0, "Sync period override (e.g. 60s)")
	daemonCmd.Flags().IntP("port", "p", 0, "Activity feed port override")

	rootCmd.AddCommand(daemonCmd)
}
