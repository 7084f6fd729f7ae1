package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/backup"
	"github.com/apiplus/workbench/internal/config"
	"github.com/apiplus/workbench/internal/engine"
	"github.com/apiplus/workbench/internal/message"
	"github.com/apiplus/workbench/internal/meta"
	"github.com/apiplus/workbench/internal/resource"
	"github.com/apiplus/workbench/internal/session"
	"github.com/apiplus/workbench/internal/store"
)

// app bundles the wired-up client stack behind one open/close pair. Every
// command builds one, uses it, and closes it.
type app struct {
	cfg    *config.Config
	loader *config.Loader

	db        *store.DB
	client    *api.Client
	resources *resource.Store
	backups   *backup.Tracker
	metas     *meta.Store
	messages  *message.Store
	sessions  *session.Store
	auth      *session.Manager
	engine    *engine.Engine
}

// openApp loads config and opens the local database for a foreground
// command, logging to stderr.
func openApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, loader, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return buildApp(cmd.Context(), cfg, loader, os.Stderr)
}

// buildApp wires stores, client, and engine over a fresh database handle.
func buildApp(ctx context.Context, cfg *config.Config, loader *config.Loader, logOut io.Writer) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "workbench.db"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}

	client := api.NewClient(cfg.Host, "", nil)
	sessions := session.NewStore(db)
	if sess, err := sessions.Load(ctx); err == nil && sess != nil {
		client.SetToken(sess.Token)
	}

	a := &app{
		cfg:       cfg,
		loader:    loader,
		db:        db,
		client:    client,
		resources: resource.NewStore(db),
		backups:   backup.NewTracker(db),
		metas:     meta.NewStore(db),
		messages:  message.NewStore(db),
		sessions:  sessions,
		auth:      session.NewManager(sessions, client),
	}

	a.engine, err = engine.New(engine.Options{
		DB:        db,
		Resources: a.resources,
		Backups:   a.backups,
		Meta:      a.metas,
		Messages:  a.messages,
		Sessions:  sessions,
		Remote:    client,
		Logger:    log.New(logOut, "[engine] ", log.LstdFlags),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

// requireSession loads the stored session or exits with a login hint.
func (a *app) requireSession(ctx context.Context) *session.Session {
	sess, err := a.sessions.Load(ctx)
	if err != nil {
		fatalf("failed to load session: %v", err)
	}
	if !sess.LoggedIn() {
		fatalf("not logged in (run 'apiplus login' first)")
	}
	return sess
}
