package activity

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/backup"
	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/engine"
	"github.com/apiplus/workbench/internal/message"
	"github.com/apiplus/workbench/internal/meta"
	"github.com/apiplus/workbench/internal/resource"
	"github.com/apiplus/workbench/internal/session"
	"github.com/apiplus/workbench/internal/store"
)

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[test] ", log.LstdFlags)
}

// setupEngine builds an engine backed by a temp database and a remote
// that accepts every write.
func setupEngine(t *testing.T) (*engine.Engine, *store.DB) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"usn": 1},
		})
	}))
	t.Cleanup(remote.Close)

	e, err := engine.New(engine.Options{
		DB:        db,
		Resources: resource.NewStore(db),
		Backups:   backup.NewTracker(db),
		Meta:      meta.NewStore(db),
		Messages:  message.NewStore(db),
		Sessions:  session.NewStore(db),
		Remote:    api.NewClient(remote.URL, "tok", nil),
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e, db
}

func TestServerStartStop(t *testing.T) {
	e, _ := setupEngine(t)

	srv := NewServer(e, &Config{Port: 0, Logger: testLogger()})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if srv.Addr() == "" {
		t.Fatal("server address is empty")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
}

func TestRelaysEngineEvents(t *testing.T) {
	e, db := setupEngine(t)
	ctx := context.Background()

	sessions := session.NewStore(db)
	if err := sessions.Save(ctx, &session.Session{Token: "tok", UID: "u_1", Plan: session.PlanPlus}); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
	ws := &document.Document{ID: "wrk_1", Type: document.TypeWorkspace, Name: "Main"}
	if err := db.Insert(ctx, ws, false); err != nil {
		t.Fatalf("failed to insert workspace: %v", err)
	}
	if _, err := meta.NewStore(db).GetOrCreateWorkspace(ctx, "wrk_1", "u_1"); err != nil {
		t.Fatalf("failed to create workspace meta: %v", err)
	}

	srv := NewServer(e, &Config{Port: 0, Logger: testLogger()})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := srv.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	// A push produces an event that must reach the client.
	if err := e.SaveResource(ctx, resource.EventInsert, ws, 0, true); err != nil {
		t.Fatalf("SaveResource failed: %v", err)
	}
	if _, err := e.Push(ctx); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		t.Fatalf("failed to read relayed event: %v", err)
	}
	var ev engine.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if ev.Kind != engine.KindPush || ev.Count != 1 {
		t.Errorf("unexpected relayed event: %+v", ev)
	}
}
