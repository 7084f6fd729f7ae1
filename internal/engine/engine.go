// Package engine implements the synchronization engine: it observes local
// document mutations, tracks them as Resources, pushes dirty Resources to
// the remote API and applies pulled remote changes back to the local store.
//
// All mutable sync state (push single-flight, cursors, the active
// workspace) is owned by one Engine instance; nothing is process-global,
// so tests run engines side by side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/backup"
	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/message"
	"github.com/apiplus/workbench/internal/meta"
	"github.com/apiplus/workbench/internal/resource"
	"github.com/apiplus/workbench/internal/session"
	"github.com/apiplus/workbench/internal/store"
)

// Remote is the slice of the HTTP API the engine consumes. *api.Client
// satisfies it; tests script their own.
type Remote interface {
	Pull(ctx context.Context, workspaceID string, lastWorkspacesCheckAt, lastPullAt int64) (*api.PullDelta, error)
	PutWorkspace(ctx context.Context, id, encContent string) (*api.WriteResult, error)
	DeleteWorkspace(ctx context.Context, id string) (*api.WriteResult, error)
	PutFolder(ctx context.Context, workspaceID, id, encContent string) (*api.WriteResult, error)
	DeleteFolder(ctx context.Context, workspaceID, id string) (*api.WriteResult, error)
	PutRequest(ctx context.Context, workspaceID, id, encContent string) (*api.WriteResult, error)
	DeleteRequest(ctx context.Context, workspaceID, id string) (*api.WriteResult, error)
	UpdateResponse(ctx context.Context, workspaceID, requestID, body string) error
}

// Engine state keys in the session table.
const (
	stateActiveWorkspace = "active_workspace"
	stateWorkspacesCheck = "last_workspaces_check_at"
)

// defaultDebounce bounds the coalescing window for observed mutations, so
// a bulk import produces one processing pass instead of thousands.
const defaultDebounce = 200 * time.Millisecond

// Options configures an Engine. DB, Resources, Backups, Meta, Messages,
// Sessions and Remote are required.
type Options struct {
	DB        *store.DB
	Resources *resource.Store
	Backups   *backup.Tracker
	Meta      *meta.Store
	Messages  *message.Store
	Sessions  *session.Store
	Remote    Remote
	Logger    *log.Logger
	Debounce  time.Duration
}

// Engine is the synchronization engine.
type Engine struct {
	db        *store.DB
	resources *resource.Store
	backups   *backup.Tracker
	meta      *meta.Store
	messages  *message.Store
	sessions  *session.Store
	remote    Remote
	logger    *log.Logger
	debounce  time.Duration

	push   pushGate
	events *eventFeed

	stopObserver func()
	observerDone chan struct{}
}

// New creates an engine. Call Start to begin observing local mutations.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.DB == nil:
		return nil, fmt.Errorf("engine requires a database")
	case opts.Resources == nil || opts.Backups == nil || opts.Meta == nil ||
		opts.Messages == nil || opts.Sessions == nil:
		return nil, fmt.Errorf("engine requires all local stores")
	case opts.Remote == nil:
		return nil, fmt.Errorf("engine requires a remote client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Engine{
		db:        opts.DB,
		resources: opts.Resources,
		backups:   opts.Backups,
		meta:      opts.Meta,
		messages:  opts.Messages,
		sessions:  opts.Sessions,
		remote:    opts.Remote,
		logger:    logger,
		debounce:  debounce,
		events:    newEventFeed(),
	}, nil
}

// Start begins consuming the document change stream. Idempotent until
// Stop is called.
func (e *Engine) Start() {
	if e.stopObserver != nil {
		return
	}
	ch, cancel := e.db.Subscribe()
	e.stopObserver = cancel
	e.observerDone = make(chan struct{})
	go e.observe(ch)
}

// Stop unsubscribes from the change stream and waits for the observer to
// drain.
func (e *Engine) Stop() {
	if e.stopObserver == nil {
		return
	}
	e.stopObserver()
	<-e.observerDone
	e.stopObserver = nil
}

// Events subscribes to the engine's event feed (notices, push and pull
// results). The returned func unsubscribes.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.events.subscribe()
}

// ActiveWorkspace returns the id of the currently active workspace, or ""
// when none is set.
func (e *Engine) ActiveWorkspace(ctx context.Context) (string, error) {
	return e.db.GetState(ctx, stateActiveWorkspace)
}

// SetActiveWorkspace records the currently active workspace.
func (e *Engine) SetActiveWorkspace(ctx context.Context, workspaceID string) error {
	return e.db.SetState(ctx, stateActiveWorkspace, workspaceID)
}

// SaveResource materializes or refreshes the sync-tracking Resource for a
// document. usn 0 keeps the Resource's current sequence number. For
// Requests (except removes) it also recreates the backup and settles the
// flags to unpush=dirty, unsave=false: the tracked content is now the
// authoritative state, waiting to upload.
func (e *Engine) SaveResource(ctx context.Context, event string, doc *document.Document, usn int64, dirty bool) error {
	if !document.IsSyncable(doc.Type) {
		return nil
	}

	enc, err := document.Encode(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", doc.ID, err)
	}

	existing, err := e.resources.GetByDocID(ctx, doc.ID)
	if err != nil {
		return err
	}

	workspaceID, err := e.resolveWorkspaceID(ctx, doc, existing)
	if err != nil {
		return err
	}

	r := existing
	if r == nil {
		r = &resource.Resource{DocID: doc.ID}
	}
	r.WorkspaceID = workspaceID
	r.Type = doc.Type
	r.Name = doc.Name
	r.EncContent = enc
	r.Dirty = dirty
	r.Event = event
	r.LastEdited = doc.Modified
	if usn > 0 {
		r.USN = usn
	}
	if event == resource.EventRemove {
		r.Removed = true
	}

	if existing == nil {
		err = e.resources.Insert(ctx, r)
	} else {
		err = e.resources.Update(ctx, r)
	}
	if err != nil {
		return err
	}

	if doc.Type == document.TypeRequest && event != resource.EventRemove {
		if _, err := e.backups.Create(ctx, doc.ID); err != nil {
			return fmt.Errorf("failed to back up request %s: %w", doc.ID, err)
		}
		e.setRequestFlags(ctx, doc.ID, func(rm *meta.RequestMeta) {
			rm.Unpush = dirty
			rm.Unsave = false
		})
	}
	return nil
}

// SaveRequest is the explicit-save action for a request: the current
// content becomes the tracked snapshot, dirty, and a push uploads it
// right away. A failed push leaves the resource dirty for the next
// cycle, so it is logged rather than returned.
func (e *Engine) SaveRequest(ctx context.Context, requestID string) error {
	doc, err := e.db.Get(ctx, document.TypeRequest, requestID)
	if err != nil {
		return err
	}
	if err := e.SaveResource(ctx, resource.EventUpdate, doc, 0, true); err != nil {
		return err
	}
	if _, err := e.Push(ctx); err != nil {
		e.logger.Printf("push after saving %s failed: %v", requestID, err)
	}
	return nil
}

// resolveWorkspaceID finds the workspace a document belongs to. For
// removes the ancestor chain may already be gone; the tracked Resource's
// workspace id is the fallback.
func (e *Engine) resolveWorkspaceID(ctx context.Context, doc *document.Document, existing *resource.Resource) (string, error) {
	if doc.Type == document.TypeWorkspace {
		return doc.ID, nil
	}
	ws, err := e.db.WorkspaceForDoc(ctx, doc)
	if err == nil {
		return ws.ID, nil
	}
	if errors.Is(err, store.ErrNotFound) && existing != nil {
		return existing.WorkspaceID, nil
	}
	return "", fmt.Errorf("cannot resolve workspace for %s: %w", doc.ID, err)
}

// PushResponse publishes a request's response body out of band of the
// snapshot sync. Login-gated only; no plan check.
func (e *Engine) PushResponse(ctx context.Context, requestID, body string) error {
	sess, err := e.sessions.Load(ctx)
	if err != nil {
		return err
	}
	if !sess.LoggedIn() {
		return fmt.Errorf("not logged in")
	}

	doc, err := e.db.Get(ctx, document.TypeRequest, requestID)
	if err != nil {
		return err
	}
	ws, err := e.db.WorkspaceForDoc(ctx, doc)
	if err != nil {
		return err
	}
	if err := e.remote.UpdateResponse(ctx, ws.ID, requestID, body); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			e.forceLogout(ctx)
		}
		return err
	}
	return nil
}

// CollectGarbage removes Resources whose workspace no longer exists
// locally. Returns the number removed.
func (e *Engine) CollectGarbage(ctx context.Context) (int, error) {
	all, err := e.resources.All(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range all {
		if r.WorkspaceID == "" {
			continue
		}
		_, err := e.db.Get(ctx, document.TypeWorkspace, r.WorkspaceID)
		if errors.Is(err, store.ErrNotFound) {
			if err := e.resources.Remove(ctx, r); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		if err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		e.logger.Printf("garbage-collected %d orphaned resources", removed)
	}
	return removed, nil
}

// InitialSync resets the workspace-check cursor and runs one pull, so a
// fresh device learns the server's state before the observer or scheduler
// can manufacture local dirt for server-known documents.
func (e *Engine) InitialSync(ctx context.Context) (*PullResult, error) {
	if err := e.db.SetState(ctx, stateWorkspacesCheck, "0"); err != nil {
		return nil, err
	}
	return e.Pull(ctx, "")
}

// forceLogout clears the session after the server rejected the token. The
// UI learns about it through a logout event.
func (e *Engine) forceLogout(ctx context.Context) {
	if err := e.sessions.Clear(ctx); err != nil {
		e.logger.Printf("failed to clear session after auth rejection: %v", err)
	}
	e.logger.Printf("session rejected by server, logged out")
	e.events.emit(Event{Kind: KindLogout, Message: "session expired, please log in again"})
}

// observe consumes change batches, coalescing bursts within the debounce
// window into one processing pass.
func (e *Engine) observe(ch <-chan []store.Change) {
	defer close(e.observerDone)
	for batch := range ch {
		pending := batch
		timer := time.NewTimer(e.debounce)
	drain:
		for {
			select {
			case more, ok := <-ch:
				if !ok {
					break drain
				}
				pending = append(pending, more...)
			case <-timer.C:
				break drain
			}
		}
		timer.Stop()
		e.processChanges(context.Background(), pending)
	}
}

// processChanges applies the change-observer policy to a batch of local
// mutations. Pull-applied changes (FromSync) are never re-tracked.
func (e *Engine) processChanges(ctx context.Context, changes []store.Change) {
	needPush := false
	for _, c := range changes {
		if c.FromSync || c.Doc == nil || !document.IsSyncable(c.Doc.Type) {
			continue
		}
		switch c.Doc.Type {
		case document.TypeWorkspace, document.TypeRequestGroup:
			if err := e.SaveResource(ctx, string(c.Event), c.Doc, 0, true); err != nil {
				e.logger.Printf("failed to track %s %s: %v", c.Event, c.Doc.ID, err)
				continue
			}
			needPush = true
		case document.TypeRequest:
			if e.trackRequestChange(ctx, c) {
				needPush = true
			}
		}
	}
	if needPush {
		go func() {
			if _, err := e.Push(context.Background()); err != nil {
				e.logger.Printf("auto-push failed: %v", err)
			}
		}()
	}
}

// trackRequestChange handles one Request mutation. Inserts and removes
// auto-push; content edits are only tracked as unsaved and upload on an
// explicit save. Reports whether a push should follow.
func (e *Engine) trackRequestChange(ctx context.Context, c store.Change) bool {
	switch c.Event {
	case store.EventInsert:
		// Every new request gets a baseline backup, temp ones included.
		if _, err := e.backups.Create(ctx, c.Doc.ID); err != nil {
			e.logger.Printf("failed to back up new request %s: %v", c.Doc.ID, err)
		}
		if c.Doc.Temp {
			return false
		}
		if err := e.SaveResource(ctx, resource.EventInsert, c.Doc, 0, true); err != nil {
			e.logger.Printf("failed to track new request %s: %v", c.Doc.ID, err)
			return false
		}
		return true
	case store.EventUpdate:
		changed, err := e.backups.HasChanged(ctx, c.Doc)
		if err != nil {
			e.logger.Printf("failed to compare request %s: %v", c.Doc.ID, err)
			return false
		}
		e.setRequestFlags(ctx, c.Doc.ID, func(rm *meta.RequestMeta) {
			if rm.Unsave && !changed {
				rm.Unsave = false
			} else if !c.Doc.Temp && changed {
				rm.Unsave = true
			}
		})
	case store.EventRemove:
		if c.Doc.Temp {
			return false
		}
		if err := e.SaveResource(ctx, resource.EventRemove, c.Doc, 0, true); err != nil {
			e.logger.Printf("failed to track removed request %s: %v", c.Doc.ID, err)
			return false
		}
		return true
	}
	return false
}

func (e *Engine) setRequestFlags(ctx context.Context, requestID string, apply func(*meta.RequestMeta)) {
	rm, err := e.meta.GetOrCreateRequest(ctx, requestID)
	if err != nil {
		e.logger.Printf("failed to load request meta %s: %v", requestID, err)
		return
	}
	before := *rm
	apply(rm)
	if *rm == before {
		return
	}
	if err := e.meta.PutRequest(ctx, rm); err != nil {
		e.logger.Printf("failed to save request meta %s: %v", requestID, err)
	}
}
