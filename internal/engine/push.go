package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/meta"
	"github.com/apiplus/workbench/internal/resource"
	"github.com/apiplus/workbench/internal/session"
)

// pushGate is the single-flight state machine for Push. At most one push
// runs at a time; a Push arriving while one is in flight requests exactly
// one trailing rerun, never a queue.
type pushGate struct {
	mu    sync.Mutex
	state pushState
}

type pushState int

const (
	pushIdle pushState = iota
	pushRunning
	pushRerunPending
)

// enter reports whether the caller may run. When false, the in-flight
// push has been asked to rerun.
func (g *pushGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == pushIdle {
		g.state = pushRunning
		return true
	}
	g.state = pushRerunPending
	return false
}

// leave exits a run; reports whether a rerun was requested meanwhile.
func (g *pushGate) leave() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == pushRerunPending {
		g.state = pushRunning
		return true
	}
	g.state = pushIdle
	return false
}

// release drops back to idle unconditionally (used on batch error).
func (g *pushGate) release() {
	g.mu.Lock()
	g.state = pushIdle
	g.mu.Unlock()
}

// Push uploads all dirty Resources, earliest edits first, and returns the
// number pushed successfully. Plan-gated: accounts without a sync
// entitlement no-op. Single failures are counted and skipped; an auth
// rejection aborts and forces a logout.
func (e *Engine) Push(ctx context.Context) (int, error) {
	sess, err := e.sessions.Load(ctx)
	if err != nil {
		return 0, err
	}
	if !sess.CanSync(time.Now()) {
		return 0, nil
	}

	if !e.push.enter() {
		return 0, nil
	}

	total := 0
	for {
		n, err := e.pushBatch(ctx, sess)
		total += n
		if err != nil {
			e.push.release()
			return total, err
		}
		if !e.push.leave() {
			return total, nil
		}
	}
}

func (e *Engine) pushBatch(ctx context.Context, sess *session.Session) (int, error) {
	dirty, err := e.resources.FindDirty(ctx)
	if err != nil {
		return 0, err
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	succeeded, failed := 0, 0
	for _, r := range dirty {
		allowed, err := e.mayPush(ctx, r)
		if err != nil {
			return succeeded, err
		}
		if !allowed {
			continue
		}

		result, err := e.dispatch(ctx, r)
		if err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				e.forceLogout(ctx)
				return succeeded, err
			}
			failed++
			e.logger.Printf("push %s failed: %v", r, err)
			continue
		}
		if err := e.recordPushSuccess(ctx, sess, r, result); err != nil {
			failed++
			e.logger.Printf("push %s: failed to record result: %v", r, err)
			continue
		}
		succeeded++
	}

	if succeeded > 0 || failed > 0 {
		msg := fmt.Sprintf("pushed %d changes", succeeded)
		if failed > 0 {
			msg = fmt.Sprintf("pushed %d changes, %d errors", succeeded, failed)
		}
		e.events.emit(Event{Kind: KindPush, Message: msg, Count: succeeded})
	}
	return succeeded, nil
}

// mayPush applies the local permission gate: viewers, revoked shares and
// unknown workspaces are skipped without a network call. Workspace
// removes always go through, since the local workspace record may already
// be gone; the server authorizes deletes itself. The server remains the
// final authority for every write.
func (e *Engine) mayPush(ctx context.Context, r *resource.Resource) (bool, error) {
	if r.Type == document.TypeWorkspace && r.Event == resource.EventRemove {
		return true, nil
	}
	wm, err := e.meta.GetWorkspace(ctx, r.WorkspaceID)
	if err != nil {
		return false, err
	}
	if wm == nil || wm.Role == meta.RoleViewer || wm.ExpiredAt != nil {
		return false, nil
	}
	return true, nil
}

func (e *Engine) dispatch(ctx context.Context, r *resource.Resource) (*api.WriteResult, error) {
	remove := r.Event == resource.EventRemove
	switch r.Type {
	case document.TypeWorkspace:
		if remove {
			return e.remote.DeleteWorkspace(ctx, r.DocID)
		}
		return e.remote.PutWorkspace(ctx, r.DocID, r.EncContent)
	case document.TypeRequestGroup:
		if remove {
			return e.remote.DeleteFolder(ctx, r.WorkspaceID, r.DocID)
		}
		return e.remote.PutFolder(ctx, r.WorkspaceID, r.DocID, r.EncContent)
	case document.TypeRequest:
		if remove {
			return e.remote.DeleteRequest(ctx, r.WorkspaceID, r.DocID)
		}
		return e.remote.PutRequest(ctx, r.WorkspaceID, r.DocID, r.EncContent)
	default:
		return nil, fmt.Errorf("unsupported resource type %s", r.Type)
	}
}

// recordPushSuccess persists the server-assigned usn and clears dirty.
// For non-remove Request pushes it additionally stores a newly issued
// display id, recreates the backup and clears unpush.
func (e *Engine) recordPushSuccess(ctx context.Context, sess *session.Session, r *resource.Resource, result *api.WriteResult) error {
	if result != nil && result.USN > 0 {
		r.USN = result.USN
	}
	r.Dirty = false
	r.LastEditedBy = sess.UID
	if err := e.resources.Update(ctx, r); err != nil {
		return err
	}

	if r.Type != document.TypeRequest || r.Event == resource.EventRemove {
		return nil
	}

	doc, err := e.db.Get(ctx, document.TypeRequest, r.DocID)
	if err != nil {
		// Deleted locally between dispatch and now; nothing to refresh.
		return nil
	}
	if result != nil && result.ShowID != "" && doc.ShowID == "" {
		doc.ShowID = result.ShowID
		if err := e.db.Update(ctx, doc, true); err != nil {
			return err
		}
	}
	if _, err := e.backups.Create(ctx, doc.ID); err != nil {
		return err
	}
	e.setRequestFlags(ctx, doc.ID, func(rm *meta.RequestMeta) { rm.Unpush = false })
	return nil
}
