package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/apiplus/workbench/internal/api"
	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/message"
	"github.com/apiplus/workbench/internal/meta"
	"github.com/apiplus/workbench/internal/resource"
	"github.com/apiplus/workbench/internal/session"
	"github.com/apiplus/workbench/internal/store"
)

// PullResult reports what one pull cycle did.
type PullResult struct {
	Applied int      // upserts + deletes applied locally
	Notices []string // user-facing notices, in order
	Aborted bool     // active workspace was revoked or deleted mid-pull

	// ActiveWorkspace is the active workspace after the pull; it changes
	// when workspace-switch recovery ran.
	ActiveWorkspace string
}

// Pull downloads and applies the remote delta for a workspace. With an
// empty workspaceID the active workspace is used. Workspace reconciliation
// runs first; resource deltas are only applied when the active workspace
// survived it.
func (e *Engine) Pull(ctx context.Context, workspaceID string) (*PullResult, error) {
	sess, err := e.sessions.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !sess.LoggedIn() {
		return &PullResult{}, nil
	}

	if workspaceID == "" {
		workspaceID, err = e.ActiveWorkspace(ctx)
		if err != nil {
			return nil, err
		}
	}
	if workspaceID == "" {
		return &PullResult{}, nil
	}

	checkAt, err := e.workspacesCheckCursor(ctx)
	if err != nil {
		return nil, err
	}
	wm, err := e.meta.GetOrCreateWorkspace(ctx, workspaceID, sess.UID)
	if err != nil {
		return nil, err
	}

	delta, err := e.remote.Pull(ctx, workspaceID, checkAt, wm.LastPullAt)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			e.forceLogout(ctx)
		}
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	if delta.User != nil {
		if sess, err = e.refreshSession(ctx, sess, delta.User); err != nil {
			e.logger.Printf("failed to refresh session from pull: %v", err)
		}
	}

	res := &PullResult{ActiveWorkspace: workspaceID}
	if err := e.reconcileWorkspaces(ctx, sess, delta, workspaceID, res); err != nil {
		return res, err
	}

	if res.Aborted {
		e.emitPullResult(res)
		return res, nil
	}

	if err := e.db.SetState(ctx, stateWorkspacesCheck, strconv.FormatInt(delta.PullAt, 10)); err != nil {
		return res, err
	}

	if err := e.reconcileResources(ctx, sess, delta, workspaceID, res); err != nil {
		return res, err
	}

	wm, err = e.meta.GetOrCreateWorkspace(ctx, workspaceID, sess.UID)
	if err != nil {
		return res, err
	}
	wm.LastPullAt = delta.PullAt
	if err := e.meta.PutWorkspace(ctx, wm); err != nil {
		return res, err
	}

	e.emitPullResult(res)
	return res, nil
}

func (e *Engine) workspacesCheckCursor(ctx context.Context) (int64, error) {
	raw, err := e.db.GetState(ctx, stateWorkspacesCheck)
	if err != nil || raw == "" {
		return 0, err
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt workspace-check cursor %q: %w", raw, err)
	}
	return cursor, nil
}

func (e *Engine) refreshSession(ctx context.Context, sess *session.Session, acct *api.Account) (*session.Session, error) {
	sess.Apply(acct)
	if err := e.sessions.Save(ctx, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// reconcileWorkspaces applies the workspace-level delta: role and access
// changes, newly shared workspaces and deletions. It must complete before
// resources are touched, because resource reconciliation depends on a
// consistent workspace view.
func (e *Engine) reconcileWorkspaces(ctx context.Context, sess *session.Session, delta *api.PullDelta, active string, res *PullResult) error {
	for _, ws := range delta.UpsertWorkspaces {
		if err := e.applyWorkspaceUpsert(ctx, sess, ws, active, res); err != nil {
			return err
		}
	}
	for _, ws := range delta.DeletedWorkspaces {
		if err := e.applyWorkspaceDelete(ctx, sess, ws, active, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyWorkspaceUpsert(ctx context.Context, sess *session.Session, ws api.WorkspaceDelta, active string, res *PullResult) error {
	wm, err := e.meta.GetWorkspace(ctx, ws.ID)
	if err != nil {
		return err
	}

	// Access revoked for a non-owner: detach the local record instead of
	// deleting it, so regaining access later is cheap.
	if ws.ExpiredAt > 0 && ws.Role != meta.RoleOwner {
		if wm == nil {
			return nil
		}
		expired := ws.ExpiredAt
		wm.UID = meta.UIDUnshared
		wm.ExpiredAt = &expired
		if err := e.meta.PutWorkspace(ctx, wm); err != nil {
			return err
		}
		res.Notices = append(res.Notices, fmt.Sprintf("access to workspace %q was revoked", ws.Name))
		if ws.ID == active {
			res.Aborted = true
			return e.recoverActiveWorkspace(ctx, sess.UID, ws.ID, res)
		}
		return nil
	}

	if wm != nil && wm.UID == meta.UIDUnshared {
		res.Notices = append(res.Notices, fmt.Sprintf("access to workspace %q was restored", ws.Name))
	}

	local, err := e.resources.GetByDocID(ctx, ws.ID)
	if err != nil {
		return err
	}
	applyContent := local == nil || local.USN < ws.USN

	if applyContent {
		doc, err := e.workspaceDoc(ws)
		if err != nil {
			e.logger.Printf("skipping corrupt workspace %s: %v", ws.ID, err)
			return nil
		}
		_, getErr := e.db.GetByID(ctx, ws.ID)
		newlyVisible := errors.Is(getErr, store.ErrNotFound)
		if getErr != nil && !newlyVisible {
			return getErr
		}
		if err := e.db.Upsert(ctx, doc, true); err != nil {
			return err
		}
		if newlyVisible {
			res.Notices = append(res.Notices, fmt.Sprintf("workspace %q is now available", doc.Name))
		}
		res.Applied++

		if err := e.resources.Insert(ctx, &resource.Resource{
			DocID:       ws.ID,
			WorkspaceID: ws.ID,
			Type:        document.TypeWorkspace,
			Name:        doc.Name,
			EncContent:  ws.EncContent,
			Event:       resource.EventUpdate,
			USN:         ws.USN,
			CreatedBy:   ws.CreatedBy,
			LastEdited:  doc.Modified,
		}); err != nil {
			return err
		}
	}

	// Role and ownership always refresh, even when content was current.
	lastPullAt := int64(0)
	if wm != nil {
		lastPullAt = wm.LastPullAt
	}
	return e.meta.PutWorkspace(ctx, &meta.WorkspaceMeta{
		ParentID:   ws.ID,
		Role:       ws.Role,
		UID:        sess.UID,
		LastPullAt: lastPullAt,
		HasSeen:    wm == nil || wm.HasSeen,
		Important:  wm != nil && wm.Important,
	})
}

// workspaceDoc decodes the snapshot, or builds a minimal document when
// the delta carries no content.
func (e *Engine) workspaceDoc(ws api.WorkspaceDelta) (*document.Document, error) {
	if ws.EncContent == "" {
		return &document.Document{ID: ws.ID, Type: document.TypeWorkspace, Name: ws.Name}, nil
	}
	doc, err := document.Decode(ws.EncContent)
	if err != nil {
		return nil, err
	}
	doc.ID = ws.ID
	doc.Type = document.TypeWorkspace
	return doc, nil
}

func (e *Engine) applyWorkspaceDelete(ctx context.Context, sess *session.Session, ws api.WorkspaceDelta, active string, res *PullResult) error {
	tracked, err := e.resources.FindByWorkspace(ctx, ws.ID)
	if err != nil {
		return err
	}
	for _, r := range tracked {
		if err := e.resources.Remove(ctx, r); err != nil {
			return err
		}
	}

	if ws.ID == active {
		res.Aborted = true
		if err := e.recoverActiveWorkspace(ctx, sess.UID, ws.ID, res); err != nil {
			return err
		}
	}

	doc, err := e.db.GetByID(ctx, ws.ID)
	if err == nil {
		if err := e.db.Remove(ctx, doc, true); err != nil {
			return err
		}
		res.Applied++
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := e.meta.RemoveWorkspace(ctx, ws.ID); err != nil {
		return err
	}
	name := ws.Name
	if name == "" && doc != nil {
		name = doc.Name
	}
	res.Notices = append(res.Notices, fmt.Sprintf("workspace %q was deleted", name))
	return nil
}

// recoverActiveWorkspace switches to another workspace when the active
// one is being removed or revoked. With no other workspace left, a fresh
// default one is created locally (and will sync up like any local edit).
func (e *Engine) recoverActiveWorkspace(ctx context.Context, uid, removingID string, res *PullResult) error {
	ids, err := e.meta.WorkspacesForUID(ctx, uid)
	if err != nil {
		return err
	}
	next := ""
	for _, id := range ids {
		if id == removingID {
			continue
		}
		if _, err := e.db.Get(ctx, document.TypeWorkspace, id); err == nil {
			next = id
			break
		}
	}

	if next == "" {
		doc := &document.Document{Type: document.TypeWorkspace, Name: "New Project"}
		if err := e.db.Insert(ctx, doc, false); err != nil {
			return err
		}
		if _, err := e.meta.GetOrCreateWorkspace(ctx, doc.ID, uid); err != nil {
			return err
		}
		next = doc.ID
		res.Notices = append(res.Notices, fmt.Sprintf("created workspace %q", doc.Name))
	}

	res.ActiveWorkspace = next
	return e.SetActiveWorkspace(ctx, next)
}

// reconcileResources applies the resource-level delta inside one buffered
// notification region, so observers see a single batch of fromSync
// changes and never re-track pulled documents as local edits.
func (e *Engine) reconcileResources(ctx context.Context, sess *session.Session, delta *api.PullDelta, workspaceID string, res *PullResult) error {
	e.db.BufferChanges()
	defer e.db.FlushChanges()

	for _, rd := range delta.UpsertResources {
		if err := e.applyResourceUpsert(ctx, sess, rd, workspaceID, res); err != nil {
			return err
		}
	}
	for _, rd := range delta.DeletedResources {
		if err := e.applyResourceDelete(ctx, sess, rd, workspaceID, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyResourceUpsert(ctx context.Context, sess *session.Session, rd api.ResourceDelta, workspaceID string, res *PullResult) error {
	incoming, err := document.Decode(rd.EncContent)
	if err != nil {
		e.logger.Printf("skipping corrupt resource %s: %v", rd.ID, err)
		return nil
	}
	if incoming.ID == "" {
		incoming.ID = rd.ID
	}

	local, err := e.resources.GetByDocID(ctx, rd.ID)
	if err != nil {
		return err
	}

	existing, err := e.db.GetByID(ctx, rd.ID)
	if errors.Is(err, store.ErrNotFound) {
		// First sight of this document on this device.
		if err := e.db.Insert(ctx, incoming, true); err != nil {
			return err
		}
		if err := e.materializePulled(ctx, rd, workspaceID, incoming); err != nil {
			return err
		}
		res.Applied++
		return e.logMessage(ctx, sess, message.ActionInsert, incoming, rd, workspaceID)
	}
	if err != nil {
		return err
	}

	// Already applied, or locally ahead.
	if local != nil && local.USN >= rd.USN {
		return nil
	}

	if existing.Type == document.TypeRequest {
		rm, err := e.meta.GetRequest(ctx, rd.ID)
		if err != nil {
			return err
		}
		if rm != nil && rm.Unsave {
			return e.materializeConflict(ctx, sess, rd, workspaceID, incoming, res)
		}
	}

	if err := e.db.Update(ctx, incoming, true); err != nil {
		return err
	}
	if err := e.materializePulled(ctx, rd, workspaceID, incoming); err != nil {
		return err
	}
	res.Applied++
	return e.logMessage(ctx, sess, message.ActionUpdate, incoming, rd, workspaceID)
}

// materializeConflict resolves a pull-time conflict: the remote content
// lands as a renamed sibling under a fresh id, and the user's unsaved
// draft stays untouched. The local Resource still advances to the remote
// usn so the same delta is not re-applied as another conflict.
func (e *Engine) materializeConflict(ctx context.Context, sess *session.Session, rd api.ResourceDelta, workspaceID string, incoming *document.Document, res *PullResult) error {
	sibling := incoming.Clone()
	sibling.ID = ""
	sibling.ShowID = ""
	sibling.Name = sibling.Name + "[Conflict]"
	// Local-origin insert: the sibling is a new document the server has
	// never seen, and it syncs up like any other local edit.
	if err := e.db.Insert(ctx, sibling, false); err != nil {
		return err
	}

	local, err := e.resources.GetByDocID(ctx, rd.ID)
	if err != nil {
		return err
	}
	if local != nil {
		local.USN = rd.USN
		local.LastEditedBy = rd.LastEditedBy
		if err := e.resources.Update(ctx, local); err != nil {
			return err
		}
	}

	res.Applied++
	res.Notices = append(res.Notices, fmt.Sprintf("conflicting edit to %q saved as %q", incoming.Name, sibling.Name))
	e.events.emit(Event{Kind: KindConflict, Message: sibling.Name})
	return e.logMessage(ctx, sess, message.ActionConflict, incoming, rd, workspaceID)
}

func (e *Engine) applyResourceDelete(ctx context.Context, sess *session.Session, rd api.ResourceDelta, workspaceID string, res *PullResult) error {
	targetID := rd.ID
	if targetID == "" && rd.EncContent != "" {
		doc, err := document.Decode(rd.EncContent)
		if err != nil {
			e.logger.Printf("skipping corrupt deleted resource: %v", err)
			return nil
		}
		targetID = doc.ID
	}

	doc, err := e.db.GetByID(ctx, targetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // already gone locally
	}
	if err != nil {
		return err
	}

	if err := e.db.Remove(ctx, doc, true); err != nil {
		return err
	}
	local, err := e.resources.GetByDocID(ctx, targetID)
	if err != nil {
		return err
	}
	if local != nil {
		local.Removed = true
		local.Dirty = false
		if rd.USN > 0 {
			local.USN = rd.USN
		}
		if err := e.resources.Update(ctx, local); err != nil {
			return err
		}
	}
	res.Applied++
	return e.logMessage(ctx, sess, message.ActionDeleted, doc, rd, workspaceID)
}

// materializePulled records the pulled snapshot as the authoritative local
// Resource: clean, at the remote usn.
func (e *Engine) materializePulled(ctx context.Context, rd api.ResourceDelta, workspaceID string, doc *document.Document) error {
	if err := e.resources.Insert(ctx, &resource.Resource{
		DocID:        doc.ID,
		WorkspaceID:  workspaceID,
		Type:         doc.Type,
		Name:         doc.Name,
		EncContent:   rd.EncContent,
		Event:        resource.EventUpdate,
		USN:          rd.USN,
		CreatedBy:    rd.CreatedBy,
		LastEdited:   rd.LastEdited,
		LastEditedBy: rd.LastEditedBy,
	}); err != nil {
		return err
	}

	// A pulled Request is the new checkpoint for unsaved comparison.
	if doc.Type == document.TypeRequest {
		if _, err := e.backups.Create(ctx, doc.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) logMessage(ctx context.Context, sess *session.Session, action string, doc *document.Document, rd api.ResourceDelta, workspaceID string) error {
	by := rd.By.Nickname
	if by == "" {
		by = rd.LastEditedBy
	}
	return e.messages.Create(ctx, &message.Message{
		Action:      action,
		Doc:         message.Ref(doc),
		By:          by,
		WorkspaceID: workspaceID,
		UID:         sess.UID,
	})
}

func (e *Engine) emitPullResult(res *PullResult) {
	for _, n := range res.Notices {
		e.events.emit(Event{Kind: KindNotice, Message: n})
	}
	if res.Applied > 0 {
		e.events.emit(Event{
			Kind:    KindPull,
			Message: fmt.Sprintf("applied %d remote changes", res.Applied),
			Count:   res.Applied,
		})
	}
}
