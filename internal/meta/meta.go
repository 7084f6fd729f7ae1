// Package meta stores the local-only, never-synced state attached to
// workspaces and requests.
//
// WorkspaceMeta carries the caller's role and pull cursor for one
// workspace; RequestMeta carries the unsave/unpush flags driving conflict
// detection and explicit-save pushes.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/apiplus/workbench/internal/store"
)

// Workspace roles as reported by the remote API.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// UIDUnshared marks a workspace whose share was revoked: the local record
// is kept (so regaining access is cheap) but detached from the account.
const UIDUnshared = "unshare"

// WorkspaceMeta is the local-only per-workspace sync state.
type WorkspaceMeta struct {
	ParentID   string // workspace document id
	Role       string
	UID        string // owning account, or UIDUnshared
	ExpiredAt  *int64 // unix ms; non-nil when access was revoked
	LastPullAt int64  // per-workspace resource pull cursor
	HasSeen    bool
	Important  bool
}

// RequestMeta is the local-only per-request sync state.
type RequestMeta struct {
	ParentID string // request document id
	Unsave   bool   // live content diverges from the authoritative backup
	Unpush   bool   // last push attempt has not yet succeeded
}

// Store provides meta persistence on the shared workbench database.
type Store struct {
	db *store.DB
}

// NewStore creates a meta store backed by the given database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// GetWorkspace returns the meta for a workspace, or nil when none exists.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*WorkspaceMeta, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
	SELECT parent_id, role, uid, expired_at, last_pull_at, has_seen, important
	FROM workspace_meta WHERE parent_id = ?`, workspaceID)

	var m WorkspaceMeta
	var expired sql.NullInt64
	var hasSeen, important int
	err := row.Scan(&m.ParentID, &m.Role, &m.UID, &expired, &m.LastPullAt, &hasSeen, &important)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace meta %s: %w", workspaceID, err)
	}
	if expired.Valid {
		m.ExpiredAt = &expired.Int64
	}
	m.HasSeen = hasSeen != 0
	m.Important = important != 0
	return &m, nil
}

// GetOrCreateWorkspace returns the meta for a workspace, lazily creating
// an owner-role record bound to uid.
func (s *Store) GetOrCreateWorkspace(ctx context.Context, workspaceID, uid string) (*WorkspaceMeta, error) {
	m, err := s.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	m = &WorkspaceMeta{ParentID: workspaceID, Role: RoleOwner, UID: uid, HasSeen: true}
	if err := s.PutWorkspace(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PutWorkspace inserts or replaces a workspace meta record.
func (s *Store) PutWorkspace(ctx context.Context, m *WorkspaceMeta) error {
	var expired sql.NullInt64
	if m.ExpiredAt != nil {
		expired = sql.NullInt64{Int64: *m.ExpiredAt, Valid: true}
	}
	_, err := s.db.Conn().ExecContext(ctx, `
	INSERT INTO workspace_meta (parent_id, role, uid, expired_at, last_pull_at, has_seen, important)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(parent_id) DO UPDATE SET
		role = excluded.role,
		uid = excluded.uid,
		expired_at = excluded.expired_at,
		last_pull_at = excluded.last_pull_at,
		has_seen = excluded.has_seen,
		important = excluded.important`,
		m.ParentID, m.Role, m.UID, expired, m.LastPullAt,
		boolToInt(m.HasSeen), boolToInt(m.Important),
	)
	if err != nil {
		return fmt.Errorf("failed to put workspace meta %s: %w", m.ParentID, err)
	}
	return nil
}

// RemoveWorkspace deletes a workspace meta record. Idempotent.
func (s *Store) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	if _, err := s.db.Conn().ExecContext(ctx, `DELETE FROM workspace_meta WHERE parent_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("failed to remove workspace meta %s: %w", workspaceID, err)
	}
	return nil
}

// WorkspacesForUID returns the ids of workspaces still attached to an
// account, excluding revoked shares.
func (s *Store) WorkspacesForUID(ctx context.Context, uid string) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
	SELECT parent_id FROM workspace_meta WHERE uid = ? ORDER BY parent_id ASC`, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces for %s: %w", uid, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRequest returns the meta for a request, or nil when none exists.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*RequestMeta, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
	SELECT parent_id, unsave, unpush FROM request_meta WHERE parent_id = ?`, requestID)

	var m RequestMeta
	var unsave, unpush int
	err := row.Scan(&m.ParentID, &unsave, &unpush)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request meta %s: %w", requestID, err)
	}
	m.Unsave = unsave != 0
	m.Unpush = unpush != 0
	return &m, nil
}

// GetOrCreateRequest returns the meta for a request, lazily creating a
// clean record.
func (s *Store) GetOrCreateRequest(ctx context.Context, requestID string) (*RequestMeta, error) {
	m, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	m = &RequestMeta{ParentID: requestID}
	if err := s.PutRequest(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PutRequest inserts or replaces a request meta record.
func (s *Store) PutRequest(ctx context.Context, m *RequestMeta) error {
	_, err := s.db.Conn().ExecContext(ctx, `
	INSERT INTO request_meta (parent_id, unsave, unpush)
	VALUES (?, ?, ?)
	ON CONFLICT(parent_id) DO UPDATE SET
		unsave = excluded.unsave,
		unpush = excluded.unpush`,
		m.ParentID, boolToInt(m.Unsave), boolToInt(m.Unpush),
	)
	if err != nil {
		return fmt.Errorf("failed to put request meta %s: %w", m.ParentID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
