// Package resource implements the sync-tracking record store.
//
// A Resource wraps one synced document with the bookkeeping the engine
// needs: the compressed snapshot last seen for it, whether it has local
// changes awaiting upload (dirty), and the server-assigned update sequence
// number (usn) establishing the total order of writes to it.
//
// There is at most one live Resource per document id. Duplicates can
// appear through historical accidents; FindByDocID returns all of them and
// callers garbage-collect the extras.
package resource

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/apiplus/workbench/internal/store"
)

// Mutation events recorded on a Resource.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventRemove = "remove"
)

// Resource is the sync-tracking record for one document.
type Resource struct {
	ID           string // derived from DocID, stable across retries
	DocID        string
	WorkspaceID  string
	Type         string
	Name         string
	EncContent   string // compressed document snapshot, opaque to transport
	Dirty        bool
	Removed      bool
	Event        string // insert | update | remove
	USN          int64
	CreatedBy    string
	LastEdited   int64 // unix milliseconds, document modified time
	LastEditedBy string
}

// DeriveID returns the deterministic resource id for a document id, so
// retried inserts are idempotent.
func DeriveID(docID string) string {
	sum := sha256.Sum256([]byte(docID))
	return "rs_" + hex.EncodeToString(sum[:16])
}

// Store provides Resource persistence on the shared workbench database.
type Store struct {
	db *store.DB
}

// NewStore creates a resource store backed by the given database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

const resourceColumns = `id, doc_id, workspace_id, type, name, enc_content, dirty, removed, event, usn, created_by, last_edited, last_edited_by`

// Insert stores a new Resource. The id is derived from the document id;
// inserting twice for the same document overwrites rather than failing, so
// a retried materialization cannot duplicate the record.
func (s *Store) Insert(ctx context.Context, r *Resource) error {
	if r.DocID == "" {
		return fmt.Errorf("resource missing doc id")
	}
	if r.ID == "" {
		r.ID = DeriveID(r.DocID)
	}

	query := `
	INSERT INTO resources (` + resourceColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		doc_id = excluded.doc_id,
		workspace_id = excluded.workspace_id,
		type = excluded.type,
		name = excluded.name,
		enc_content = excluded.enc_content,
		dirty = excluded.dirty,
		removed = excluded.removed,
		event = excluded.event,
		usn = excluded.usn,
		created_by = excluded.created_by,
		last_edited = excluded.last_edited,
		last_edited_by = excluded.last_edited_by
	`
	_, err := s.db.Conn().ExecContext(ctx, query,
		r.ID, r.DocID, r.WorkspaceID, r.Type, r.Name, r.EncContent,
		boolToInt(r.Dirty), boolToInt(r.Removed), r.Event, r.USN,
		r.CreatedBy, r.LastEdited, r.LastEditedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert resource for %s: %w", r.DocID, err)
	}
	return nil
}

// Update rewrites an existing Resource. SQLite serializes writers, so
// concurrent updates to the same id cannot interleave mid-row.
func (s *Store) Update(ctx context.Context, r *Resource) error {
	query := `
	UPDATE resources SET
		doc_id = ?, workspace_id = ?, type = ?, name = ?, enc_content = ?,
		dirty = ?, removed = ?, event = ?, usn = ?, created_by = ?,
		last_edited = ?, last_edited_by = ?
	WHERE id = ?
	`
	res, err := s.db.Conn().ExecContext(ctx, query,
		r.DocID, r.WorkspaceID, r.Type, r.Name, r.EncContent,
		boolToInt(r.Dirty), boolToInt(r.Removed), r.Event, r.USN,
		r.CreatedBy, r.LastEdited, r.LastEditedBy, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update resource %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("resource %s does not exist", r.ID)
	}
	return nil
}

// Remove deletes a Resource. Idempotent.
func (s *Store) Remove(ctx context.Context, r *Resource) error {
	if _, err := s.db.Conn().ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, r.ID); err != nil {
		return fmt.Errorf("failed to remove resource %s: %w", r.ID, err)
	}
	return nil
}

// FindByDocID returns the Resources tracking a document id. Callers must
// tolerate more than one result and reconcile the extras.
func (s *Store) FindByDocID(ctx context.Context, docID string) ([]*Resource, error) {
	return s.findWhere(ctx, `doc_id = ?`, docID)
}

// GetByDocID returns the authoritative Resource for a document id after
// garbage-collecting any duplicates, or nil when none exists.
func (s *Store) GetByDocID(ctx context.Context, docID string) (*Resource, error) {
	found, err := s.FindByDocID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	for _, extra := range found[1:] {
		if err := s.Remove(ctx, extra); err != nil {
			return nil, err
		}
	}
	return found[0], nil
}

// FindDirty returns every Resource with local changes awaiting upload.
func (s *Store) FindDirty(ctx context.Context) ([]*Resource, error) {
	return s.findWhere(ctx, `dirty = 1`)
}

// All returns every Resource.
func (s *Store) All(ctx context.Context) ([]*Resource, error) {
	return s.findWhere(ctx, `1 = 1`)
}

// FindByWorkspace returns the Resources belonging to a workspace.
func (s *Store) FindByWorkspace(ctx context.Context, workspaceID string) ([]*Resource, error) {
	return s.findWhere(ctx, `workspace_id = ?`, workspaceID)
}

func (s *Store) findWhere(ctx context.Context, where string, args ...any) ([]*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE ` + where + ` ORDER BY last_edited ASC, id ASC`
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return out, nil
}

func scanResource(rows *sql.Rows) (*Resource, error) {
	var r Resource
	var dirty, removed int
	err := rows.Scan(
		&r.ID, &r.DocID, &r.WorkspaceID, &r.Type, &r.Name, &r.EncContent,
		&dirty, &removed, &r.Event, &r.USN, &r.CreatedBy,
		&r.LastEdited, &r.LastEditedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan resource: %w", err)
	}
	r.Dirty = dirty != 0
	r.Removed = removed != 0
	return &r, nil
}

// String implements fmt.Stringer for log lines.
func (r *Resource) String() string {
	var flags []string
	if r.Dirty {
		flags = append(flags, "dirty")
	}
	if r.Removed {
		flags = append(flags, "removed")
	}
	return fmt.Sprintf("%s(%s usn=%d %s)", r.Type, r.DocID, r.USN, strings.Join(flags, ","))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
