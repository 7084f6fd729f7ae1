// Package backup maintains point-in-time snapshots of requests.
//
// A backup is the last-known-checkpointed form of a request, taken when
// the request is first tracked and refreshed after every successful push
// or pull. Comparing the live request against its latest backup yields the
// "unsaved" answer used to avoid clobbering in-progress edits during pull
// reconciliation.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/store"
)

// RequestBackup is one stored snapshot. Snapshot is the canonical
// serialized form of the request with volatile fields stripped.
type RequestBackup struct {
	ID          string
	ParentID    string // request document id
	Snapshot    string
	MetaSortKey float64
	Created     int64
	Modified    int64
}

// Tracker creates, compares and restores request backups.
type Tracker struct {
	db *store.DB
}

// NewTracker creates a backup tracker on the given database.
func NewTracker(db *store.DB) *Tracker {
	return &Tracker{db: db}
}

// Create snapshots the current state of a request as its newest backup.
func (t *Tracker) Create(ctx context.Context, requestID string) (*RequestBackup, error) {
	doc, err := t.db.Get(ctx, document.TypeRequest, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to read request %s for backup: %w", requestID, err)
	}

	snapshot, err := document.CanonicalJSON(doc)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	b := &RequestBackup{
		ID:          document.NewID(document.PrefixRequestBackup),
		ParentID:    requestID,
		Snapshot:    string(snapshot),
		MetaSortKey: doc.MetaSortKey,
		Created:     now,
		Modified:    now,
	}
	_, err = t.db.Conn().ExecContext(ctx, `
	INSERT INTO request_backups (id, parent_id, compressed_request, meta_sort_key, created, modified)
	VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.ParentID, b.Snapshot, b.MetaSortKey, b.Created, b.Modified,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store backup for %s: %w", requestID, err)
	}
	return b, nil
}

// LatestByParent returns the most recent backup for a request, or nil.
func (t *Tracker) LatestByParent(ctx context.Context, requestID string) (*RequestBackup, error) {
	row := t.db.Conn().QueryRowContext(ctx, `
	SELECT id, parent_id, compressed_request, meta_sort_key, created, modified
	FROM request_backups WHERE parent_id = ?
	ORDER BY modified DESC, id DESC LIMIT 1`, requestID)

	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// GetByID returns a backup by id, or nil when it does not exist.
func (t *Tracker) GetByID(ctx context.Context, backupID string) (*RequestBackup, error) {
	row := t.db.Conn().QueryRowContext(ctx, `
	SELECT id, parent_id, compressed_request, meta_sort_key, created, modified
	FROM request_backups WHERE id = ?`, backupID)

	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// HasChanged reports whether a request's live content diverges from its
// latest backup, comparing canonical serialized forms. A request with no
// backup yet gets one created on the spot and reports unchanged.
func (t *Tracker) HasChanged(ctx context.Context, doc *document.Document) (bool, error) {
	latest, err := t.LatestByParent(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		if _, err := t.Create(ctx, doc.ID); err != nil {
			return false, err
		}
		return false, nil
	}

	current, err := document.CanonicalJSON(doc)
	if err != nil {
		return false, err
	}
	return string(current) != latest.Snapshot, nil
}

// Restore merges a backup onto the current stored request and writes it
// back silently: the modified timestamp is untouched and no change is
// published, so a restore can never re-trigger a push.
//
// Restoring a missing backup returns (nil, nil); callers must check.
func (t *Tracker) Restore(ctx context.Context, backupID string) (*document.Document, error) {
	b, err := t.GetByID(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}

	live, err := t.db.Get(ctx, document.TypeRequest, b.ParentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read request %s for restore: %w", b.ParentID, err)
	}

	merged, err := document.ApplyRestorePatch(live, []byte(b.Snapshot))
	if err != nil {
		return nil, err
	}
	merged.MetaSortKey = b.MetaSortKey

	if err := t.db.UpdateSilent(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// RemoveByParent deletes every backup for a request. Idempotent.
func (t *Tracker) RemoveByParent(ctx context.Context, requestID string) error {
	if _, err := t.db.Conn().ExecContext(ctx, `DELETE FROM request_backups WHERE parent_id = ?`, requestID); err != nil {
		return fmt.Errorf("failed to remove backups for %s: %w", requestID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*RequestBackup, error) {
	var b RequestBackup
	err := row.Scan(&b.ID, &b.ParentID, &b.Snapshot, &b.MetaSortKey, &b.Created, &b.Modified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan backup: %w", err)
	}
	return &b, nil
}
