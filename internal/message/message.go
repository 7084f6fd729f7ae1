// Package message keeps the local activity log fed by pull notices.
//
// When a pull discovers that a teammate changed something in a shared
// workspace, a Message is recorded so the change can be surfaced later. A
// trimmed snapshot of the affected document is embedded, because the
// document itself may be modified or deleted again before anyone reads
// the message.
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apiplus/workbench/internal/document"
	"github.com/apiplus/workbench/internal/store"
)

// Actions describing what happened to the document.
const (
	ActionInsert   = "insert"
	ActionUpdate   = "update"
	ActionDeleted  = "deleted"
	ActionConflict = "conflict"
)

// DocRef is the trimmed document snapshot embedded in a message.
type DocRef struct {
	ID       string `json:"_id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	ShowID   string `json:"showid,omitempty"`
	Modified int64  `json:"modified"`
}

// Message records one remote change observed during a pull.
type Message struct {
	ID          string
	Action      string
	Doc         DocRef
	By          string // nickname of the account that made the change
	WorkspaceID string
	UID         string // account the message belongs to
	Read        bool
	Created     int64 // unix milliseconds
}

// Store provides message persistence on the shared workbench database.
type Store struct {
	db *store.DB
}

// NewStore creates a message store backed by the given database.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Ref trims a document down to the snapshot stored inside messages.
func Ref(d *document.Document) DocRef {
	return DocRef{
		ID:       d.ID,
		Type:     d.Type,
		Name:     d.Name,
		ShowID:   d.ShowID,
		Modified: d.Modified,
	}
}

// Create records a new unread message. The id and timestamp are filled in.
func (s *Store) Create(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = document.PrefixMessage + "_" + uuid.NewString()
	}
	if m.Created == 0 {
		m.Created = time.Now().UnixMilli()
	}
	docRaw, err := json.Marshal(m.Doc)
	if err != nil {
		return fmt.Errorf("failed to serialize message doc ref: %w", err)
	}

	_, err = s.db.Conn().ExecContext(ctx, `
	INSERT INTO messages (id, action, doc, by, workspace_id, uid, read, created)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Action, string(docRaw), m.By, m.WorkspaceID, m.UID,
		boolToInt(m.Read), m.Created,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// ListForUID returns an account's messages, newest first.
func (s *Store) ListForUID(ctx context.Context, uid string, limit int) ([]*Message, error) {
	query := `
	SELECT id, action, doc, by, workspace_id, uid, read, created
	FROM messages WHERE uid = ? ORDER BY created DESC, id DESC`
	args := []any{uid}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadCount returns the number of unread messages for an account.
func (s *Store) UnreadCount(ctx context.Context, uid string) (int, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE uid = ? AND read = 0`, uid)
	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// MarkRead marks one message as read. Idempotent.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	if _, err := s.db.Conn().ExecContext(ctx, `UPDATE messages SET read = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every message for an account as read.
func (s *Store) MarkAllRead(ctx context.Context, uid string) error {
	if _, err := s.db.Conn().ExecContext(ctx, `UPDATE messages SET read = 1 WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

// Prune deletes messages older than the cutoff, regardless of read state.
func (s *Store) Prune(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM messages WHERE created < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return res.RowsAffected()
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var docRaw string
	var read int
	err := rows.Scan(&m.ID, &m.Action, &docRaw, &m.By, &m.WorkspaceID, &m.UID, &read, &m.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if docRaw != "" {
		if err := json.Unmarshal([]byte(docRaw), &m.Doc); err != nil {
			return nil, fmt.Errorf("failed to parse message doc ref: %w", err)
		}
	}
	m.Read = read != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
