package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetState reads one engine state value from the session table. Missing
// keys return "".
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT value FROM session WHERE key = ?`, key)
	var v string
	err := row.Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return v, nil
}

// SetState writes one engine state value.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO session (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes one engine state value. Idempotent.
func (db *DB) DeleteState(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM session WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", key, err)
	}
	return nil
}
