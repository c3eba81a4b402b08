package usercache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Cursor returns the stored value for name, or 0 if it was never set.
func (s *SQLiteStore) Cursor(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if err := validateKey(name); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr(err, "read cursor")
	}
	return value, nil
}

// SetCursor upserts the value for name.
func (s *SQLiteStore) SetCursor(ctx context.Context, name string, value int64) error {
	name = strings.TrimSpace(name)
	if err := validateKey(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (name, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, name, value)
	if err != nil {
		return storageErr(err, "write cursor")
	}
	return nil
}
