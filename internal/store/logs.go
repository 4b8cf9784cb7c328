package store

import (
	"context"
	"fmt"
)

// LogEntry is an append-only audit record.
type LogEntry struct {
	ID        int64  `db:"id"`
	Level     string `db:"level"`
	Component string `db:"component"`
	Message   string `db:"message"`
	Details   *string `db:"details"`
	CreatedAt string `db:"created_at"`
}

// AppendLog writes a best-effort audit record. Callers (obslog.Logger) treat
// any error as non-escalating; the Store itself retries once on a transient
// I/O error before surfacing.
func (s *Store) AppendLog(level, component, message, details string) error {
	ctx := context.Background()
	var detailsVal any
	if details != "" {
		detailsVal = details
	}

	insert := func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO log_entries (level, component, message, details, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, level, component, message, detailsVal, now())
		return err
	}

	if err := insert(); err != nil {
		if err := insert(); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
	}
	return nil
}
