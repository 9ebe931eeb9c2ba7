package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CursorStore persists the Zulip event cursor in relay_cursor, one row per bot
// account. It satisfies bridge.CursorStore.
type CursorStore struct {
	DB  *sql.DB
	Key string // row id, normally the bot's Zulip email
}

// LoadCursor returns the saved queue id and last event id, if a row exists.
func (s *CursorStore) LoadCursor(ctx context.Context) (string, int64, bool, error) {
	var queueID string
	var last int64
	err := s.DB.QueryRowContext(ctx, `SELECT queue_id, last_event_id FROM relay_cursor WHERE id=$1`, s.Key).Scan(&queueID, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("load relay cursor: %w", err)
	}
	return queueID, last, true, nil
}

// SaveCursor upserts the cursor. registered_at moves only when the queue id changes.
func (s *CursorStore) SaveCursor(ctx context.Context, queueID string, lastEventID int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO relay_cursor (id, queue_id, last_event_id, registered_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			registered_at = CASE WHEN relay_cursor.queue_id <> EXCLUDED.queue_id THEN NOW() ELSE relay_cursor.registered_at END,
			queue_id = EXCLUDED.queue_id,
			updated_at = NOW()`,
		s.Key, queueID, lastEventID)
	if err != nil {
		return fmt.Errorf("save relay cursor: %w", err)
	}
	return nil
}
