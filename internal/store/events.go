package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// AppendTaskEvent durably records one TaskEvent row with
// sequence = max(existing)+1 for the task. This is the store-backed
// half of the event bus's best-effort durable write; callers log on
// error rather than propagate it, per the event bus's contract.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, eventType string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: append task event begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, taskID); err != nil {
		return fmt.Errorf("store: append task event lock: %w", err)
	}

	var next int
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM task_events WHERE task_id = $1`, taskID).Scan(&next)
	if err != nil {
		return fmt.Errorf("store: append task event seq: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_events (task_id, event_type, event_data, sequence)
		VALUES ($1, $2, $3, $4)
	`, taskID, eventType, data, next)
	if err != nil {
		return fmt.Errorf("store: append task event insert: %w", err)
	}

	return tx.Commit(ctx)
}
