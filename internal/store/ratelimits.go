package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RateLimitRow is one (identity, action, calendar day) counter row.
type RateLimitRow struct {
	IdentityID       string
	ActionType       string
	Day              time.Time
	HourlyTimestamps []time.Time
	DailyCount       int
	LastRequestAt    *time.Time
}

// GetOrCreateRateLimitRow fetches today's (UTC) row for
// (identityID, actionType), creating an empty one if absent.
func (s *Store) GetOrCreateRateLimitRow(ctx context.Context, identityID, actionType string) (*RateLimitRow, error) {
	day := time.Now().UTC().Truncate(24 * time.Hour)

	row, err := s.getRateLimitRow(ctx, identityID, actionType, day)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}

	empty, _ := json.Marshal([]time.Time{})
	_, err = s.pool.Exec(ctx, `
		INSERT INTO rate_limits (identity_id, action_type, day, hourly_timestamps, daily_count)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (identity_id, action_type, day) DO NOTHING
	`, identityID, actionType, day, empty)
	if err != nil {
		return nil, fmt.Errorf("store: create rate limit row: %w", err)
	}
	row, err = s.getRateLimitRow(ctx, identityID, actionType, day)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) getRateLimitRow(ctx context.Context, identityID, actionType string, day time.Time) (*RateLimitRow, error) {
	var r RateLimitRow
	var ts []byte
	err := s.pool.QueryRow(ctx, `
		SELECT identity_id, action_type, day, hourly_timestamps, daily_count, last_request_at
		FROM rate_limits WHERE identity_id = $1 AND action_type = $2 AND day = $3
	`, identityID, actionType, day).Scan(&r.IdentityID, &r.ActionType, &r.Day, &ts, &r.DailyCount, &r.LastRequestAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get rate limit row: %w", err)
	}
	_ = json.Unmarshal(ts, &r.HourlyTimestamps)
	return &r, nil
}

// SaveRateLimitRow persists the pruned hourly timestamps, daily count,
// and last-request time for the row's (identity, action, day) key.
func (s *Store) SaveRateLimitRow(ctx context.Context, r *RateLimitRow) error {
	ts, err := json.Marshal(r.HourlyTimestamps)
	if err != nil {
		return fmt.Errorf("store: marshal hourly timestamps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE rate_limits SET hourly_timestamps = $1, daily_count = $2, last_request_at = $3
		WHERE identity_id = $4 AND action_type = $5 AND day = $6
	`, ts, r.DailyCount, r.LastRequestAt, r.IdentityID, r.ActionType, r.Day)
	if err != nil {
		return fmt.Errorf("store: save rate limit row: %w", err)
	}
	return nil
}

// DeleteRateLimitRows removes rows for identityID, optionally narrowed
// to one actionType ("" = all actions).
func (s *Store) DeleteRateLimitRows(ctx context.Context, identityID, actionType string) error {
	if actionType == "" {
		_, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE identity_id = $1`, identityID)
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE identity_id = $1 AND action_type = $2`, identityID, actionType)
	return err
}
