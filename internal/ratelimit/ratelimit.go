// Package ratelimit implements per-identity, per-action rate limiting
// with an hourly sliding window and a calendar-daily counter. Pruning
// happens on every read and every write, so the hourly timestamp list
// never grows unbounded.
package ratelimit

import (
	"context"
	"time"

	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

// Limits is an {hourly, daily} request cap pair for one action.
type Limits struct {
	Hourly int
	Daily  int
}

// DefaultLimits is the static action→limits mapping, with "default" as
// the fallback for unrecognized actions.
var DefaultLimits = map[string]Limits{
	"profile_visit":      {Hourly: 30, Daily: 150},
	"search":             {Hourly: 20, Daily: 100},
	"connection_request": {Hourly: 10, Daily: 50},
	"message":            {Hourly: 15, Daily: 75},
	"kaspr_lookup":       {Hourly: 50, Daily: 500},
	"default":            {Hourly: 60, Daily: 300},
}

func limitsFor(action string) Limits {
	if l, ok := DefaultLimits[action]; ok {
		return l
	}
	return DefaultLimits["default"]
}

// rowStore is the narrow store surface the limiter needs.
type rowStore interface {
	GetOrCreateRateLimitRow(ctx context.Context, identityID, actionType string) (*store.RateLimitRow, error)
	SaveRateLimitRow(ctx context.Context, r *store.RateLimitRow) error
	DeleteRateLimitRows(ctx context.Context, identityID, actionType string) error
}

// Limiter is the Rate Limiter component.
type Limiter struct {
	store rowStore
}

// New creates a Limiter backed by s.
func New(s rowStore) *Limiter {
	return &Limiter{store: s}
}

func pruneHourly(timestamps []time.Time) []time.Time {
	cutoff := time.Now().UTC().Add(-time.Hour)
	out := timestamps[:0:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// CanRequest reports whether action is currently allowed for identityID.
// When denied, waitSeconds is how long until the caller should retry:
// time to UTC midnight if the daily cap is hit, or time until the
// oldest hourly timestamp ages out otherwise.
func (l *Limiter) CanRequest(ctx context.Context, identityID, action string) (ok bool, waitSeconds int, err error) {
	limits := limitsFor(action)
	row, err := l.store.GetOrCreateRateLimitRow(ctx, identityID, action)
	if err != nil {
		return false, 0, err
	}
	row.HourlyTimestamps = pruneHourly(row.HourlyTimestamps)
	if err := l.store.SaveRateLimitRow(ctx, row); err != nil {
		return false, 0, err
	}

	now := time.Now().UTC()
	if row.DailyCount >= limits.Daily {
		midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		return false, int(midnight.Sub(now).Seconds()), nil
	}
	if len(row.HourlyTimestamps) >= limits.Hourly {
		oldest := row.HourlyTimestamps[0]
		wait := oldest.Add(time.Hour).Sub(now).Seconds()
		if wait < 0 {
			wait = 0
		}
		return false, int(wait), nil
	}
	return true, 0, nil
}

// RecordRequest prunes, appends now to the hourly window, increments
// the daily counter, and stamps last_request_at. Not atomic with
// CanRequest — callers racing at the boundary may overshoot by one
// request per identity under concurrent use; see design notes.
func (l *Limiter) RecordRequest(ctx context.Context, identityID, action string) error {
	row, err := l.store.GetOrCreateRateLimitRow(ctx, identityID, action)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row.HourlyTimestamps = append(pruneHourly(row.HourlyTimestamps), now)
	row.DailyCount++
	row.LastRequestAt = &now
	return l.store.SaveRateLimitRow(ctx, row)
}

// Stat reports usage for one action after pruning.
type Stat struct {
	HourlyUsed, HourlyLimit int
	DailyUsed, DailyLimit   int
	LastRequest             *time.Time
}

// Stats reports usage for one action (or, if action is "", every action
// with DEFAULT_LIMITS entries) for identityID.
func (l *Limiter) Stats(ctx context.Context, identityID, action string) (map[string]Stat, error) {
	actions := []string{action}
	if action == "" {
		actions = nil
		for a := range DefaultLimits {
			if a != "default" {
				actions = append(actions, a)
			}
		}
	}
	out := make(map[string]Stat, len(actions))
	for _, a := range actions {
		row, err := l.store.GetOrCreateRateLimitRow(ctx, identityID, a)
		if err != nil {
			return nil, err
		}
		row.HourlyTimestamps = pruneHourly(row.HourlyTimestamps)
		limits := limitsFor(a)
		out[a] = Stat{
			HourlyUsed: len(row.HourlyTimestamps), HourlyLimit: limits.Hourly,
			DailyUsed: row.DailyCount, DailyLimit: limits.Daily,
			LastRequest: row.LastRequestAt,
		}
	}
	return out, nil
}

// ResetDaily deletes rate limit rows for identityID, optionally scoped
// to one action.
func (l *Limiter) ResetDaily(ctx context.Context, identityID, action string) error {
	return l.store.DeleteRateLimitRows(ctx, identityID, action)
}
