package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

type memRows struct {
	rows map[string]*store.RateLimitRow
}

func newMemRows() *memRows {
	return &memRows{rows: make(map[string]*store.RateLimitRow)}
}

func (m *memRows) key(identityID, actionType string) string {
	return identityID + "|" + actionType
}

func (m *memRows) GetOrCreateRateLimitRow(_ context.Context, identityID, actionType string) (*store.RateLimitRow, error) {
	k := m.key(identityID, actionType)
	if r, ok := m.rows[k]; ok {
		cp := *r
		cp.HourlyTimestamps = append([]time.Time(nil), r.HourlyTimestamps...)
		return &cp, nil
	}
	r := &store.RateLimitRow{
		IdentityID: identityID, ActionType: actionType,
		Day: time.Now().UTC().Truncate(24 * time.Hour),
	}
	m.rows[k] = r
	cp := *r
	return &cp, nil
}

func (m *memRows) SaveRateLimitRow(_ context.Context, r *store.RateLimitRow) error {
	cp := *r
	cp.HourlyTimestamps = append([]time.Time(nil), r.HourlyTimestamps...)
	m.rows[m.key(r.IdentityID, r.ActionType)] = &cp
	return nil
}

func (m *memRows) DeleteRateLimitRows(_ context.Context, identityID, actionType string) error {
	for k, r := range m.rows {
		if r.IdentityID != identityID {
			continue
		}
		if actionType != "" && r.ActionType != actionType {
			continue
		}
		delete(m.rows, k)
	}
	return nil
}

func TestLimiter_AdmitsUpToHourlyLimit(t *testing.T) {
	rows := newMemRows()
	l := New(rows)
	ctx := context.Background()
	limit := DefaultLimits["profile_visit"].Hourly

	for i := 0; i < limit; i++ {
		ok, wait, err := l.CanRequest(ctx, "id1", "profile_visit")
		if err != nil {
			t.Fatalf("can_request #%d: %v", i+1, err)
		}
		if !ok || wait != 0 {
			t.Fatalf("request %d denied (wait=%d), want admitted", i+1, wait)
		}
		if err := l.RecordRequest(ctx, "id1", "profile_visit"); err != nil {
			t.Fatalf("record_request #%d: %v", i+1, err)
		}
	}

	ok, wait, err := l.CanRequest(ctx, "id1", "profile_visit")
	if err != nil {
		t.Fatalf("can_request over limit: %v", err)
	}
	if ok {
		t.Fatalf("request %d admitted, want denied", limit+1)
	}
	if wait < 0 || wait > 3600 {
		t.Fatalf("wait = %d, want within [0, 3600]", wait)
	}
}

func TestLimiter_OldTimestampAgesOut(t *testing.T) {
	rows := newMemRows()
	l := New(rows)
	ctx := context.Background()
	limits := DefaultLimits["profile_visit"]

	// Fill the hourly window with one stale entry and the rest fresh.
	now := time.Now().UTC()
	stamps := []time.Time{now.Add(-61 * time.Minute)}
	for i := 1; i < limits.Hourly; i++ {
		stamps = append(stamps, now.Add(-time.Duration(i)*time.Second))
	}
	rows.rows[rows.key("id1", "profile_visit")] = &store.RateLimitRow{
		IdentityID: "id1", ActionType: "profile_visit",
		Day:              now.Truncate(24 * time.Hour),
		HourlyTimestamps: stamps,
		DailyCount:       limits.Hourly,
	}

	// The stale entry is pruned, so exactly one slot is free.
	ok, _, err := l.CanRequest(ctx, "id1", "profile_visit")
	if err != nil {
		t.Fatalf("can_request: %v", err)
	}
	if !ok {
		t.Fatal("request denied, want admitted after oldest timestamp aged out")
	}

	saved := rows.rows[rows.key("id1", "profile_visit")]
	if len(saved.HourlyTimestamps) != limits.Hourly-1 {
		t.Fatalf("persisted window length = %d, want %d after pruning", len(saved.HourlyTimestamps), limits.Hourly-1)
	}
}

func TestLimiter_DailyLimitWaitsForMidnight(t *testing.T) {
	rows := newMemRows()
	l := New(rows)
	ctx := context.Background()
	limits := DefaultLimits["search"]

	rows.rows[rows.key("id1", "search")] = &store.RateLimitRow{
		IdentityID: "id1", ActionType: "search",
		Day:        time.Now().UTC().Truncate(24 * time.Hour),
		DailyCount: limits.Daily,
	}

	ok, wait, err := l.CanRequest(ctx, "id1", "search")
	if err != nil {
		t.Fatalf("can_request: %v", err)
	}
	if ok {
		t.Fatal("request admitted, want denied at daily cap")
	}
	if wait <= 0 || wait > 24*3600 {
		t.Fatalf("wait = %d, want positive duration to UTC midnight", wait)
	}
}

func TestLimiter_UnknownActionUsesDefault(t *testing.T) {
	got := limitsFor("never-heard-of-it")
	if got != DefaultLimits["default"] {
		t.Fatalf("limits = %+v, want default fallback", got)
	}
}

func TestLimiter_RecordRequestStampsRow(t *testing.T) {
	rows := newMemRows()
	l := New(rows)
	ctx := context.Background()

	if err := l.RecordRequest(ctx, "id1", "message"); err != nil {
		t.Fatalf("record_request: %v", err)
	}

	saved := rows.rows[rows.key("id1", "message")]
	if saved.DailyCount != 1 {
		t.Fatalf("daily count = %d, want 1", saved.DailyCount)
	}
	if len(saved.HourlyTimestamps) != 1 {
		t.Fatalf("hourly window length = %d, want 1", len(saved.HourlyTimestamps))
	}
	if saved.LastRequestAt == nil {
		t.Fatal("last_request_at not stamped")
	}
}

func TestLimiter_StatsAfterPruning(t *testing.T) {
	rows := newMemRows()
	l := New(rows)
	ctx := context.Background()
	now := time.Now().UTC()

	rows.rows[rows.key("id1", "message")] = &store.RateLimitRow{
		IdentityID: "id1", ActionType: "message",
		Day:              now.Truncate(24 * time.Hour),
		HourlyTimestamps: []time.Time{now.Add(-2 * time.Hour), now.Add(-time.Minute)},
		DailyCount:       7,
	}

	stats, err := l.Stats(ctx, "id1", "message")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	s, ok := stats["message"]
	if !ok {
		t.Fatal("stats missing message action")
	}
	if s.HourlyUsed != 1 {
		t.Fatalf("hourly used = %d, want 1 after pruning the 2h-old entry", s.HourlyUsed)
	}
	if s.DailyUsed != 7 {
		t.Fatalf("daily used = %d, want 7", s.DailyUsed)
	}
	if s.HourlyLimit != DefaultLimits["message"].Hourly || s.DailyLimit != DefaultLimits["message"].Daily {
		t.Fatalf("limits = %d/%d, want the message action's configured pair", s.HourlyLimit, s.DailyLimit)
	}
}

func TestLimiter_StatsAllActions(t *testing.T) {
	rows := newMemRows()
	l := New(rows)

	stats, err := l.Stats(context.Background(), "id1", "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if _, ok := stats["default"]; ok {
		t.Fatal("stats includes the default fallback as an action")
	}
	if len(stats) != len(DefaultLimits)-1 {
		t.Fatalf("stats covers %d actions, want %d", len(stats), len(DefaultLimits)-1)
	}
}

func TestLimiter_ResetDaily(t *testing.T) {
	rows := newMemRows()
	l := New(rows)
	ctx := context.Background()

	_ = l.RecordRequest(ctx, "id1", "message")
	_ = l.RecordRequest(ctx, "id1", "search")

	if err := l.ResetDaily(ctx, "id1", "message"); err != nil {
		t.Fatalf("reset one action: %v", err)
	}
	if _, ok := rows.rows[rows.key("id1", "message")]; ok {
		t.Fatal("message row still present after reset")
	}
	if _, ok := rows.rows[rows.key("id1", "search")]; !ok {
		t.Fatal("search row deleted by a scoped reset")
	}

	if err := l.ResetDaily(ctx, "id1", ""); err != nil {
		t.Fatalf("reset all: %v", err)
	}
	if len(rows.rows) != 0 {
		t.Fatalf("rows remaining after full reset = %d, want 0", len(rows.rows))
	}
}
