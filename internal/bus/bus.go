// Package bus implements the per-task event tail that bridges a
// synchronous executor to asynchronous HTTP subscribers: an in-memory,
// append-only, ordered list of events per task, paired with a
// level-triggered wait/signal so subscribers can block until new data
// arrives instead of polling.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// durableWriter is the narrow interface the bus needs from the store to
// persist a best-effort durable copy of each event.
type durableWriter interface {
	AppendTaskEvent(ctx context.Context, taskID, eventType string, data json.RawMessage) error
}

// Event is one entry in a task's event tail.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"-"`
}

// MarshalJSON flattens Data's fields alongside type/timestamp, so the
// wire shape is `{type, timestamp, ...payload fields}`.
func (e Event) MarshalJSON() ([]byte, error) {
	merged := map[string]any{
		"type":      e.Type,
		"timestamp": e.Timestamp,
	}
	if len(e.Data) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(e.Data, &extra); err == nil {
			for k, v := range extra {
				merged[k] = v
			}
		}
	}
	return json.Marshal(merged)
}

type taskState struct {
	mu     sync.Mutex
	events []Event
	waitCh chan struct{} // closed and replaced on every emit to release all waiters
}

func newTaskState() *taskState {
	return &taskState{waitCh: make(chan struct{})}
}

// Bus is the process-local event tail store, one taskState per active task.
type Bus struct {
	mu     sync.RWMutex
	tasks  map[string]*taskState
	store  durableWriter
	logger *slog.Logger
}

// New creates a Bus whose durable writes (best-effort) go through store.
func New(store durableWriter, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{tasks: make(map[string]*taskState), store: store, logger: logger}
}

func (b *Bus) stateFor(taskID string) *taskState {
	b.mu.RLock()
	ts, ok := b.tasks[taskID]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.tasks[taskID]; ok {
		return ts
	}
	ts = newTaskState()
	b.tasks[taskID] = ts
	return ts
}

// Emit appends an event to the in-memory tail and writes a durable copy
// (best-effort; a durable-write failure is logged, not raised, since
// the in-memory tail is the source of truth for live subscribers).
func (b *Bus) Emit(ctx context.Context, taskID, eventType string, data json.RawMessage) {
	ts := b.stateFor(taskID)

	ts.mu.Lock()
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	ts.events = append(ts.events, ev)
	released := ts.waitCh
	ts.waitCh = make(chan struct{})
	ts.mu.Unlock()
	close(released)

	if b.store != nil {
		if err := b.store.AppendTaskEvent(ctx, taskID, eventType, data); err != nil {
			b.logger.Warn("task event durable write failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}
}

// Snapshot returns the events at indices [afterIndex, ...) in the tail.
func (b *Bus) Snapshot(taskID string, afterIndex int) []Event {
	ts := b.stateFor(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if afterIndex < 0 {
		afterIndex = 0
	}
	if afterIndex >= len(ts.events) {
		return nil
	}
	out := make([]Event, len(ts.events)-afterIndex)
	copy(out, ts.events[afterIndex:])
	return out
}

// Wait blocks until the task's tail has grown past seen events, or
// timeout elapses. Returns true on new data, false on timeout. Passing
// the caller's snapshot position closes the race where an Emit lands
// between the caller's Snapshot and its Wait: such an event is detected
// here immediately instead of only being noticed after the next emit or
// a full timeout. Multiple concurrent waiters are all released on emit;
// waiters still re-check Snapshot after wake (level-triggered).
func (b *Bus) Wait(ctx context.Context, taskID string, seen int, timeout time.Duration) bool {
	ts := b.stateFor(taskID)
	ts.mu.Lock()
	if len(ts.events) > seen {
		ts.mu.Unlock()
		return true
	}
	ch := ts.waitCh
	ts.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Cleanup drops the in-memory tail and waiter for a terminated task.
// Durable events remain in the task_events table. After cleanup,
// indices reset: a subsequent Emit starts a fresh tail at index 0.
func (b *Bus) Cleanup(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, taskID)
}
