package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TaskKind is the tagged variant distinguishing a subprocess script task
// from a conversational agent turn. Dispatch switches on this tag in
// exactly one place (the executor), per the design notes on
// polymorphism-over-kind.
type TaskKind string

const (
	TaskKindScript TaskKind = "script"
	TaskKindAgent  TaskKind = "agent"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ErrTaskNotFound is returned when a task id has no matching row.
var ErrTaskNotFound = errors.New("store: task not found")

// Task is the unit of work claimed and executed by a worker.
type Task struct {
	ID          string
	Kind        TaskKind
	Status      TaskStatus
	ScriptPath  string
	Params      json.RawMessage
	Prompt      string
	ChatID      string // empty if not chat-bound
	Workspace   string
	ClaimedBy   string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	Result      json.RawMessage
	CreatedAt   time.Time
}

// CreateTaskParams describes a new task's fields, keyed by kind.
type CreateTaskParams struct {
	Kind       TaskKind
	ScriptPath string
	Params     json.RawMessage
	Prompt     string
	ChatID     string
	Workspace  string
}

// CreateTask inserts a new pending task and returns its id.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (string, error) {
	id := uuid.NewString()
	var chatID any
	if p.ChatID != "" {
		chatID = p.ChatID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, status, script_path, params, prompt, chat_id, workspace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, string(p.Kind), string(TaskPending), nullStr(p.ScriptPath), p.Params, nullStr(p.Prompt), chatID, nullStr(p.Workspace))
	if err != nil {
		return "", fmt.Errorf("store: create task: %w", err)
	}
	return id, nil
}

// ClaimNextPendingTask atomically claims the oldest pending task for
// worker workerID, skipping rows locked by concurrent claimers, and
// transitions it to running. Returns nil (no error) if no pending task
// is available.
//
// The SELECT ... FOR UPDATE SKIP LOCKED clause is what makes concurrent
// claims safe without serializing workers against each other: a worker
// that would otherwise block on a row another worker is mid-claim on
// instead skips it and picks the next oldest candidate.
func (s *Store) ClaimNextPendingTask(ctx context.Context, workerID string) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: claim begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, string(TaskPending)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim select: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $1, claimed_by = $2, started_at = $3
		WHERE id = $4
	`, string(TaskRunning), workerID, now, id)
	if err != nil {
		return nil, fmt.Errorf("store: claim update: %w", err)
	}

	task, err := scanTaskRow(tx.QueryRow(ctx, taskSelectSQL+" WHERE id = $1", id))
	if err != nil {
		return nil, fmt.Errorf("store: claim reselect: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: claim commit: %w", err)
	}
	return task, nil
}

const taskSelectSQL = `
	SELECT id, kind, status, script_path, params, prompt, chat_id, workspace,
	       claimed_by, started_at, completed_at, error, result, created_at
	FROM tasks
`

func scanTaskRow(row pgx.Row) (*Task, error) {
	var t Task
	var kind, status string
	var scriptPath, prompt, chatID, workspace, claimedBy, errText *string
	var params, result []byte
	var startedAt, completedAt *time.Time

	err := row.Scan(&t.ID, &kind, &status, &scriptPath, &params, &prompt, &chatID, &workspace,
		&claimedBy, &startedAt, &completedAt, &errText, &result, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = TaskKind(kind)
	t.Status = TaskStatus(status)
	t.ScriptPath = derefStr(scriptPath)
	t.Prompt = derefStr(prompt)
	t.ChatID = derefStr(chatID)
	t.Workspace = derefStr(workspace)
	t.ClaimedBy = derefStr(claimedBy)
	t.Error = derefStr(errText)
	t.StartedAt = startedAt
	t.CompletedAt = completedAt
	t.Params = json.RawMessage(params)
	t.Result = json.RawMessage(result)
	return &t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := scanTaskRow(s.pool.QueryRow(ctx, taskSelectSQL+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks ordered newest-first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, taskSelectSQL+" WHERE status = $1 ORDER BY created_at DESC LIMIT $2", string(status), limit)
	} else {
		rows, err = s.pool.Query(ctx, taskSelectSQL+" ORDER BY created_at DESC LIMIT $1", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ActiveForChat returns the pending or running task for a chat, if any,
// used to enforce the at-most-one-in-flight-task-per-chat invariant.
func (s *Store) ActiveForChat(ctx context.Context, chatID string) (*Task, error) {
	task, err := scanTaskRow(s.pool.QueryRow(ctx, taskSelectSQL+`
		WHERE chat_id = $1 AND status IN ($2, $3)
		ORDER BY created_at ASC LIMIT 1
	`, chatID, string(TaskPending), string(TaskRunning)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active for chat: %w", err)
	}
	return task, nil
}

// CompleteTask marks a running task completed with the given result.
// Idempotent: a second call on an already-terminal task is a no-op.
func (s *Store) CompleteTask(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = $2, result = $3, error = NULL
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, string(TaskCompleted), now, result, id, string(TaskCompleted), string(TaskFailed))
	if err != nil {
		return fmt.Errorf("store: complete task: %w", err)
	}
	return nil
}

// FailTask marks a running task failed with the given error text.
// Idempotent like CompleteTask.
func (s *Store) FailTask(ctx context.Context, id string, errText string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, completed_at = $2, error = $3
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, string(TaskFailed), now, errText, id, string(TaskCompleted), string(TaskFailed))
	if err != nil {
		return fmt.Errorf("store: fail task: %w", err)
	}
	return nil
}

// RetryTask resets a failed task back to pending. Returns false if the
// task wasn't in failed status (no-op).
func (s *Store) RetryTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, claimed_by = NULL, started_at = NULL, completed_at = NULL, error = NULL
		WHERE id = $2 AND status = $3
	`, string(TaskPending), id, string(TaskFailed))
	if err != nil {
		return false, fmt.Errorf("store: retry task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelTask deletes a pending task. Returns false if the task wasn't
// pending (running/completed/failed tasks cannot be cancelled).
func (s *Store) CancelTask(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND status = $2`, id, string(TaskPending))
	if err != nil {
		return false, fmt.Errorf("store: cancel task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
