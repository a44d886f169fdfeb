package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

// openTestStore connects to the Postgres instance named by
// TEST_DATABASE_URL and resets every table. Tests that need a real
// database skip when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database tests")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)

	for _, table := range []string{"task_events", "messages", "tasks", "chats", "rate_limits", "identities", "secrets"} {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("reset %s: %v", table, err)
		}
	}
	return s
}

func mustCreateTask(t *testing.T, s *Store, p CreateTaskParams) string {
	t.Helper()
	id, err := s.CreateTask(context.Background(), p)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestClaim_ConcurrentWorkersNoDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const tasks = 3
	const workers = 5
	var ids []string
	for i := 0; i < tasks; i++ {
		ids = append(ids, mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/bin/true"}))
	}

	var wg sync.WaitGroup
	claimed := make(chan *Task, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task, err := s.ClaimNextPendingTask(ctx, "worker-"+string(rune('a'+n)))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if task != nil {
				claimed <- task
			}
		}(i)
	}
	wg.Wait()
	close(claimed)

	seen := map[string]bool{}
	count := 0
	for task := range claimed {
		count++
		if seen[task.ID] {
			t.Fatalf("task %s claimed twice", task.ID)
		}
		seen[task.ID] = true
		if task.Status != TaskRunning {
			t.Fatalf("claimed task status = %s, want running", task.Status)
		}
		if task.ClaimedBy == "" || task.StartedAt == nil {
			t.Fatalf("claimed task = %+v, want claimed_by and started_at stamped", task)
		}
	}
	if count != tasks {
		t.Fatalf("claims = %d, want exactly %d (two workers should find no work)", count, tasks)
	}
}

func TestClaim_FIFOByCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/a"})
	time.Sleep(5 * time.Millisecond)
	mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/b"})

	task, err := s.ClaimNextPendingTask(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.ID != first {
		t.Fatalf("claimed %v, want the oldest pending task %s", task, first)
	}
}

func TestClaim_EmptyQueue(t *testing.T) {
	s := openTestStore(t)
	task, err := s.ClaimNextPendingTask(context.Background(), "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task != nil {
		t.Fatalf("claim = %+v, want nil on empty queue", task)
	}
}

func TestCompleteAndFail_TerminalInvariants(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/a"})
	if _, err := s.ClaimNextPendingTask(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.CompleteTask(ctx, id, json.RawMessage(`{"output":"ok"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != TaskCompleted || task.CompletedAt == nil {
		t.Fatalf("task = %+v, want completed with timestamp", task)
	}
	if len(task.Result) == 0 || task.Error != "" {
		t.Fatalf("task = %+v, want result set and error empty", task)
	}

	// Re-applying a terminal transition is a no-op.
	if err := s.FailTask(ctx, id, "late failure"); err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	task, _ = s.GetTask(ctx, id)
	if task.Status != TaskCompleted {
		t.Fatalf("status flipped to %s after terminal, want completed", task.Status)
	}
	if err := s.CompleteTask(ctx, id, json.RawMessage(`{"output":"other"}`)); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	task, _ = s.GetTask(ctx, id)
	if string(task.Result) != `{"output":"ok"}` {
		t.Fatalf("result = %s, want first-written payload unchanged", task.Result)
	}
}

func TestFail_SetsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/a"})
	if _, err := s.ClaimNextPendingTask(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FailTask(ctx, id, "exit 1"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != TaskFailed || task.Error != "exit 1" || task.CompletedAt == nil {
		t.Fatalf("task = %+v, want failed with error and timestamp", task)
	}
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/a"})

	ok, err := s.RetryTask(ctx, id)
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if ok {
		t.Fatal("retry of a pending task succeeded, want refusal")
	}

	if _, err := s.ClaimNextPendingTask(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.FailTask(ctx, id, "exit 1"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	ok, err = s.RetryTask(ctx, id)
	if err != nil {
		t.Fatalf("retry failed task: %v", err)
	}
	if !ok {
		t.Fatal("retry of a failed task refused")
	}
	task, _ := s.GetTask(ctx, id)
	if task.Status != TaskPending || task.ClaimedBy != "" || task.StartedAt != nil || task.CompletedAt != nil || task.Error != "" {
		t.Fatalf("task after retry = %+v, want a clean pending row", task)
	}
}

func TestCancel_OnlyPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/a"})
	ok, err := s.CancelTask(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("cancel of a pending task refused")
	}
	if _, err := s.GetTask(ctx, id); err != ErrTaskNotFound {
		t.Fatalf("get after cancel = %v, want ErrTaskNotFound (row deleted)", err)
	}

	id2 := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindScript, ScriptPath: "/a"})
	if _, err := s.ClaimNextPendingTask(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err = s.CancelTask(ctx, id2)
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if ok {
		t.Fatal("cancel of a running task succeeded, want refusal")
	}
}

func TestActiveForChat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chatID, err := s.CreateChat(ctx, CreateChatParams{Tenant: "acme", SystemPrompt: "hi"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	active, err := s.ActiveForChat(ctx, chatID)
	if err != nil {
		t.Fatalf("active for chat: %v", err)
	}
	if active != nil {
		t.Fatalf("active = %+v, want nil with no tasks", active)
	}

	taskID := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindAgent, Prompt: "ping", ChatID: chatID})
	active, err = s.ActiveForChat(ctx, chatID)
	if err != nil {
		t.Fatalf("active for chat: %v", err)
	}
	if active == nil || active.ID != taskID {
		t.Fatalf("active = %+v, want the pending task", active)
	}

	if _, err := s.ClaimNextPendingTask(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	active, _ = s.ActiveForChat(ctx, chatID)
	if active == nil {
		t.Fatal("active = nil for a running task, want non-terminal tasks counted")
	}

	if err := s.CompleteTask(ctx, taskID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	active, _ = s.ActiveForChat(ctx, chatID)
	if active != nil {
		t.Fatalf("active = %+v after completion, want nil", active)
	}
}

func TestAppendMessage_ConcurrentSequenceGapless(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chatID, err := s.CreateChat(ctx, CreateChatParams{Tenant: "acme", SystemPrompt: "hi"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	const appends = 20
	var wg sync.WaitGroup
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			role := "user"
			if n%2 == 1 {
				role = "assistant"
			}
			if _, err := s.AppendMessage(ctx, chatID, role, "m", 0, 0); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	messages, err := s.History(ctx, chatID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(messages) != appends {
		t.Fatalf("message count = %d, want %d", len(messages), appends)
	}
	for i, m := range messages {
		if m.Sequence != i+1 {
			t.Fatalf("sequence[%d] = %d, want dense 1-based ordering", i, m.Sequence)
		}
	}
}

func TestAppendTaskEvent_SequencePerTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindAgent, Prompt: "p"})
	for i := 0; i < 3; i++ {
		if err := s.AppendTaskEvent(ctx, taskID, "text", json.RawMessage(`{"content":"x"}`)); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	rows, err := s.pool.Query(ctx, `SELECT sequence FROM task_events WHERE task_id = $1 ORDER BY sequence`, taskID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var seqs []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			t.Fatalf("scan: %v", err)
		}
		seqs = append(seqs, n)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("sequences = %v, want 1,2,3", seqs)
	}
}

func TestSecrets_NullableDescription(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSecret(ctx, "K", ScopePlatform, "", "ciphertext", "", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	row, err := s.GetSecretRow(ctx, "K", ScopePlatform, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row == nil || row.Description != "" {
		t.Fatalf("row = %+v, want present with empty description", row)
	}

	list, err := s.ListSecrets(ctx, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list length = %d, want 1", len(list))
	}
}

func TestUsage_TenantAndWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	acme, _ := s.CreateChat(ctx, CreateChatParams{Tenant: "acme", SystemPrompt: "x"})
	other, _ := s.CreateChat(ctx, CreateChatParams{Tenant: "other", SystemPrompt: "x"})
	if _, err := s.AppendMessage(ctx, acme, "assistant", "a", 100, 10); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendMessage(ctx, other, "assistant", "b", 7, 3); err != nil {
		t.Fatalf("append: %v", err)
	}

	totals, err := s.Usage(ctx, "acme", nil, nil)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if totals.TotalInputTokens != 100 || totals.TotalOutputTokens != 10 {
		t.Fatalf("totals = %+v, want only acme's messages", totals)
	}

	all, err := s.Usage(ctx, "", nil, nil)
	if err != nil {
		t.Fatalf("usage all: %v", err)
	}
	if all.TotalInputTokens != 107 || all.TotalOutputTokens != 13 {
		t.Fatalf("totals = %+v, want both tenants", all)
	}

	future := time.Now().UTC().Add(time.Hour)
	none, err := s.Usage(ctx, "", &future, nil)
	if err != nil {
		t.Fatalf("usage windowed: %v", err)
	}
	if none.TotalInputTokens != 0 || none.TotalOutputTokens != 0 {
		t.Fatalf("totals = %+v, want zero outside the window", none)
	}
}

func TestListMessages_ToolInterleaving(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chatID, err := s.CreateChat(ctx, CreateChatParams{Tenant: "acme", SystemPrompt: "x"})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	taskID := mustCreateTask(t, s, CreateTaskParams{Kind: TaskKindAgent, Prompt: "ping", ChatID: chatID})

	if _, err := s.AppendMessage(ctx, chatID, "user", "ping", 0, 0); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if _, err := s.AppendMessage(ctx, chatID, "assistant", "looking... done", 10, 5); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	events := []struct {
		typ  string
		data string
	}{
		{"text", `{"content":"looking... ","turn":1}`},
		{"tool_use", `{"tool":"Bash","count":1,"input":{"command":"ls -la"}}`},
		{"text", `{"content":"done","turn":2}`},
	}
	for _, ev := range events {
		if err := s.AppendTaskEvent(ctx, taskID, ev.typ, json.RawMessage(ev.data)); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	plain, err := s.ListMessages(ctx, chatID, false)
	if err != nil {
		t.Fatalf("list plain: %v", err)
	}
	if len(plain) != 2 {
		t.Fatalf("plain projection length = %d, want the raw 2 messages", len(plain))
	}

	rendered, err := s.ListMessages(ctx, chatID, true)
	if err != nil {
		t.Fatalf("list with tools: %v", err)
	}
	// user, then the three fine-grained events replacing the assistant message.
	if len(rendered) != 4 {
		t.Fatalf("rendered projection length = %d, want 4: %+v", len(rendered), rendered)
	}
	if rendered[0].Role != "user" {
		t.Fatalf("rendered[0] = %+v, want the user message first", rendered[0])
	}
	if rendered[1].Role != "assistant" || rendered[1].Content != "looking... " {
		t.Fatalf("rendered[1] = %+v, want the first text event", rendered[1])
	}
	if rendered[2].Role != "tool_use" || rendered[2].Content != "Bash: ls -la" {
		t.Fatalf("rendered[2] = %+v, want the summarized tool_use", rendered[2])
	}
	if rendered[3].Content != "done" {
		t.Fatalf("rendered[3] = %+v, want the trailing text event", rendered[3])
	}
}

func TestRateLimitRows_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row, err := s.GetOrCreateRateLimitRow(ctx, "id1", "profile_visit")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if row.DailyCount != 0 || len(row.HourlyTimestamps) != 0 {
		t.Fatalf("fresh row = %+v, want empty counters", row)
	}

	now := time.Now().UTC()
	row.HourlyTimestamps = append(row.HourlyTimestamps, now)
	row.DailyCount = 1
	row.LastRequestAt = &now
	if err := s.SaveRateLimitRow(ctx, row); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := s.GetOrCreateRateLimitRow(ctx, "id1", "profile_visit")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if again.DailyCount != 1 || len(again.HourlyTimestamps) != 1 || again.LastRequestAt == nil {
		t.Fatalf("refetched row = %+v, want persisted counters", again)
	}

	if err := s.DeleteRateLimitRows(ctx, "id1", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	fresh, _ := s.GetOrCreateRateLimitRow(ctx, "id1", "profile_visit")
	if fresh.DailyCount != 0 {
		t.Fatalf("row after delete = %+v, want recreated empty", fresh)
	}
}

func TestIdentities_LRUOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	used, err := s.CreateIdentity(ctx, "linkedin", "used", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh, err := s.CreateIdentity(ctx, "linkedin", "fresh", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateIdentity(ctx, "kaspr", "elsewhere", "", "", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkIdentityUsed(ctx, used); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	actives, err := s.ListActiveIdentitiesByPlatform(ctx, "linkedin")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actives) != 2 {
		t.Fatalf("actives = %d, want 2 for the platform", len(actives))
	}
	if actives[0].ID != fresh {
		t.Fatalf("first = %s, want the never-used identity (nulls first)", actives[0].Name)
	}
}
