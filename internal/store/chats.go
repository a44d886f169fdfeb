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

// ErrChatNotFound is returned when a chat id has no matching row.
var ErrChatNotFound = errors.New("store: chat not found")

// Chat is a conversation's configuration.
type Chat struct {
	ID           string
	Tenant       string
	SystemPrompt string
	Workspace    string
	AllowedTools []string
	MaxTurns     int
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateChatParams are the fields accepted when creating a chat.
type CreateChatParams struct {
	Tenant       string
	SystemPrompt string
	Workspace    string
	AllowedTools []string
	MaxTurns     int
	Metadata     map[string]string
}

// CreateChat inserts a new chat row and returns its id.
func (s *Store) CreateChat(ctx context.Context, p CreateChatParams) (string, error) {
	if p.MaxTurns <= 0 {
		p.MaxTurns = 50
	}
	id := uuid.NewString()
	tools, err := json.Marshal(p.AllowedTools)
	if err != nil {
		return "", fmt.Errorf("store: marshal allowed_tools: %w", err)
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return "", fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chats (id, tenant, system_prompt, workspace, allowed_tools, max_turns, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, p.Tenant, p.SystemPrompt, nullStr(p.Workspace), tools, p.MaxTurns, meta)
	if err != nil {
		return "", fmt.Errorf("store: create chat: %w", err)
	}
	return id, nil
}

const chatSelectSQL = `
	SELECT id, tenant, system_prompt, workspace, allowed_tools, max_turns, metadata, created_at, updated_at
	FROM chats
`

func scanChatRow(row pgx.Row) (*Chat, error) {
	var c Chat
	var workspace *string
	var tools, meta []byte
	err := row.Scan(&c.ID, &c.Tenant, &c.SystemPrompt, &workspace, &tools, &c.MaxTurns, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Workspace = derefStr(workspace)
	_ = json.Unmarshal(tools, &c.AllowedTools)
	_ = json.Unmarshal(meta, &c.Metadata)
	return &c, nil
}

// GetChat fetches a chat by id.
func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	c, err := scanChatRow(s.pool.QueryRow(ctx, chatSelectSQL+" WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chat: %w", err)
	}
	return c, nil
}

// ListChats returns chats ordered newest-first, optionally filtered by
// tenant and/or an exact-match metadata filter. The metadata filter is
// applied in Go; chat volumes are small enough that a JSONB containment
// query isn't warranted.
func (s *Store) ListChats(ctx context.Context, tenant string, metadataFilter map[string]string) ([]*Chat, error) {
	var rows pgx.Rows
	var err error
	if tenant != "" {
		rows, err = s.pool.Query(ctx, chatSelectSQL+" WHERE tenant = $1 ORDER BY created_at DESC", tenant)
	} else {
		rows, err = s.pool.Query(ctx, chatSelectSQL+" ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	var out []*Chat
	for rows.Next() {
		c, err := scanChatRow(rows)
		if err != nil {
			return nil, err
		}
		if matchesMetadata(c.Metadata, metadataFilter) {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func matchesMetadata(meta map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// UpdateChatFields are the subset of chat fields PATCH /chats/{id}
// accepts; a nil pointer means "leave unchanged".
type UpdateChatFields struct {
	SystemPrompt *string
	Workspace    *string
	AllowedTools *[]string
	MaxTurns     *int
	Metadata     *map[string]string
}

// UpdateChat applies a partial update. Returns false if the chat doesn't exist.
func (s *Store) UpdateChat(ctx context.Context, id string, f UpdateChatFields) (bool, error) {
	c, err := s.GetChat(ctx, id)
	if errors.Is(err, ErrChatNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if f.SystemPrompt != nil {
		c.SystemPrompt = *f.SystemPrompt
	}
	if f.Workspace != nil {
		c.Workspace = *f.Workspace
	}
	if f.AllowedTools != nil {
		c.AllowedTools = *f.AllowedTools
	}
	if f.MaxTurns != nil {
		c.MaxTurns = *f.MaxTurns
	}
	if f.Metadata != nil {
		c.Metadata = *f.Metadata
	}
	tools, _ := json.Marshal(c.AllowedTools)
	meta, _ := json.Marshal(c.Metadata)
	_, err = s.pool.Exec(ctx, `
		UPDATE chats SET system_prompt = $1, workspace = $2, allowed_tools = $3,
			max_turns = $4, metadata = $5, updated_at = now()
		WHERE id = $6
	`, c.SystemPrompt, nullStr(c.Workspace), tools, c.MaxTurns, meta, id)
	if err != nil {
		return false, fmt.Errorf("store: update chat: %w", err)
	}
	return true, nil
}

// Message is one entry in a chat's ordered log.
type Message struct {
	ID           int64
	ChatID       string
	Role         string
	Content      string
	Sequence     int
	TokensInput  int
	TokensOutput int
	CreatedAt    time.Time
}

// AppendMessage assigns the next sequence number for the chat and
// inserts the message. The read-then-write is serialized per chat via
// an advisory transaction lock on the chat id so concurrent appends
// (e.g. two turns racing) cannot observe the same max(sequence) and
// collide; a unique (chat_id, sequence) constraint is the backstop.
func (s *Store) AppendMessage(ctx context.Context, chatID, role, content string, tokensInput, tokensOutput int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: append message begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chatID); err != nil {
		return 0, fmt.Errorf("store: append message lock: %w", err)
	}

	var next int
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE chat_id = $1`, chatID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("store: append message seq: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (chat_id, role, content, sequence, tokens_input, tokens_output)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, chatID, role, content, next, tokensInput, tokensOutput)
	if err != nil {
		return 0, fmt.Errorf("store: append message insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: append message commit: %w", err)
	}
	return next, nil
}

// History returns the chat's messages as an ordered role/content list,
// used to prime the next agent turn.
func (s *Store) History(ctx context.Context, chatID string) ([]Message, error) {
	return s.listMessagesRaw(ctx, chatID)
}

func (s *Store) listMessagesRaw(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, chat_id, role, content, sequence, tokens_input, tokens_output, created_at
		FROM messages WHERE chat_id = $1 ORDER BY sequence ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.Sequence, &m.TokensInput, &m.TokensOutput, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RenderedMessage is a projected message, either a raw chat Message or
// a tool_use/text event spliced in from the task event log.
type RenderedMessage struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// ListMessages returns the chat's messages. When includeTools is false
// this is simply the raw Message log. When true, it interleaves
// per-turn text/tool_use events from the TaskEvent log in place of the
// single concatenated assistant Message that followed each user turn,
// matching tasks to user messages by creation order (the k-th task
// chronologically corresponds to the k-th user message) — a known,
// documented limitation if tasks are ever created out of order.
func (s *Store) ListMessages(ctx context.Context, chatID string, includeTools bool) ([]RenderedMessage, error) {
	raw, err := s.listMessagesRaw(ctx, chatID)
	if err != nil {
		return nil, err
	}
	base := make([]RenderedMessage, len(raw))
	for i, m := range raw {
		base[i] = RenderedMessage{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	if !includeTools {
		return base, nil
	}

	taskIDs, err := s.chatTaskIDsByCreation(ctx, chatID)
	if err != nil {
		return nil, err
	}
	eventsByTask, err := s.textToolEventsByTask(ctx, taskIDs)
	if err != nil {
		return nil, err
	}

	var userIdx []int
	for i, m := range base {
		if m.Role == "user" {
			userIdx = append(userIdx, i)
		}
	}

	taskForUserIdx := map[int]string{}
	for ti, taskID := range taskIDs {
		if ti >= len(userIdx) {
			break
		}
		taskForUserIdx[userIdx[ti]] = taskID
	}

	skip := map[int]bool{}
	for uidx, taskID := range taskForUserIdx {
		if len(eventsByTask[taskID]) == 0 {
			continue
		}
		for j := uidx + 1; j < len(base); j++ {
			if base[j].Role == "assistant" {
				skip[j] = true
				break
			}
		}
	}

	var out []RenderedMessage
	for i, m := range base {
		if skip[i] {
			continue
		}
		out = append(out, m)
		if taskID, ok := taskForUserIdx[i]; ok {
			out = append(out, eventsByTask[taskID]...)
		}
	}
	return out, nil
}

// chatTaskIDsByCreation returns every task linked to the chat, ordered
// by creation time ascending.
func (s *Store) chatTaskIDsByCreation(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tasks WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: chat task ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// textToolEventsByTask loads text/tool_use TaskEvents for the given
// tasks and renders each into a display-ready message, grouped by task.
func (s *Store) textToolEventsByTask(ctx context.Context, taskIDs []string) (map[string][]RenderedMessage, error) {
	out := map[string][]RenderedMessage{}
	if len(taskIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event_type, event_data, created_at
		FROM task_events
		WHERE task_id = ANY($1) AND event_type IN ('text', 'tool_use')
		ORDER BY task_id, sequence ASC
	`, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("store: text/tool events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, eventType string
		var data []byte
		var createdAt time.Time
		if err := rows.Scan(&taskID, &eventType, &data, &createdAt); err != nil {
			return nil, err
		}
		var payload map[string]any
		_ = json.Unmarshal(data, &payload)

		var rm RenderedMessage
		rm.CreatedAt = createdAt
		if eventType == "tool_use" {
			rm.Role = "tool_use"
			rm.Content = renderToolUse(payload)
		} else {
			rm.Role = "assistant"
			if c, ok := payload["content"].(string); ok {
				rm.Content = c
			}
		}
		out[taskID] = append(out[taskID], rm)
	}
	return out, rows.Err()
}

// renderToolUse summarizes a tool_use event's input payload,
// special-cased per tool so the rendered chat transcript stays
// readable instead of dumping raw JSON.
func renderToolUse(payload map[string]any) string {
	tool, _ := payload["tool"].(string)
	if tool == "" {
		tool = "tool"
	}
	input, _ := payload["input"].(map[string]any)

	switch tool {
	case "Bash":
		if cmd, ok := input["command"].(string); ok {
			if len(cmd) > 80 {
				return fmt.Sprintf("Bash: %s...", cmd[:80])
			}
			return fmt.Sprintf("Bash: %s", cmd)
		}
	case "Read", "Write", "Edit":
		if fp, ok := input["file_path"].(string); ok {
			return fmt.Sprintf("%s: %s", tool, fp)
		}
	case "Glob", "Grep":
		if pattern, ok := input["pattern"].(string); ok {
			return fmt.Sprintf("%s: %s", tool, pattern)
		}
	}
	return tool
}

// UsageTotals is the aggregated token usage across matching chats.
type UsageTotals struct {
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// Usage aggregates input/output token totals over messages in chats
// matching the given tenant and creation-time window.
func (s *Store) Usage(ctx context.Context, tenant string, since, until *time.Time) (UsageTotals, error) {
	q := `
		SELECT COALESCE(SUM(m.tokens_input), 0), COALESCE(SUM(m.tokens_output), 0)
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE ($1 = '' OR c.tenant = $1)
		  AND ($2::timestamptz IS NULL OR m.created_at >= $2)
		  AND ($3::timestamptz IS NULL OR m.created_at < $3)
	`
	var totals UsageTotals
	err := s.pool.QueryRow(ctx, q, tenant, since, until).Scan(&totals.TotalInputTokens, &totals.TotalOutputTokens)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("store: usage: %w", err)
	}
	return totals, nil
}
