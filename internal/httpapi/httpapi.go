// Package httpapi implements the HTTP façade: chat/task CRUD, message
// submission, an SSE event stream per chat, and usage reporting.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AlexisLaporte/otomata-worker/internal/bus"
	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

// chatStore is the narrow store surface the API needs for chats.
type chatStore interface {
	CreateChat(ctx context.Context, p store.CreateChatParams) (string, error)
	GetChat(ctx context.Context, id string) (*store.Chat, error)
	ListChats(ctx context.Context, tenant string, metadataFilter map[string]string) ([]*store.Chat, error)
	UpdateChat(ctx context.Context, id string, f store.UpdateChatFields) (bool, error)
	ListMessages(ctx context.Context, chatID string, includeTools bool) ([]store.RenderedMessage, error)
	Usage(ctx context.Context, tenant string, since, until *time.Time) (store.UsageTotals, error)
}

// taskStore is the narrow store surface the API needs for tasks.
type taskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (string, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, status store.TaskStatus, limit int) ([]*store.Task, error)
	ActiveForChat(ctx context.Context, chatID string) (*store.Task, error)
	RetryTask(ctx context.Context, id string) (bool, error)
}

// eventBus is the narrow bus surface the SSE handler needs.
type eventBus interface {
	Snapshot(taskID string, afterIndex int) []bus.Event
	Wait(ctx context.Context, taskID string, seen int, timeout time.Duration) bool
}

// waitTimeout is how long the SSE handler blocks per iteration before
// sending a keepalive comment and re-checking terminal task status.
const waitTimeout = 30 * time.Second

// Static claude-sonnet-4 pricing, used only to produce the /usage
// endpoint's estimated_cost_usd field.
const (
	inputCostPerMToken  = 3.0
	outputCostPerMToken = 15.0
	pricingNote         = "claude-sonnet-4 ($3/MTok in, $15/MTok out)"
)

// Server is the HTTP façade.
type Server struct {
	chats       chatStore
	tasks       taskStore
	bus         eventBus
	logger      *slog.Logger
	apiKey      string
	corsOrigins []string
	mux         *http.ServeMux
}

// Config configures a Server.
type Config struct {
	APIKey      string   // empty disables auth
	CORSOrigins []string // empty defaults to ["*"]
}

// New builds a Server with all routes registered.
func New(chats chatStore, tasks taskStore, b eventBus, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		chats: chats, tasks: tasks, bus: b, logger: logger,
		apiKey: cfg.APIKey, corsOrigins: origins, mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP lets Server be used directly as an http.Handler, CORS and
// auth applied around the whole mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCORS(s.withAuth(s.mux)).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /chats", s.handleListChats)
	s.mux.HandleFunc("POST /chats", s.handleCreateChat)
	s.mux.HandleFunc("GET /chats/{id}", s.handleGetChat)
	s.mux.HandleFunc("PATCH /chats/{id}", s.handleUpdateChat)
	s.mux.HandleFunc("GET /chats/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /chats/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("GET /chats/{id}/events", s.handleChatEvents)
	s.mux.HandleFunc("GET /usage", s.handleUsage)
	s.mux.HandleFunc("GET /tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /tasks/{id}/retry", s.handleRetryTask)
}

// withAuth checks the request's API key (Bearer token, X-API-Key
// header, or api_key query param) against the configured key when one
// is set. No key configured means auth is disabled entirely.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		candidate := extractAPIKey(r)
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.apiKey)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// withCORS allows the configured origins (default "*").
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowAll := false
	set := make(map[string]bool, len(s.corsOrigins))
	for _, o := range s.corsOrigins {
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || set[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		} else if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createChatRequest struct {
	Tenant       string            `json:"tenant"`
	SystemPrompt string            `json:"system_prompt"`
	Workspace    string            `json:"workspace"`
	AllowedTools []string          `json:"allowed_tools"`
	MaxTurns     int               `json:"max_turns"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.chats.CreateChat(r.Context(), store.CreateChatParams{
		Tenant: req.Tenant, SystemPrompt: req.SystemPrompt, Workspace: req.Workspace,
		AllowedTools: req.AllowedTools, MaxTurns: req.MaxTurns, Metadata: req.Metadata,
	})
	if err != nil {
		s.internalError(w, "create chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chat, err := s.chats.GetChat(r.Context(), id)
	if errors.Is(err, store.ErrChatNotFound) {
		writeJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.internalError(w, "get chat", err)
		return
	}
	messages, err := s.chats.ListMessages(r.Context(), id, false)
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": chat, "messages": messages})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	filter := map[string]string{}
	for key, values := range r.URL.Query() {
		if strings.HasPrefix(key, "metadata_") && len(values) > 0 {
			filter[strings.TrimPrefix(key, "metadata_")] = values[0]
		}
	}
	chats, err := s.chats.ListChats(r.Context(), tenant, filter)
	if err != nil {
		s.internalError(w, "list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type updateChatRequest struct {
	SystemPrompt *string            `json:"system_prompt"`
	Workspace    *string            `json:"workspace"`
	AllowedTools *[]string          `json:"allowed_tools"`
	MaxTurns     *int               `json:"max_turns"`
	Metadata     *map[string]string `json:"metadata"`
}

func (req updateChatRequest) empty() bool {
	return req.SystemPrompt == nil && req.Workspace == nil && req.AllowedTools == nil &&
		req.MaxTurns == nil && req.Metadata == nil
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.empty() {
		writeJSONError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	ok, err := s.chats.UpdateChat(r.Context(), id, store.UpdateChatFields{
		SystemPrompt: req.SystemPrompt, Workspace: req.Workspace,
		AllowedTools: req.AllowedTools, MaxTurns: req.MaxTurns, Metadata: req.Metadata,
	})
	if err != nil {
		s.internalError(w, "update chat", err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.chats.GetChat(r.Context(), id); errors.Is(err, store.ErrChatNotFound) {
		writeJSONError(w, http.StatusNotFound, "chat not found")
		return
	} else if err != nil {
		s.internalError(w, "get chat", err)
		return
	}
	includeTools := r.URL.Query().Get("include_tools") == "true"
	messages, err := s.chats.ListMessages(r.Context(), id, includeTools)
	if err != nil {
		s.internalError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chat, err := s.chats.GetChat(r.Context(), id)
	if errors.Is(err, store.ErrChatNotFound) {
		writeJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.internalError(w, "get chat", err)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	active, err := s.tasks.ActiveForChat(r.Context(), id)
	if err != nil {
		s.internalError(w, "active for chat", err)
		return
	}
	if active != nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   fmt.Sprintf("chat already has active task %s", active.ID),
			"task_id": active.ID,
		})
		return
	}

	taskID, err := s.tasks.CreateTask(r.Context(), store.CreateTaskParams{
		Kind: store.TaskKindAgent, Prompt: req.Content, Workspace: chat.Workspace, ChatID: id,
	})
	if err != nil {
		s.internalError(w, "create task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	ctx := r.Context()
	task, err := s.tasks.ActiveForChat(ctx, id)
	if err != nil {
		s.logger.Error("sse: active for chat", slog.Any("error", err))
		return
	}
	if task == nil {
		fmt.Fprintf(w, "data: %s\n\n", `{"type":"no_task"}`)
		flusher.Flush()
		return
	}

	index := 0
	for {
		events := s.bus.Snapshot(task.ID, index)
		for _, ev := range events {
			index++
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == "complete" || ev.Type == "error" {
				return
			}
		}

		hasNew := s.bus.Wait(ctx, task.ID, index, waitTimeout)
		if ctx.Err() != nil {
			return
		}
		if !hasNew {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

			current, err := s.tasks.GetTask(ctx, task.ID)
			if err == nil && (current.Status == store.TaskCompleted || current.Status == store.TaskFailed) {
				fmt.Fprintf(w, "data: %s\n\n", `{"type":"complete"}`)
				flusher.Flush()
				return
			}
		}
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	since, err := parseTimeParam(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	until, err := parseTimeParam(r.URL.Query().Get("until"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid until parameter")
		return
	}

	totals, err := s.chats.Usage(r.Context(), tenant, since, until)
	if err != nil {
		s.internalError(w, "usage", err)
		return
	}

	cost := float64(totals.TotalInputTokens)*inputCostPerMToken/1e6 + float64(totals.TotalOutputTokens)*outputCostPerMToken/1e6
	cost = roundTo(cost, 4)

	writeJSON(w, http.StatusOK, map[string]any{
		"total_input_tokens":  totals.TotalInputTokens,
		"total_output_tokens": totals.TotalOutputTokens,
		"estimated_cost_usd":  cost,
		"pricing_note":        pricingNote,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := store.TaskStatus(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	tasks, err := s.tasks.ListTasks(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, "list tasks", err)
		return
	}
	out := make([]map[string]any, len(tasks))
	for i, t := range tasks {
		out[i] = taskProjection(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.tasks.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrTaskNotFound) {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.internalError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskProjection(task))
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.tasks.RetryTask(r.Context(), id)
	if err != nil {
		s.internalError(w, "retry task", err)
		return
	}
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "task is not in a retryable state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"retried": true})
}

// taskProjection builds the /tasks/{id} and /tasks response shape.
func taskProjection(t *store.Task) map[string]any {
	return map[string]any{
		"id":           t.ID,
		"kind":         t.Kind,
		"status":       t.Status,
		"chat_id":      emptyToNull(t.ChatID),
		"claimed_by":   emptyToNull(t.ClaimedBy),
		"created_at":   t.CreatedAt,
		"started_at":   t.StartedAt,
		"completed_at": t.CompletedAt,
		"error":        emptyToNull(t.Error),
	}
}

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func roundTo(v float64, places int) float64 {
	scale := 1.0
	for i := 0; i < places; i++ {
		scale *= 10
	}
	return float64(int64(v*scale+0.5)) / scale
}

func (s *Server) internalError(w http.ResponseWriter, action string, err error) {
	s.logger.Error("httpapi: "+action, slog.Any("error", err))
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
