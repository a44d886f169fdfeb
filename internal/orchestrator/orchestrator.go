// Package orchestrator implements the Agent Turn Orchestrator: it
// threads chat history into one agent turn, drives the agent SDK's
// message stream, fans events out to the Event Bus, and on success
// persists the turn to the Chat Store.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AlexisLaporte/otomata-worker/internal/agentsdk"
	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

// chatStore is the narrow store surface the orchestrator needs.
type chatStore interface {
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	History(ctx context.Context, chatID string) ([]store.Message, error)
	AppendMessage(ctx context.Context, chatID, role, content string, tokensInput, tokensOutput int) (int, error)
}

// eventBus is the narrow bus surface the orchestrator needs.
type eventBus interface {
	Emit(ctx context.Context, taskID, eventType string, data json.RawMessage)
	Cleanup(taskID string)
}

// modelResolver picks the model identifier for a routing key (the
// chat's tenant). Resolution happens per turn so a hot-reloaded
// routing table takes effect without a restart.
type modelResolver interface {
	ModelFor(key string) string
}

// Orchestrator drives agent turns bound to a chat.
type Orchestrator struct {
	chats  chatStore
	bus    eventBus
	agent  agentsdk.Client
	models modelResolver
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(chats chatStore, bus eventBus, agent agentsdk.Client, models modelResolver, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{chats: chats, bus: bus, agent: agent, models: models, logger: logger}
}

// Result is the orchestrator's outcome for one turn.
type Result struct {
	Success      bool
	Output       string
	InputTokens  int
	OutputTokens int
	ToolCount    int
	Error        string
}

// RunTurn executes one agent turn for taskID, bound to chatID, with the
// task's prompt and the resolved secrets to export into the process
// environment for the agent's duration. On success the user and
// assistant messages are appended to the chat; on failure nothing is
// persisted and the error is surfaced as an event.
func (o *Orchestrator) RunTurn(ctx context.Context, taskID, chatID, prompt string, secrets map[string]string) (Result, error) {
	defer o.bus.Cleanup(taskID) // drop the in-memory tail on every path; durable events remain

	chat, err := o.chats.GetChat(ctx, chatID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: get chat: %w", err)
	}
	history, err := o.chats.History(ctx, chatID)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: history: %w", err)
	}

	renderedPrompt := renderPrompt(history, prompt)

	restore := exportEnv(secrets)
	defer restore()

	model := o.models.ModelFor(chat.Tenant)
	o.emit(ctx, taskID, "start", map[string]any{"model": model})

	stream, err := o.agent.Run(ctx, agentsdk.TurnRequest{
		Model:        model,
		SystemPrompt: chat.SystemPrompt,
		AllowedTools: chat.AllowedTools,
		MaxTurns:     chat.MaxTurns,
		Workspace:    chat.Workspace,
		Prompt:       renderedPrompt,
	})
	if err != nil {
		o.emit(ctx, taskID, "error", map[string]any{"error": err.Error()})
		return Result{Success: false, Error: err.Error()}, nil
	}

	var response strings.Builder
	var inputTokens, outputTokens, toolCount int
	turnIndex := 0

	for {
		msg, ok, err := stream.Next(ctx)
		if err != nil {
			o.emit(ctx, taskID, "error", map[string]any{"error": err.Error()})
			return Result{Success: false, Error: err.Error()}, nil
		}
		if !ok {
			break
		}

		switch msg.Kind {
		case agentsdk.MessageAssistant:
			turnIndex++
			sawText, sawTool := false, false
			for _, block := range msg.Assistant.Blocks {
				switch block.Kind {
				case agentsdk.BlockText:
					response.WriteString(block.Text)
					sawText = true
					o.emit(ctx, taskID, "text", map[string]any{"content": block.Text, "turn": turnIndex})
				case agentsdk.BlockToolUse:
					toolCount++
					sawTool = true
					o.emit(ctx, taskID, "tool_use", map[string]any{
						"tool": block.ToolName, "count": toolCount, "input": json.RawMessage(block.ToolInput),
					})
				}
			}
			if sawText && !sawTool {
				o.emit(ctx, taskID, "thinking", map[string]any{})
			}
		case agentsdk.MessageResult:
			inputTokens = msg.Result.InputTokens
			outputTokens = msg.Result.OutputTokens
		}
	}

	o.emit(ctx, taskID, "complete", map[string]any{
		"tool_count": toolCount, "input_tokens": inputTokens, "output_tokens": outputTokens,
	})

	output := response.String()
	if _, err := o.chats.AppendMessage(ctx, chatID, "user", prompt, 0, 0); err != nil {
		return Result{}, fmt.Errorf("orchestrator: append user message: %w", err)
	}
	if _, err := o.chats.AppendMessage(ctx, chatID, "assistant", output, inputTokens, outputTokens); err != nil {
		return Result{}, fmt.Errorf("orchestrator: append assistant message: %w", err)
	}

	return Result{
		Success: true, Output: output,
		InputTokens: inputTokens, OutputTokens: outputTokens, ToolCount: toolCount,
	}, nil
}

func (o *Orchestrator) emit(ctx context.Context, taskID, eventType string, data map[string]any) {
	raw, err := json.Marshal(data)
	if err != nil {
		o.logger.Warn("failed to marshal event data", slog.String("task_id", taskID), slog.String("type", eventType))
		return
	}
	o.bus.Emit(ctx, taskID, eventType, raw)
}

// renderPrompt builds the effective prompt: history as alternating
// "User:"/"Assistant:" blocks, followed by the new user message.
func renderPrompt(history []store.Message, newPrompt string) string {
	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("User: ")
	b.WriteString(newPrompt)
	return b.String()
}

// exportEnv sets each key=value from secrets into the process
// environment and returns a function that restores every key to its
// prior value (or unsets it if it was previously unset). The returned
// function must be called unconditionally, including on error paths,
// since exporting secrets into the shared process environment is only
// safe for the duration of one turn.
func exportEnv(secrets map[string]string) func() {
	type original struct {
		value string
		set   bool
	}
	originals := make(map[string]original, len(secrets))
	for key, value := range secrets {
		prev, ok := os.LookupEnv(key)
		originals[key] = original{value: prev, set: ok}
		os.Setenv(key, value)
	}
	return func() {
		for key, orig := range originals {
			if orig.set {
				os.Setenv(key, orig.value)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}
