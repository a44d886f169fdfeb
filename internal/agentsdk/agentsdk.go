// Package agentsdk defines the narrow interface the orchestrator uses
// to treat the third-party agent SDK as a black box yielding a lazy,
// finite, non-restartable sequence of tagged message variants: an
// "assistant" message carrying ordered text/tool_use content blocks,
// followed eventually by a "result" message carrying token usage.
package agentsdk

import (
	"context"
	"encoding/json"
)

// ContentBlockKind tags one block of an assistant message.
type ContentBlockKind string

const (
	BlockText    ContentBlockKind = "text"
	BlockToolUse ContentBlockKind = "tool_use"
)

// ContentBlock is one entry in an AssistantMessage's ordered block list.
type ContentBlock struct {
	Kind      ContentBlockKind
	Text      string          // set when Kind == BlockText
	ToolName  string          // set when Kind == BlockToolUse
	ToolInput json.RawMessage // set when Kind == BlockToolUse
}

// AssistantMessage carries one turn's ordered content blocks.
type AssistantMessage struct {
	Blocks []ContentBlock
}

// ResultMessage carries the turn's token usage, emitted once the
// underlying stream concludes.
type ResultMessage struct {
	InputTokens  int
	OutputTokens int
}

// MessageKind tags which variant a Message holds.
type MessageKind string

const (
	MessageAssistant MessageKind = "assistant"
	MessageResult    MessageKind = "result"
)

// Message is the tagged variant the stream yields.
type Message struct {
	Kind      MessageKind
	Assistant *AssistantMessage
	Result    *ResultMessage
}

// HistoryTurn is one prior turn, used to render the effective prompt.
type HistoryTurn struct {
	Role    string // "user" | "assistant"
	Content string
}

// TurnRequest describes one agent turn.
type TurnRequest struct {
	Model        string
	SystemPrompt string
	AllowedTools []string
	MaxTurns     int
	Workspace    string
	History      []HistoryTurn
	Prompt       string
}

// Stream is a lazy, finite, non-restartable sequence of Messages.
type Stream interface {
	// Next advances the stream. ok is false once the stream is
	// exhausted (err is nil in that case); a non-nil err means the
	// underlying SDK call failed and the stream should be abandoned.
	Next(ctx context.Context) (msg Message, ok bool, err error)
}

// Client starts a new turn and returns its message stream.
type Client interface {
	Run(ctx context.Context, req TurnRequest) (Stream, error)
}
