package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when a TurnRequest doesn't specify one.
const DefaultModel = "claude-sonnet-4-5-20250929"

// DefaultMaxTurns bounds the tool-use loop when a TurnRequest doesn't
// carry a limit.
const DefaultMaxTurns = 50

// AnthropicClient is the concrete Client backed by anthropic-sdk-go's
// native message stream — the closest available literal match to the
// "lazy sequence of typed messages" framing of the black box this
// package wraps.
type AnthropicClient struct {
	sdk anthropic.Client
}

// NewAnthropicClient builds a client using apiKey and, if baseURL is
// non-empty, a custom endpoint (ANTHROPIC_BASE_URL override).
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{sdk: anthropic.NewClient(opts...)}
}

// Run starts a new turn and returns its message stream. The stream
// drives the full tool-use loop: each model call yields one assistant
// message; when the model stops to call a tool, the built-in runner
// executes it in the request's workspace and the results are fed back
// for the next call, until a call ends without tool use or MaxTurns
// model calls have been made. A trailing result message carries the
// token usage accumulated across every call of the loop.
func (c *AnthropicClient) Run(ctx context.Context, req TurnRequest) (Stream, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, h := range req.History {
		if h.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(h.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(h.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages:  messages,
		Tools:     toolParams(req.AllowedTools),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	return &anthropicStream{
		sdk:       c.sdk,
		params:    params,
		workspace: req.Workspace,
		turnsLeft: maxTurns,
	}, nil
}

// anthropicStream adapts anthropic-sdk-go's event-level streaming API
// (Next/Current/Err, content accumulated via Message.Accumulate) into
// this package's coarser assistant/result message variants, running the
// tool-use loop between model calls.
type anthropicStream struct {
	sdk       anthropic.Client
	params    anthropic.MessageNewParams
	workspace string
	turnsLeft int

	queue        []Message
	inputTokens  int
	outputTokens int
	done         bool
}

func (s *anthropicStream) Next(ctx context.Context) (Message, bool, error) {
	for len(s.queue) == 0 && !s.done {
		if err := s.advance(ctx); err != nil {
			return Message{}, false, err
		}
	}
	if len(s.queue) == 0 {
		return Message{}, false, nil
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true, nil
}

// advance makes one model call, queues its assistant message, and
// either feeds tool results back for another call or closes the stream
// with the accumulated usage.
func (s *anthropicStream) advance(ctx context.Context) error {
	if s.turnsLeft <= 0 {
		s.close()
		return nil
	}
	s.turnsLeft--

	raw := s.sdk.Messages.NewStreaming(ctx, s.params)
	var acc anthropic.Message
	for raw.Next() {
		if err := acc.Accumulate(raw.Current()); err != nil {
			return fmt.Errorf("agentsdk: accumulate: %w", err)
		}
	}
	if err := raw.Err(); err != nil {
		return fmt.Errorf("agentsdk: stream: %w", err)
	}

	s.inputTokens += int(acc.Usage.InputTokens)
	s.outputTokens += int(acc.Usage.OutputTokens)
	s.queue = append(s.queue, Message{Kind: MessageAssistant, Assistant: blocksFromMessage(acc)})

	if acc.StopReason != anthropic.StopReasonToolUse {
		s.close()
		return nil
	}

	var results []anthropic.ContentBlockParamUnion
	for _, block := range acc.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		input, _ := json.Marshal(tu.Input)
		output, isErr := runTool(ctx, s.workspace, tu.Name, input)
		results = append(results, anthropic.NewToolResultBlock(tu.ID, output, isErr))
	}
	if len(results) == 0 {
		s.close()
		return nil
	}

	s.params.Messages = append(s.params.Messages, acc.ToParam(), anthropic.NewUserMessage(results...))
	return nil
}

func (s *anthropicStream) close() {
	s.queue = append(s.queue, Message{
		Kind: MessageResult,
		Result: &ResultMessage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
		},
	})
	s.done = true
}

func blocksFromMessage(msg anthropic.Message) *AssistantMessage {
	out := &AssistantMessage{}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Blocks = append(out.Blocks, ContentBlock{Kind: BlockText, Text: variant.Text})
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(variant.Input)
			out.Blocks = append(out.Blocks, ContentBlock{
				Kind:      BlockToolUse,
				ToolName:  variant.Name,
				ToolInput: input,
			})
		}
	}
	return out
}
