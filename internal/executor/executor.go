// Package executor routes a claimed task by kind: script tasks run as
// a subprocess with a minimal environment and secrets injected,
// agent tasks run either a stateless turn or a chat-bound turn through
// the orchestrator.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/AlexisLaporte/otomata-worker/internal/agentsdk"
	"github.com/AlexisLaporte/otomata-worker/internal/orchestrator"
	"github.com/AlexisLaporte/otomata-worker/internal/store"
)

// DefaultScriptTimeout bounds script subprocess wall-clock time.
const DefaultScriptTimeout = 300 * time.Second

// paramsSchema constrains a script task's params: required_secrets, if
// present, must be a list of strings, and the identity selection fields
// must be strings. Just enough shape validation to catch a malformed
// task before it reaches a subprocess.
var paramsSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"required_secrets": {
			"type": "array",
			"items": {"type": "string"}
		},
		"platform": {"type": "string"},
		"identity_action": {"type": "string"}
	}
}`)

func mustCompileSchema(raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("executor: invalid embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task-params.json", doc); err != nil {
		panic(fmt.Sprintf("executor: add schema resource: %v", err))
	}
	schema, err := c.Compile("task-params.json")
	if err != nil {
		panic(fmt.Sprintf("executor: compile embedded schema: %v", err))
	}
	return schema
}

// secretsResolver is the narrow secrets-vault surface the executor needs.
type secretsResolver interface {
	BulkGet(ctx context.Context, keys []string, userID string) (map[string]string, error)
}

// identitySelector is the narrow identity-registry surface the executor
// needs when a script task asks to run as a platform identity.
type identitySelector interface {
	Available(ctx context.Context, platform, action string) (string, error)
	GetByID(ctx context.Context, id string) (*store.Identity, error)
	GetCookie(ctx context.Context, id string) (string, error)
	MarkUsed(ctx context.Context, id string) error
}

// requestRecorder records a rate-limited request after identity
// selection admitted it; selection and recording are paired by the
// caller, not atomic.
type requestRecorder interface {
	RecordRequest(ctx context.Context, identityID, action string) error
}

// turnRunner is the narrow orchestrator surface the executor needs for
// chat-bound agent tasks.
type turnRunner interface {
	RunTurn(ctx context.Context, taskID, chatID, prompt string, secrets map[string]string) (orchestrator.Result, error)
}

// Dispatcher routes a claimed task to its execution path.
type Dispatcher struct {
	secrets        secretsResolver
	identities     identitySelector
	limiter        requestRecorder
	agent          agentsdk.Client
	turns          turnRunner
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// New creates a Dispatcher. identities and limiter may be nil when
// identity-bound script tasks are never submitted.
func New(secrets secretsResolver, identities identitySelector, limiter requestRecorder, agent agentsdk.Client, turns turnRunner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		secrets: secrets, identities: identities, limiter: limiter,
		agent: agent, turns: turns, logger: logger, defaultTimeout: DefaultScriptTimeout,
	}
}

// Outcome is a task's execution outcome, ready for the worker loop to
// persist via CompleteTask/FailTask.
type Outcome struct {
	Success bool
	Output  string            // human-readable result text
	Result  json.RawMessage   // structured metadata to store on the task
	Error   string
}

// Execute dispatches task by kind: script tasks run as a subprocess,
// agent tasks without a chat run one stateless turn, and agent tasks
// bound to a chat delegate to the orchestrator.
func (d *Dispatcher) Execute(ctx context.Context, task *store.Task) (Outcome, error) {
	switch task.Kind {
	case store.TaskKindScript:
		return d.executeScript(ctx, task)
	case store.TaskKindAgent:
		if task.ChatID != "" {
			return d.executeChatAgent(ctx, task)
		}
		return d.executeStatelessAgent(ctx, task)
	default:
		return Outcome{Success: false, Error: fmt.Sprintf("unknown task kind: %s", task.Kind)}, nil
	}
}

type scriptParams struct {
	RequiredSecrets []string `json:"required_secrets"`
	Platform        string   `json:"platform"`
	IdentityAction  string   `json:"identity_action"`
}

func (d *Dispatcher) executeScript(ctx context.Context, task *store.Task) (Outcome, error) {
	if task.ScriptPath == "" {
		return Outcome{Success: false, Error: "script task has no script_path"}, nil
	}
	if _, err := os.Stat(task.ScriptPath); err != nil {
		return Outcome{Success: false, Error: fmt.Sprintf("script not found: %s", task.ScriptPath)}, nil
	}

	var params scriptParams
	if len(task.Params) > 0 {
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(task.Params))
		if err != nil {
			return Outcome{Success: false, Error: fmt.Sprintf("invalid params JSON: %s", err)}, nil
		}
		if err := paramsSchema.Validate(parsed); err != nil {
			return Outcome{Success: false, Error: fmt.Sprintf("params schema validation failed: %s", err)}, nil
		}
		if err := json.Unmarshal(task.Params, &params); err != nil {
			return Outcome{Success: false, Error: fmt.Sprintf("invalid params JSON: %s", err)}, nil
		}
	}

	env := map[string]string{
		"PATH": envOr("PATH", "/usr/bin:/bin"),
		"HOME": envOr("HOME", "/tmp"),
	}
	if dbURL, ok := os.LookupEnv("DATABASE_URL"); ok {
		env["DATABASE_URL"] = dbURL
	}
	if len(params.RequiredSecrets) > 0 && d.secrets != nil {
		resolved, err := d.secrets.BulkGet(ctx, params.RequiredSecrets, "")
		if err != nil {
			d.logger.Warn("failed to resolve required secrets for script task", slog.String("task_id", task.ID), slog.Any("error", err))
		} else {
			for k, v := range resolved {
				env[k] = v
			}
		}
	}

	if params.Platform != "" && d.identities != nil {
		outcome, ok := d.bindIdentity(ctx, task.ID, params, env)
		if !ok {
			return outcome, nil
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, task.ScriptPath)
	cmd.Dir = task.Workspace
	cmd.Env = flattenEnv(env)
	if len(task.Params) > 0 {
		cmd.Stdin = bytes.NewReader(task.Params)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		meta, _ := json.Marshal(map[string]any{
			"duration_seconds": duration.Seconds(),
			"timeout":          true,
		})
		return Outcome{
			Success: false,
			Error:   fmt.Sprintf("script timeout after %s", d.defaultTimeout),
			Result:  meta,
		}, nil
	}

	metaFields := map[string]any{
		"duration_seconds": duration.Seconds(),
		"stdout_length":    stdout.Len(),
		"stderr_length":    stderr.Len(),
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		metaFields["returncode"] = exitCode
		meta, _ := json.Marshal(metaFields)
		return Outcome{
			Success: false,
			Error:   fmt.Sprintf("script exited with code %d\nSTDERR:\n%s", exitCode, stderr.String()),
			Result:  meta,
		}, nil
	}

	metaFields["returncode"] = 0
	metaFields["output"] = stdout.String()
	meta, _ := json.Marshal(metaFields)
	return Outcome{Success: true, Output: stdout.String(), Result: meta}, nil
}

// bindIdentity picks the least-recently-used active identity for the
// requested platform (honoring rate limits when an action is named),
// exports its credentials into env, and stamps usage. A false second
// return means no identity qualified and the task should fail with the
// returned outcome.
func (d *Dispatcher) bindIdentity(ctx context.Context, taskID string, params scriptParams, env map[string]string) (Outcome, bool) {
	identityID, err := d.identities.Available(ctx, params.Platform, params.IdentityAction)
	if err != nil {
		return Outcome{Success: false, Error: fmt.Sprintf("identity lookup failed: %s", err)}, false
	}
	if identityID == "" {
		return Outcome{Success: false, Error: fmt.Sprintf("no available identity for platform %s", params.Platform)}, false
	}

	env["IDENTITY_ID"] = identityID
	if ident, err := d.identities.GetByID(ctx, identityID); err == nil && ident.UserAgent != "" {
		env["IDENTITY_USER_AGENT"] = ident.UserAgent
	}
	cookie, err := d.identities.GetCookie(ctx, identityID)
	if err != nil {
		return Outcome{Success: false, Error: fmt.Sprintf("identity cookie decrypt failed: %s", err)}, false
	}
	if cookie != "" {
		env["IDENTITY_COOKIE"] = cookie
	}

	if err := d.identities.MarkUsed(ctx, identityID); err != nil {
		d.logger.Warn("failed to mark identity used", slog.String("task_id", taskID), slog.Any("error", err))
	}
	if params.IdentityAction != "" && d.limiter != nil {
		if err := d.limiter.RecordRequest(ctx, identityID, params.IdentityAction); err != nil {
			d.logger.Warn("failed to record rate limited request", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}
	return Outcome{}, true
}

func (d *Dispatcher) executeStatelessAgent(ctx context.Context, task *store.Task) (Outcome, error) {
	stream, err := d.agent.Run(ctx, agentsdk.TurnRequest{
		Workspace: task.Workspace,
		Prompt:    task.Prompt,
	})
	if err != nil {
		return Outcome{Success: false, Error: err.Error()}, nil
	}

	var output strings.Builder
	var inputTokens, outputTokens int
	for {
		msg, ok, err := stream.Next(ctx)
		if err != nil {
			return Outcome{Success: false, Error: err.Error()}, nil
		}
		if !ok {
			break
		}
		switch msg.Kind {
		case agentsdk.MessageAssistant:
			for _, block := range msg.Assistant.Blocks {
				if block.Kind == agentsdk.BlockText {
					output.WriteString(block.Text)
				}
			}
		case agentsdk.MessageResult:
			inputTokens = msg.Result.InputTokens
			outputTokens = msg.Result.OutputTokens
		}
	}

	meta, _ := json.Marshal(map[string]any{
		"output": output.String(), "input_tokens": inputTokens, "output_tokens": outputTokens,
	})
	return Outcome{Success: true, Output: output.String(), Result: meta}, nil
}

func (d *Dispatcher) executeChatAgent(ctx context.Context, task *store.Task) (Outcome, error) {
	secrets := map[string]string{}
	var required []string
	if len(task.Params) > 0 {
		var p scriptParams
		if err := json.Unmarshal(task.Params, &p); err == nil {
			required = p.RequiredSecrets
		}
	}
	if len(required) > 0 && d.secrets != nil {
		resolved, err := d.secrets.BulkGet(ctx, required, "")
		if err != nil {
			d.logger.Warn("failed to resolve required secrets for agent task", slog.String("task_id", task.ID), slog.Any("error", err))
		} else {
			secrets = resolved
		}
	}

	result, err := d.turns.RunTurn(ctx, task.ID, task.ChatID, task.Prompt, secrets)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: run turn: %w", err)
	}
	if !result.Success {
		return Outcome{Success: false, Error: result.Error}, nil
	}

	meta, _ := json.Marshal(map[string]any{
		"output":       result.Output,
		"input_tokens": result.InputTokens, "output_tokens": result.OutputTokens, "tool_count": result.ToolCount,
	})
	return Outcome{Success: true, Output: result.Output, Result: meta}, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
