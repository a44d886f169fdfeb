package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// toolTimeout bounds a single tool invocation inside the agent loop.
const toolTimeout = 2 * time.Minute

// maxToolOutput caps how much tool output is fed back to the model.
const maxToolOutput = 16 * 1024

// builtinTools are the tool surfaces the runner can execute; a chat's
// allowed_tools selects from these by name.
var builtinTools = map[string]anthropic.ToolParam{
	"Bash": {
		Name:        "Bash",
		Description: anthropic.String("Run a shell command in the workspace and return its combined output."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"command": map[string]any{"type": "string", "description": "The command to run."},
			},
		},
	},
	"Read": {
		Name:        "Read",
		Description: anthropic.String("Read a file, resolved relative to the workspace."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Path of the file to read."},
			},
		},
	},
	"Write": {
		Name:        "Write",
		Description: anthropic.String("Write content to a file, resolved relative to the workspace."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Path of the file to write."},
				"content":   map[string]any{"type": "string", "description": "Full file content."},
			},
		},
	},
}

// toolParams maps allowed tool names onto their built-in definitions.
// Names without a definition are skipped: the model must not be offered
// a tool the runner can't execute.
func toolParams(allowed []string) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, name := range allowed {
		tp, ok := builtinTools[name]
		if !ok {
			continue
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return out
}

// runTool executes one tool call. The returned bool marks the result as
// an error for the model rather than failing the stream: tool-level
// failures are part of the conversation, not transport errors.
func runTool(ctx context.Context, workspace, name string, input json.RawMessage) (string, bool) {
	switch name {
	case "Bash":
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &in); err != nil || in.Command == "" {
			return "invalid Bash input: command is required", true
		}
		runCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()
		cmd := exec.CommandContext(runCtx, "sh", "-c", in.Command)
		cmd.Dir = workspace
		out, err := cmd.CombinedOutput()
		text := truncateToolOutput(string(out))
		if err != nil {
			return fmt.Sprintf("%s\n%s", text, err), true
		}
		return text, false

	case "Read":
		var in struct {
			FilePath string `json:"file_path"`
		}
		if err := json.Unmarshal(input, &in); err != nil || in.FilePath == "" {
			return "invalid Read input: file_path is required", true
		}
		data, err := os.ReadFile(resolveToolPath(workspace, in.FilePath))
		if err != nil {
			return err.Error(), true
		}
		return truncateToolOutput(string(data)), false

	case "Write":
		var in struct {
			FilePath string `json:"file_path"`
			Content  string `json:"content"`
		}
		if err := json.Unmarshal(input, &in); err != nil || in.FilePath == "" {
			return "invalid Write input: file_path is required", true
		}
		path := resolveToolPath(workspace, in.FilePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err.Error(), true
		}
		if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
			return err.Error(), true
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.FilePath), false

	default:
		return fmt.Sprintf("tool %s is not available", name), true
	}
}

func resolveToolPath(workspace, path string) string {
	if filepath.IsAbs(path) || workspace == "" {
		return path
	}
	return filepath.Join(workspace, path)
}

func truncateToolOutput(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n[output truncated]"
	}
	return s
}
