package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

const maxCommandOutput = 64 * 1024

func runCommandTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "run_command",
		Description: "Run a shell command in the workspace root. Returns combined stdout and stderr.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command to execute"}
			},
			"required": ["command"]
		}`),
		Mutating: true,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if strings.TrimSpace(args.Command) == "" {
				return "", fmt.Errorf("command is required")
			}

			return o.withLock(ctx, func(ctx context.Context) (string, error) {
				cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
				cmd.Dir = o.WorkspaceDir

				out, err := cmd.CombinedOutput()
				output := string(out)
				if len(output) > maxCommandOutput {
					output = output[:maxCommandOutput] + "\n[truncated]"
				}
				if err != nil {
					return "", fmt.Errorf("command failed: %v\n%s", err, output)
				}
				if output == "" {
					output = "(no output)"
				}
				return output, nil
			})
		},
	}
}
