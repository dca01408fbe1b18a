package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/secrets"
)

func secretScanTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "secret_scan",
		Description: "Scan a workspace file for leaked secrets using the full detection rule set.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Path relative to the workspace root"}
			},
			"required": ["path"]
		}`),
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			path, err := resolvePath(o.WorkspaceDir, args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", args.Path, err)
			}

			findings, err := secrets.Detect(string(data), o.Allowlist)
			if err != nil {
				return "", fmt.Errorf("scan %s: %w", args.Path, err)
			}
			if len(findings) == 0 {
				return "no secrets detected", nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "%d finding(s) in %s:\n", len(findings), args.Path)
			for _, f := range findings {
				fmt.Fprintf(&b, "line %d: %s (%s)\n", f.Line, f.RuleDesc, f.RuleID)
			}
			return b.String(), nil
		},
	}
}
