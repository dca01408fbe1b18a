package tools

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/agentd/internal/gate"
	"github.com/fyrsmithlabs/agentd/internal/secrets"
	"github.com/fyrsmithlabs/agentd/internal/workspace"
)

// ToolsetOptions carries the per-task dependencies the built-in tools
// close over.
type ToolsetOptions struct {
	ProjectID    string
	TaskID       string
	WorkspaceDir string
	RepoURL      string

	Guard       *workspace.Guard
	Gate        *gate.Gate
	Allowlist   *secrets.Allowlist
	GitHubToken string

	// prService overrides the GitHub client in tests.
	prService pullRequestCreator
}

// repoKey is the guard key serializing mutations to this working copy.
func (o ToolsetOptions) repoKey() string {
	return o.WorkspaceDir
}

// withLock runs fn under the workspace guard when one is configured. A
// lock timeout comes back as a tool-level error the model can react to.
func (o ToolsetOptions) withLock(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	if o.Guard == nil {
		return fn(ctx)
	}

	var out string
	err := o.Guard.WithLock(ctx, o.repoKey(), o.TaskID, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// DefaultToolset builds the full built-in tool registry for a main task.
// Overwatchers use DefaultToolset(...).ReadOnly().
func DefaultToolset(o ToolsetOptions) (*Registry, error) {
	if o.WorkspaceDir == "" {
		return nil, fmt.Errorf("workspace dir is required")
	}

	r := NewRegistry()
	for _, t := range []Tool{
		readFileTool(o),
		globTool(o),
		grepTool(o),
		secretScanTool(o),
		askUserTool(o),
		writeFileTool(o),
		editFileTool(o),
		runCommandTool(o),
		gitCommitTool(o),
		createPRTool(o),
	} {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
