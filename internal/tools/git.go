package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

func gitCommitTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "git_commit",
		Description: "Stage all workspace changes and create a commit.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string", "description": "Commit message"}
			},
			"required": ["message"]
		}`),
		Mutating: true,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if strings.TrimSpace(args.Message) == "" {
				return "", fmt.Errorf("commit message is required")
			}

			return o.withLock(ctx, func(context.Context) (string, error) {
				repo, err := git.PlainOpen(o.WorkspaceDir)
				if err != nil {
					return "", fmt.Errorf("open repository: %w", err)
				}
				wt, err := repo.Worktree()
				if err != nil {
					return "", fmt.Errorf("worktree: %w", err)
				}

				status, err := wt.Status()
				if err != nil {
					return "", fmt.Errorf("status: %w", err)
				}
				if status.IsClean() {
					return "", fmt.Errorf("nothing to commit")
				}

				if err := wt.AddGlob("."); err != nil {
					return "", fmt.Errorf("stage changes: %w", err)
				}

				hash, err := wt.Commit(args.Message, &git.CommitOptions{
					Author: &object.Signature{
						Name:  "agentd",
						Email: "agentd@localhost",
						When:  time.Now(),
					},
				})
				if err != nil {
					return "", fmt.Errorf("commit: %w", err)
				}
				return fmt.Sprintf("committed %s", hash.String()[:12]), nil
			})
		},
	}
}

// parseGitHubRepo extracts owner and repository from a clone URL.
func parseGitHubRepo(repoURL string) (owner, repo string, err error) {
	s := strings.TrimSuffix(repoURL, ".git")
	s = strings.TrimPrefix(s, "git@github.com:")
	if i := strings.Index(s, "github.com/"); i >= 0 {
		s = s[i+len("github.com/"):]
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse GitHub repository from %q", repoURL)
	}
	return parts[0], parts[1], nil
}

// pullRequestCreator is the slice of the GitHub API create_pr needs,
// extracted so tests can substitute a fake.
type pullRequestCreator interface {
	Create(ctx context.Context, owner, repo string, pr *github.NewPullRequest) (*github.PullRequest, *github.Response, error)
}

func newGitHubPRService(ctx context.Context, token string) pullRequestCreator {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)).PullRequests
}

func createPRTool(o ToolsetOptions) Tool {
	return Tool{
		Name:        "create_pr",
		Description: "Open a GitHub pull request from the current feature branch.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "description": "Pull request title"},
				"body": {"type": "string", "description": "Pull request description"},
				"head": {"type": "string", "description": "Source branch"},
				"base": {"type": "string", "description": "Target branch, defaults to main"}
			},
			"required": ["title", "head"]
		}`),
		Mutating: true,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Title string `json:"title"`
				Body  string `json:"body"`
				Head  string `json:"head"`
				Base  string `json:"base"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid input: %w", err)
			}
			if args.Title == "" || args.Head == "" {
				return "", fmt.Errorf("title and head are required")
			}
			if args.Base == "" {
				args.Base = "main"
			}
			if o.GitHubToken == "" {
				return "", fmt.Errorf("no GitHub token configured")
			}

			owner, repo, err := parseGitHubRepo(o.RepoURL)
			if err != nil {
				return "", err
			}

			prs := o.prService
			if prs == nil {
				prs = newGitHubPRService(ctx, o.GitHubToken)
			}

			pr, _, err := prs.Create(ctx, owner, repo, &github.NewPullRequest{
				Title: github.String(args.Title),
				Body:  github.String(args.Body),
				Head:  github.String(args.Head),
				Base:  github.String(args.Base),
			})
			if err != nil {
				return "", fmt.Errorf("create pull request: %w", err)
			}
			return fmt.Sprintf("created pull request #%d: %s", pr.GetNumber(), pr.GetHTMLURL()), nil
		},
	}
}
