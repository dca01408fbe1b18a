package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var (
	initRepoURL string
	initBranch  string
	initToken   string
)

var initCmd = &cobra.Command{
	Use:   "init <project-id>",
	Short: "Initialize a project workspace from a repository",
	Long: `Clone a repository into the project's workspace and check out a
feature branch.

Examples:
  agentctl init my-project --repo https://github.com/acme/widgets.git
  agentctl init my-project --repo git@github.com:acme/widgets.git --branch agentd/auth`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initRepoURL == "" {
			return fmt.Errorf("--repo is required")
		}
		body := map[string]string{
			"repo_url": initRepoURL,
			"branch":   initBranch,
			"token":    initToken,
		}
		var resp map[string]any
		if err := doJSON(http.MethodPost, "/api/v1/projects/"+url.PathEscape(args[0])+"/workspace", body, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <project-id>",
	Short: "Remove a project's workspace and forget the project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON(http.MethodDelete, "/api/v1/projects/"+url.PathEscape(args[0])+"/workspace", nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "workspace for %s removed\n", args[0])
		return nil
	},
}

var startObjective string

var startCmd = &cobra.Command{
	Use:   "start <project-id> <phase>",
	Short: "Start a phase (research, planning, or implementation)",
	Long: `Start the main agent task for a phase. Phases run in order:
research, then planning, then implementation.

Examples:
  agentctl start my-project research --objective "add OAuth login"
  agentctl start my-project implementation`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"objective": startObjective}
		path := fmt.Sprintf("/api/v1/projects/%s/phases/%s/start",
			url.PathEscape(args[0]), url.PathEscape(args[1]))
		var resp map[string]any
		if err := doJSON(http.MethodPost, path, body, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show phase statuses and tasks for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project := url.PathEscape(args[0])

		var phases map[string]string
		if err := doJSON(http.MethodGet, "/api/v1/projects/"+project+"/phases", nil, &phases); err != nil {
			return err
		}
		var tasks []map[string]any
		if err := doJSON(http.MethodGet, "/api/v1/projects/"+project+"/tasks", nil, &tasks); err != nil {
			return err
		}
		return printJSON(map[string]any{"phases": phases, "tasks": tasks})
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		if err := doJSON(http.MethodGet, "/api/v1/tasks/"+url.PathEscape(args[0]), nil, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

func taskActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/" + action
			if err := doJSON(http.MethodPost, path, nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

var (
	pauseCmd  = taskActionCmd("pause", "Pause a running task")
	resumeCmd = taskActionCmd("resume", "Resume a paused task")
	cancelCmd = taskActionCmd("cancel", "Cancel a task")
)

var questionsCmd = &cobra.Command{
	Use:   "questions <project-id>",
	Short: "List questions awaiting an answer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp []map[string]any
		if err := doJSON(http.MethodGet, "/api/v1/projects/"+url.PathEscape(args[0])+"/questions", nil, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <project-id> <question-id> <answer>",
	Short: "Answer a pending question",
	Long: `Deliver an answer to a question a task is blocked on. Each
question accepts exactly one answer; a second attempt is a conflict.

Example:
  agentctl answer my-project 4f1c... "use postgres"`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"question_id": args[1],
			"answer":      args[2],
		}
		if err := doJSON(http.MethodPost, "/api/v1/projects/"+url.PathEscape(args[0])+"/answers", body, nil); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "answer delivered")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initRepoURL, "repo", "", "repository URL to clone")
	initCmd.Flags().StringVar(&initBranch, "branch", "", "feature branch to create or reuse")
	initCmd.Flags().StringVar(&initToken, "token", "", "access token for private repositories")
	startCmd.Flags().StringVar(&startObjective, "objective", "", "objective for the phase")
}
