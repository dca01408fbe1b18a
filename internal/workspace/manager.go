package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/logging"
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts an arbitrary name into a filesystem-safe slug.
func Slugify(name string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// repoSlug derives a directory name from a clone URL.
func repoSlug(repoURL string) string {
	s := strings.TrimSuffix(repoURL, ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	return Slugify(s)
}

// Manager owns the on-disk layout of project working copies:
//
//	{root}/{project_id}/{repo_slug}
type Manager struct {
	root  string
	guard *Guard
	log   *logging.Logger
}

// NewManager creates the workspace root if needed.
func NewManager(root string, guard *Guard, log *logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.Nop()
	}
	if root == "" {
		return nil, fmt.Errorf("workspace root not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root, guard: guard, log: log}, nil
}

// Guard returns the mutual-exclusion guard shared by mutating tools.
func (m *Manager) Guard() *Guard {
	return m.guard
}

// Path returns where a repository's working copy lives for a project.
func (m *Manager) Path(projectID, repoURL string) string {
	return filepath.Join(m.root, projectID, repoSlug(repoURL))
}

// Initialize clones the repository into the project's workspace and checks
// out a fresh feature branch. If the working copy already exists it is
// reused and only the branch checkout runs. Returns the working copy path.
func (m *Manager) Initialize(ctx context.Context, projectID, repoURL, branch, token string) (string, error) {
	dir := m.Path(projectID, repoURL)

	var repo *git.Repository
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		repo, err = git.PlainOpen(dir)
		if err != nil {
			return "", fmt.Errorf("open existing workspace %s: %w", dir, err)
		}
	} else {
		opts := &git.CloneOptions{URL: repoURL}
		if token != "" {
			opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
		}
		repo, err = git.PlainCloneContext(ctx, dir, false, opts)
		if err != nil {
			return "", fmt.Errorf("clone %s: %w", repoURL, err)
		}
		m.log.Info(ctx, "cloned repository",
			zap.String("project_id", projectID),
			zap.String("repo_url", repoURL),
			zap.String("dir", dir),
		)
	}

	if branch != "" {
		if err := checkoutBranch(repo, branch); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// checkoutBranch creates and checks out a branch, reusing it if it exists.
func checkoutBranch(repo *git.Repository, branch string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true})
	if errors.Is(err, git.ErrBranchExists) || (err != nil && strings.Contains(err.Error(), "already exists")) {
		err = wt.Checkout(&git.CheckoutOptions{Branch: ref})
	}
	if err != nil {
		return fmt.Errorf("checkout branch %s: %w", branch, err)
	}
	return nil
}

// CurrentBranch reports the checked-out branch of a working copy, or an
// empty string for a detached HEAD or a non-repository path.
func CurrentBranch(dir string) string {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil || !head.Name().IsBranch() {
		return ""
	}
	return head.Name().Short()
}

// Cleanup removes every working copy belonging to a project. The removal
// runs under the guard keyed by the project directory so it cannot race a
// mutating tool call.
func (m *Manager) Cleanup(ctx context.Context, projectID string) error {
	dir := filepath.Join(m.root, projectID)

	remove := func(context.Context) error {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove workspace %s: %w", dir, err)
		}
		m.log.Info(ctx, "workspace removed", zap.String("project_id", projectID))
		return nil
	}

	if m.guard != nil {
		return m.guard.WithLock(ctx, dir, "cleanup", remove)
	}
	return remove(ctx)
}
