package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initSourceRepo creates a local git repository with one commit to clone from.
func initSourceRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# fixture\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "fixture", Email: "fixture@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"My Project!", "my-project"},
		{"already-slugged", "already-slugged"},
		{"  spaces  ", "spaces"},
		{"CAPS_and_underscores", "caps-and-underscores"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestRepoSlug(t *testing.T) {
	assert.Equal(t, "agentd", repoSlug("https://github.com/fyrsmithlabs/agentd.git"))
	assert.Equal(t, "agentd", repoSlug("git@github.com:agentd"))
	assert.Equal(t, "local-repo", repoSlug("/tmp/Local Repo"))
}

func TestManager_InitializeClonesAndBranches(t *testing.T) {
	src := initSourceRepo(t)
	m, err := NewManager(t.TempDir(), NewGuard(time.Minute, nil), nil)
	require.NoError(t, err)

	dir, err := m.Initialize(context.Background(), "proj-1", src, "feature/add-auth", "")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "README.md"))
	assert.Equal(t, "feature/add-auth", CurrentBranch(dir))

	// Re-initializing reuses the working copy.
	again, err := m.Initialize(context.Background(), "proj-1", src, "feature/add-auth", "")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestManager_CleanupRemovesProject(t *testing.T) {
	src := initSourceRepo(t)
	root := t.TempDir()
	m, err := NewManager(root, NewGuard(time.Minute, nil), nil)
	require.NoError(t, err)

	dir, err := m.Initialize(context.Background(), "proj-1", src, "", "")
	require.NoError(t, err)
	require.DirExists(t, dir)

	require.NoError(t, m.Cleanup(context.Background(), "proj-1"))
	assert.NoDirExists(t, filepath.Join(root, "proj-1"))
}

func TestNewManager_RequiresRoot(t *testing.T) {
	_, err := NewManager("", nil, nil)
	require.Error(t, err)
}
