package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlugin = `---
name: migration-expert
description: Knows the database migration layout
model: claude-sonnet-4-5-20250929
tools:
  - read_file
  - grep
triggers:
  - migration
---
You are an expert on this repository's migration system.
Explain the migration layout before proposing changes.
`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(validPlugin))
	require.NoError(t, err)

	assert.Equal(t, "migration-expert", def.Name)
	assert.Equal(t, "claude-sonnet-4-5-20250929", def.Model)
	assert.Equal(t, []string{"read_file", "grep"}, def.Tools)
	assert.Equal(t, []string{"migration"}, def.Triggers)
	assert.Contains(t, def.SystemPrompt, "migration system")
	assert.NotContains(t, def.SystemPrompt, "---")
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no frontmatter": "just a markdown file\n",
		"unterminated":   "---\nname: x\n",
		"missing name":   "---\ndescription: d\n---\nprompt\n",
		"empty prompt":   "---\nname: x\n---\n",
		"bad yaml":       "---\nname: [unclosed\n---\nprompt\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			require.Error(t, err)
		})
	}
}

func TestLoader_BuiltinsAlwaysPresent(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing"), nil)
	require.NoError(t, l.Load(context.Background()))

	for _, name := range []string{
		"research", "planning", "implementation",
		"overwatcher-review", "overwatcher-security",
		"overwatcher-test", "overwatcher-documentation",
	} {
		def, ok := l.Get(name)
		require.True(t, ok, name)
		assert.NotEmpty(t, def.SystemPrompt, name)
	}
}

func TestLoader_FileOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := `---
name: research
description: custom research agent
---
Custom research instructions.
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.md"), []byte(override), 0o644))
	// A broken plugin is skipped without failing the load.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no frontmatter"), 0o644))
	// Non-markdown files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("---\nname: notes\n---\nx"), 0o644))

	l := NewLoader(dir, nil)
	require.NoError(t, l.Load(context.Background()))

	def, ok := l.Get("research")
	require.True(t, ok)
	assert.Equal(t, "Custom research instructions.", def.SystemPrompt)

	_, ok = l.Get("notes")
	assert.False(t, ok)
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir, nil)
	require.NoError(t, l.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = l.Watch(ctx)
	}()

	plugin := `---
name: hot-loaded
---
Appeared at runtime.
`
	// Give the watcher a moment to attach before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hot.md"), []byte(plugin), 0o644))

	require.Eventually(t, func() bool {
		_, ok := l.Get("hot-loaded")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-watchDone:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}
