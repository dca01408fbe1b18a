package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/logging"
)

// Loader reads agent definitions from a directory of markdown files and
// optionally hot-reloads them on change.
type Loader struct {
	dir string
	log *logging.Logger

	mu   sync.RWMutex
	defs map[string]*AgentDefinition
}

// NewLoader creates a Loader seeded with the built-in definitions. Files
// in dir override built-ins with the same name.
func NewLoader(dir string, log *logging.Logger) *Loader {
	if log == nil {
		log = logging.Nop()
	}
	return &Loader{
		dir:  dir,
		log:  log,
		defs: defaultDefinitions(),
	}
}

// Load parses every .md file in the directory. A missing directory leaves
// only the built-ins; a malformed file is skipped with a warning so one
// bad plugin cannot take the daemon down.
func (l *Loader) Load(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.Debug(ctx, "plugin directory absent, using built-in agents",
				zap.String("dir", l.dir))
			return nil
		}
		return fmt.Errorf("read plugin directory: %w", err)
	}

	loaded := defaultDefinitions()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.log.Warn(ctx, "skipping unreadable plugin", zap.String("path", path), zap.Error(err))
			continue
		}
		def, err := Parse(data)
		if err != nil {
			l.log.Warn(ctx, "skipping invalid plugin", zap.String("path", path), zap.Error(err))
			continue
		}
		loaded[def.Name] = def
		l.log.Info(ctx, "loaded agent definition",
			zap.String("name", def.Name), zap.String("path", path))
	}

	l.mu.Lock()
	l.defs = loaded
	l.mu.Unlock()
	return nil
}

// Get returns a definition by name.
func (l *Loader) Get(name string) (*AgentDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.defs[name]
	return def, ok
}

// Names lists the loaded definition names.
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.defs))
	for name := range l.defs {
		names = append(names, name)
	}
	return names
}

// Watch reloads the directory whenever a markdown file changes. Blocks
// until ctx ends; callers run it in a goroutine.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.log.Debug(ctx, "plugin change detected", zap.String("file", event.Name))
			if err := l.Load(ctx); err != nil {
				l.log.Warn(ctx, "plugin reload failed", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn(ctx, "plugin watcher error", zap.Error(err))

		case <-ctx.Done():
			return nil
		}
	}
}
