package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ParamsPlaceholder is replaced in a command template with the operation's
// params serialized as compact JSON.
const ParamsPlaceholder = "{params}"

// CommandMap maps RPC method names to secondary-path command templates. A
// template is an argv slice whose entries may contain ParamsPlaceholder.
type CommandMap struct {
	mu       sync.RWMutex
	commands map[string][]string
}

// NewCommandMap wraps a static method→template mapping.
func NewCommandMap(commands map[string][]string) *CommandMap {
	if commands == nil {
		commands = map[string][]string{}
	}
	return &CommandMap{commands: commands}
}

// LoadCommandMap reads a JSON file of the form
// {"method": ["cmd", "arg", "{params}"]}.
func LoadCommandMap(path string) (*CommandMap, error) {
	m := NewCommandMap(nil)
	if err := m.reload(path); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CommandMap) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read command map: %w", err)
	}
	var commands map[string][]string
	if err := json.Unmarshal(data, &commands); err != nil {
		return fmt.Errorf("failed to parse command map %s: %w", path, err)
	}
	for method, argv := range commands {
		if len(argv) == 0 {
			return fmt.Errorf("command map %s: method %q has an empty template", path, method)
		}
	}
	m.mu.Lock()
	m.commands = commands
	m.mu.Unlock()
	return nil
}

// Resolve returns the argv for a method with the params placeholder
// substituted. The second return is false when the method has no mapping.
func (m *CommandMap) Resolve(method string, params json.RawMessage) ([]string, bool) {
	m.mu.RLock()
	template, ok := m.commands[method]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	encoded := "{}"
	if len(params) > 0 {
		encoded = string(params)
	}
	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = strings.ReplaceAll(arg, ParamsPlaceholder, encoded)
	}
	return argv, true
}

// Methods lists the mapped method names.
func (m *CommandMap) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.commands))
	for method := range m.commands {
		out = append(out, method)
	}
	return out
}

// Watch re-reads the file whenever it changes on disk, so the mapping can be
// extended without a restart. A malformed rewrite keeps the previous mapping
// in effect. Blocks until ctx is canceled.
func (m *CommandMap) Watch(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create command map watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors replace files via
	// rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := m.reload(path); err != nil {
				log.Warn("command map reload failed, keeping previous mapping",
					slog.String("path", path),
					slog.String("err", err.Error()))
				continue
			}
			log.Info("command map reloaded", slog.String("path", path))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("command map watcher error", slog.String("err", err.Error()))
		}
	}
}
