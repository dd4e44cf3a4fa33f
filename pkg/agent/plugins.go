package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchemaRaw validates plugin manifests before they touch the
// roster. self_loop is deliberately absent: graph edges are static, so a
// manifest cannot claim the retry loop.
const manifestSchemaRaw = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"role": {"type": "string", "minLength": 1},
		"system_prompt": {"type": "string", "minLength": 1},
		"model": {"type": "string"},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2},
		"tools": {"type": "array", "items": {"type": "string"}},
		"output_schema": {"type": "string", "enum": ["prd", "tech_plan", "security_review", "code_review", "test_plan"]},
		"keywords": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["name", "role", "system_prompt"],
	"additionalProperties": false
}`

var manifestSchema = jsonschema.MustCompileString("agent_manifest.json", manifestSchemaRaw)

// LoadPlugins scans dir for *.json manifests and swaps them in as the
// plugin subset of the roster. Built-in entries are never touched. Invalid
// manifests are logged and skipped, never fatal.
func (r *Registry) LoadPlugins(dir string) (int, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("plugin directory absent, loading no plugins", "dir", dir)
			r.replacePlugins(nil)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}

	var loaded []Entry
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		e, err := parseManifest(path)
		if err != nil {
			r.logger.Warn("skipping plugin manifest", "path", path, "error", err)
			continue
		}
		loaded = append(loaded, e)
	}

	r.replacePlugins(loaded)
	r.logger.Info("plugins loaded", "dir", dir, "count", len(loaded))
	return len(loaded), nil
}

func parseManifest(path string) (Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Entry{}, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := manifestSchema.Validate(decoded); err != nil {
		return Entry{}, fmt.Errorf("manifest does not match the agent schema: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	e.Plugin = true
	e.SelfLoop = false
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// reloadDebounce coalesces the burst of filesystem events an editor save
// produces into one reload.
const reloadDebounce = 100 * time.Millisecond

// PluginWatcher reloads the plugin roster when manifests change on disk.
type PluginWatcher struct {
	registry *Registry
	dir      string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// WatchPlugins starts watching dir and reloading plugins on change. The
// caller stops it with Close.
func (r *Registry) WatchPlugins(dir string) (*PluginWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin watcher: %w", err)
	}
	// Watch the directory rather than individual files so atomic
	// rename-into-place saves still produce events.
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch plugin directory %s: %w", dir, err)
	}

	pw := &PluginWatcher{registry: r, dir: dir, watcher: w, logger: r.logger}
	go pw.loop()
	return pw, nil
}

func (pw *PluginWatcher) loop() {
	for {
		select {
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pw.scheduleReload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("plugin watcher error", "error", err)
		}
	}
}

func (pw *PluginWatcher) scheduleReload() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return
	}
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(reloadDebounce, func() {
		if _, err := pw.registry.LoadPlugins(pw.dir); err != nil {
			pw.logger.Warn("plugin reload failed", "dir", pw.dir, "error", err)
		}
	})
}

// Close stops the watcher. Safe to call more than once.
func (pw *PluginWatcher) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return nil
	}
	pw.closed = true
	if pw.timer != nil {
		pw.timer.Stop()
	}
	return pw.watcher.Close()
}
