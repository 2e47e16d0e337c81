package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// agentFilePattern matches agent definition files anywhere under the
// agents directory.
const agentFilePattern = "**/*.{yaml,yml}"

// definitionFile is the YAML shape of one agent file: either a single agent
// document or a list under "agents".
type definitionFile struct {
	Agents []Config `yaml:"agents"`
	Config `yaml:",inline"`
}

// LoadDir reads every agent definition file under dir. Malformed files are
// skipped with a warning so one bad file cannot take down the registry.
func LoadDir(dir string, logger *slog.Logger) ([]Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	matches, err := doublestar.Glob(os.DirFS(dir), agentFilePattern)
	if err != nil {
		return nil, fmt.Errorf("glob agent files: %w", err)
	}

	var agents []Config
	for _, rel := range matches {
		path := filepath.Join(dir, rel)
		loaded, err := loadFile(path)
		if err != nil {
			logger.Warn("Skipping unreadable agent file", "path", path, "error", err)
			continue
		}
		agents = append(agents, loaded...)
	}
	return agents, nil
}

func loadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}

	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent file: %w", err)
	}

	agents := file.Agents
	if len(agents) == 0 && file.ID != "" {
		agents = []Config{file.Config}
	}

	for i := range agents {
		if err := agents[i].Validate(); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

// Watch reloads the registry whenever files under dir change. Events are
// debounced because editors produce bursts of writes. Runs until ctx is
// cancelled.
func Watch(ctx context.Context, dir string, registry *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	// Watch immediate subdirectories too; fsnotify is not recursive.
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(dir, entry.Name()))
			}
		}
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Agent watcher error", "error", err)

		case <-timerC:
			agents, err := LoadDir(dir, logger)
			if err != nil {
				logger.Warn("Agent reload failed", "dir", dir, "error", err)
				continue
			}
			registry.Replace(agents)
			logger.Info("Reloaded agent definitions", "dir", dir, "count", len(agents))
		}
	}
}
