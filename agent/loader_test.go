package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "team.yaml"), `agents:
  - id: dev-1
    role: developer
    system_prompt: "You write code."
  - id: rev-1
    role: reviewer
`)
	writeFile(t, filepath.Join(dir, "single.yml"), `id: qa-1
role: tester
model: claude-sonnet-4-5
`)
	// Nested directories are included.
	writeFile(t, filepath.Join(dir, "proj", "scoped.yaml"), `id: dev-p1
role: developer
project_id: p1
`)
	// Non-YAML files are ignored.
	writeFile(t, filepath.Join(dir, "README.md"), "# agents")

	agents, err := LoadDir(dir, nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(agents) != 4 {
		t.Fatalf("loaded %d agents, want 4", len(agents))
	}

	byID := make(map[string]Config)
	for _, a := range agents {
		byID[a.ID] = a
	}
	if byID["qa-1"].Model != "claude-sonnet-4-5" {
		t.Errorf("qa-1 = %+v", byID["qa-1"])
	}
	if byID["dev-p1"].ProjectID != "p1" {
		t.Errorf("dev-p1 = %+v", byID["dev-p1"])
	}
}

func TestLoadDirSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "good.yaml"), `id: dev-1
role: developer
`)
	writeFile(t, filepath.Join(dir, "broken.yaml"), "agents: [not: {valid")
	writeFile(t, filepath.Join(dir, "incomplete.yaml"), `id: no-role
`)

	agents, err := LoadDir(dir, nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "dev-1" {
		t.Errorf("agents = %v, want just dev-1", agents)
	}
}

func TestLoadDirEmpty(t *testing.T) {
	agents, err := LoadDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("agents = %v", agents)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "agents.yaml"), `id: dev-1
role: developer
`)

	registry := NewRegistry()
	agents, err := LoadDir(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	registry.Replace(agents)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, dir, registry, nil)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "agents.yaml"), `agents:
  - id: dev-1
    role: developer
  - id: rev-1
    role: reviewer
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(registry.All()) == 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := registry.All(); len(got) != 2 {
		t.Errorf("registry after reload = %v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop on cancel")
	}
}
