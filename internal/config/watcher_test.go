package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/theintaker/voicebridge/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
remote:
  url: ws://localhost:8080/ws
  token: t
`

const watcherUpdatedYAML = `
server:
  log_level: debug
remote:
  url: ws://localhost:8080/ws
  token: t
playback:
  guard_margin: 300ms
`

const watcherInvalidYAML = `
server:
  log_level: bananas
remote:
  url: ws://localhost:8080/ws
`

// writeFile writes content and bumps the mtime so coarse filesystem
// timestamps cannot hide the change.
func writeFile(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	ts := time.Now().Add(age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type changeLog struct {
	mu      sync.Mutex
	changes []config.Changes
}

func (c *changeLog) record(_, _ *config.Config, ch config.Changes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
}

func (c *changeLog) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", got, config.LogInfo)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML, -time.Minute)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_CheckDetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	var log changeLog
	w, err := config.NewWatcher(path, log.record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, path, watcherUpdatedYAML, 0)
	w.Check()

	if log.len() != 1 {
		t.Fatalf("onChange called %d times, want 1", log.len())
	}
	ch := log.changes[0]
	if !ch.LogLevelChanged || ch.NewLogLevel != config.LogDebug {
		t.Errorf("log level change = %+v", ch)
	}
	if !ch.GuardMarginChanged || ch.NewGuardMargin != 300*time.Millisecond {
		t.Errorf("guard margin change = %+v", ch)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current log_level = %q, want debug", got)
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	var log changeLog
	w, err := config.NewWatcher(path, log.record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, path, watcherInvalidYAML, 0)
	w.Check()

	if log.len() != 0 {
		t.Errorf("onChange called for an invalid config")
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current log_level = %q, want previous info", got)
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	var log changeLog
	w, err := config.NewWatcher(path, log.record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, path, watcherValidYAML, 0)
	w.Check()
	if log.len() != 0 {
		t.Errorf("onChange called %d times for identical content", log.len())
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, -time.Minute)

	var log changeLog
	w, err := config.NewWatcher(path, log.record, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, watcherUpdatedYAML, 0)
	deadline := time.Now().Add(3 * time.Second)
	for log.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run never picked up the change")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
