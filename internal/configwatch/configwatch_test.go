package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kalehq/sentryd/internal/app"
)

func TestNewPerformsInitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunctl.json")
	write(t, path, `{"apps":[{"name":"web","command":"node"}]}`)

	w, err := New(path, LoadNative, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := w.Current().Apps["web"]; !ok {
		t.Errorf("expected app %q in initial snapshot, got %v", "web", w.Current().Apps)
	}
}

func TestNewFailsOnUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")
	if _, err := New(path, LoadNative, nil); err == nil {
		t.Fatal("expected an error for a nonexistent config file")
	}
}

func TestWatchReloadsOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunctl.json")
	write(t, path, `{"apps":[{"name":"web","command":"node"}]}`)

	w, err := New(path, LoadNative, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var reloaded *Snapshot
	done := make(chan struct{}, 1)
	w.OnReload(func(s *Snapshot) {
		mu.Lock()
		reloaded = s
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx)

	time.Sleep(50 * time.Millisecond)
	write(t, path, `{"apps":[{"name":"web","command":"node"},{"name":"api","command":"go-run"}]}`)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if reloaded == nil {
		t.Fatal("expected a reload snapshot")
	}
	if _, ok := reloaded.Apps["api"]; !ok {
		t.Errorf("expected the reloaded snapshot to include the new app, got %v", reloaded.Apps)
	}
}

func TestMaybeReloadSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunctl.json")
	write(t, path, `{"apps":[{"name":"web","command":"node"}]}`)

	calls := 0
	loader := func(p string) (map[string]*app.Config, error) {
		calls++
		return LoadNative(p)
	}

	w, err := New(path, loader, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := calls

	w.OnReload(func(s *Snapshot) {
		t.Error("onReload should not fire when content is unchanged")
	})
	w.maybeReload()
	if calls != before+1 {
		t.Errorf("expected exactly one more loader call from maybeReload, got %d more", calls-before)
	}
}

func write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
