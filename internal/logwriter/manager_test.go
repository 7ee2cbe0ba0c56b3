package logwriter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalehq/sentryd/internal/logbuf"
	"github.com/kalehq/sentryd/internal/logrotate"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(ManagerConfig{
		BaseDir:  dir,
		Rotation: logrotate.Config{Strategy: logrotate.StrategyNever, MaxFiles: 3},
		Buffer:   logbuf.Config{MaxSize: 4096, MaxLines: 100},
	})
}

func TestManagerLazyWriterCreation(t *testing.T) {
	m := newTestManager(t)
	w1, err := m.GetWriter("svc")
	if err != nil {
		t.Fatal(err)
	}
	w2, err := m.GetWriter("svc")
	if err != nil {
		t.Fatal(err)
	}
	if w1 != w2 {
		t.Fatal("expected the same writer instance on second GetWriter call")
	}
}

func TestManagerReadLogsDiagnosticWhenAbsent(t *testing.T) {
	m := newTestManager(t)
	lines, err := m.ReadLogs("never-started", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) == 0 {
		t.Fatal("expected diagnostic lines for an absent log file")
	}
}

func TestManagerWriteAndReadStructuredLogs(t *testing.T) {
	m := newTestManager(t)
	w, err := m.GetWriter("svc")
	if err != nil {
		t.Fatal(err)
	}
	_ = w.WriteLine(FormatLine("svc", StreamStdout, "normal line"))
	_ = w.WriteLine(FormatLine("svc", StreamStderr, "oops"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}

	sl, err := m.ReadStructuredLogs("svc", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sl.Output) != 1 || len(sl.Errors) != 1 {
		t.Fatalf("expected 1 output + 1 error line, got %+v", sl)
	}
}

func TestManagerWriterOverrides(t *testing.T) {
	m := newTestManager(t)
	combined := filepath.Join(t.TempDir(), "nested", "svc-combined.log")
	w, err := m.GetWriterWith("svc", Overrides{CombinedPath: combined, MaxSizeBytes: 1024, MaxFiles: 2})
	if err != nil {
		t.Fatal(err)
	}
	_ = w.WriteLine("custom destination")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(combined)
	if err != nil {
		t.Fatalf("expected the overridden combined path to be written: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected content at the overridden combined path")
	}

	// Tail reads follow the overridden path too.
	lines, err := m.ReadLogs("svc", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "custom destination" {
		t.Fatalf("ReadLogs = %q, want the line from the overridden path", lines)
	}
}

func TestManagerOverridesIgnoredForExistingWriter(t *testing.T) {
	m := newTestManager(t)
	w1, err := m.GetWriter("svc")
	if err != nil {
		t.Fatal(err)
	}
	w2, err := m.GetWriterWith("svc", Overrides{CombinedPath: "/elsewhere/svc.log"})
	if err != nil {
		t.Fatal(err)
	}
	if w1 != w2 {
		t.Fatal("expected the existing writer to be returned regardless of overrides")
	}
}

func TestManagerRemoveWriter(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.GetWriter("svc"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.RemoveWriter(ctx, "svc"); err != nil {
		t.Fatal(err)
	}
	// GetWriter after removal should create a fresh writer, not reuse a
	// closed one.
	w2, err := m.GetWriter("svc")
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.WriteLine("still works"); err != nil {
		t.Fatal(err)
	}
}

func TestManagerReadAllAppsLogs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"b-app", "a-app"} {
		w, err := m.GetWriter(id)
		if err != nil {
			t.Fatal(err)
		}
		_ = w.WriteLine(FormatLine(id, StreamStdout, "hi"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}

	all, err := m.ReadAllAppsLogs(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 apps, got %d", len(all))
	}
	if _, ok := all["a-app"]; !ok {
		t.Fatal("expected a-app present")
	}
}
