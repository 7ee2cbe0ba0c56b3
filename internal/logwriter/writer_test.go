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

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	w, err := New(Config{
		Path:        path,
		Rotation:    logrotate.Config{Strategy: logrotate.StrategyNever, MaxFiles: 3},
		Buffer:      logbuf.Config{MaxSize: 4096, MaxLines: 100},
		FlushPeriod: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestWriterWriteAndFlush(t *testing.T) {
	w, path := newTestWriter(t)
	if err := w.WriteLine("hello"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("got %q", data)
	}
}

func TestWriterAutoFlush(t *testing.T) {
	w, path := newTestWriter(t)
	if err := w.WriteLine("auto"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(path)
		if len(data) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected auto-flush to persist data within timeout")
}

func TestWriterClose(t *testing.T) {
	w, _ := newTestWriter(t)
	if err := w.WriteLine("bye"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriterRotate(t *testing.T) {
	w, path := newTestWriter(t)
	_ = w.WriteLine("before rotation")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Rotate(ctx); err != nil {
		t.Fatal(err)
	}
	_ = w.WriteLine("after rotation")
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "after rotation\n" {
		t.Fatalf("expected fresh active file content, got %q", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected active file + 1 archive, got %d entries", len(entries))
	}
}
