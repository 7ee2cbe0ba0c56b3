// Package configwatch reloads application policy configuration when its
// source file changes on disk, deciding whether to actually swap in a new
// snapshot by comparing content hashes rather than trusting the filesystem
// event alone (editors commonly rewrite a file via a temp-file-plus-rename
// that fires more than one fsnotify event per logical save).
package configwatch

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/config"
)

// Loader re-reads every application's config from disk given the source
// path discovery previously settled on.
type Loader func(path string) (map[string]*app.Config, error)

// Snapshot is one successfully loaded and hashed configuration generation.
type Snapshot struct {
	Apps map[string]*app.Config
	Hash [32]byte
}

// Watcher holds the current snapshot and, when started, reloads it whenever
// the underlying file's content hash changes.
type Watcher struct {
	path   string
	loader Loader
	log    *slog.Logger

	mu   sync.RWMutex
	snap *Snapshot

	onReload func(*Snapshot)

	debounce time.Duration
}

// New builds a Watcher over path using loader to parse it, performing one
// synchronous initial load.
func New(path string, loader Loader, log *slog.Logger) (*Watcher, error) {
	w := &Watcher{path: path, loader: loader, log: log, debounce: 200 * time.Millisecond}
	snap, err := w.load()
	if err != nil {
		return nil, err
	}
	w.snap = snap
	return w, nil
}

// Current returns the most recently loaded snapshot.
func (w *Watcher) Current() *Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap
}

// OnReload registers a callback invoked (from the Watch goroutine) every
// time a reload actually swaps in a new, content-different snapshot.
func (w *Watcher) OnReload(f func(*Snapshot)) {
	w.onReload = f
}

func (w *Watcher) load() (*Snapshot, error) {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "read config file for reload", err)
	}
	apps, err := w.loader(w.path)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Apps: apps, Hash: sha256.Sum256(raw)}, nil
}

// Watch blocks, watching w.path's directory for changes (fsnotify doesn't
// reliably watch a single file across editors' rename-based saves) and
// reloading on a debounce timer whenever the content hash differs from the
// current snapshot. Returns when ctx is canceled or the watcher cannot be
// created.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "create config file watcher", err)
	}
	defer fw.Close()

	dir := dirOf(w.path)
	if err := fw.Add(dir); err != nil {
		return apperr.Wrap(apperr.KindIO, "watch config directory", err)
	}

	var timer *time.Timer
	recheck := make(chan struct{}, 1)
	scheduleRecheck := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case recheck <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Name == w.path || baseName(ev.Name) == baseName(w.path) {
				scheduleRecheck()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.Warn("config watcher error", "error", err)
			}
		case <-recheck:
			w.maybeReload()
		}
	}
}

// CheckReload re-reads the file immediately, swapping in a new snapshot if
// its SHA-256 differs from the current one. Watch calls this on debounced
// filesystem events; it is also callable directly (e.g. from a SIGHUP
// handler) for an on-demand reload check.
func (w *Watcher) CheckReload() {
	w.maybeReload()
}

func (w *Watcher) maybeReload() {
	snap, err := w.load()
	if err != nil {
		if w.log != nil {
			w.log.Warn("config reload failed, keeping previous snapshot", "path", w.path, "error", err)
		}
		return
	}

	w.mu.Lock()
	changed := snap.Hash != w.snap.Hash
	if changed {
		w.snap = snap
	}
	w.mu.Unlock()

	if changed {
		if w.log != nil {
			w.log.Info("configuration reloaded", "path", w.path, "apps", len(snap.Apps))
		}
		if w.onReload != nil {
			w.onReload(snap)
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// LoadNative and LoadEcosystem adapt config's file loaders to the Loader
// signature Watch expects.
func LoadNative(path string) (map[string]*app.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "read native config", err)
	}
	nf, err := config.ParseNative(raw)
	if err != nil {
		return nil, err
	}
	return nf.ToAppConfigs()
}

func LoadEcosystem(path string) (map[string]*app.Config, error) {
	return config.LoadEcosystemFile(path)
}
