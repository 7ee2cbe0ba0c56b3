// Package logrotate decides when a per-application log file is due for
// rotation and performs the rotation: archive (optionally gzip-compressed),
// retention pruning, and active-file reset.
package logrotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Strategy selects when rotation is due.
type Strategy int

const (
	// StrategySize rotates once the active file reaches SizeBytes.
	StrategySize Strategy = iota
	// StrategyDaily rotates when the local calendar date changes.
	StrategyDaily
	// StrategyHourly rotates when the local date or hour changes.
	StrategyHourly
	// StrategyNever never rotates on a timer (still rotatable on demand).
	StrategyNever
)

// Config describes a rotation policy.
type Config struct {
	Strategy    Strategy
	SizeBytes   int64 // meaningful only for StrategySize
	MaxFiles    int
	Compression bool
}

// DefaultConfig mirrors the upstream default: size-based at 10 MiB, 10
// retained archives, gzip compression on.
func DefaultConfig() Config {
	return Config{Strategy: StrategySize, SizeBytes: 10 * 1024 * 1024, MaxFiles: 10, Compression: true}
}

// Rotation is stateful rotation policy; it owns no file handle.
type Rotation struct {
	mu           sync.Mutex
	cfg          Config
	currentSize  int64
	lastRotation time.Time
}

// New constructs a Rotation with its clock starting now.
func New(cfg Config) *Rotation {
	return &Rotation{cfg: cfg, lastRotation: time.Now()}
}

// ShouldRotate reports whether rotation is due given the active file's
// current size.
func (r *Rotation) ShouldRotate(currentSize int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.cfg.Strategy {
	case StrategySize:
		return currentSize >= r.cfg.SizeBytes
	case StrategyDaily:
		now := time.Now()
		return !sameLocalDate(now, r.lastRotation)
	case StrategyHourly:
		now := time.Now()
		return !sameLocalDate(now, r.lastRotation) || now.Hour() != r.lastRotation.Hour()
	default:
		return false
	}
}

func sameLocalDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// UpdateSize accumulates bytes written since the last reset; used by callers
// that track size incrementally instead of stat-ing the file.
func (r *Rotation) UpdateSize(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentSize += n
}

// Reset clears the tracked size and stamps lastRotation to now, without
// touching any file. Rotate calls this itself; exposed for callers that need
// to resynchronize after an external truncation.
func (r *Rotation) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentSize = 0
	r.lastRotation = time.Now()
}

// Rotate archives activePath (compressing it if configured), prunes old
// archives beyond MaxFiles, and resets internal rotation bookkeeping. If
// activePath does not exist, Rotate is a no-op success — there is nothing to
// archive.
func (r *Rotation) Rotate(activePath string) error {
	if _, err := os.Stat(activePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat active log file: %w", err)
	}

	r.mu.Lock()
	compression := r.cfg.Compression
	maxFiles := r.cfg.MaxFiles
	r.mu.Unlock()

	dir := filepath.Dir(activePath)
	stem := stemOf(activePath)

	archivePath := nextArchivePath(dir, stem, compression)
	if compression {
		if err := compressAndRemove(activePath, archivePath); err != nil {
			return err
		}
	} else {
		if err := renameOrCopyTruncate(activePath, archivePath); err != nil {
			return err
		}
	}

	if err := pruneOldArchives(dir, stem, filepath.Base(activePath), maxFiles); err != nil {
		return err
	}

	r.Reset()
	return nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// nextArchivePath composes <stem>.<YYYYMMDD_HHMMSS>.log[.gz]. Archive
// timestamps have one-second resolution, so rotations within the same second
// would collide and silently overwrite an earlier archive; bump the
// timestamp forward until the name is free.
func nextArchivePath(dir, stem string, compressed bool) string {
	ext := ".log"
	if compressed {
		ext = ".log.gz"
	}
	ts := time.Now()
	for {
		path := filepath.Join(dir, fmt.Sprintf("%s.%s%s", stem, ts.Format("20060102_150405"), ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		ts = ts.Add(time.Second)
	}
}

func compressAndRemove(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open active log file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return fmt.Errorf("compress log file: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalize gzip archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}

	if err := os.Remove(source); err != nil {
		// The archive was written successfully; the active file is
		// retained on disk rather than left half-truncated.
		return fmt.Errorf("remove active log file after archiving: %w", err)
	}
	return nil
}

func renameOrCopyTruncate(source, dest string) error {
	if err := os.Rename(source, dest); err == nil {
		return nil
	}
	// Rename failed — typically because the file is still open for writes
	// on a platform that disallows renaming open files. Fall back to
	// copy-then-truncate; if truncation fails the archive copy is still
	// retained, so no data is lost.
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open active log file for copy fallback: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		in.Close()
		return fmt.Errorf("create archive via copy fallback: %w", err)
	}
	_, copyErr := io.Copy(out, in)
	in.Close()
	closeErr := out.Close()
	if copyErr != nil {
		return fmt.Errorf("copy active log file: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close archive copy: %w", closeErr)
	}
	if err := os.Truncate(source, 0); err != nil {
		return fmt.Errorf("truncate active log file after copy: %w", err)
	}
	return nil
}

func pruneOldArchives(dir, stem, activeName string, maxFiles int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read log directory: %w", err)
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		name := e.Name()
		if name == activeName || !strings.HasPrefix(name, stem) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	if maxFiles < 0 {
		maxFiles = 0
	}
	for _, f := range files[min(maxFiles, len(files)):] {
		_ = os.Remove(f.path)
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
