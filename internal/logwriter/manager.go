package logwriter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/logbuf"
	"github.com/kalehq/sentryd/internal/logrotate"
)

// archivePattern matches rotated archive names (<stem>.<YYYYMMDD_HHMMSS>.log)
// so enumeration over the base directory only surfaces active files.
var archivePattern = regexp.MustCompile(`\.\d{8}_\d{6}\.log$`)

// ManagerConfig is the manager-wide policy applied to every writer it
// creates lazily.
type ManagerConfig struct {
	BaseDir  string
	Rotation logrotate.Config
	Buffer   logbuf.Config
}

// Manager maps application id to a shared Writer, creating writers lazily
// and on first use.
type Manager struct {
	mu      sync.Mutex
	cfg     ManagerConfig
	writers map[string]*Writer
	// paths remembers where each id's combined log lives, so tail reads
	// find an overridden combined_path even after its writer is closed.
	paths map[string]string
}

// NewManager constructs a Manager rooted at cfg.BaseDir.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, writers: make(map[string]*Writer), paths: make(map[string]string)}
}

// BaseDir returns the directory per-application log files are derived
// under when no explicit path is configured.
func (m *Manager) BaseDir() string { return m.cfg.BaseDir }

// Overrides carries one application's log policy on top of the manager's:
// an explicit combined-file path, a rotation size, and a retained-archive
// count. Zero values defer to the manager-wide policy.
type Overrides struct {
	CombinedPath string
	MaxSizeBytes int64
	MaxFiles     int
}

// GetWriter returns the existing writer for id, or creates one with the
// manager's policy and the derived path <base_dir>/<id>.log, atomically
// inserting on first use.
func (m *Manager) GetWriter(id string) (*Writer, error) {
	return m.GetWriterWith(id, Overrides{})
}

// GetWriterWith is GetWriter with the application's own log policy applied
// on first creation: combined_path replaces the derived path, and a set
// rotation size or file count replaces the manager-wide rotation policy.
// Overrides only matter when the writer is created; an existing writer is
// returned as-is.
func (m *Manager) GetWriterWith(id string, ov Overrides) (*Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.writers[id]; ok {
		return w, nil
	}

	path := ov.CombinedPath
	if path == "" {
		path = filepath.Join(m.cfg.BaseDir, id+".log")
	}
	rotation := m.cfg.Rotation
	if ov.MaxSizeBytes > 0 {
		rotation.Strategy = logrotate.StrategySize
		rotation.SizeBytes = ov.MaxSizeBytes
	}
	if ov.MaxFiles > 0 {
		rotation.MaxFiles = ov.MaxFiles
	}

	w, err := New(Config{Path: path, Rotation: rotation, Buffer: m.cfg.Buffer})
	if err != nil {
		return nil, err
	}
	m.writers[id] = w
	m.paths[id] = path
	return w, nil
}

// logPath returns where id's combined log lives: the path its writer was
// created with, or the derived default when no writer ever existed.
func (m *Manager) logPath(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.paths[id]; ok {
		return p
	}
	return filepath.Join(m.cfg.BaseDir, id+".log")
}

// RemoveWriter flushes and closes the writer for id (if any) before
// removing it from the map. The flush/close happens outside the map lock so
// a slow shutdown never blocks unrelated lookups.
func (m *Manager) RemoveWriter(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.writers[id]
	if ok {
		delete(m.writers, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := w.Flush(ctx); err != nil {
		// Still attempt Close; flush failure is logged by the caller via
		// the returned error but must not prevent shutdown.
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (m *Manager) snapshot() map[string]*Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Writer, len(m.writers))
	for k, v := range m.writers {
		out[k] = v
	}
	return out
}

// FlushAll flushes every current writer; the first error encountered is
// returned after all writers have been attempted.
func (m *Manager) FlushAll(ctx context.Context) error {
	var firstErr error
	for id, w := range m.snapshot() {
		if err := w.Flush(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush %s: %w", id, err)
		}
	}
	return firstErr
}

// RotateAll rotates every current writer; the first error encountered is
// returned after all writers have been attempted.
func (m *Manager) RotateAll(ctx context.Context) error {
	var firstErr error
	for id, w := range m.snapshot() {
		if err := w.Rotate(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("rotate %s: %w", id, err)
		}
	}
	return firstErr
}

// ReadLogs returns the last n lines from id's combined log file (the path
// its writer was created with, <base_dir>/<id>.log by default). If the file
// is absent or empty, it returns a short diagnostic explaining the likely
// cause rather than an error.
func (m *Manager) ReadLogs(id string, n int) ([]string, error) {
	lines, err := tailFile(m.logPath(id), n)
	if err != nil {
		if os.IsNotExist(err) {
			return diagnosticLines(id), nil
		}
		return nil, apperr.Wrap(apperr.KindIO, "read log file", err)
	}
	if len(lines) == 0 {
		return diagnosticLines(id), nil
	}
	return lines, nil
}

func diagnosticLines(id string) []string {
	return []string{
		fmt.Sprintf("no log output yet for %q", id),
		"this can mean: the app has no writer yet, it was run without a daemon, or the log directory is not readable",
	}
}

// StructuredLogs splits tailed lines into stdout/stderr buckets by the
// "[stderr]" token the write-side formatter embeds, preserving order within
// each bucket.
type StructuredLogs struct {
	Errors []string
	Output []string
}

// ReadStructuredLogs returns the last n lines from id's log file, split into
// stdout/stderr buckets.
func (m *Manager) ReadStructuredLogs(id string, n int) (StructuredLogs, error) {
	lines, err := m.ReadLogs(id, n)
	if err != nil {
		return StructuredLogs{}, err
	}
	var out StructuredLogs
	for _, l := range lines {
		if isStderrLine(l) {
			out.Errors = append(out.Errors, l)
		} else {
			out.Output = append(out.Output, l)
		}
	}
	return out, nil
}

// ReadAllAppsLogs enumerates <base_dir>/*.log, derives application ids from
// file stems, and returns a per-app structured view keyed by id.
func (m *Manager) ReadAllAppsLogs(n int) (map[string]StructuredLogs, error) {
	entries, err := os.ReadDir(m.cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]StructuredLogs{}, nil
		}
		return nil, apperr.Wrap(apperr.KindIO, "read log directory", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") || archivePattern.MatchString(name) {
			continue
		}
		// Per-stream redirect files live beside the combined logs; only the
		// combined files name applications.
		if strings.HasSuffix(name, "-out.log") || strings.HasSuffix(name, "-err.log") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".log"))
	}
	sort.Strings(ids)

	out := make(map[string]StructuredLogs, len(ids))
	for _, id := range ids {
		sl, err := m.ReadStructuredLogs(id, n)
		if err != nil {
			return nil, err
		}
		out[id] = sl
	}
	return out, nil
}

// tailFile reads the last n lines of path without holding it open for
// writes: it opens read-only, scans once, and keeps a bounded ring of the
// most recent lines.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if n <= 0 {
		return nil, nil
	}

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring = append(ring, scanner.Text())
		if len(ring) > n {
			ring = ring[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "scan log file", err)
	}
	return ring, nil
}
