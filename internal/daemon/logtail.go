package daemon

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/logwriter"
	"github.com/kalehq/sentryd/internal/metrics"
)

const tailPollInterval = 200 * time.Millisecond

// resolveLogPaths fills in the default redirect targets for any per-stream
// path the config leaves unset: <base_dir>/<id>-out.log and
// <base_dir>/<id>-err.log. The supervisor hands these files to the child at
// spawn time; nothing in the daemon holds them open.
func (d *Daemon) resolveLogPaths(id string, cfg *app.Config) {
	base := d.logs.BaseDir()
	if cfg.Log.StdoutPath == "" {
		cfg.Log.StdoutPath = filepath.Join(base, id+"-out.log")
	}
	if cfg.Log.StderrPath == "" {
		cfg.Log.StderrPath = filepath.Join(base, id+"-err.log")
	}
}

// tailOutputs follows id's redirected stdout/stderr files while its process
// runs: each new complete line is formatted into the combined log writer
// and broadcast to log subscribers. Streaming is synthesized from the files
// on disk — the child's output descriptors belong to the OS redirection set
// up at spawn, never to a pipe held here. On cancellation it performs one
// final drain so lines written just before exit are not lost.
func (d *Daemon) tailOutputs(ctx context.Context, id string, cfg *app.Config) {
	streams := []struct {
		name string
		path string
	}{
		{"stdout", cfg.Log.StdoutPath},
		{"stderr", cfg.Log.StderrPath},
	}

	// The redirect files are append-mode and survive restarts; only output
	// produced by this incarnation should stream, so start at current EOF.
	offsets := make([]int64, len(streams))
	for i, s := range streams {
		if info, err := os.Stat(s.path); err == nil {
			offsets[i] = info.Size()
		}
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for i, s := range streams {
				offsets[i] = d.drainStream(id, cfg, s.name, s.path, offsets[i])
			}
			return
		case <-ticker.C:
			for i, s := range streams {
				offsets[i] = d.drainStream(id, cfg, s.name, s.path, offsets[i])
			}
		}
	}
}

// drainStream reads complete lines appended to path since offset,
// publishing each, and returns the new offset. A partial (unterminated)
// tail is left for the next drain; a file shorter than the offset was
// truncated or rotated underneath us, so reading restarts from the top.
func (d *Daemon) drainStream(id string, cfg *app.Config, stream, path string, offset int64) int64 {
	if path == "" {
		return offset
	}
	f, err := os.Open(path)
	if err != nil {
		return offset
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset
	}
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return offset
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return offset
		}
		offset += int64(len(line))
		d.publishLogLine(id, cfg, stream, strings.TrimRight(line, "\r\n"))
	}
}

// publishLogLine appends one formatted line to id's combined log and fans
// it out as a log_line event.
func (d *Daemon) publishLogLine(id string, cfg *app.Config, stream, line string) {
	w, err := d.logs.GetWriterWith(id, writerOverrides(cfg))
	if err == nil {
		formatted := logwriter.FormatLine(id, logwriter.Stream(stream), line)
		if werr := w.WriteLine(formatted); werr != nil {
			metrics.IncLogLinesDropped(id)
		} else {
			metrics.IncLogLinesWritten(id)
		}
	}
	d.bus.Broadcast(event.LogLine(id, stream, line))
}

// writerOverrides maps an application's log config onto the manager's
// per-writer overrides: combined file path, rotation size, retained count.
func writerOverrides(cfg *app.Config) logwriter.Overrides {
	return logwriter.Overrides{
		CombinedPath: cfg.Log.CombinedPath,
		MaxSizeBytes: cfg.Log.MaxSizeBytes,
		MaxFiles:     cfg.Log.MaxFiles,
	}
}
