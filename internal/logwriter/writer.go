// Package logwriter implements the per-application asynchronous log writer
// (AsyncLogWriter) and the keyed map of writers (LogManager) described by
// the log pipeline core subsystem: a single background worker per
// application serializes writes behind a bounded command queue, with
// periodic auto-flush and on-demand rotation.
package logwriter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/logbuf"
	"github.com/kalehq/sentryd/internal/logrotate"
)

const (
	defaultQueueDepth  = 10000
	defaultFlushPeriod = 100 * time.Millisecond
	flushTimeout       = 1 * time.Second
	closeTimeout       = 5 * time.Second
	rotateSettleDelay  = 10 * time.Millisecond
)

type commandKind int

const (
	cmdWrite commandKind = iota
	cmdFlushAndWait
	cmdRotate
	cmdClose
)

type command struct {
	kind commandKind
	data []byte
	done chan struct{}
}

// Config configures one Writer.
type Config struct {
	Path        string
	Rotation    logrotate.Config
	Buffer      logbuf.Config
	FlushPeriod time.Duration
	QueueDepth  int
}

// Writer is a single-writer-per-application log sink. It owns exactly one
// background worker goroutine; callers never touch the underlying file
// directly.
type Writer struct {
	path     string
	file     *os.File
	bw       *bufio.Writer
	rotation *logrotate.Rotation
	buffer   *logbuf.Buffer

	cmdCh chan command
	done  chan struct{}

	droppedWrites int64
	mu            sync.Mutex // protects droppedWrites only
}

// New opens path in append mode and starts the background worker.
func New(cfg Config) (*Writer, error) {
	if cfg.FlushPeriod <= 0 {
		cfg.FlushPeriod = defaultFlushPeriod
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "create log directory", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "open log file", err)
	}

	w := &Writer{
		path:     cfg.Path,
		file:     f,
		bw:       bufio.NewWriter(f),
		rotation: logrotate.New(cfg.Rotation),
		buffer:   logbuf.New(cfg.Buffer),
		cmdCh:    make(chan command, cfg.QueueDepth),
		done:     make(chan struct{}),
	}

	go w.run(cfg.FlushPeriod)
	return w, nil
}

func (w *Writer) run(flushPeriod time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.buffer.IsEmpty() {
				_ = w.flushBuffer()
			}
		case cmd := <-w.cmdCh:
			switch cmd.kind {
			case cmdWrite:
				w.buffer.Write(cmd.data)
			case cmdFlushAndWait:
				_ = w.flushBuffer()
				close(cmd.done)
			case cmdRotate:
				_ = w.doRotate()
			case cmdClose:
				_ = w.flushBuffer()
				return
			}
		}
	}
}

func (w *Writer) flushBuffer() error {
	lines := w.buffer.GetLines()
	incomplete := w.buffer.FlushIncomplete()
	if len(lines) == 0 && incomplete == nil {
		return nil
	}
	var written int64
	for _, line := range lines {
		n, err := w.bw.Write(line)
		written += int64(n)
		if err != nil {
			return apperr.Wrap(apperr.KindIO, "write log line", err)
		}
	}
	if incomplete != nil {
		n, err := w.bw.Write(incomplete)
		written += int64(n)
		if err == nil {
			var nn int
			nn, err = w.bw.Write([]byte("\n"))
			written += int64(nn)
		}
		if err != nil {
			return apperr.Wrap(apperr.KindIO, "write incomplete log tail", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		return apperr.Wrap(apperr.KindIO, "flush log buffer", err)
	}
	if err := w.file.Sync(); err != nil {
		return apperr.Wrap(apperr.KindIO, "fsync log file", err)
	}
	w.rotation.UpdateSize(written)
	return nil
}

func (w *Writer) doRotate() error {
	if err := w.bw.Flush(); err != nil {
		return apperr.Wrap(apperr.KindIO, "flush before rotate", err)
	}
	if err := w.file.Close(); err != nil {
		return apperr.Wrap(apperr.KindIO, "close log file before rotate", err)
	}
	if err := w.rotation.Rotate(w.path); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "reopen log file after rotate", err)
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	return nil
}

// Write enqueues data into the line buffer. The send is non-blocking; on a
// full queue the write is dropped and counted, never blocking the caller
// (the child process pipe must never back up behind log persistence).
func (w *Writer) Write(data []byte) error {
	select {
	case w.cmdCh <- command{kind: cmdWrite, data: data}:
		return nil
	default:
		w.mu.Lock()
		w.droppedWrites++
		w.mu.Unlock()
		return apperr.New(apperr.KindIO, "log writer queue full, write dropped")
	}
}

// WriteLine appends a trailing newline if missing, then calls Write.
func (w *Writer) WriteLine(line string) error {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	return w.Write([]byte(line))
}

// DroppedWrites returns the count of writes dropped due to a full queue.
func (w *Writer) DroppedWrites() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.droppedWrites
}

// Flush drains the buffer to disk (and fsyncs) and waits for completion,
// bounded by a 1s timeout.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case w.cmdCh <- command{kind: cmdFlushAndWait, done: done}:
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, "enqueue flush command", ctx.Err())
	}

	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return apperr.New(apperr.KindTimeout, "flush operation timed out")
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, "flush operation canceled", ctx.Err())
	}
}

// Rotate asks the worker to rotate the active file and waits briefly for the
// rotation to begin processing.
func (w *Writer) Rotate(ctx context.Context) error {
	select {
	case w.cmdCh <- command{kind: cmdRotate}:
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, "enqueue rotate command", ctx.Err())
	}
	time.Sleep(rotateSettleDelay)
	return nil
}

// Close flushes and stops the worker, waiting up to 5s for it to terminate.
// On timeout it returns an error but does not panic; in-queue data may be
// lost.
func (w *Writer) Close() error {
	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case w.cmdCh <- command{kind: cmdClose}:
	case <-timer.C:
		// Queue saturated and the worker never drained it; give up on an
		// orderly flush, close the file, and accept in-queue loss.
		_ = w.file.Close()
		return apperr.New(apperr.KindTimeout, fmt.Sprintf("log writer for %s did not accept close within %s", w.path, closeTimeout))
	}
	select {
	case <-w.done:
	case <-timer.C:
		_ = w.file.Close()
		return apperr.New(apperr.KindTimeout, fmt.Sprintf("log writer for %s did not shut down within %s", w.path, closeTimeout))
	}
	return w.file.Close()
}
