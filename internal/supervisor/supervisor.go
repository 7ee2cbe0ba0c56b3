// Package supervisor implements the OS-specific PlatformSupervisor
// capability set: spawn, kill_tree, wait, graceful_stop,
// set_resource_limits, get_process_info, and a one-shot event stream. Three
// concrete variants exist (linux.go, darwin.go, windows.go); callers hold
// only the Supervisor interface and never know which one they have.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/registry"
)

// ExitStatus is the result of waiting on a child: either a plain exit code
// or, on Unix, termination by signal.
type ExitStatus struct {
	ExitCode int
	Signaled bool
	Signal   int
	TimedOut bool // set by GracefulStop when it had to escalate to kill_tree
}

// Success reports whether the child exited with status 0 and was not
// signaled.
func (s ExitStatus) Success() bool { return !s.Signaled && s.ExitCode == 0 }

// ProcessInfo is the best-effort snapshot returned by GetProcessInfo; fields
// the host cannot provide are left at their zero value.
type ProcessInfo struct {
	Pid          int
	Command      string
	Args         []string
	MemoryBytes  uint64
	CPUPercent   float64
	Threads      int
	OpenFiles    int
	HasMemory    bool
	HasCPU       bool
	HasThreads   bool
	HasOpenFiles bool
}

// Supervisor is the capability set a daemon needs from the host OS to own a
// tree of child processes.
type Supervisor interface {
	// Spawn starts config's command as appID's child, redirecting its
	// stdout/stderr at the OS level to the append-mode files named by
	// cfg.Log (the daemon resolves defaults before calling), and registers
	// it in reg. No pipe to the child is held after Spawn returns; log
	// streaming is synthesized by tailing the redirect files. Emits a
	// process_started event on success.
	Spawn(ctx context.Context, appID string, cfg *app.Config, reg *registry.Registry) (registry.Handle, error)

	// KillTree kills the handle's process and every descendant and
	// unregisters it from reg; it does not wait for them to be reaped.
	KillTree(ctx context.Context, h registry.Handle, reg *registry.Registry) error

	// Wait blocks until the child is reaped, cleaning up platform
	// resources (cgroup dir, process group, job object) afterward.
	Wait(ctx context.Context, h registry.Handle) (ExitStatus, error)

	// GracefulStop sends the polite termination signal, waits up to
	// timeout, and escalates to KillTree on timeout.
	GracefulStop(ctx context.Context, h registry.Handle, reg *registry.Registry, timeout time.Duration) (ExitStatus, error)

	// SetResourceLimits applies cfg's memory/cpu limits to h, or is a
	// documented no-op on platforms without the primitive.
	SetResourceLimits(h registry.Handle, cfg *app.Config) error

	// GetProcessInfo returns a best-effort snapshot for pid.
	GetProcessInfo(pid int) (ProcessInfo, error)

	// Events returns the single event receiver. Subsequent calls return a
	// closed channel — Events is one-shot; fanout to multiple consumers
	// happens via the subscription fabric, never by calling Events twice.
	Events() <-chan event.Event
}

// base holds the one-shot event channel shared by every platform variant.
type base struct {
	eventsCh chan event.Event
	taken    atomic.Bool
	closedCh chan event.Event
	once     sync.Once
}

func newBaseEventsCh() chan event.Event {
	return make(chan event.Event, 1024)
}

// Events implements the one-shot Events() contract.
func (b *base) Events() <-chan event.Event {
	if b.taken.CompareAndSwap(false, true) {
		return b.eventsCh
	}
	b.once.Do(func() {
		b.closedCh = make(chan event.Event)
		close(b.closedCh)
	})
	return b.closedCh
}

func (b *base) emit(e event.Event) {
	select {
	case b.eventsCh <- e:
	default:
		// The event channel is bounded; a full channel means no one is
		// consuming events, so the event is dropped rather than blocking
		// the spawn/wait path.
	}
}

// checkedNegPid negates pid for process-group addressing, guarding against
// int overflow on hosts with 32-bit pids.
func checkedNegPid(pid int) (int, bool) {
	if pid <= 0 || pid > 1<<31-1 {
		return 0, false
	}
	return -pid, true
}
