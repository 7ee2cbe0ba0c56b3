//go:build darwin

package supervisor

import (
	"context"
	"syscall"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/registry"
	gpsprocess "github.com/shirou/gopsutil/v4/process"
)

// DarwinSupervisor manages child processes via POSIX process groups.
// macOS has no cgroups equivalent reachable without elevated entitlements,
// so SetResourceLimits is a documented no-op here.
type DarwinSupervisor struct {
	base
}

// New constructs a DarwinSupervisor.
func New() (Supervisor, error) {
	return &DarwinSupervisor{base: base{eventsCh: newBaseEventsCh()}}, nil
}

// Spawn starts cfg's command as appID's child, in its own process group,
// with stdout/stderr redirected at spawn time to cfg.Log's append-mode
// files.
func (s *DarwinSupervisor) Spawn(ctx context.Context, appID string, cfg *app.Config, reg *registry.Registry) (registry.Handle, error) {
	cmd, redirects, err := buildCmd(cfg)
	if err != nil {
		return registry.Handle{}, err
	}
	err = cmd.Start()
	closeRedirects(redirects)
	if err != nil {
		return registry.Handle{}, apperr.Wrap(apperr.KindSpawnFailed, "start child process", err)
	}
	pid := cmd.Process.Pid

	h := registry.Handle{Pid: pid, AppID: appID, Native: newUnixHandle(cmd)}
	reg.Register(appID, h)
	s.emit(event.ProcessStarted(appID, pid))
	return h, nil
}

// KillTree SIGKILLs h's process group, falling back to the individual pid.
func (s *DarwinSupervisor) KillTree(ctx context.Context, h registry.Handle, reg *registry.Registry) error {
	if err := signalGroup(h.Pid, syscall.SIGKILL); err != nil {
		return apperr.Wrap(apperr.KindSupervisor, "kill process tree", err)
	}
	reg.Unregister(h.AppID)
	return nil
}

// Wait blocks until the child is reaped.
func (s *DarwinSupervisor) Wait(ctx context.Context, h registry.Handle) (ExitStatus, error) {
	uh, ok := h.Native.(*unixHandle)
	if !ok {
		return ExitStatus{}, apperr.New(apperr.KindSupervisor, "handle has no associated process")
	}
	return waitCmd(ctx, uh)
}

// GracefulStop sends SIGTERM to h's process group, waits up to timeout, and
// escalates to KillTree on timeout.
func (s *DarwinSupervisor) GracefulStop(ctx context.Context, h registry.Handle, reg *registry.Registry, timeout time.Duration) (ExitStatus, error) {
	uh, ok := h.Native.(*unixHandle)
	if !ok {
		return ExitStatus{}, apperr.New(apperr.KindSupervisor, "handle has no associated process")
	}

	_ = signalGroup(h.Pid, syscall.SIGTERM)

	status, timedOut, err := waitWithTimeout(ctx, uh, timeout)
	if err != nil {
		return status, err
	}
	if !timedOut {
		reg.Unregister(h.AppID)
		return status, nil
	}

	if err := s.KillTree(ctx, h, reg); err != nil {
		return ExitStatus{}, err
	}
	final, err := waitCmd(context.Background(), uh)
	final.TimedOut = true
	return final, err
}

// SetResourceLimits is a documented no-op: macOS offers no unprivileged
// per-process-group memory/cpu quota primitive equivalent to cgroups v2.
func (s *DarwinSupervisor) SetResourceLimits(h registry.Handle, cfg *app.Config) error {
	return nil
}

// GetProcessInfo uses gopsutil, since macOS has no /proc filesystem.
func (s *DarwinSupervisor) GetProcessInfo(pid int) (ProcessInfo, error) {
	proc, err := gpsprocess.NewProcess(int32(pid))
	if err != nil {
		return ProcessInfo{}, apperr.Wrap(apperr.KindProcessNotFound, "pid not found", err)
	}

	info := ProcessInfo{Pid: pid}
	if name, err := proc.Name(); err == nil {
		info.Command = name
	}
	if args, err := proc.CmdlineSlice(); err == nil && len(args) > 0 {
		info.Command = args[0]
		info.Args = args[1:]
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.MemoryBytes = memInfo.RSS
		info.HasMemory = true
	}
	if cpuPct, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = cpuPct
		info.HasCPU = true
	}
	if threads, err := proc.NumThreads(); err == nil {
		info.Threads = int(threads)
		info.HasThreads = true
	}
	if files, err := proc.OpenFiles(); err == nil {
		info.OpenFiles = len(files)
		info.HasOpenFiles = true
	}
	return info, nil
}
