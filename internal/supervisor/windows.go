//go:build windows

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/registry"
	"golang.org/x/sys/windows"
)

// windowsHandle carries the *exec.Cmd and the job object this process tree
// was assigned to. cmd.Wait is called exactly once, by the reaper goroutine
// started in newWindowsHandle; Wait and GracefulStop read the memoized
// result off doneCh instead, since the stdlib forbids duplicate Wait calls
// on the same *exec.Cmd.
type windowsHandle struct {
	cmd    *exec.Cmd
	job    windows.Handle
	doneCh chan struct{}
	status ExitStatus
}

func newWindowsHandle(cmd *exec.Cmd, job windows.Handle) *windowsHandle {
	wh := &windowsHandle{cmd: cmd, job: job, doneCh: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err == nil {
			wh.status = ExitStatus{ExitCode: 0}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			wh.status = ExitStatus{ExitCode: exitErr.ExitCode()}
		} else {
			wh.status = ExitStatus{ExitCode: -1}
		}
		close(wh.doneCh)
	}()
	return wh
}

// WindowsSupervisor manages child processes via Windows job objects, which
// give "kill everything in this tree" semantics without a process-group
// equivalent.
type WindowsSupervisor struct {
	base
	mu   sync.Mutex
	jobs map[string]windows.Handle
}

// New constructs a WindowsSupervisor.
func New() (Supervisor, error) {
	return &WindowsSupervisor{base: base{eventsCh: newBaseEventsCh()}, jobs: make(map[string]windows.Handle)}, nil
}

// buildWindowsCmd constructs the child command with stdout/stderr
// redirected at spawn time to cfg.Log's append-mode files. The returned
// files are the parent's handles; the caller closes them once the child
// has started — the child inherits its own, so the daemon holds no handle
// to the child's output afterward.
func buildWindowsCmd(cfg *app.Config) (cmd *exec.Cmd, redirects []*os.File, err error) {
	cmd = exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd

	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_SUSPENDED | windows.CREATE_NEW_PROCESS_GROUP}

	redirects, err = openRedirects(cfg)
	if err != nil {
		return nil, nil, err
	}
	cmd.Stdout = redirects[0]
	cmd.Stderr = redirects[1]
	return cmd, redirects, nil
}

// openRedirects opens the append-mode stdout/stderr files the child will
// inherit. A shared path (stdout and stderr pointing at the same file) is
// opened once so interleaved writes go through one handle.
func openRedirects(cfg *app.Config) ([]*os.File, error) {
	out, err := openAppendFile(cfg.Log.StdoutPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSpawnFailed, "open stdout log file", err)
	}
	if cfg.Log.StderrPath == cfg.Log.StdoutPath {
		return []*os.File{out, out}, nil
	}
	errf, err := openAppendFile(cfg.Log.StderrPath)
	if err != nil {
		out.Close()
		return nil, apperr.Wrap(apperr.KindSpawnFailed, "open stderr log file", err)
	}
	return []*os.File{out, errf}, nil
}

func openAppendFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// closeRedirects closes the parent's copies of the redirect files, tolerant
// of the shared stdout==stderr case.
func closeRedirects(files []*os.File) {
	closed := make(map[*os.File]bool, len(files))
	for _, f := range files {
		if f != nil && !closed[f] {
			closed[f] = true
			f.Close()
		}
	}
}

// createJobObject creates a new job and configures it to kill all member
// processes when the last handle to it is closed.
func createJobObject() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

// Spawn starts cfg's command suspended, assigns it to a new job object, then
// resumes it — ensuring the process can never outlive the job assignment.
func (s *WindowsSupervisor) Spawn(ctx context.Context, appID string, cfg *app.Config, reg *registry.Registry) (registry.Handle, error) {
	cmd, redirects, err := buildWindowsCmd(cfg)
	if err != nil {
		return registry.Handle{}, err
	}

	job, err := createJobObject()
	if err != nil {
		closeRedirects(redirects)
		return registry.Handle{}, apperr.Wrap(apperr.KindPlatform, "create job object", err)
	}

	err = cmd.Start()
	closeRedirects(redirects)
	if err != nil {
		windows.CloseHandle(job)
		return registry.Handle{}, apperr.Wrap(apperr.KindSpawnFailed, "start child process", err)
	}
	pid := cmd.Process.Pid

	procHandle, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(pid))
	if err == nil {
		_ = windows.AssignProcessToJobObject(job, procHandle)
		windows.CloseHandle(procHandle)
	}
	resumeProcess(pid)

	s.mu.Lock()
	s.jobs[appID] = job
	s.mu.Unlock()

	h := registry.Handle{Pid: pid, AppID: appID, Native: newWindowsHandle(cmd, job)}
	reg.Register(appID, h)
	s.emit(event.ProcessStarted(appID, pid))
	return h, nil
}

// resumeProcess resumes a process started with CREATE_SUSPENDED by finding
// its threads through a toolhelp snapshot and calling ResumeThread, since
// exec.Cmd does not expose the primary thread handle. If no thread can be
// resumed the process stays suspended inside its job object, where KillTree
// still terminates it cleanly, so failure here degrades to a stuck start
// rather than a leak.
func resumeProcess(pid int) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return
	}
	defer windows.CloseHandle(snap)

	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	if err := windows.Thread32First(snap, &te); err != nil {
		return
	}
	for {
		if int(te.OwnerProcessID) == pid {
			if th, err := windows.OpenThread(windows.THREAD_SUSPEND_RESUME, false, te.ThreadID); err == nil {
				windows.ResumeThread(th)
				windows.CloseHandle(th)
				return
			}
		}
		if err := windows.Thread32Next(snap, &te); err != nil {
			return
		}
	}
}

func (s *WindowsSupervisor) closeJob(appID string) {
	s.mu.Lock()
	job, ok := s.jobs[appID]
	if ok {
		delete(s.jobs, appID)
	}
	s.mu.Unlock()
	if ok {
		// Closing the last handle to a KILL_ON_JOB_CLOSE job terminates
		// every member process.
		windows.CloseHandle(job)
	}
}

// KillTree closes the job object, terminating every process it contains.
func (s *WindowsSupervisor) KillTree(ctx context.Context, h registry.Handle, reg *registry.Registry) error {
	_, ok := h.Native.(*windowsHandle)
	if !ok {
		return apperr.New(apperr.KindSupervisor, "handle has no associated process")
	}
	s.closeJob(h.AppID)
	reg.Unregister(h.AppID)
	return nil
}

// Wait blocks until the child is reaped, then releases the job handle.
func (s *WindowsSupervisor) Wait(ctx context.Context, h registry.Handle) (ExitStatus, error) {
	wh, ok := h.Native.(*windowsHandle)
	if !ok {
		return ExitStatus{}, apperr.New(apperr.KindSupervisor, "handle has no associated process")
	}

	select {
	case <-wh.doneCh:
		s.closeJob(h.AppID)
		return wh.status, nil
	case <-ctx.Done():
		return ExitStatus{}, apperr.Wrap(apperr.KindTimeout, "wait canceled", ctx.Err())
	}
}

// GracefulStop has no polite-termination primitive on Windows equivalent to
// SIGTERM for arbitrary console-less processes, so it escalates directly to
// KillTree after a best-effort CTRL_BREAK_EVENT, honoring timeout as the
// grace period before confirming.
func (s *WindowsSupervisor) GracefulStop(ctx context.Context, h registry.Handle, reg *registry.Registry, timeout time.Duration) (ExitStatus, error) {
	_ = windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(h.Pid))

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := s.Wait(waitCtx, h)
	if waitCtx.Err() != nil {
		if kerr := s.KillTree(ctx, h, reg); kerr != nil {
			return ExitStatus{}, kerr
		}
		status, err = s.Wait(context.Background(), h)
		status.TimedOut = true
	}
	return status, err
}

// SetResourceLimits reconfigures the job object's extended limit
// information for memory; Windows job objects have no direct cpu-percent
// quota, so MaxCPUPercent is documented as unsupported here.
func (s *WindowsSupervisor) SetResourceLimits(h registry.Handle, cfg *app.Config) error {
	s.mu.Lock()
	job, ok := s.jobs[h.AppID]
	s.mu.Unlock()
	if !ok || cfg.MaxMemoryBytes <= 0 {
		return nil
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE | windows.JOB_OBJECT_LIMIT_JOB_MEMORY,
		},
		JobMemoryLimit: uintptr(cfg.MaxMemoryBytes),
	}
	_, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindPlatform, "set job memory limit", err)
	}
	return nil
}

// GetProcessInfo returns a minimal snapshot; Windows process introspection
// beyond pid/exe-name requires privileges this daemon does not assume.
func (s *WindowsSupervisor) GetProcessInfo(pid int) (ProcessInfo, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return ProcessInfo{}, apperr.Wrap(apperr.KindProcessNotFound, fmt.Sprintf("pid %d", pid), err)
	}
	defer windows.CloseHandle(h)
	return ProcessInfo{Pid: pid}, nil
}
