//go:build unix

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
)

// buildCmd constructs argv = [config.command] + config.args with no shell
// parsing, wires cwd/env/uid/gid, redirects stdout/stderr at the OS level
// to the append-mode files named by cfg.Log, and sets the child up as its
// own process-group leader so the group can be addressed as a unit later.
// The returned files are the parent's copies of the redirect targets; the
// caller closes them once the child has started (or failed to start) — the
// child keeps its own descriptors, so no pipe or handle to the child's
// output remains open in the daemon.
func buildCmd(cfg *app.Config) (cmd *exec.Cmd, redirects []*os.File, err error) {
	cmd = exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd

	if len(cfg.Env) > 0 {
		cmd.Env = environWithOverrides(cfg.Env)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cfg.UID != nil || cfg.GID != nil {
		cred := &syscall.Credential{}
		if cfg.UID != nil {
			cred.Uid = uint32(*cfg.UID)
		}
		if cfg.GID != nil {
			cred.Gid = uint32(*cfg.GID)
		}
		cmd.SysProcAttr.Credential = cred
	}

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
// opened once so interleaved writes go through one descriptor.
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

// unixHandle carries the *exec.Cmd alongside the registry.Handle's pid/app
// id, as the Native payload. cmd.Wait is called exactly once, by the reaper
// goroutine started in newUnixHandle — every other consumer (Wait,
// GracefulStop, KillTree) reads the memoized result off doneCh instead of
// calling cmd.Wait again, since the stdlib forbids concurrent/duplicate
// Wait calls on the same *exec.Cmd.
type unixHandle struct {
	cmd    *exec.Cmd
	doneCh chan struct{}
	status ExitStatus
}

// newUnixHandle starts the single reaper goroutine for cmd, which must
// already have been started.
func newUnixHandle(cmd *exec.Cmd) *unixHandle {
	uh := &unixHandle{cmd: cmd, doneCh: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		uh.status = exitStatusFromError(cmd, err)
		close(uh.doneCh)
	}()
	return uh
}

// reap blocks until the reaper goroutine has recorded an exit status, or
// ctx is done first.
func (uh *unixHandle) reap(ctx context.Context) (ExitStatus, error) {
	select {
	case <-uh.doneCh:
		return uh.status, nil
	case <-ctx.Done():
		return ExitStatus{}, apperr.Wrap(apperr.KindTimeout, "wait canceled", ctx.Err())
	}
}

func (uh *unixHandle) reapWithTimeout(ctx context.Context, timeout time.Duration) (ExitStatus, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := uh.reap(waitCtx)
	if waitCtx.Err() != nil {
		return status, true, nil
	}
	return status, false, err
}

// waitCmd blocks until uh's reaper goroutine has recorded an exit status.
// Named for the platform Wait() methods that call it; it never calls
// cmd.Wait itself since that already happened once in newUnixHandle.
func waitCmd(ctx context.Context, uh *unixHandle) (ExitStatus, error) {
	return uh.reap(ctx)
}

// waitWithTimeout is waitCmd bounded by timeout, reporting whether it timed
// out rather than observed a real exit.
func waitWithTimeout(ctx context.Context, uh *unixHandle, timeout time.Duration) (ExitStatus, bool, error) {
	return uh.reapWithTimeout(ctx, timeout)
}

func environWithOverrides(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// signalGroup sends sig to pid's process group (pid itself, since spawn
// makes every child its own group leader), falling back to the individual
// process if the group signal fails.
func signalGroup(pid int, sig syscall.Signal) error {
	neg, ok := checkedNegPid(pid)
	if !ok {
		return apperr.New(apperr.KindSupervisor, fmt.Sprintf("pid %d too large for process group addressing", pid))
	}
	if err := syscall.Kill(neg, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

func exitStatusFromError(cmd *exec.Cmd, err error) ExitStatus {
	if err == nil {
		return ExitStatus{ExitCode: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Signaled: true, Signal: int(ws.Signal())}
			}
			return ExitStatus{ExitCode: ws.ExitStatus()}
		}
		return ExitStatus{ExitCode: exitErr.ExitCode()}
	}
	return ExitStatus{ExitCode: -1}
}
