//go:build linux

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/registry"
	"github.com/tklauser/go-sysconf"
)

const cgroupRoot = "/sys/fs/cgroup"

// LinuxSupervisor manages child processes via cgroups v2 when available,
// falling back to plain process-group signalling when cgroups cannot be
// created (typically a permissions issue — handled silently per spec
// §4.7/§7).
type LinuxSupervisor struct {
	base
	mu         sync.Mutex
	cgroupDirs map[string]string // app id -> cgroup path
	useCgroups bool
}

// New constructs a LinuxSupervisor, probing for cgroups v2 availability.
func New() (Supervisor, error) {
	s := &LinuxSupervisor{base: base{eventsCh: newBaseEventsCh()}, cgroupDirs: make(map[string]string)}
	s.useCgroups = probeCgroupsV2()
	return s, nil
}

func probeCgroupsV2() bool {
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err != nil {
		return false
	}
	testPath := filepath.Join(cgroupRoot, "sentryd-probe")
	if err := os.Mkdir(testPath, 0o755); err != nil {
		return false
	}
	_ = os.Remove(testPath)
	return true
}

func (s *LinuxSupervisor) cgroupPath(appID string) string {
	return filepath.Join(cgroupRoot, "sentryd", appID)
}

func (s *LinuxSupervisor) createCgroup(appID string) (string, error) {
	path := s.cgroupPath(appID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindSupervisor, "create cgroup directory", err)
	}
	subtree := filepath.Join(filepath.Dir(path), "cgroup.subtree_control")
	if _, err := os.Stat(subtree); err == nil {
		_ = os.WriteFile(subtree, []byte("+cpu +memory +pids"), 0o644)
	}
	s.mu.Lock()
	s.cgroupDirs[appID] = path
	s.mu.Unlock()
	return path, nil
}

func (s *LinuxSupervisor) addToCgroup(path string, pid int) error {
	return os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

// Spawn starts config's command under a fresh cgroup when cgroups are
// available, otherwise a plain process-group spawn. Stdout/stderr are
// redirected at spawn time to cfg.Log's append-mode files; the parent's
// copies of those descriptors are closed as soon as the child is started.
// Cgroup creation failure degrades silently to spawn-without-cgroup; the
// failure is not reported to the caller.
func (s *LinuxSupervisor) Spawn(ctx context.Context, appID string, cfg *app.Config, reg *registry.Registry) (registry.Handle, error) {
	cmd, redirects, err := buildCmd(cfg)
	if err != nil {
		return registry.Handle{}, err
	}

	var cgroupPath string
	if s.useCgroups {
		if p, cerr := s.createCgroup(appID); cerr == nil {
			cgroupPath = p
			_ = s.applyCgroupLimits(p, cfg)
		}
	}

	err = cmd.Start()
	closeRedirects(redirects)
	if err != nil {
		return registry.Handle{}, apperr.Wrap(apperr.KindSpawnFailed, "start child process", err)
	}
	pid := cmd.Process.Pid

	if cgroupPath != "" {
		if err := s.addToCgroup(cgroupPath, pid); err != nil {
			// Non-fatal: the process runs without cgroup limits.
			s.mu.Lock()
			delete(s.cgroupDirs, appID)
			s.mu.Unlock()
		}
	}

	h := registry.Handle{Pid: pid, AppID: appID, Native: newUnixHandle(cmd)}
	reg.Register(appID, h)
	s.emit(event.ProcessStarted(appID, pid))
	return h, nil
}

func (s *LinuxSupervisor) applyCgroupLimits(path string, cfg *app.Config) error {
	if cfg.MaxMemoryBytes > 0 {
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(cfg.MaxMemoryBytes, 10)), 0o644); err != nil {
			return err
		}
	}
	if cfg.MaxCPUPercent > 0 {
		quota := int64(cfg.MaxCPUPercent * 1000)
		if quota < 100 {
			quota = 100
		}
		if quota > 10_000_000 {
			quota = 10_000_000
		}
		content := fmt.Sprintf("%d 100000", quota)
		if err := os.WriteFile(filepath.Join(path, "cpu.max"), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// SetResourceLimits applies memory/cpu limits to an already-running app's
// cgroup, if one exists.
func (s *LinuxSupervisor) SetResourceLimits(h registry.Handle, cfg *app.Config) error {
	s.mu.Lock()
	path, ok := s.cgroupDirs[h.AppID]
	s.mu.Unlock()
	if !ok {
		return nil // cgroups unavailable for this app; documented no-op
	}
	return s.applyCgroupLimits(path, cfg)
}

func (s *LinuxSupervisor) killCgroup(path string) {
	if content, err := os.ReadFile(filepath.Join(path, "cgroup.procs")); err == nil {
		for _, line := range strings.Fields(string(content)) {
			if pid, err := strconv.Atoi(line); err == nil {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
		}
	}
	time.Sleep(100 * time.Millisecond)
	_ = os.Remove(path)
}

func (s *LinuxSupervisor) cleanupCgroup(appID string) {
	s.mu.Lock()
	path, ok := s.cgroupDirs[appID]
	if ok {
		delete(s.cgroupDirs, appID)
	}
	s.mu.Unlock()
	if ok {
		s.killCgroup(path)
	}
}

// KillTree terminates every process in appID's cgroup (or its process
// group, if cgroups are unavailable) and unregisters it.
func (s *LinuxSupervisor) KillTree(ctx context.Context, h registry.Handle, reg *registry.Registry) error {
	s.mu.Lock()
	path, ok := s.cgroupDirs[h.AppID]
	s.mu.Unlock()

	if ok {
		s.killCgroup(path)
		s.mu.Lock()
		delete(s.cgroupDirs, h.AppID)
		s.mu.Unlock()
	} else if err := signalGroup(h.Pid, syscall.SIGKILL); err != nil {
		return apperr.Wrap(apperr.KindSupervisor, "kill process tree", err)
	}

	reg.Unregister(h.AppID)
	return nil
}

// Wait blocks until the child is reaped, then cleans up its cgroup.
func (s *LinuxSupervisor) Wait(ctx context.Context, h registry.Handle) (ExitStatus, error) {
	uh, ok := h.Native.(*unixHandle)
	if !ok {
		return ExitStatus{}, apperr.New(apperr.KindSupervisor, "handle has no associated process")
	}
	status, err := waitCmd(ctx, uh)
	s.cleanupCgroup(h.AppID)
	return status, err
}

// GracefulStop sends SIGTERM to the group/cgroup, waits up to timeout, and
// escalates to KillTree on timeout.
func (s *LinuxSupervisor) GracefulStop(ctx context.Context, h registry.Handle, reg *registry.Registry, timeout time.Duration) (ExitStatus, error) {
	uh, ok := h.Native.(*unixHandle)
	if !ok {
		return ExitStatus{}, apperr.New(apperr.KindSupervisor, "handle has no associated process")
	}

	s.mu.Lock()
	cgPath, hasCgroup := s.cgroupDirs[h.AppID]
	s.mu.Unlock()

	if hasCgroup {
		if content, err := os.ReadFile(filepath.Join(cgPath, "cgroup.procs")); err == nil {
			for _, line := range strings.Fields(string(content)) {
				if pid, err := strconv.Atoi(line); err == nil {
					_ = syscall.Kill(pid, syscall.SIGTERM)
				}
			}
		}
	} else {
		_ = signalGroup(h.Pid, syscall.SIGTERM)
	}

	status, timedOut, err := waitWithTimeout(ctx, uh, timeout)
	if err != nil {
		s.cleanupCgroup(h.AppID)
		return status, err
	}
	if !timedOut {
		s.cleanupCgroup(h.AppID)
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

// GetProcessInfo reads /proc/<pid>/stat and /proc/<pid>/cmdline for a
// best-effort snapshot.
func (s *LinuxSupervisor) GetProcessInfo(pid int) (ProcessInfo, error) {
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(statPath)
	if err != nil {
		return ProcessInfo{}, apperr.Wrap(apperr.KindProcessNotFound, fmt.Sprintf("pid %d", pid), err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 24 {
		return ProcessInfo{}, apperr.New(apperr.KindSupervisor, "unexpected /proc/pid/stat format")
	}

	clkTck, _ := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if clkTck <= 0 {
		clkTck = 100
	}
	utime, _ := strconv.ParseUint(fields[13], 10, 64)
	stime, _ := strconv.ParseUint(fields[14], 10, 64)
	numThreads, _ := strconv.Atoi(fields[19])
	startTicks, _ := strconv.ParseUint(fields[21], 10, 64)
	rssPages, _ := strconv.ParseUint(fields[23], 10, 64)

	cmdline, _ := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	parts := strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00")
	var command string
	var args []string
	if len(parts) > 0 {
		command = parts[0]
		args = parts[1:]
	}

	info := ProcessInfo{
		Pid:         pid,
		Command:     command,
		Args:        args,
		MemoryBytes: rssPages * 4096,
		HasMemory:   true,
		Threads:     numThreads,
		HasThreads:  true,
	}

	// Lifetime-average cpu usage: (utime+stime)/clk_tck over the process's
	// elapsed wall time since it started.
	if up, err := os.ReadFile("/proc/uptime"); err == nil {
		if f := strings.Fields(string(up)); len(f) > 0 {
			if uptime, perr := strconv.ParseFloat(f[0], 64); perr == nil {
				elapsed := uptime - float64(startTicks)/float64(clkTck)
				if elapsed > 0 {
					info.CPUPercent = float64(utime+stime) / float64(clkTck) / elapsed * 100
					info.HasCPU = true
				}
			}
		}
	}

	if entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid)); err == nil {
		info.OpenFiles = len(entries)
		info.HasOpenFiles = true
	}
	return info, nil
}
