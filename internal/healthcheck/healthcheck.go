// Package healthcheck implements the optional per-application liveness
// probe: a command that must exit zero, or a pid file whose recorded
// process must still be alive, polled on an interval.
package healthcheck

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
)

// Checker probes one application's liveness.
type Checker interface {
	Check() (bool, error)
	Describe() string
}

// New builds the Checker described by cfg, or nil if no health check is
// configured.
func New(cfg *app.HealthCheckConfig) (Checker, error) {
	if cfg == nil {
		return nil, nil
	}
	switch cfg.Kind {
	case app.HealthCheckCommand:
		if cfg.Command == "" {
			return nil, apperr.New(apperr.KindConfig, "health_check.command must not be empty")
		}
		return commandChecker{command: cfg.Command, args: cfg.Args}, nil
	case app.HealthCheckPidFile:
		if cfg.PIDFile == "" {
			return nil, apperr.New(apperr.KindConfig, "health_check.pid_file must not be empty")
		}
		return pidFileChecker{path: cfg.PIDFile}, nil
	default:
		return nil, apperr.New(apperr.KindConfig, "unknown health_check.kind: "+string(cfg.Kind))
	}
}

// Interval returns cfg's poll interval, defaulting to 30s when unset.
func Interval(cfg *app.HealthCheckConfig) time.Duration {
	if cfg == nil || cfg.Interval <= 0 {
		return 30 * time.Second
	}
	return cfg.Interval
}

// commandChecker runs a command and treats exit code 0 as healthy, any
// other exit code as unhealthy (not an error), and a failure to even start
// the command as an error.
type commandChecker struct {
	command string
	args    []string
}

func (c commandChecker) Check() (bool, error) {
	cmd := exec.Command(c.command, c.args...)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (c commandChecker) Describe() string {
	return "cmd:" + strings.TrimSpace(c.command+" "+strings.Join(c.args, " "))
}

// pidFileChecker reads a pid from the first line of a file and checks it
// is still alive via signal 0.
type pidFileChecker struct {
	path string
}

func (c pidFileChecker) Check() (bool, error) {
	pid, err := readPID(c.path)
	if err != nil {
		return false, err
	}
	if pid <= 0 {
		return false, nil
	}
	return pidAlive(pid), nil
}

func (c pidFileChecker) Describe() string { return "pid_file:" + c.path }

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil // missing pid file means "not alive", not an error
	}
	line := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindConfig, "invalid pid in "+path, err)
	}
	return pid, nil
}
