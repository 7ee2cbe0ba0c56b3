// Package app holds the declarative per-application configuration and the
// mutable runtime record the daemon controller operates on.
package app

import (
	"fmt"
	"runtime"
	"time"

	"github.com/kalehq/sentryd/internal/apperr"
)

// RestartPolicy controls whether and when a monitor task respawns a child
// after it exits.
type RestartPolicy string

const (
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// Valid reports whether p is one of the known restart policies.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNo, RestartAlways, RestartOnFailure, RestartUnlessStopped:
		return true
	default:
		return false
	}
}

// ExhaustedAction controls what happens when an application's backoff is
// exhausted during the restart loop.
type ExhaustedAction string

const (
	ExhaustedStop   ExhaustedAction = "stop"
	ExhaustedRemove ExhaustedAction = "remove"
)

// BackoffConfig is the declarative backoff policy for one application.
type BackoffConfig struct {
	BaseDelayMS     int64
	MaxDelayMS      int64
	Multiplier      float64
	Jitter          float64
	MaxAttempts     int // 0 means unlimited
	ExhaustedAction ExhaustedAction
}

// HealthCheckKind selects the health-check mechanism.
type HealthCheckKind string

const (
	HealthCheckCommand HealthCheckKind = "command"
	HealthCheckPidFile HealthCheckKind = "pid_file"
)

// HealthCheckConfig is the optional per-application liveness probe:
// command-based or PID-file-based.
type HealthCheckConfig struct {
	Kind     HealthCheckKind
	Command  string
	Args     []string
	PIDFile  string
	Interval time.Duration
}

// LogConfig configures per-application log sinks and rotation.
type LogConfig struct {
	StdoutPath   string
	StderrPath   string
	CombinedPath string
	MaxSizeBytes int64
	MaxFiles     int
}

// Config is the declarative policy for one managed application.
type Config struct {
	Command string
	Args    []string

	Cwd string
	Env map[string]string
	UID *int
	GID *int

	RestartPolicy RestartPolicy

	MaxMemoryBytes int64
	MaxCPUPercent  float64

	Log LogConfig

	StopTimeout time.Duration
	KillTimeout time.Duration

	Backoff BackoffConfig

	HealthCheck *HealthCheckConfig

	// Instances is accepted but ignored: cluster/instance mode is not
	// implemented, and instances > 1 is treated as a single instance.
	Instances int
}

// DefaultBackoffConfig mirrors internal/backoff's documented defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelayMS:     100,
		MaxDelayMS:      30000,
		Multiplier:      2.0,
		Jitter:          0.3,
		ExhaustedAction: ExhaustedStop,
	}
}

// Validate enforces the structural invariants a Config must satisfy before
// it can be accepted by the daemon, independent of where it came from
// (native config, ecosystem loader, or an IPC Start request).
func (c *Config) Validate() error {
	if c.Command == "" {
		return apperr.New(apperr.KindConfig, "command must not be empty")
	}
	if c.RestartPolicy == "" {
		c.RestartPolicy = RestartNo
	}
	if !c.RestartPolicy.Valid() {
		return apperr.New(apperr.KindConfig, "unknown restart_policy: "+string(c.RestartPolicy))
	}
	if c.Backoff.Multiplier != 0 && c.Backoff.Multiplier < 1.0 {
		return apperr.New(apperr.KindConfig, "backoff.multiplier must be >= 1.0")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return apperr.New(apperr.KindConfig, "backoff.jitter must be in [0,1]")
	}
	if c.MaxCPUPercent < 0 {
		return apperr.New(apperr.KindConfig, "max_cpu_percent must be >= 0")
	}
	if limit := float64(100 * runtime.NumCPU()); c.MaxCPUPercent > limit {
		return apperr.New(apperr.KindConfig, fmt.Sprintf("max_cpu_percent %.1f exceeds %.0f (100 x %d cores)", c.MaxCPUPercent, limit, runtime.NumCPU()))
	}
	if c.Backoff.ExhaustedAction != "" && c.Backoff.ExhaustedAction != ExhaustedStop && c.Backoff.ExhaustedAction != ExhaustedRemove {
		return apperr.New(apperr.KindConfig, "unknown backoff.exhausted_action: "+string(c.Backoff.ExhaustedAction))
	}
	return nil
}

// Clone returns a deep-enough copy of c safe to store independently (used
// when swapping an application's config on reload).
func (c *Config) Clone() *Config {
	cp := *c
	if c.Args != nil {
		cp.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		cp.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			cp.Env[k] = v
		}
	}
	if c.UID != nil {
		uid := *c.UID
		cp.UID = &uid
	}
	if c.GID != nil {
		gid := *c.GID
		cp.GID = &gid
	}
	if c.HealthCheck != nil {
		hc := *c.HealthCheck
		cp.HealthCheck = &hc
	}
	return &cp
}
