package app

import (
	"sync"
	"time"

	"github.com/kalehq/sentryd/internal/backoff"
)

// Application is the mutable runtime bundle exclusively owned by the
// registry: one record per managed application, shared (by reference)
// between the registry and that application's monitor task.
//
// Invariants (enforced by the setter methods, never by direct field
// mutation):
//   - Pid != nil  <=>  StartTime != nil
//   - State.Kind == running  => Pid != nil
//   - State.Kind == stopped  => Pid == nil
type Application struct {
	ID string

	mu            sync.RWMutex
	config        *Config
	state         State
	pid           *int
	startTime     *time.Time
	restartCount  uint64
	lastExitCode  *int
	backoffOnce   sync.Once
	backoffInst   *backoff.Strategy
	stopRequested bool
}

// New constructs an Application in the Stopped state with the given id and
// initial config.
func New(id string, cfg *Config) *Application {
	return &Application{
		ID:     id,
		config: cfg,
		state:  Stopped(),
	}
}

// Config returns the application's current config.
func (a *Application) Config() *Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// SetConfig atomically replaces the application's config (used by config
// reload); it takes effect starting with the next (re)spawn.
func (a *Application) SetConfig(cfg *Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = cfg
}

// State returns the application's current state.
func (a *Application) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Pid returns the current pid, if any.
func (a *Application) Pid() (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pid == nil {
		return 0, false
	}
	return *a.pid, true
}

// StartTime returns the time the current pid was recorded, if any.
func (a *Application) StartTime() (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.startTime == nil {
		return time.Time{}, false
	}
	return *a.startTime, true
}

// RestartCount returns the monotonically increasing restart counter.
func (a *Application) RestartCount() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.restartCount
}

// LastExitCode returns the exit code from the most recent exit, if any.
func (a *Application) LastExitCode() (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastExitCode == nil {
		return 0, false
	}
	return *a.lastExitCode, true
}

// TransitionTo sets the application's state directly, without touching
// pid/start_time. Used for Starting/Stopping/Crashed/Backoff transitions
// that don't change pid ownership.
func (a *Application) TransitionTo(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// MarkStarted records a freshly spawned pid, sets start time to now, and
// transitions to Running — maintaining the pid<=>start_time and
// running=>pid invariants atomically.
func (a *Application) MarkStarted(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	a.pid = &pid
	a.startTime = &now
	a.state = Running()
}

// MarkExited clears pid/start_time, records the exit code, and moves a
// Running state to Stopped so the running=>pid invariant holds; the caller
// then transitions to whatever state the exit calls for. The restart
// counter tracks respawns, not exits, so callers that consider this part of
// a true respawn cycle call IncRestartCount separately.
func (a *Application) MarkExited(exitCode int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pid = nil
	a.startTime = nil
	a.lastExitCode = &exitCode
	if a.state.Kind == StateRunning {
		a.state = Stopped()
	}
}

// IncRestartCount increments the restart counter, called once per
// successful respawn.
func (a *Application) IncRestartCount() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restartCount++
}

// SetStopRequested records that a human-initiated stop is in flight, so the
// monitor task can distinguish an unsolicited exit from a commanded one and
// suppress the restart loop even under always/unless-stopped.
func (a *Application) SetStopRequested(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopRequested = v
}

// StopRequested reports whether a human-initiated stop is in flight.
func (a *Application) StopRequested() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stopRequested
}

// Backoff returns the application's persistent backoff strategy, creating
// it lazily from the current config on first access. The same instance is
// reused across the application's lifetime so the attempt counter survives
// failed spawns.
func (a *Application) Backoff() *backoff.Strategy {
	a.backoffOnce.Do(func() {
		cfg := a.Config().Backoff
		bcfg := backoff.Config{
			BaseDelay:   time.Duration(cfg.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.MaxDelayMS) * time.Millisecond,
			JitterFrac:  cfg.Jitter,
			Multiplier:  cfg.Multiplier,
			MaxAttempts: cfg.MaxAttempts,
		}
		a.backoffInst = backoff.New(bcfg)
	})
	return a.backoffInst
}
