package daemon

import (
	"context"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/healthcheck"
	"github.com/kalehq/sentryd/internal/metrics"
)

// monitor runs the per-application state machine: spawn, wait for exit,
// consult the restart policy, and either loop back into a fresh spawn
// (after a backoff delay) or settle into Stopped. A settled monitor parks
// on its wake channel instead of exiting, so a later Restart can resume
// the loop without re-creating the task; it exits only when ctx is
// canceled (Delete, daemon shutdown) or the backoff is exhausted under an
// exhausted_action of "remove".
func (d *Daemon) monitor(ctx context.Context, e *entry) {
	a := e.app
	respawn := false
	for {
		if ctx.Err() != nil {
			return
		}
		if a.StopRequested() {
			a.TransitionTo(app.Stopped())
			d.broadcastState(a.ID, app.Stopped())
			if !d.parkUntilWoken(ctx, e) {
				return
			}
			continue
		}

		if !d.acquireStartSlot(ctx) {
			return
		}
		status, spawnErr := d.runOnce(ctx, a, respawn)
		d.releaseStartSlot()
		respawn = true

		if ctx.Err() != nil {
			return
		}

		if spawnErr != nil {
			metrics.IncSpawnFailure(a.ID)
			if d.handleFailure(ctx, e, a) {
				continue
			}
			return
		}

		if !d.handleExit(ctx, e, a, status) {
			return
		}
	}
}

// runOnce spawns a, waits for it to exit (watching for cancellation), and
// resets its backoff once it has stayed Running past stabilityWindow.
// respawn marks this as a restart-loop iteration rather than the first
// start, which is what the restart counter tracks.
func (d *Daemon) runOnce(ctx context.Context, a *app.Application, respawn bool) (supStatus, error) {
	a.TransitionTo(app.Starting())
	d.broadcastState(a.ID, app.Starting())

	cfg := a.Config().Clone()
	d.resolveLogPaths(a.ID, cfg)

	h, err := d.sup.Spawn(ctx, a.ID, cfg, d.reg)
	if err != nil {
		return supStatus{}, err
	}
	a.MarkStarted(h.Pid)
	if respawn {
		a.IncRestartCount()
		metrics.IncRestart(a.ID)
	}
	metrics.IncSpawn(a.ID)
	d.bus.Broadcast(event.ProcessStarted(a.ID, h.Pid))
	d.broadcastState(a.ID, app.Running())

	if err := d.sup.SetResourceLimits(h, cfg); err != nil {
		d.log.Debug("resource limits not applied", "app", a.ID, "error", err)
	}

	// Streaming is synthesized by tailing the redirect files the child
	// writes to; the tailer drains one last time once the child is reaped.
	tctx, tcancel := context.WithCancel(ctx)
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		d.tailOutputs(tctx, a.ID, cfg)
	}()

	stable := time.AfterFunc(stabilityWindow, func() {
		if a.State().Kind == app.StateRunning {
			a.Backoff().Reset()
		}
	})
	defer stable.Stop()

	if hc := cfg.HealthCheck; hc != nil {
		hctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go d.runHealthCheck(hctx, a, hc)
	}

	status, err := d.sup.Wait(ctx, h)
	d.reg.Unregister(a.ID)
	tcancel()
	<-tailDone
	if err != nil {
		return supStatus{}, err
	}
	return supStatus(status), nil
}

// supStatus is a thin local alias so monitor.go doesn't need to import
// supervisor just for its ExitStatus type name in signatures.
type supStatus struct {
	ExitCode int
	Signaled bool
	Signal   int
	TimedOut bool
}

func (s supStatus) success() bool { return !s.Signaled && s.ExitCode == 0 }

// code folds a signal death into the shell convention (128+signal) so the
// recorded exit code is always meaningful.
func (s supStatus) code() int {
	if s.Signaled {
		return 128 + s.Signal
	}
	return s.ExitCode
}

// handleFailure reacts to a spawn error: treat it like a crash and consult
// the backoff policy. Returns false when the monitor loop should stop
// entirely.
func (d *Daemon) handleFailure(ctx context.Context, e *entry, a *app.Application) bool {
	d.bus.Broadcast(event.ProcessCrashed(a.ID, "spawn failed"))
	a.TransitionTo(app.Crashed())
	d.broadcastState(a.ID, app.Crashed())
	return d.backoffAndContinue(ctx, e, a)
}

// handleExit reacts to a natural process exit: records the exit code,
// broadcasts it, and decides whether to loop back for a respawn per the
// restart policy. A commanded stop suppresses the restart loop even under
// always/unless-stopped.
func (d *Daemon) handleExit(ctx context.Context, e *entry, a *app.Application, status supStatus) bool {
	a.MarkExited(status.code())
	metrics.IncExit(a.ID, status.code())
	d.bus.Broadcast(event.ProcessExited(a.ID, status.code()))

	if a.StopRequested() {
		a.TransitionTo(app.Stopped())
		d.broadcastState(a.ID, app.Stopped())
		return d.parkUntilWoken(ctx, e)
	}

	policy := a.Config().RestartPolicy
	shouldRestart := false
	switch policy {
	case app.RestartAlways, app.RestartUnlessStopped:
		shouldRestart = true
	case app.RestartOnFailure:
		shouldRestart = !status.success()
	case app.RestartNo:
		shouldRestart = false
	}

	if !shouldRestart {
		// Policy says settle here, whatever the exit code was: the app goes
		// to Stopped, its writer is flushed out, and the monitor parks so a
		// later Restart can revive it.
		a.TransitionTo(app.Stopped())
		d.broadcastState(a.ID, app.Stopped())
		d.closeWriter(a.ID)
		return d.parkUntilWoken(ctx, e)
	}

	a.TransitionTo(app.Crashed())
	d.broadcastState(a.ID, app.Crashed())
	return d.backoffAndContinue(ctx, e, a)
}

// backoffAndContinue consults a's persistent backoff strategy, transitions
// to the Backoff state with its attempt/next_retry_at, sleeps (or exits
// early on cancellation or a wake from Stop/Restart), and reports whether
// the monitor should loop back for another spawn.
func (d *Daemon) backoffAndContinue(ctx context.Context, e *entry, a *app.Application) bool {
	delay, ok := a.Backoff().NextDelay()
	if !ok {
		return d.backoffExhausted(ctx, e, a)
	}

	metrics.IncBackoffAttempt(a.ID)
	attempt := a.Backoff().Attempt()
	a.TransitionTo(app.Backoff(attempt, time.Now().Add(delay)))
	d.bus.Broadcast(event.ProcessRestarting(a.ID, attempt, delay.Milliseconds()))

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	case <-e.wake:
	}
	return true
}

// backoffExhausted settles a once its backoff has no attempts left, per the
// configured exhausted_action: "stop" leaves the application in the managed
// set (stopped, restartable by hand), "remove" drops it from the set
// entirely and ends the monitor.
func (d *Daemon) backoffExhausted(ctx context.Context, e *entry, a *app.Application) bool {
	a.TransitionTo(app.Stopped())
	d.closeWriter(a.ID)

	if a.Config().Backoff.ExhaustedAction == app.ExhaustedRemove {
		d.bus.Broadcast(event.Event{
			Kind:   event.KindStatusChange,
			App:    a.ID,
			State:  "removed",
			Reason: "backoff_exhausted",
		})
		d.removeEntry(a.ID)
		return false
	}

	d.bus.Broadcast(event.StatusChange(a.ID, "backoff_exhausted"))
	return d.parkUntilWoken(ctx, e)
}

// parkUntilWoken blocks until Start/Restart wakes this monitor or ctx is
// canceled, used while an application sits in the Stopped state.
func (d *Daemon) parkUntilWoken(ctx context.Context, e *entry) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
		return true
	}
}

func (d *Daemon) acquireStartSlot(ctx context.Context) bool {
	select {
	case d.startSem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Daemon) releaseStartSlot() {
	<-d.startSem
}

func (d *Daemon) runHealthCheck(ctx context.Context, a *app.Application, cfg *app.HealthCheckConfig) {
	checker, err := healthcheck.New(cfg)
	if err != nil || checker == nil {
		return
	}
	interval := healthcheck.Interval(cfg)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := checker.Check()
			if err != nil {
				d.log.Warn("health check error", "app", a.ID, "error", err)
				continue
			}
			if !alive {
				d.bus.Broadcast(event.HealthCheckFailed(a.ID, checker.Describe()))
			}
		}
	}
}
