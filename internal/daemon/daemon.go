// Package daemon wires the supervisor, registry, log pipeline, and
// subscription fabric together into the application set controller: the
// component that owns every managed application's lifecycle, dispatches
// IPC requests, and runs the per-application monitor tasks.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/apperr"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/ipc"
	"github.com/kalehq/sentryd/internal/logwriter"
	"github.com/kalehq/sentryd/internal/metrics"
	"github.com/kalehq/sentryd/internal/pubsub"
	"github.com/kalehq/sentryd/internal/registry"
	"github.com/kalehq/sentryd/internal/supervisor"
)

// stabilityWindow is how long an application must stay Running before its
// backoff attempt counter resets back to zero.
const stabilityWindow = 10 * time.Second

// defaultStopTimeout is used when an application's config leaves
// StopTimeout unset.
const defaultStopTimeout = 10 * time.Second

type entry struct {
	app    *app.Application
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// Daemon owns the full set of managed applications and every subsystem a
// monitor task or IPC handler needs: the platform supervisor, the pid
// registry, the log pipeline, and the event subscription fabric.
type Daemon struct {
	sup  supervisor.Supervisor
	reg  *registry.Registry
	logs *logwriter.Manager
	bus  *pubsub.Bus
	log  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	startSem chan struct{}

	wg sync.WaitGroup
}

// New constructs a Daemon. maxParallelStarts bounds how many spawns may be
// in flight at once.
func New(sup supervisor.Supervisor, logs *logwriter.Manager, log *slog.Logger, maxParallelStarts int) *Daemon {
	if maxParallelStarts <= 0 {
		maxParallelStarts = 10
	}
	bus := pubsub.New()
	d := &Daemon{
		sup:      sup,
		reg:      registry.New(),
		logs:     logs,
		bus:      bus,
		log:      log,
		entries:  make(map[string]*entry),
		startSem: make(chan struct{}, maxParallelStarts),
	}
	// Claim the supervisor's one-shot event stream and forward it onto the
	// fabric. Spawn announcements are skipped: each monitor task broadcasts
	// its own process_started so per-application ordering stays
	// single-producer.
	go func() {
		for e := range sup.Events() {
			if e.Kind == event.KindProcessStarted {
				continue
			}
			bus.Broadcast(e)
		}
	}()
	return d
}

// Bus exposes the subscription fabric for the IPC connection handler.
func (d *Daemon) Bus() *pubsub.Bus { return d.bus }

// LoadAll registers every app in apps and launches its monitor task,
// skipping ids already present (used on daemon startup and after a config
// reload adds new applications).
func (d *Daemon) LoadAll(ctx context.Context, apps map[string]*app.Config) {
	for id, cfg := range apps {
		if err := d.Start(ctx, id, cfg); err != nil {
			d.log.Error("failed to start application from config", "app", id, "error", err)
		}
	}
}

// ApplyReload updates configs for already-running applications in place
// (next respawn picks up the new config) and starts any new applications
// present in apps but not yet managed. It never stops or removes an
// application absent from the new snapshot — config reload only adds and
// updates; removal stays an explicit operation.
func (d *Daemon) ApplyReload(ctx context.Context, apps map[string]*app.Config) {
	for id, cfg := range apps {
		d.mu.RLock()
		e, exists := d.entries[id]
		d.mu.RUnlock()
		if exists {
			e.app.SetConfig(cfg)
			continue
		}
		if err := d.Start(ctx, id, cfg); err != nil {
			d.log.Error("failed to start new application from reload", "app", id, "error", err)
		}
	}
}

// Start registers a new application under id (or returns an error if id is
// already managed) and launches its monitor task.
func (d *Daemon) Start(ctx context.Context, id string, cfg *app.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if _, exists := d.entries[id]; exists {
		d.mu.Unlock()
		return apperr.New(apperr.KindAppAlreadyExists, id)
	}
	a := app.New(id, cfg.Clone())
	mctx, cancel := context.WithCancel(ctx)
	e := &entry{app: a, cancel: cancel, done: make(chan struct{}), wake: make(chan struct{}, 1)}
	d.entries[id] = e
	d.mu.Unlock()

	metrics.SetActiveApps(d.Count())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(e.done)
		d.monitor(mctx, e)
	}()
	return nil
}

// Stop requests a graceful stop of id's current process (if running) and
// suppresses the restart loop until Restart or a new Start reactivates it.
// A positive timeout overrides the application's configured stop_timeout
// for this call only. Stopping an app that is already Stopped is an error;
// stopping one that is between spawns (Backoff/Crashed) cancels the
// pending respawn instead.
func (d *Daemon) Stop(ctx context.Context, id string, timeout time.Duration) error {
	e, err := d.get(id)
	if err != nil {
		return err
	}
	h, ok := d.reg.Get(id)
	if !ok {
		if e.app.State().Kind == app.StateStopped {
			return apperr.New(apperr.KindProcessNotFound, fmt.Sprintf("App %s is not running", id))
		}
		e.app.SetStopRequested(true)
		d.wakeMonitor(id)
		return nil
	}
	e.app.SetStopRequested(true)
	e.app.TransitionTo(app.Stopping())
	d.broadcastState(id, app.Stopping())
	if timeout <= 0 {
		timeout = e.app.Config().StopTimeout
	}
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	_, err = d.sup.GracefulStop(ctx, h, d.reg, timeout)
	return err
}

// Restart gracefully stops id if it is running (waiting for that stop to
// return), then clears the stop request, resets the backoff and wakes the
// monitor task, which performs the actual respawn.
func (d *Daemon) Restart(ctx context.Context, id string) error {
	e, err := d.get(id)
	if err != nil {
		return err
	}
	if h, ok := d.reg.Get(id); ok {
		timeout := e.app.Config().StopTimeout
		if timeout <= 0 {
			timeout = defaultStopTimeout
		}
		e.app.SetStopRequested(true)
		e.app.TransitionTo(app.Stopping())
		d.broadcastState(id, app.Stopping())
		if _, err := d.sup.GracefulStop(ctx, h, d.reg, timeout); err != nil {
			d.log.Warn("graceful stop during restart failed", "app", id, "error", err)
		}
	}
	e.app.SetStopRequested(false)
	e.app.Backoff().Reset()
	d.wakeMonitor(id)
	return nil
}

// Delete stops id (if running) and removes it from the managed set
// entirely, closing its monitor task and its log writer.
func (d *Daemon) Delete(ctx context.Context, id string) error {
	e, err := d.get(id)
	if err != nil {
		return err
	}
	e.app.SetStopRequested(true)
	if h, ok := d.reg.Get(id); ok {
		timeout := e.app.Config().StopTimeout
		if timeout <= 0 {
			timeout = defaultStopTimeout
		}
		_, _ = d.sup.GracefulStop(ctx, h, d.reg, timeout)
	}
	e.cancel()
	<-e.done

	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
	metrics.SetActiveApps(d.Count())

	return d.logs.RemoveWriter(ctx, id)
}

// Status returns a point-in-time snapshot of id's state.
func (d *Daemon) Status(id string) (ipc.AppStatus, error) {
	e, err := d.get(id)
	if err != nil {
		return ipc.AppStatus{}, err
	}
	return d.statusOf(id, e.app), nil
}

// List returns a snapshot for every managed application.
func (d *Daemon) List() []ipc.AppStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ipc.AppStatus, 0, len(d.entries))
	for id, e := range d.entries {
		out = append(out, d.statusOf(id, e.app))
	}
	return out
}

func (d *Daemon) statusOf(id string, a *app.Application) ipc.AppStatus {
	st := ipc.AppStatus{
		Name:     id,
		State:    a.State().String(),
		Restarts: a.RestartCount(),
	}
	if pid, ok := a.Pid(); ok {
		st.Pid = pid
	}
	if code, ok := a.LastExitCode(); ok {
		c := code
		st.LastExitCode = &c
	}
	if start, ok := a.StartTime(); ok {
		st.UptimeSec = int64(time.Since(start).Seconds())
	}
	return st
}

// Logs returns the last n lines of id's persisted log output. The file is
// read whether or not id is currently managed; an absent or empty file
// yields a diagnostic line sequence rather than an error.
func (d *Daemon) Logs(id string, n int) ([]string, error) {
	return d.logs.ReadLogs(id, n)
}

// AllLogs returns the last n lines of every application's log file, split
// into stdout/stderr buckets per app.
func (d *Daemon) AllLogs(n int) (map[string]logwriter.StructuredLogs, error) {
	return d.logs.ReadAllAppsLogs(n)
}

// Subscribe registers a new event subscriber matching spec.
func (d *Daemon) Subscribe(spec ipc.SubscriptionSpec) *pubsub.Subscriber {
	filter := pubsub.Filter{AppID: spec.AppName}
	switch spec.Kind {
	case "status":
		filter.Kind = pubsub.FilterStatusOnly
	case "log":
		filter.Kind = pubsub.FilterLogOnly
	default:
		filter.Kind = pubsub.FilterAll
	}
	sub := d.bus.Subscribe(filter)
	metrics.SetSubscriberCount(d.bus.Count())
	return sub
}

// Unsubscribe removes a subscriber by id.
func (d *Daemon) Unsubscribe(id string) {
	d.bus.Unsubscribe(id)
	metrics.SetSubscriberCount(d.bus.Count())
}

// Count returns the number of currently managed applications.
func (d *Daemon) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Daemon) get(id string) (*entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return nil, apperr.New(apperr.KindProcessNotFound, fmt.Sprintf("no such application: %s", id))
	}
	return e, nil
}

// wakeMonitor nudges a parked monitor task to re-check stopRequested
// immediately rather than waiting out a pending backoff delay.
func (d *Daemon) wakeMonitor(id string) {
	d.mu.RLock()
	e, ok := d.entries[id]
	d.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (d *Daemon) broadcastState(id string, s app.State) {
	d.bus.Broadcast(event.StatusChange(id, s.String()))
}

// removeEntry drops id from the managed set; called by the monitor task
// itself when backoff exhaustion removes the application.
func (d *Daemon) removeEntry(id string) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
	metrics.SetActiveApps(d.Count())
}

// closeWriter flushes and closes id's log writer with a bounded grace
// period, used when an application settles into Stopped. A later respawn
// recreates the writer lazily.
func (d *Daemon) closeWriter(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.logs.RemoveWriter(ctx, id); err != nil {
		d.log.Warn("error closing log writer", "app", id, "error", err)
	}
}

// Shutdown gracefully stops every managed application and waits for their
// monitor tasks to exit, bounded by ctx.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.RLock()
	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := d.Stop(ctx, id, 0); err != nil {
				d.log.Warn("error stopping application during shutdown", "app", id, "error", err)
			}
			d.mu.RLock()
			e, ok := d.entries[id]
			d.mu.RUnlock()
			if ok {
				e.cancel()
				<-e.done
			}
		}(id)
	}
	wg.Wait()
	return d.logs.FlushAll(ctx)
}
