package daemon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/ipc"
	"github.com/kalehq/sentryd/internal/logbuf"
	"github.com/kalehq/sentryd/internal/logrotate"
	"github.com/kalehq/sentryd/internal/logwriter"
	"github.com/kalehq/sentryd/internal/registry"
	"github.com/kalehq/sentryd/internal/supervisor"
)

// fakeSupervisor is a minimal, deterministic stand-in for a platform
// supervisor.Supervisor: Spawn always "succeeds" and registers a fixed pid,
// Wait blocks until either ctx is canceled or the test closes the app's
// exit channel via exitNow, and GracefulStop/KillTree both unregister and
// signal a waiting Wait to return immediately.
type fakeSupervisor struct {
	mu      sync.Mutex
	exitAt  map[string]chan supervisor.ExitStatus
	nextPid int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{exitAt: make(map[string]chan supervisor.ExitStatus), nextPid: 100}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, appID string, cfg *app.Config, reg *registry.Registry) (registry.Handle, error) {
	f.mu.Lock()
	f.nextPid++
	pid := f.nextPid
	ch := make(chan supervisor.ExitStatus, 1)
	f.exitAt[appID] = ch
	f.mu.Unlock()

	h := registry.Handle{Pid: pid, AppID: appID}
	reg.Register(appID, h)
	return h, nil
}

func (f *fakeSupervisor) exitChan(appID string) chan supervisor.ExitStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitAt[appID]
}

func (f *fakeSupervisor) KillTree(ctx context.Context, h registry.Handle, reg *registry.Registry) error {
	reg.Unregister(h.AppID)
	f.signalExit(h.AppID, supervisor.ExitStatus{Signaled: true, TimedOut: true})
	return nil
}

func (f *fakeSupervisor) Wait(ctx context.Context, h registry.Handle) (supervisor.ExitStatus, error) {
	ch := f.exitChan(h.AppID)
	if ch == nil {
		return supervisor.ExitStatus{}, nil
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return supervisor.ExitStatus{}, ctx.Err()
	}
}

func (f *fakeSupervisor) GracefulStop(ctx context.Context, h registry.Handle, reg *registry.Registry, timeout time.Duration) (supervisor.ExitStatus, error) {
	reg.Unregister(h.AppID)
	st := supervisor.ExitStatus{ExitCode: 0}
	f.signalExit(h.AppID, st)
	return st, nil
}

func (f *fakeSupervisor) SetResourceLimits(h registry.Handle, cfg *app.Config) error { return nil }

func (f *fakeSupervisor) GetProcessInfo(pid int) (supervisor.ProcessInfo, error) {
	return supervisor.ProcessInfo{Pid: pid}, nil
}

func (f *fakeSupervisor) Events() <-chan event.Event {
	ch := make(chan event.Event)
	close(ch)
	return ch
}

func (f *fakeSupervisor) signalExit(appID string, st supervisor.ExitStatus) {
	f.mu.Lock()
	ch := f.exitAt[appID]
	f.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- st:
	default:
	}
}

func testDaemon(t *testing.T) (*Daemon, *fakeSupervisor) {
	t.Helper()
	sup := newFakeSupervisor()
	logs := logwriter.NewManager(logwriter.ManagerConfig{
		BaseDir:  t.TempDir(),
		Rotation: logrotate.DefaultConfig(),
		Buffer:   logbuf.DefaultConfig(),
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sup, logs, log, 4), sup
}

func testConfig() *app.Config {
	return &app.Config{
		Command:       "true",
		RestartPolicy: app.RestartNo,
		Backoff:       app.DefaultBackoffConfig(),
	}
}

func waitForState(t *testing.T, d *Daemon, id, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := d.Status(id)
		if err == nil && st.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := d.Status(id)
	t.Fatalf("timed out waiting for %s to reach state %q, last seen %q", id, want, st.State)
}

func TestStartRejectsDuplicateID(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx, "web", testConfig()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := d.Start(ctx, "web", testConfig()); err == nil {
		t.Fatal("expected an error starting an already-managed application id")
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	d, _ := testDaemon(t)
	if err := d.Start(context.Background(), "web", &app.Config{}); err == nil {
		t.Fatal("expected an error for a config with no command")
	}
}

func TestStatusUnknownApp(t *testing.T) {
	d, _ := testDaemon(t)
	if _, err := d.Status("nope"); err == nil {
		t.Fatal("expected an error for an unknown application id")
	}
}

func TestStartReachesRunning(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx, "web", testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)
}

func TestStopTransitionsToStopped(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx, "web", testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)

	if err := d.Stop(ctx, "web", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForState(t, d, "web", "stopped", 2*time.Second)
}

func TestDeleteRemovesFromList(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx, "web", testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)

	if err := d.Delete(ctx, "web"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Status("web"); err == nil {
		t.Fatal("expected Status to fail after Delete")
	}
	if n := len(d.List()); n != 0 {
		t.Errorf("List() returned %d entries after Delete, want 0", n)
	}
}

func TestRestartOnFailureRespawns(t *testing.T) {
	d, sup := testDaemon(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.RestartPolicy = app.RestartOnFailure
	cfg.Backoff = app.BackoffConfig{BaseDelayMS: 5, MaxDelayMS: 5, Multiplier: 1}

	if err := d.Start(ctx, "web", cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)

	ch := sup.exitChan("web")
	ch <- supervisor.ExitStatus{ExitCode: 1}

	waitForState(t, d, "web", "running", 2*time.Second)
	if err := d.Delete(ctx, "web"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestStopSuppressesRestartUnderAlways(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.RestartPolicy = app.RestartAlways
	cfg.Backoff = app.BackoffConfig{BaseDelayMS: 5, MaxDelayMS: 5, Multiplier: 1}

	if err := d.Start(ctx, "web", cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)

	if err := d.Stop(ctx, "web", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForState(t, d, "web", "stopped", 2*time.Second)

	// The restart loop must stay suppressed after a commanded stop.
	time.Sleep(100 * time.Millisecond)
	st, err := d.Status("web")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != "stopped" {
		t.Errorf("state = %q after commanded stop, want it to remain stopped", st.State)
	}
}

func TestStopWhenNotRunningErrors(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx, "web", testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)
	if err := d.Stop(ctx, "web", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForState(t, d, "web", "stopped", 2*time.Second)

	if err := d.Stop(ctx, "web", 0); err == nil {
		t.Fatal("expected an error stopping an already-stopped application")
	}
}

func TestRestartRevivesStoppedApp(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx, "web", testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)
	if err := d.Stop(ctx, "web", 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForState(t, d, "web", "stopped", 2*time.Second)

	if err := d.Restart(ctx, "web"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitForState(t, d, "web", "running", 2*time.Second)
}

// Backoff exhaustion under exhausted_action "stop": after
// the configured attempts are spent, the app settles in Stopped and a
// backoff_exhausted status event is broadcast, with no further spawns.
func TestBackoffExhaustionStops(t *testing.T) {
	d, sup := testDaemon(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.RestartPolicy = app.RestartAlways
	cfg.Backoff = app.BackoffConfig{
		BaseDelayMS: 5, MaxDelayMS: 5, Multiplier: 1,
		MaxAttempts: 2, ExhaustedAction: app.ExhaustedStop,
	}

	sub := d.Subscribe(ipc.SubscriptionSpec{Kind: "status"})
	defer d.Unsubscribe(sub.ID)

	if err := d.Start(ctx, "web", cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Initial run plus two backoff respawns, each exiting with failure.
	for i := 0; i < 3; i++ {
		waitForState(t, d, "web", "running", 2*time.Second)
		sup.exitChan("web") <- supervisor.ExitStatus{ExitCode: 1}
		// Wait for the exit to be observed before polling for running again.
		waitForExitObserved(t, d, "web", 2*time.Second)
	}
	waitForState(t, d, "web", "stopped", 2*time.Second)

	sawExhausted := false
	for done := false; !done; {
		select {
		case e := <-sub.Events:
			if e.Kind == event.KindStatusChange && e.State == "backoff_exhausted" {
				sawExhausted = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !sawExhausted {
		t.Error("expected a backoff_exhausted status event")
	}
}

func TestBackoffExhaustionRemoves(t *testing.T) {
	d, sup := testDaemon(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.RestartPolicy = app.RestartAlways
	cfg.Backoff = app.BackoffConfig{
		BaseDelayMS: 5, MaxDelayMS: 5, Multiplier: 1,
		MaxAttempts: 1, ExhaustedAction: app.ExhaustedRemove,
	}

	if err := d.Start(ctx, "web", cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 2; i++ {
		waitForState(t, d, "web", "running", 2*time.Second)
		sup.exitChan("web") <- supervisor.ExitStatus{ExitCode: 1}
		waitForExitObserved(t, d, "web", 2*time.Second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := d.Status("web"); err != nil {
			return // removed from the managed set
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the application to be removed after backoff exhaustion")
}

// waitForExitObserved blocks until id's monitor has processed the pending
// exit (the pid is cleared from its status).
func waitForExitObserved(t *testing.T, d *Daemon, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := d.Status(id)
		if err != nil || st.Pid == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s's exit to be observed", id)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	d, _ := testDaemon(t)
	sub := d.Subscribe(ipc.SubscriptionSpec{Kind: "all"})
	if sub == nil {
		t.Fatal("expected a non-nil subscriber")
	}
	d.Unsubscribe(sub.ID)
}

func TestShutdownStopsEverything(t *testing.T) {
	d, _ := testDaemon(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := d.Start(ctx, id, testConfig()); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
	}
	waitForState(t, d, "a", "running", 2*time.Second)
	waitForState(t, d, "b", "running", 2*time.Second)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
