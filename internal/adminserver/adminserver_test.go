package adminserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/daemon"
	"github.com/kalehq/sentryd/internal/event"
	"github.com/kalehq/sentryd/internal/logbuf"
	"github.com/kalehq/sentryd/internal/logrotate"
	"github.com/kalehq/sentryd/internal/logwriter"
	"github.com/kalehq/sentryd/internal/registry"
	"github.com/kalehq/sentryd/internal/supervisor"
)

// noopSupervisor never actually spawns anything; Wait blocks until ctx is
// canceled, which is all the admin surface's read-only endpoints need.
type noopSupervisor struct{}

func (noopSupervisor) Spawn(ctx context.Context, appID string, cfg *app.Config, reg *registry.Registry) (registry.Handle, error) {
	h := registry.Handle{Pid: 1, AppID: appID}
	reg.Register(appID, h)
	return h, nil
}

func (noopSupervisor) KillTree(ctx context.Context, h registry.Handle, reg *registry.Registry) error {
	reg.Unregister(h.AppID)
	return nil
}

func (noopSupervisor) Wait(ctx context.Context, h registry.Handle) (supervisor.ExitStatus, error) {
	<-ctx.Done()
	return supervisor.ExitStatus{}, ctx.Err()
}

func (noopSupervisor) GracefulStop(ctx context.Context, h registry.Handle, reg *registry.Registry, timeout time.Duration) (supervisor.ExitStatus, error) {
	reg.Unregister(h.AppID)
	return supervisor.ExitStatus{}, nil
}

func (noopSupervisor) SetResourceLimits(h registry.Handle, cfg *app.Config) error { return nil }

func (noopSupervisor) GetProcessInfo(pid int) (supervisor.ProcessInfo, error) {
	return supervisor.ProcessInfo{Pid: pid}, nil
}

func (noopSupervisor) Events() <-chan event.Event {
	ch := make(chan event.Event)
	close(ch)
	return ch
}

func testDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	logs := logwriter.NewManager(logwriter.ManagerConfig{
		BaseDir:  t.TempDir(),
		Rotation: logrotate.DefaultConfig(),
		Buffer:   logbuf.DefaultConfig(),
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return daemon.New(noopSupervisor{}, logs, log, 4)
}

func waitRunning(t *testing.T, d *daemon.Daemon, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := d.Status(id)
		if err == nil && st.State == "running" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never reached running", id)
}

func TestHealthzReportsAppCount(t *testing.T) {
	d := testDaemon(t)
	if err := d.Start(context.Background(), "web", &app.Config{
		Command:       "true",
		RestartPolicy: app.RestartNo,
		Backoff:       app.DefaultBackoffConfig(),
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitRunning(t, d, "web")

	srv := httptest.NewServer(NewRouter(d).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
		Apps   int    `json:"apps"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Apps != 1 {
		t.Errorf("got %+v, want status=ok apps=1", body)
	}
}

func TestMetricsEndpointServesText(t *testing.T) {
	d := testDaemon(t)
	srv := httptest.NewServer(NewRouter(d).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestDebugAppsListsManagedApps(t *testing.T) {
	d := testDaemon(t)
	if err := d.Start(context.Background(), "web", &app.Config{
		Command:       "true",
		RestartPolicy: app.RestartNo,
		Backoff:       app.DefaultBackoffConfig(),
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitRunning(t, d, "web")

	srv := httptest.NewServer(NewRouter(d).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/apps")
	if err != nil {
		t.Fatalf("GET /debug/apps: %v", err)
	}
	defer resp.Body.Close()
	var statuses []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("got %d apps, want 1", len(statuses))
	}
}

func TestDebugAppUnknownReturns404(t *testing.T) {
	d := testDaemon(t)
	srv := httptest.NewServer(NewRouter(d).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/apps/nope")
	if err != nil {
		t.Fatalf("GET /debug/apps/nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
