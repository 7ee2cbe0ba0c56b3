// Package adminserver exposes the daemon's read-only HTTP surface: health,
// Prometheus metrics, and a debug view of every managed application. It is
// an optional listener beside the IPC control plane, never a substitute
// for it.
package adminserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kalehq/sentryd/internal/daemon"
	"github.com/kalehq/sentryd/internal/metrics"
)

// Router builds the gin engine serving the admin/metrics surface.
type Router struct {
	d *daemon.Daemon
}

// NewRouter constructs a Router bound to d.
func NewRouter(d *daemon.Daemon) *Router {
	return &Router{d: d}
}

// Handler returns the http.Handler for the admin surface.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/healthz", r.handleHealthz)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.GET("/debug/apps", r.handleDebugApps)
	g.GET("/debug/apps/:name", r.handleDebugApp)

	return g
}

func (r *Router) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "apps": r.d.Count()})
}

func (r *Router) handleDebugApps(c *gin.Context) {
	c.JSON(http.StatusOK, r.d.List())
}

func (r *Router) handleDebugApp(c *gin.Context) {
	name := c.Param("name")
	st, err := r.d.Status(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// NewServer starts a standalone HTTP server on addr serving d's admin
// surface: background ListenAndServe with a short grace window to catch
// immediate bind errors.
func NewServer(addr string, d *daemon.Daemon) (*http.Server, error) {
	r := NewRouter(d)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	}
	return server, nil
}

// Shutdown gracefully stops server, bounded by ctx.
func Shutdown(ctx context.Context, server *http.Server) error {
	return server.Shutdown(ctx)
}
