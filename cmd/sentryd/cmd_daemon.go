package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kalehq/sentryd/internal/adminserver"
	"github.com/kalehq/sentryd/internal/app"
	"github.com/kalehq/sentryd/internal/config"
	"github.com/kalehq/sentryd/internal/configwatch"
	"github.com/kalehq/sentryd/internal/daemon"
	"github.com/kalehq/sentryd/internal/ipc"
	"github.com/kalehq/sentryd/internal/logbuf"
	"github.com/kalehq/sentryd/internal/logrotate"
	"github.com/kalehq/sentryd/internal/logwriter"
	"github.com/kalehq/sentryd/internal/metrics"
	"github.com/kalehq/sentryd/internal/oplog"
	"github.com/kalehq/sentryd/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long the daemon waits for every managed
// application to stop gracefully during its own shutdown.
const shutdownGrace = 15 * time.Second

// newDaemonCmd builds the hidden "daemon" subcommand: it runs the control
// plane in the foreground until interrupted. There is no background-forking
// variant — this daemon is meant to be supervised by the host's own service
// manager or run attached.
func newDaemonCmd() *cobra.Command {
	var (
		configPath   string
		settingsPath string
	)
	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the sentryd control plane in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, settingsPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the application config file (defaults to the discovery order)")
	cmd.Flags().StringVar(&settingsPath, "settings", "", "path to the daemon's own operational settings file")
	return cmd
}

func runDaemon(configPath, settingsPath string) error {
	settings, err := config.LoadDaemonSettings(settingsPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		settings.SocketPath = socketPath
	}
	if settings.SocketPath == "" {
		settings.SocketPath = ipc.DefaultSocketPath()
	}

	log := oplog.New(oplog.Config{Level: settings.LogLevel, File: settings.LogFile})

	sup, err := supervisor.New()
	if err != nil {
		return fmt.Errorf("initialize supervisor: %w", err)
	}

	logBaseDir := settings.LogBaseDir
	if logBaseDir == "" {
		logBaseDir = "logs"
	}
	logs := logwriter.NewManager(logwriter.ManagerConfig{
		BaseDir:  logBaseDir,
		Rotation: logrotate.DefaultConfig(),
		Buffer:   logbuf.DefaultConfig(),
	})

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	d := daemon.New(sup, logs, log, settings.MaxParallelStarts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	initialPath := configPath
	if initialPath == "" {
		if discovered, derr := config.Discover(); derr == nil {
			initialPath = discovered.Source
		}
	}

	// Watching only applies to a plain file path; the package.json-derived
	// discovery sources carry a "#bunctl"/"#pm2"/"#scripts.start" suffix and
	// are loaded once without a live watcher.
	if initialPath != "" && !strings.Contains(initialPath, "#") {
		watcher, werr := configwatch.New(initialPath, loadAnyConfig, log)
		if werr != nil {
			return werr
		}
		d.LoadAll(ctx, watcher.Current().Apps)
		watcher.OnReload(func(s *configwatch.Snapshot) {
			d.ApplyReload(ctx, s.Apps)
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				log.Warn("config watcher stopped", "error", err)
			}
		}()
	} else if discovered, derr := config.Discover(); derr == nil {
		d.LoadAll(ctx, discovered.Apps)
	}

	listener, err := ipc.Listen(settings.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on ipc socket: %w", err)
	}
	log.Info("daemon listening", "socket", settings.SocketPath)

	var adminSrv *adminServerHandle
	if settings.MetricsPort > 0 {
		addr := settings.AdminListen
		if addr == "" {
			addr = fmt.Sprintf(":%d", settings.MetricsPort)
		}
		srv, err := adminserver.NewServer(addr, d)
		if err != nil {
			log.Warn("admin server failed to start", "error", err)
		} else {
			adminSrv = &adminServerHandle{srv: srv}
			log.Info("admin server listening", "addr", addr)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Serve(ctx, listener)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("ipc listener failed", "error", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if adminSrv != nil {
		_ = adminSrv.srv.Shutdown(shutdownCtx)
	}
	return d.Shutdown(shutdownCtx)
}

type adminServerHandle struct {
	srv interface {
		Shutdown(context.Context) error
	}
}

// loadAnyConfig adapts the discovery package's format-sniffing load to the
// configwatch.Loader signature: try native first, fall back to the
// ecosystem-compatible foreign schema.
func loadAnyConfig(path string) (map[string]*app.Config, error) {
	if apps, err := configwatch.LoadNative(path); err == nil {
		return apps, nil
	}
	return configwatch.LoadEcosystem(path)
}
