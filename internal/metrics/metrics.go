// Package metrics exposes daemon-wide Prometheus collectors for the admin
// HTTP surface: a set of package-level collectors registered once, with
// helper functions that record observations without the caller needing a
// registry handle.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "app",
			Name:      "spawns_total",
			Help:      "Number of successful process spawns.",
		}, []string{"app"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "app",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed.",
		}, []string{"app"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "app",
			Name:      "restarts_total",
			Help:      "Number of restart-loop respawns.",
		}, []string{"app"},
	)
	exitsByCode = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "app",
			Name:      "exits_total",
			Help:      "Number of process exits, labeled by exit code.",
		}, []string{"app", "exit_code"},
	)
	backoffAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "app",
			Name:      "backoff_attempts_total",
			Help:      "Number of restart-backoff attempts scheduled.",
		}, []string{"app"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "app",
			Name:      "current_state",
			Help:      "Current state of each application (1 = active, 0 = inactive).",
		}, []string{"app", "state"},
	)
	activeApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentryd",
			Name:      "active_apps",
			Help:      "Number of applications currently managed by the daemon.",
		},
	)
	logLinesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "log",
			Name:      "lines_written_total",
			Help:      "Number of log lines persisted by the log pipeline.",
		}, []string{"app"},
	)
	logLinesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentryd",
			Subsystem: "log",
			Name:      "lines_dropped_total",
			Help:      "Number of log writes dropped because a writer's queue was full.",
		}, []string{"app"},
	)
	subscriberCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sentryd",
			Subsystem: "ipc",
			Name:      "subscriber_count",
			Help:      "Number of live IPC event subscribers.",
		},
	)
)

// Register registers every collector with r. Safe to call multiple times;
// an already-registered collector is treated as success.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		spawns, spawnFailures, restarts, exitsByCode, backoffAttempts,
		currentState, activeApps, logLinesWritten, logLinesDropped, subscriberCount,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the default gatherer's metrics.
func Handler() http.Handler { return promhttp.Handler() }

func IncSpawn(app string) {
	if regOK.Load() {
		spawns.WithLabelValues(app).Inc()
	}
}

func IncSpawnFailure(app string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(app).Inc()
	}
}

func IncRestart(app string) {
	if regOK.Load() {
		restarts.WithLabelValues(app).Inc()
	}
}

func IncExit(app string, exitCode int) {
	if regOK.Load() {
		exitsByCode.WithLabelValues(app, strconv.Itoa(exitCode)).Inc()
	}
}

func IncBackoffAttempt(app string) {
	if regOK.Load() {
		backoffAttempts.WithLabelValues(app).Inc()
	}
}

func SetState(app, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1.0
		}
		currentState.WithLabelValues(app, state).Set(v)
	}
}

func SetActiveApps(n int) {
	if regOK.Load() {
		activeApps.Set(float64(n))
	}
}

func IncLogLinesWritten(app string) {
	if regOK.Load() {
		logLinesWritten.WithLabelValues(app).Inc()
	}
}

func IncLogLinesDropped(app string) {
	if regOK.Load() {
		logLinesDropped.WithLabelValues(app).Inc()
	}
}

func SetSubscriberCount(n int) {
	if regOK.Load() {
		subscriberCount.Set(float64(n))
	}
}
