package sync

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TelemetryHooks are optional observers. Nil fields are skipped; a panic
// inside a hook is recovered and logged.
type TelemetryHooks struct {
	OnReconnectDetected func(source Source)
	OnSyncStarted       func(source Source)
	OnSyncSuccess       func(source Source)
	OnSyncFailed        func(source Source, err error)
}

// ChainHooks calls every hook set in order.
func ChainHooks(hooks ...TelemetryHooks) TelemetryHooks {
	return TelemetryHooks{
		OnReconnectDetected: func(s Source) {
			for _, h := range hooks {
				if h.OnReconnectDetected != nil {
					h.OnReconnectDetected(s)
				}
			}
		},
		OnSyncStarted: func(s Source) {
			for _, h := range hooks {
				if h.OnSyncStarted != nil {
					h.OnSyncStarted(s)
				}
			}
		},
		OnSyncSuccess: func(s Source) {
			for _, h := range hooks {
				if h.OnSyncSuccess != nil {
					h.OnSyncSuccess(s)
				}
			}
		},
		OnSyncFailed: func(s Source, err error) {
			for _, h := range hooks {
				if h.OnSyncFailed != nil {
					h.OnSyncFailed(s, err)
				}
			}
		},
	}
}

// LoggingHooks logs every phase.
func LoggingHooks(logger *slog.Logger) TelemetryHooks {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	return TelemetryHooks{
		OnReconnectDetected: func(s Source) {
			logger.Info("reconnect detected", "source", s)
		},
		OnSyncStarted: func(s Source) {
			logger.Info("sync started", "source", s)
		},
		OnSyncSuccess: func(s Source) {
			logger.Info("sync succeeded", "source", s)
		},
		OnSyncFailed: func(s Source, err error) {
			logger.Warn("sync failed", "source", s, "error", err)
		},
	}
}

// Metrics exports orchestrator phases to Prometheus.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu      sync.Mutex
	started time.Time
	now     func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yep_sync",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Orchestrator phase events by source.",
		}, []string{"event", "source"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "yep_sync",
			Subsystem: "orchestrator",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source", "result"}),
		now: time.Now,
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.events, m.duration}
}

// Register adds the collectors to reg; already registered ones are kept.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) finish(s Source, result string) {
	m.events.WithLabelValues(result, string(s)).Inc()
	m.mu.Lock()
	started := m.started
	m.started = time.Time{}
	m.mu.Unlock()
	if !started.IsZero() {
		m.duration.WithLabelValues(string(s), result).Observe(m.now().Sub(started).Seconds())
	}
}

// Hooks returns hooks feeding m. Syncs never overlap, so one start time is
// enough to measure durations.
func (m *Metrics) Hooks() TelemetryHooks {
	return TelemetryHooks{
		OnReconnectDetected: func(s Source) {
			m.events.WithLabelValues("reconnect_detected", string(s)).Inc()
		},
		OnSyncStarted: func(s Source) {
			m.events.WithLabelValues("sync_started", string(s)).Inc()
			m.mu.Lock()
			m.started = m.now()
			m.mu.Unlock()
		},
		OnSyncSuccess: func(s Source) { m.finish(s, "sync_succeeded") },
		OnSyncFailed:  func(s Source, _ error) { m.finish(s, "sync_failed") },
	}
}

// MetricsHooks registers orchestrator metrics with reg and returns hooks
// feeding them.
func MetricsHooks(reg prometheus.Registerer) (TelemetryHooks, error) {
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		return TelemetryHooks{}, err
	}
	return m.Hooks(), nil
}
