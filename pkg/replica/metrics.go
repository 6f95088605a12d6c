package replica

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultApplied       = "applied"
	ResultInvalid       = "invalid"
	ResultCorrupt       = "corrupt"
	ResultMalformed     = "malformed"
	ResultUnknownEntity = "unknown_entity"
	ResultError         = "error"
)

// Metrics counts received envelopes by outcome. A nil *Metrics is a no-op.
type Metrics struct {
	envelopes     *prometheus.CounterVec
	applyDuration prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yep_sync",
			Name:      "envelopes_total",
			Help:      "Received delta envelopes by outcome.",
		}, []string{"result"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "yep_sync",
			Name:      "apply_duration_seconds",
			Help:      "Time to load, apply and persist one envelope.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.envelopes, m.applyDuration}
}

// Register adds the collectors to reg. Collectors that are already
// registered are not an error.
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

func (m *Metrics) observe(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(result).Inc()
	if result == ResultApplied {
		m.applyDuration.Observe(took.Seconds())
	}
}
