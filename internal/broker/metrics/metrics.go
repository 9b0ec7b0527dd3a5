// Package metrics exposes the broker's Prometheus collectors. All methods on
// Metrics are safe to call on a nil receiver so components can run without
// metrics wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks broker throughput and failure statistics.
type Metrics struct {
	framesTotal        *prometheus.CounterVec
	framingErrors      *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	messagesNormalized *prometheus.CounterVec
	duplicatesTotal    *prometheus.CounterVec
	dispatchAttempts   *prometheus.CounterVec
	dispatchOutcomes   *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	activeSessions     *prometheus.GaugeVec
	alertsTotal        prometheus.Counter
	registerer         prometheus.Registerer
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labflow",
			Subsystem: "broker",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the broker collectors and registers them with the supplied
// registerer (prometheus.DefaultRegisterer in production, a private registry
// in tests).
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesTotal:        newCounterVec("frames_total", "Frames received per instrument and protocol.", []string{"instrument", "protocol"}),
		framingErrors:      newCounterVec("framing_errors_total", "Frames rejected at the transport layer.", []string{"instrument", "protocol"}),
		decodeErrors:       newCounterVec("decode_errors_total", "Frames that failed protocol decoding.", []string{"instrument", "protocol"}),
		messagesNormalized: newCounterVec("messages_normalized_total", "Canonical result messages produced.", []string{"instrument"}),
		duplicatesTotal:    newCounterVec("duplicates_suppressed_total", "Retransmitted messages suppressed by the ledger.", []string{"instrument"}),
		dispatchAttempts:   newCounterVec("dispatch_attempts_total", "Dispatch attempts against the results pipeline.", []string{"instrument"}),
		dispatchOutcomes:   newCounterVec("dispatch_outcomes_total", "Final dispatch outcomes.", []string{"instrument", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "labflow",
				Subsystem: "broker",
				Name:      "dispatch_duration_seconds",
				Help:      "Time from dispatch start to a final outcome, retries included.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"instrument"},
		),
		activeSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "labflow",
				Subsystem: "broker",
				Name:      "active_sessions",
				Help:      "Open instrument sessions per protocol.",
			},
			[]string{"protocol"},
		),
		alertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labflow",
			Subsystem: "broker",
			Name:      "operator_alerts_total",
			Help:      "Operator alerts raised for failed or stuck deliveries.",
		}),
		registerer: reg,
	}

	collectors := []prometheus.Collector{
		m.framesTotal, m.framingErrors, m.decodeErrors, m.messagesNormalized,
		m.duplicatesTotal, m.dispatchAttempts, m.dispatchOutcomes,
		m.dispatchDuration, m.activeSessions, m.alertsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return m, nil
}

// MustNew is New, panicking on registration failure.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) FrameReceived(instrument, protocol string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(instrument, protocol).Inc()
}

func (m *Metrics) FramingError(instrument, protocol string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(instrument, protocol).Inc()
}

func (m *Metrics) DecodeError(instrument, protocol string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(instrument, protocol).Inc()
}

func (m *Metrics) MessageNormalized(instrument string) {
	if m == nil {
		return
	}
	m.messagesNormalized.WithLabelValues(instrument).Inc()
}

func (m *Metrics) DuplicateSuppressed(instrument string) {
	if m == nil {
		return
	}
	m.duplicatesTotal.WithLabelValues(instrument).Inc()
}

func (m *Metrics) DispatchAttempt(instrument string) {
	if m == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(instrument).Inc()
}

func (m *Metrics) DispatchOutcome(instrument, outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(instrument, outcome).Inc()
}

func (m *Metrics) DispatchDuration(instrument string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(instrument).Observe(seconds)
}

func (m *Metrics) SessionOpened(protocol string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SessionClosed(protocol string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(protocol).Dec()
}

func (m *Metrics) AlertRaised() {
	if m == nil {
		return
	}
	m.alertsTotal.Inc()
}
