package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics manages Prometheus instrumentation for the entitlement machine.
type StoreMetrics struct {
	transitionsTotal *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	lateTotal        *prometheus.CounterVec
	state            *prometheus.GaugeVec
	accessible       prometheus.Gauge
}

// StateLabels are the values of the state gauge's "state" label.
var StateLabels = []string{
	"initialized",
	"offline",
	"interested",
	"fetching_products",
	"purchasing",
	"subscribed",
}

var (
	storeMetricsInstance *StoreMetrics
	storeMetricsOnce     sync.Once
	storeMetricsFactory  = defaultStoreMetricsFactory
)

// GetStoreMetrics returns the singleton store metrics instance.
func GetStoreMetrics() *StoreMetrics {
	storeMetricsOnce.Do(func() {
		storeMetricsInstance = storeMetricsFactory()
	})
	return storeMetricsInstance
}

func defaultStoreMetricsFactory() *StoreMetrics {
	return NewStoreMetrics(prometheus.DefaultRegisterer)
}

// NewStoreMetrics registers the store collectors with registerer, reusing
// collectors that are already registered there.
func NewStoreMetrics(registerer prometheus.Registerer) *StoreMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &StoreMetrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "podstore",
				Subsystem: "store",
				Name:      "transitions_total",
				Help:      "Total committed state transitions by source and target state",
			},
			[]string{"from", "to"},
		),
		rejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "podstore",
				Subsystem: "store",
				Name:      "transitions_rejected_total",
				Help:      "Total transitions refused by the transition table",
			},
			[]string{"from", "to"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "podstore",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Total errors reported to observers by kind",
			},
			[]string{"kind"},
		),
		lateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "podstore",
				Subsystem: "store",
				Name:      "late_completions_total",
				Help:      "Total capability completions dropped because their owner token was stale",
			},
			[]string{"source"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "podstore",
				Subsystem: "store",
				Name:      "state",
				Help:      "1 for the current machine state, 0 otherwise",
			},
			[]string{"state"},
		),
		accessible: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "podstore",
				Subsystem: "store",
				Name:      "accessible",
				Help:      "1 while premium access is granted",
			},
		),
	}

	m.transitionsTotal = registerCollector(registerer, m.transitionsTotal)
	m.rejectedTotal = registerCollector(registerer, m.rejectedTotal)
	m.errorsTotal = registerCollector(registerer, m.errorsTotal)
	m.lateTotal = registerCollector(registerer, m.lateTotal)
	m.state = registerCollector(registerer, m.state)
	m.accessible = registerCollector(registerer, m.accessible)

	return m
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func defaultLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// RecordTransition records a committed transition and moves the state gauge.
// Re-emits of the current state are not counted.
func (m *StoreMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	if from != to {
		m.transitionsTotal.WithLabelValues(defaultLabel(from), defaultLabel(to)).Inc()
	}
	for _, label := range StateLabels {
		v := 0.0
		if label == to {
			v = 1
		}
		m.state.WithLabelValues(label).Set(v)
	}
}

// RecordRejected records a transition the table refused.
func (m *StoreMetrics) RecordRejected(from, to string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(defaultLabel(from), defaultLabel(to)).Inc()
}

// RecordError records an error delivered with a transition.
func (m *StoreMetrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(defaultLabel(kind)).Inc()
}

// RecordLateCompletion records a dropped catalog or purchase completion.
func (m *StoreMetrics) RecordLateCompletion(source string) {
	if m == nil {
		return
	}
	m.lateTotal.WithLabelValues(defaultLabel(source)).Inc()
}

// SetAccessible mirrors the access observer's accessible flag.
func (m *StoreMetrics) SetAccessible(accessible bool) {
	if m == nil {
		return
	}
	if accessible {
		m.accessible.Set(1)
		return
	}
	m.accessible.Set(0)
}
