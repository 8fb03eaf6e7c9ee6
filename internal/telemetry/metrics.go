// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tessera"

type (
	// Metrics records lifecycle activity. It satisfies the engine's Observer
	// interface and owns its registry, so several instances can coexist.
	Metrics struct {
		registry *prometheus.Registry

		operations    *prometheus.CounterVec
		durations     *prometheus.HistogramVec
		transitions   *prometheus.CounterVec
		coordinations prometheus.Counter
		lookups       *prometheus.CounterVec
		states        *stateCollector
	}

	// StateCounter returns the number of subsystems per state name.
	StateCounter func() map[string]int

	stateCollector struct {
		desc *prometheus.Desc
		mu   sync.RWMutex
		fn   StateCounter
	}
)

// NewMetrics creates the lifecycle collectors on a fresh registry. Go
// runtime and process collectors are registered alongside.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "operations_total",
				Help:      "Lifecycle operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "operation_duration_seconds",
				Help:      "Time spent in lifecycle operations, lock waits included.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"op"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Subsystem state transitions.",
			},
			[]string{"from", "to"},
		),
		coordinations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinations_failed_total",
			Help:      "Coordinations that ended failed and ran their compensations.",
		}),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "repository",
				Name:      "lookups_total",
				Help:      "Repository chain tier lookups by tier and result.",
			},
			[]string{"tier", "result"},
		),
		states: &stateCollector{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "subsystems"),
				"Installed subsystems by state.",
				[]string{"state"}, nil,
			),
		},
	}
	m.registry.MustRegister(
		m.operations,
		m.durations,
		m.transitions,
		m.coordinations,
		m.lookups,
		m.states,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every tessera collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CountStates installs the function sampled for the subsystems gauge at
// scrape time.
func (m *Metrics) CountStates(fn StateCounter) {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()
	m.states.fn = fn
}

// ObserveOperation records one finished lifecycle operation.
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	m.operations.WithLabelValues(op, result(err == nil)).Inc()
	m.durations.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveTransition counts a state change. An empty from marks a new subsystem.
func (m *Metrics) ObserveTransition(from, to string) {
	if from == "" {
		from = "NONE"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveCoordinationFailure counts a failed coordination.
func (m *Metrics) ObserveCoordinationFailure(string) {
	m.coordinations.Inc()
}

// ObserveLookup counts one repository tier lookup.
func (m *Metrics) ObserveLookup(tier string, found bool) {
	m.lookups.WithLabelValues(tier, hit(found)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func hit(found bool) string {
	if found {
		return "found"
	}
	return "empty"
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	fn := c.fn
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	for state, n := range fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
