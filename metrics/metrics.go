// Package metrics counts map operations and traversals in Prometheus
// form. A nil *Metrics is valid and records nothing, so callers need
// not check whether metrics were configured.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation results.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Traversal outcomes.
const (
	// OutcomeComplete means the kernel reported the end of the map.
	OutcomeComplete = "complete"
	// OutcomeStopped means the caller ended the walk early.
	OutcomeStopped = "stopped"
	// OutcomeTruncated means the step limit ended the walk.
	OutcomeTruncated = "truncated"
	OutcomeError     = "error"
)

// Traversal events.
const (
	// EventRevisit is a key the kernel handed out twice, typically
	// after restarting from the first key.
	EventRevisit = "revisit"
	// EventVanished is a key deleted between next-key and lookup.
	EventVanished = "vanished"
)

// Metrics holds the collectors. Every series is labelled with the map
// name.
type Metrics struct {
	Operations      *prometheus.CounterVec
	Traversals      *prometheus.CounterVec
	TraversalSteps  *prometheus.CounterVec
	TraversalEvents *prometheus.CounterVec
	Entries         *prometheus.GaugeVec
	ValueSize       *prometheus.GaugeVec
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfmap_operations_total",
			Help: "Map primitives issued, by operation and result.",
		}, []string{"map", "op", "result"}),

		Traversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfmap_traversals_total",
			Help: "Full-map traversals, by outcome.",
		}, []string{"map", "outcome"}),

		TraversalSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfmap_traversal_steps_total",
			Help: "Next-key calls made by traversals.",
		}, []string{"map"}),

		TraversalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bpfmap_traversal_events_total",
			Help: "Keys skipped during traversals because of concurrent changes.",
		}, []string{"map", "event"}),

		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bpfmap_entries",
			Help: "Elements seen by the last complete traversal.",
		}, []string{"map"}),

		ValueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bpfmap_value_size_bytes",
			Help: "Declared value size, labelled with the map type.",
		}, []string{"map", "type"}),
	}
}

// Collectors returns every collector, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Operations,
		m.Traversals,
		m.TraversalSteps,
		m.TraversalEvents,
		m.Entries,
		m.ValueSize,
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}

// ObserveMap records a map's static shape.
func (m *Metrics) ObserveMap(name, mapType string, valueSize uint32) {
	if m == nil {
		return
	}
	m.ValueSize.WithLabelValues(name, mapType).Set(float64(valueSize))
}

// ObserveOp counts one primitive. found is ignored when err is set.
func (m *Metrics) ObserveOp(name, op string, found bool, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	switch {
	case err != nil:
		result = ResultError
	case !found:
		result = ResultNotFound
	}
	m.Operations.WithLabelValues(name, op, result).Inc()
}

// ObserveTraversal records a finished traversal. visited is only
// meaningful for complete traversals and sets the entries gauge.
func (m *Metrics) ObserveTraversal(name, outcome string, steps, visited int) {
	if m == nil {
		return
	}
	m.Traversals.WithLabelValues(name, outcome).Inc()
	m.TraversalSteps.WithLabelValues(name).Add(float64(steps))
	if outcome == OutcomeComplete {
		m.Entries.WithLabelValues(name).Set(float64(visited))
	}
}

// ObserveEvent counts a key skipped during a traversal.
func (m *Metrics) ObserveEvent(name, event string) {
	if m == nil {
		return
	}
	m.TraversalEvents.WithLabelValues(name, event).Inc()
}

// WriteTextfile writes everything g gathers to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
