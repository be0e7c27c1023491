// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "variantd"

var (
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Variants served, by source (new or sticky)."},
		[]string{"experiment", "variant", "source"},
	)
	AssignmentFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignment_fallbacks_total", Help: "Requests answered with no assignment, by reason."},
		[]string{"reason"},
	)
	EventsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_submitted_total", Help: "Events accepted by the ingestor."},
		[]string{"kind"},
	)
	IngestFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_flushes_total", Help: "Ingestor flushes, by result."},
		[]string{"result"},
	)
	IngestPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "ingest_pending_events", Help: "Events buffered and not yet flushed."},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "experiments_transitions_total", Help: "Experiment status transitions, by target status."},
		[]string{"to"},
	)
	ActiveExperiments = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "snapshot_active_experiments", Help: "Experiments in the active snapshot."},
	)
)

func init() {
	_ = prometheus.Register(Assignments)
	_ = prometheus.Register(AssignmentFallbacks)
	_ = prometheus.Register(EventsSubmitted)
	_ = prometheus.Register(IngestFlushes)
	_ = prometheus.Register(IngestPending)
	_ = prometheus.Register(Transitions)
	_ = prometheus.Register(ActiveExperiments)
}
