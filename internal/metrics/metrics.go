package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the engine
type Metrics struct {
	EventsProcessed         prometheus.Counter
	EventsInvalid           prometheus.Counter
	RulesEvaluated          prometheus.Counter
	RuleEvaluationErrors    prometheus.Counter
	CorrelationsEmitted     *prometheus.CounterVec
	VerdictsMalicious       prometheus.Counter
	FederationSent          prometheus.Counter
	FederationSendErrors    prometheus.Counter
	FederationReceived      prometheus.Counter
	FederationRejected      *prometheus.CounterVec
	PersistErrors           prometheus.Counter
	EventProcessingDuration prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_events_processed_total",
			Help: "Total number of observations processed",
		}),
		EventsInvalid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_events_invalid_total",
			Help: "Total number of invalid observations rejected",
		}),
		RulesEvaluated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_rules_evaluated_total",
			Help: "Total number of rule evaluations",
		}),
		RuleEvaluationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_rule_evaluation_errors_total",
			Help: "Total number of rule evaluations aborted by an error",
		}),
		CorrelationsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_correlations_emitted_total",
			Help: "Total number of correlations emitted, by severity",
		}, []string{"severity"}),
		VerdictsMalicious: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_verdicts_malicious_total",
			Help: "Total number of events classified as malicious",
		}),
		FederationSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_federation_sent_total",
			Help: "Total number of federated messages delivered to a peer endpoint",
		}),
		FederationSendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_federation_send_errors_total",
			Help: "Total number of failed federated deliveries",
		}),
		FederationReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_federation_received_total",
			Help: "Total number of federated messages ingested",
		}),
		FederationRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_federation_rejected_total",
			Help: "Total number of rejected federated messages, by reason",
		}, []string{"reason"}),
		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_persist_errors_total",
			Help: "Total number of findings sink persist failures",
		}),
		EventProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "netsentry_event_processing_duration_seconds",
			Help:    "Time spent classifying and correlating a single observation",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
