package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "ingest", Name: "samples_received_total",
		Help: "Vehicle updates accepted by the ingestion endpoint.",
	})
	ValidationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "ingest", Name: "validation_failures_total",
		Help: "Vehicle updates rejected by the normalizer, by offending field.",
	}, []string{"field"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "classifier", Name: "transitions_total",
		Help: "Incident state transitions by category and new status.",
	}, []string{"category", "status"})
	InvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "classifier", Name: "invariant_violations_total",
		Help: "Updates discarded because a rule produced an impossible state.",
	})

	VehiclesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safety", Subsystem: "store", Name: "vehicles",
		Help: "Vehicles currently held in the state store.",
	})
	StoreCorruption = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "store", Name: "corruption_alarms_total",
		Help: "Store corruption alarms raised.",
	})

	Observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safety", Subsystem: "hub", Name: "observers",
		Help: "Connected dashboard observers.",
	})
	ObserverDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "hub", Name: "dropped_messages_total",
		Help: "Messages dropped from full observer queues.",
	})
	ObserverResyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "hub", Name: "resyncs_total",
		Help: "Full-state resyncs delivered to observers.",
	})

	Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "decision", Name: "decisions_total",
		Help: "Incident decisions by provider and degraded flag.",
	}, []string{"provider", "degraded"})
	DecisionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "safety", Subsystem: "decision", Name: "latency_seconds",
		Help:    "Time to reach a decision, including fallback.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	ChannelDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "pipeline", Name: "channel_drops_total",
		Help: "Events dropped because a pipeline channel was full.",
	}, []string{"channel"})
	DBWriteSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "pipeline", Name: "db_write_success_total",
		Help: "Incident events written to the history store.",
	})
	DBWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "pipeline", Name: "db_write_failures_total",
		Help: "Incident events permanently lost after a failed batch write.",
	})
	StateWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "pipeline", Name: "state_write_failures_total",
		Help: "Failed Redis state mirror updates.",
	})
	DecisionWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safety", Subsystem: "pipeline", Name: "decision_write_failures_total",
		Help: "Failed decision audit inserts and queue pushes, by target.",
	}, []string{"target"})
)

func init() {
	prometheus.MustRegister(
		SamplesReceived,
		ValidationFailures,
		Transitions,
		InvariantViolations,
		VehiclesTracked,
		StoreCorruption,
		Observers,
		ObserverDrops,
		ObserverResyncs,
		Decisions,
		DecisionLatency,
		ChannelDrops,
		DBWriteSuccess,
		DBWriteFailures,
		StateWriteFailures,
		DecisionWriteFailures,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
