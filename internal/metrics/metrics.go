package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished tracks bus events per type
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkguard_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	// BreakerState tracks the circuit breaker state per endpoint
	// (0=closed, 1=half_open, 2=open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linkguard_circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=half_open, 2=open)",
		},
		[]string{"endpoint"},
	)

	// BreakerTransitions tracks breaker transitions per endpoint
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkguard_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"endpoint", "to"},
	)

	// RecoveryAttempts tracks recovery cycles per endpoint and outcome
	RecoveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkguard_recovery_attempts_total",
			Help: "Total number of recovery cycles",
		},
		[]string{"endpoint", "result"},
	)

	// RecoveryDuration tracks how long successful recovery cycles take
	RecoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkguard_recovery_duration_seconds",
			Help:    "Duration of successful recovery cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// HealthScore tracks the computed health score per endpoint
	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linkguard_endpoint_health_score",
			Help: "Computed health score per endpoint in [0,1]",
		},
		[]string{"endpoint"},
	)

	// IncidentsRecorded tracks durable incident records
	IncidentsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkguard_incidents_recorded_total",
			Help: "Total number of incidents written to the incident store",
		},
		[]string{"type", "severity"},
	)
)
