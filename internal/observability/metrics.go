package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	AssignmentRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignment_runs_total", Help: "Assignment invocations by trigger and outcome"},
		[]string{"trigger", "outcome"},
	)
	DecisionsApplied = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "decisions_applied_total", Help: "Engine decisions written back to rides"})
	DecisionsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "decisions_skipped_total", Help: "Engine decisions ignored, by reason"},
		[]string{"reason"},
	)

	EngineCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matching_engine_calls_total", Help: "Matching engine round-trips by outcome"},
		[]string{"outcome"},
	)
	EngineLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "matching_engine_latency_seconds",
		Help:      "Matching engine round-trip latency",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "registrations_total", Help: "Registration outcomes"},
		[]string{"outcome"},
	)
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Cancellations by role"},
		[]string{"role"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notifications by kind and outcome"},
		[]string{"kind", "outcome"},
	)

	ScheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "scheduled_jobs", Help: "One-shot jobs waiting to fire"})
	JobsFired     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "scheduled_jobs_fired_total", Help: "Scheduled jobs fired by name"},
		[]string{"job"},
	)

	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
