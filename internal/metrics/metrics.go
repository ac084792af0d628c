// Package metrics registers Pulse's Prometheus collectors, exposed over
// /metrics by the health server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DrivePressure reports the current, weighted pressure of each drive.
	DrivePressure = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_drive_pressure",
		Help: "Current weighted pressure of a drive.",
	}, []string{"drive"})

	// TriggersTotal counts rendered trigger decisions by outcome reason.
	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_triggers_total",
		Help: "Total trigger decisions rendered, labeled by reason.",
	}, []string{"reason", "fired"})

	// FeedbackTotal counts feedback reports by outcome.
	FeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_feedback_total",
		Help: "Total feedback reports received, labeled by outcome.",
	}, []string{"outcome"})

	// MutationsTotal counts mutation attempts by outcome.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_mutations_total",
		Help: "Total mutations attempted, labeled by outcome.",
	}, []string{"outcome"})

	// WebhookFailuresTotal counts webhook dispatch failures.
	WebhookFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_webhook_failures_total",
		Help: "Total webhook dispatch attempts that failed after retries.",
	})

	// UptimeSeconds reports how long the daemon has been running.
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_uptime_seconds",
		Help: "Seconds since the daemon started.",
	})

	// EvaluatorDegraded is 1 when the model evaluator has fallen back to
	// the rule evaluator, 0 otherwise.
	EvaluatorDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_evaluator_degraded",
		Help: "1 if the model evaluator is currently degraded to rule mode.",
	})
)
