// Package metrics exposes Prometheus collectors for the scheduler, the wager
// engine and game sessions, plus a small HTTP server for /metrics and /healthz.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coopco/casinobot/internal/wager"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casinobot",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total number of scheduled job runs.",
		},
		[]string{"job_id", "success"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "casinobot",
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job_id"},
	)

	bets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casinobot",
			Subsystem: "wager",
			Name:      "bets_total",
			Help:      "Bets by admission result.",
		},
		[]string{"result"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casinobot",
			Subsystem: "wager",
			Name:      "settlements_total",
			Help:      "Settled hands by outcome, or pending when settlement failed.",
		},
		[]string{"outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "casinobot",
			Subsystem: "blackjack",
			Name:      "active_sessions",
			Help:      "Current number of open game sessions.",
		},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casinobot",
			Subsystem: "router",
			Name:      "commands_total",
			Help:      "Inbound commands by name and result.",
		},
		[]string{"command", "result"},
	)
)

func init() {
	Registry.MustRegister(
		jobRuns,
		jobDuration,
		bets,
		settlements,
		activeSessions,
		commands,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordJobRun matches the scheduler's OnJobDone hook.
func RecordJobRun(jobID string, elapsed time.Duration, err error) {
	if jobID == "" {
		jobID = "unknown"
	}
	success := "true"
	if err != nil {
		success = "false"
	}
	jobRuns.WithLabelValues(jobID, success).Inc()
	jobDuration.WithLabelValues(jobID).Observe(elapsed.Seconds())
}

// RecordAdmission counts a bet by the error it was rejected with, if any.
func RecordAdmission(err error) {
	bets.WithLabelValues(admissionResult(err)).Inc()
}

func admissionResult(err error) string {
	var (
		capErr   *wager.AboveMaximumBetError
		fundsErr *wager.InsufficientFundsError
	)
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, wager.ErrBelowMinimumBet):
		return "below_minimum"
	case errors.As(err, &capErr):
		return "above_maximum"
	case errors.As(err, &fundsErr):
		return "insufficient_funds"
	default:
		return "error"
	}
}

// RecordSettlement counts a finished hand. A non-nil err records it as pending.
func RecordSettlement(outcome wager.Outcome, err error) {
	label := outcome.String()
	if err != nil {
		label = "pending"
	}
	settlements.WithLabelValues(label).Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

// RecordCommand counts an inbound command.
func RecordCommand(command, result string) {
	commands.WithLabelValues(command, result).Inc()
}
