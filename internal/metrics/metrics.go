// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRelayConnect = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpblast_relay_connect_duration_seconds",
			Help:    "Relay connect and authentication duration.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30},
		},
		[]string{
			"kind",
			"result",
		},
	)
	metricRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpblast_recipients_total",
			Help: "Recipients handed to a relay, by relay kind and outcome.",
		},
		[]string{
			"kind",
			"status", // sent, failed
		},
	)
	metricDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpblast_recipients_deferred_total",
			Help: "Recipients deferred to the backlog without touching a relay because every relay already had a chunk.",
		},
	)
	metricRuns = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpblast_run_duration_seconds",
			Help:    "Dispatch run duration by result.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{
			"result", // ok, invalid, failed
		},
	)
	metricBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpblast_backlog_records",
			Help: "Records in the backlog after the last run.",
		},
	)
)

// RelayConnectObserve records the duration and outcome of connecting to a
// relay.
func RelayConnectObserve(kind string, err error, start time.Time) {
	metricRelayConnect.WithLabelValues(kind, result(err)).Observe(time.Since(start).Seconds())
}

// RecipientObserve counts one recipient outcome.
func RecipientObserve(kind string, sent bool) {
	status := "failed"
	if sent {
		status = "sent"
	}
	metricRecipients.WithLabelValues(kind, status).Inc()
}

// DeferredAdd counts recipients deferred to the next run.
func DeferredAdd(n int) {
	metricDeferred.Add(float64(n))
}

// RunObserve records a finished run.
func RunObserve(result string, start time.Time) {
	metricRuns.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// BacklogSet records the size of the backlog just written.
func BacklogSet(n int) {
	metricBacklog.Set(float64(n))
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
