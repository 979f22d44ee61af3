// Package metrics exposes Prometheus instrumentation for the reverification
// pipeline. Collectors are package-level and registered on the default
// registry; the API server serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reverify_sends_total",
			Help: "Total reverification sends attempted, by result",
		},
		[]string{"result"},
	)

	bounceRateGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reverify_bounce_rate",
			Help: "Bounce rate percentage over the trailing 24 hours, as last observed by the send gate",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reverify_notifications_total",
			Help: "Queue notifications processed, by stream and result",
		},
		[]string{"stream", "result"},
	)

	accountsDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reverify_accounts_destroyed_total",
			Help: "Accounts destroyed by this subsystem, by reason",
		},
		[]string{"reason"},
	)

	trackersCleanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reverify_trackers_cleaned_total",
			Help: "Stale trackers removed by the janitor",
		},
	)

	queueReceiveErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reverify_queue_receive_errors_total",
			Help: "Errors receiving from a notification queue",
		},
		[]string{"queue"},
	)
)

// RecordSend counts a send attempt. result is "sent", "blocked" or "failed".
func RecordSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

// SetBounceRate records the bounce rate observed by the send gate
func SetBounceRate(rate float64) {
	bounceRateGauge.Set(rate)
}

// RecordNotification counts a consumed queue notification. stream is
// "delivery", "bounce" or "complaint"; result is "processed", "failed" or
// "decode_error".
func RecordNotification(stream, result string) {
	notificationsTotal.WithLabelValues(stream, result).Inc()
}

// RecordAccountDestroyed counts an account destruction. reason is
// "permanent_bounce" or "expired".
func RecordAccountDestroyed(reason string) {
	accountsDestroyedTotal.WithLabelValues(reason).Inc()
}

// RecordTrackersCleaned counts trackers removed by the janitor
func RecordTrackersCleaned(n int) {
	trackersCleanedTotal.Add(float64(n))
}

// RecordQueueReceiveError counts a failed receive on a notification queue
func RecordQueueReceiveError(queue string) {
	queueReceiveErrorsTotal.WithLabelValues(queue).Inc()
}
