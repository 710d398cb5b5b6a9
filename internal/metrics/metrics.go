// Package metrics exports Prometheus gauges and histograms for the
// queue and worker. Gauge publication never fails an operation --
// every Record*/Set* call here is a pure side effect.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_waiting",
			Help: "Jobs waiting to be dispatched, by topic",
		},
		[]string{"topic"},
	)
	queueActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_active",
			Help: "Jobs currently executing, by topic",
		},
		[]string{"topic"},
	)
	queueDelayed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_delayed",
			Help: "Jobs scheduled for future delivery, by topic",
		},
		[]string{"topic"},
	)
	queueDLQSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_dlq_size",
			Help: "Jobs currently quarantined in the dead-letter topic",
		},
		[]string{"topic"},
	)
	queueOldestAgeMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nofx_queue_oldest_age_ms",
			Help: "Age in milliseconds of the oldest ready job, by topic",
		},
		[]string{"topic"},
	)
	queueRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nofx_queue_retries_total",
			Help: "Total job retries, by topic",
		},
		[]string{"topic"},
	)
	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nofx_handler_duration_seconds",
			Help:    "Handler execution duration by tool",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
)

// SetQueueGauges publishes the current per-topic queue counts.
func SetQueueGauges(topic string, waiting, active, delayed, dlqSize int, oldestAgeMs float64) {
	queueWaiting.WithLabelValues(topic).Set(float64(waiting))
	queueActive.WithLabelValues(topic).Set(float64(active))
	queueDelayed.WithLabelValues(topic).Set(float64(delayed))
	queueDLQSize.WithLabelValues(topic).Set(float64(dlqSize))
	queueOldestAgeMs.WithLabelValues(topic).Set(oldestAgeMs)
}

// RecordRetry increments the retry counter for a topic.
func RecordRetry(topic string) {
	queueRetriesTotal.WithLabelValues(topic).Inc()
}

// ObserveHandlerDuration records how long a handler took to run for a tool.
func ObserveHandlerDuration(tool string, seconds float64) {
	handlerDuration.WithLabelValues(tool).Observe(seconds)
}
