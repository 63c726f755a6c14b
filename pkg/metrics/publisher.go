package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posttimes_messages_submitted_total",
		Help: "Total number of messages handed to the broker client",
	})

	MessagesAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posttimes_messages_acked_total",
		Help: "Total number of publishes confirmed by the broker",
	})

	MessagesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posttimes_messages_failed_total",
		Help: "Total number of messages dropped, by failure stage",
	}, []string{"stage"})

	AckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "posttimes_ack_latency_seconds",
		Help:    "Time from submission to broker acknowledgement",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	RateMismatch = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posttimes_rate_mismatch_total",
		Help: "Rate windows that closed with a count different from the target rate",
	})

	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "posttimes_workers_active",
		Help: "Publish workers currently draining the source",
	})
)

const (
	StagePublish = "publish"
	StageHook    = "hook"
)
