package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	LedgerFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posttimes_ledger_flushes_total",
		Help: "Bulk inserts performed by the delivery ledger",
	})

	LedgerRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posttimes_ledger_records_total",
		Help: "Delivery records written to storage",
	})

	LedgerFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "posttimes_ledger_flush_duration_seconds",
		Help:    "Duration of a single bulk insert",
		Buckets: prometheus.DefBuckets,
	})
)
