package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/downfa11-org/posttimes/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(MessagesSubmitted, MessagesAcked, MessagesFailed, AckLatency, RateMismatch, WorkersActive)
	prometheus.MustRegister(LedgerFlushes, LedgerRecords, LedgerFlushDuration)
}

// StartMetricsServer serves /metrics on port until ctx is cancelled.
func StartMetricsServer(ctx context.Context, port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		util.Info("Prometheus exporter listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("Failed to start metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}

// ObserveAck records one confirmed publish submitted at sentAt.
func ObserveAck(sentAt time.Time) {
	MessagesAcked.Inc()
	AckLatency.Observe(time.Since(sentAt).Seconds())
}

func ObserveFailure(stage string) {
	MessagesFailed.WithLabelValues(stage).Inc()
}

// ObserveFlush records one bulk insert of n records.
func ObserveFlush(n int, elapsed time.Duration) {
	LedgerFlushes.Inc()
	LedgerRecords.Add(float64(n))
	LedgerFlushDuration.Observe(elapsed.Seconds())
}
