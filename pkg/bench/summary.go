// Package bench reports a finished run: a console summary and the JSON
// status data file.
package bench

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/downfa11-org/posttimes/pkg/metrics"
	"github.com/downfa11-org/posttimes/pkg/runner"
	dto "github.com/prometheus/client_model/go"
)

const sep = "========================================"

// AckLatencyMean reads the mean submit-to-ack latency from the metrics
// histogram. It is zero before the first ack.
func AckLatencyMean() time.Duration {
	m := &dto.Metric{}
	if err := metrics.AckLatency.Write(m); err != nil {
		return 0
	}
	h := m.GetHistogram()
	if h.GetSampleCount() == 0 {
		return 0
	}
	return time.Duration(h.GetSampleSum() / float64(h.GetSampleCount()) * float64(time.Second))
}

// PrintSummaryTo writes the run summary. target is the number of messages
// the source was expected to yield, 0 when unknown.
func PrintSummaryTo(w io.Writer, res runner.Result, target int, ackLatency time.Duration) {
	elapsed := res.EndedAt.Sub(res.StartedAt)
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 0.001
	}

	successRate := 0.0
	if res.Submitted > 0 {
		successRate = float64(res.Acked) / float64(res.Submitted) * 100
	}

	fmt.Fprint(w, "\r\n")
	fmt.Fprintln(w, sep)
	fmt.Fprintln(w, "📊 PRODUCER RUN SUMMARY")
	fmt.Fprintf(w, "%-28s : %d\n", "Producer threads", len(res.Workers))
	if target > 0 {
		fmt.Fprintf(w, "%-28s : %d / %d\n", "Targeted / Submitted", target, res.Submitted)
	} else {
		fmt.Fprintf(w, "%-28s : %d\n", "Submitted", res.Submitted)
	}
	fmt.Fprintf(w, "%-28s : %d (%.1f%%)\n", "Acknowledged", res.Acked, successRate)
	fmt.Fprintf(w, "%-28s : %d\n", "Failed messages", res.Failed+res.HookFailures)
	fmt.Fprintf(w, "%-28s : %d\n", "Delivery records stored", res.Recorded)
	if res.Dropped > 0 {
		fmt.Fprintf(w, "%-28s : %d\n", "Late acks dropped", res.Dropped)
	}
	fmt.Fprintf(w, "%-28s : %.3fs\n", "Publish elapsed Time", elapsed.Seconds())
	fmt.Fprintf(w, "%-28s : %.2f msg/s\n", "Publish Message Throughput", float64(res.Acked)/seconds)
	fmt.Fprintf(w, "%-28s : %.2f ms\n", "Ack latency (mean)", float64(ackLatency.Microseconds())/1000.0)
	fmt.Fprint(w, "\r\n")

	fmt.Fprintln(w, "Thread Breakdown:")
	errSummary := map[string]int{}
	for _, o := range res.Workers {
		status := "worked"
		if o.Err != nil {
			status = "failed"
			errSummary[o.Err.Error()]++
		}
		fmt.Fprintf(w, "  #%d  submitted=%d  hook_failures=%d  %s\n", o.ID, o.Stats.Submitted, o.Stats.HookFailures, status)
	}

	if len(errSummary) > 0 {
		msgs := make([]string, 0, len(errSummary))
		for msg := range errSummary {
			msgs = append(msgs, msg)
		}
		sort.Strings(msgs)
		fmt.Fprintln(w, "\n❌ Error Root Cause Analysis:")
		for _, msg := range msgs {
			fmt.Fprintf(w, "  - [%d occurrences]: %s\n", errSummary[msg], msg)
		}
	}
	fmt.Fprintln(w, sep)
}
