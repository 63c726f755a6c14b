// Package producer drains a message source into a broker client.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/downfa11-org/posttimes/pkg/broker"
	"github.com/downfa11-org/posttimes/pkg/hooks"
	"github.com/downfa11-org/posttimes/pkg/metrics"
	"github.com/downfa11-org/posttimes/pkg/source"
	"github.com/downfa11-org/posttimes/pkg/throttle"
	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
)

// Stats counts what one worker did. Acks and publish errors arrive later on
// broker goroutines and are reported through OnDelivered and OnFailed.
type Stats struct {
	Submitted    int
	HookFailures int
}

// Worker fetches messages, derives their wire form and submits them without
// waiting for the broker. Several workers may share one Source and Client.
type Worker struct {
	ID       int
	Source   source.Source
	Family   hooks.Family
	Hooks    hooks.Context
	Client   broker.Client
	Throttle throttle.Throttle
	Topic    string

	ShowMessages bool
	Out          io.Writer
	// OutMu serializes writes to Out across workers.
	OutMu *sync.Mutex

	OnDelivered func(types.DeliveryRecord)
	OnFailed    func(id string, err error)

	// Now stamps delivery records; defaults to time.Now.
	Now func() time.Time
}

// Run returns nil once the source is exhausted. A source or throttle error
// ends the worker early; failures of individual messages do not.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var st Stats
	thr := w.Throttle
	if thr == nil {
		thr = throttle.Unlimited
	}

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	util.Info("Thread %d: started message generation", w.ID)
	// Submissions must outlive a cancelled run context so flush can still
	// collect their acks.
	pubCtx := context.WithoutCancel(ctx)

	for {
		msg, err := w.Source.Next(ctx)
		if errors.Is(err, source.ErrExhausted) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("thread %d: fetch message: %w", w.ID, err)
		}

		id, wire, err := hooks.Derive(w.Family, w.Hooks, msg)
		if err != nil {
			st.HookFailures++
			metrics.ObserveFailure(metrics.StageHook)
			util.Error("Failed to prepare message %s: %v", id, err)
			continue
		}

		if w.ShowMessages {
			w.show(wire)
		}

		w.Client.Publish(pubCtx, w.Topic, wire, w.promise(id, time.Now()))
		st.Submitted++
		metrics.MessagesSubmitted.Inc()

		if err := thr.Wait(ctx); err != nil {
			return st, fmt.Errorf("thread %d: throttle: %w", w.ID, err)
		}
	}

	util.Info("Thread %d: finished message generation, producing and storing", w.ID)
	return st, nil
}

func (w *Worker) promise(id string, sentAt time.Time) broker.Promise {
	return func(err error) {
		if err != nil {
			metrics.ObserveFailure(metrics.StagePublish)
			util.Error("Failed to produce message %s: %v", id, err)
			if w.OnFailed != nil {
				w.OnFailed(id, err)
			}
			return
		}
		metrics.ObserveAck(sentAt)
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		if w.OnDelivered != nil {
			w.OnDelivered(types.NewDeliveryRecord(id, now()))
		}
	}
}

// show prints the message with sorted keys, bytes rendered as strings.
func (w *Worker) show(wire types.WireMessage) {
	if w.Out == nil {
		return
	}
	headers := make([][2]string, len(wire.Headers))
	for i, h := range wire.Headers {
		headers[i] = [2]string{h.Name, string(h.Value)}
	}
	view := map[string]any{
		"value":   string(wire.Value),
		"headers": headers,
	}
	if wire.Key != nil {
		view["key"] = string(wire.Key)
	}
	b, err := json.Marshal(view)
	if err != nil {
		util.Warn("cannot render message: %v", err)
		return
	}

	if w.OutMu != nil {
		w.OutMu.Lock()
		defer w.OutMu.Unlock()
	}
	fmt.Fprintf(w.Out, "Producing %s\n", b)
}
