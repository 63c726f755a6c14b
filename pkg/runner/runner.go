// Package runner orchestrates one publish run: it fans the source out to
// workers, waits for them, flushes the broker and only then commits the
// ledger.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/posttimes/pkg/broker"
	"github.com/downfa11-org/posttimes/pkg/config"
	"github.com/downfa11-org/posttimes/pkg/hooks"
	"github.com/downfa11-org/posttimes/pkg/ledger"
	"github.com/downfa11-org/posttimes/pkg/producer"
	"github.com/downfa11-org/posttimes/pkg/source"
	"github.com/downfa11-org/posttimes/pkg/throttle"
	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
)

const defaultFlushTimeout = 60 * time.Second

var ErrWorkerPanic = errors.New("worker panicked")

// ThrottleFactory returns the throttle for worker id.
type ThrottleFactory func(id int) throttle.Throttle

type Runner struct {
	Config    config.PublisherConfig
	Source    source.Source
	Family    hooks.Family
	Client    broker.Client
	Ledger    ledger.Ledger
	Throttles ThrottleFactory
	// Out receives shown messages.
	Out io.Writer
}

type WorkerOutcome struct {
	ID    int
	Stats producer.Stats
	Err   error
}

type Result struct {
	StartedAt time.Time
	EndedAt   time.Time
	Workers   []WorkerOutcome

	Submitted    int64
	HookFailures int64
	Acked        int64
	Failed       int64
	Recorded     int64
	Dropped      int64
}

// Run publishes the whole source. Worker errors and panics are reported in
// Result.Workers; a flush or ledger failure is returned as the run error.
// The ledger is committed only after Flush has returned.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if err := hooks.Validate(r.Family); err != nil {
		return Result{}, err
	}
	if r.Source == nil || r.Client == nil || r.Ledger == nil {
		return Result{}, errors.New("runner needs a source, a broker client and a ledger")
	}

	workers := r.Config.ProducerThreads
	if workers <= 0 {
		workers = 1
	}
	throttles := r.Throttles
	if throttles == nil {
		throttles = func(int) throttle.Throttle { return throttle.Unlimited }
	}

	// Acknowledged records are still flushed and committed after a signal.
	bg := context.WithoutCancel(ctx)
	// A ledger write failure stops the workers at their next fetch.
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	rec := newRecorder(r.Ledger, 0, abort)
	rec.start(bg)

	var acked, failed atomic.Int64
	hc := hooks.Context{Topic: r.Config.Topic, Args: r.Config.FamilyArgs}
	outMu := &sync.Mutex{}

	res := Result{StartedAt: time.Now().UTC()}
	util.Info("Starting %d producer threads on topic %s", workers, r.Config.Topic)

	outcomes := make([]WorkerOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		w := &producer.Worker{
			ID:           i,
			Source:       r.Source,
			Family:       r.Family,
			Hooks:        hc,
			Client:       r.Client,
			Throttle:     throttles(i),
			Topic:        r.Config.Topic,
			ShowMessages: r.Config.ShowMessages,
			Out:          r.Out,
			OutMu:        outMu,
			OnDelivered: func(d types.DeliveryRecord) {
				acked.Add(1)
				rec.record(d)
			},
			OnFailed: func(string, error) { failed.Add(1) },
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = runWorker(runCtx, w)
		}(i)
	}
	wg.Wait()
	res.Workers = outcomes
	for _, o := range outcomes {
		res.Submitted += int64(o.Stats.Submitted)
		res.HookFailures += int64(o.Stats.HookFailures)
	}

	flushTimeout := defaultFlushTimeout
	if r.Config.FlushTimeoutMS > 0 {
		flushTimeout = time.Duration(r.Config.FlushTimeoutMS) * time.Millisecond
	}
	util.Info("Flushing %d submitted messages", res.Submitted)
	fctx, cancel := context.WithTimeout(bg, flushTimeout)
	flushErr := r.Client.Flush(fctx)
	cancel()

	res.EndedAt = time.Now().UTC()
	recErr := rec.close()

	res.Acked = acked.Load()
	res.Failed = failed.Load()
	res.Recorded = rec.recorded.Load()
	res.Dropped = rec.dropped.Load()

	if flushErr != nil {
		flushErr = fmt.Errorf("flush broker: %w", flushErr)
	}
	if recErr != nil {
		return res, errors.Join(flushErr, recErr)
	}
	// Whatever was acknowledged before a failed flush is still committed.
	if err := r.Ledger.Commit(bg); err != nil {
		return res, errors.Join(flushErr, err)
	}
	if flushErr != nil {
		return res, flushErr
	}
	util.Info("Run finished: submitted=%d acked=%d failed=%d recorded=%d",
		res.Submitted, res.Acked, res.Failed, res.Recorded)
	return res, nil
}

func runWorker(ctx context.Context, w *producer.Worker) (out WorkerOutcome) {
	out.ID = w.ID
	defer func() {
		if p := recover(); p != nil {
			out.Err = fmt.Errorf("%w: thread %d: %v", ErrWorkerPanic, w.ID, p)
			util.Error("Thread %d caused exception: %v\n%s", w.ID, p, debug.Stack())
		}
	}()

	out.Stats, out.Err = w.Run(ctx)
	if out.Err != nil {
		util.Error("Thread %d caused exception: %v", w.ID, out.Err)
	} else {
		util.Info("Thread %d worked", w.ID)
	}
	return out
}
