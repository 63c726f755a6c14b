package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/downfa11-org/posttimes/pkg/ledger"
	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
)

// recorder moves delivery records from broker callbacks into the ledger on
// a single goroutine. The first ledger error calls abort; after that the
// channel is still drained so callbacks never block, but nothing is written.
type recorder struct {
	ledger  ledger.Ledger
	results chan types.DeliveryRecord
	abort   func()

	mu     sync.RWMutex // guards closed against concurrent sends
	closed bool

	done     chan struct{}
	err      error
	recorded atomic.Int64
	dropped  atomic.Int64
}

func newRecorder(l ledger.Ledger, size int, abort func()) *recorder {
	if size <= 0 {
		size = 1024
	}
	if abort == nil {
		abort = func() {}
	}
	return &recorder{
		ledger:  l,
		abort:   abort,
		results: make(chan types.DeliveryRecord, size),
		done:    make(chan struct{}),
	}
}

func (r *recorder) start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for rec := range r.results {
			if r.err != nil {
				continue
			}
			if err := r.ledger.Add(ctx, rec); err != nil {
				r.err = err
				util.ErrorErr(err, "Failed to store delivery of %s, aborting run", rec.MessageID)
				r.abort()
				continue
			}
			r.recorded.Add(1)
		}
	}()
}

// record is safe to call from any goroutine. Records arriving after close
// are dropped.
func (r *recorder) record(rec types.DeliveryRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		util.Warn("Delivery of %s confirmed after recording closed, dropped", rec.MessageID)
		return
	}
	r.results <- rec
}

// close stops accepting records and waits until every queued one is handled.
// It returns the first ledger error.
func (r *recorder) close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.results)
	}
	r.mu.Unlock()
	<-r.done
	return r.err
}
