// Package ledger records confirmed deliveries and writes them to storage in
// batches.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/downfa11-org/posttimes/pkg/metrics"
	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
)

const DefaultBatchSize = 100

var ErrWriteFailed = errors.New("ledger write failed")

// Ledger accepts delivery records and makes them durable on Commit.
type Ledger interface {
	Add(ctx context.Context, rec types.DeliveryRecord) error
	Commit(ctx context.Context) error
}

// Store is the storage backend behind a BatchLedger. InsertBatch must not
// keep a reference to recs after it returns.
type Store interface {
	InsertBatch(ctx context.Context, recs []types.DeliveryRecord) error
	Commit(ctx context.Context) error
	Close() error
}

type Stats struct {
	Flushes int
	Records int
}

// BatchLedger buffers records and performs one bulk insert each time the
// buffer reaches the batch size. A single mutex covers both the append and
// the flush decision, so at most one insert runs at a time.
type BatchLedger struct {
	mu        sync.Mutex
	store     Store
	batchSize int
	buf       []types.DeliveryRecord
	stats     Stats
}

func NewBatchLedger(store Store, batchSize int) *BatchLedger {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchLedger{
		store:     store,
		batchSize: batchSize,
		buf:       make([]types.DeliveryRecord, 0, batchSize),
	}
}

func (l *BatchLedger) Add(ctx context.Context, rec types.DeliveryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, rec)
	if len(l.buf) < l.batchSize {
		return nil
	}
	return l.flushLocked(ctx)
}

// Commit writes whatever is buffered and finalizes the store transaction.
func (l *BatchLedger) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(ctx); err != nil {
		return err
	}
	if err := l.store.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrWriteFailed, err)
	}
	util.Info("Committed %d delivery records in %d batches", l.stats.Records, l.stats.Flushes)
	return nil
}

// flushLocked keeps the buffer on failure. Caller holds l.mu.
func (l *BatchLedger) flushLocked(ctx context.Context) error {
	n := len(l.buf)
	if n == 0 {
		return nil
	}
	start := time.Now()
	if err := l.store.InsertBatch(ctx, l.buf); err != nil {
		return fmt.Errorf("%w: insert %d records: %w", ErrWriteFailed, n, err)
	}
	elapsed := time.Since(start)
	metrics.ObserveFlush(n, elapsed)
	util.Debug("Inserted batch of %d delivery records in %s", n, elapsed)

	l.stats.Flushes++
	l.stats.Records += n
	l.buf = l.buf[:0]
	return nil
}

// Pending returns a copy of the records not yet written.
func (l *BatchLedger) Pending() []types.DeliveryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.DeliveryRecord, len(l.buf))
	copy(out, l.buf)
	return out
}

func (l *BatchLedger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
