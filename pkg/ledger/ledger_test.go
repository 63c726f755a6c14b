package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/downfa11-org/posttimes/pkg/ledger"
	"github.com/downfa11-org/posttimes/pkg/metrics"
	"github.com/downfa11-org/posttimes/pkg/types"
	dto "github.com/prometheus/client_model/go"
)

type fakeStore struct {
	mu        sync.Mutex
	batches   [][]types.DeliveryRecord
	commits   int
	failNext  error
	commitErr error
}

func (s *fakeStore) InsertBatch(_ context.Context, recs []types.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.batches = append(s.batches, append([]types.DeliveryRecord(nil), recs...))
	return nil
}

func (s *fakeStore) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return s.commitErr
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, b := range s.batches {
		for _, r := range b {
			out = append(out, r.MessageID)
		}
	}
	return out
}

func rec(id string) types.DeliveryRecord {
	return types.NewDeliveryRecord(id, time.Now())
}

func TestBatchLedgerFlushesAtBatchSize(t *testing.T) {
	store := &fakeStore{}
	l := ledger.NewBatchLedger(store, 3)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if err := l.Add(ctx, rec(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if len(store.batches) != 2 {
		t.Fatalf("expected 2 bulk inserts before commit, got %d", len(store.batches))
	}
	if p := l.Pending(); len(p) != 1 || p[0].MessageID != "m6" {
		t.Fatalf("unexpected pending: %+v", p)
	}

	if err := l.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if store.commits != 1 {
		t.Fatalf("store committed %d times", store.commits)
	}
	if got := store.ids(); len(got) != 7 || got[0] != "m0" || got[6] != "m6" {
		t.Fatalf("unexpected stored ids: %v", got)
	}
	if st := l.Stats(); st.Flushes != 3 || st.Records != 7 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if len(l.Pending()) != 0 {
		t.Fatal("pending should be empty after commit")
	}
}

func TestBatchLedgerDefaultBatchSize(t *testing.T) {
	store := &fakeStore{}
	l := ledger.NewBatchLedger(store, 0)
	for i := 0; i < ledger.DefaultBatchSize-1; i++ {
		_ = l.Add(context.Background(), rec(fmt.Sprint(i)))
	}
	if len(store.batches) != 0 {
		t.Fatal("flushed before reaching the default batch size")
	}
	_ = l.Add(context.Background(), rec("last"))
	if len(store.batches) != 1 || len(store.batches[0]) != ledger.DefaultBatchSize {
		t.Fatalf("expected one batch of %d", ledger.DefaultBatchSize)
	}
}

func TestBatchLedgerInsertFailureKeepsBuffer(t *testing.T) {
	boom := errors.New("disk full")
	store := &fakeStore{failNext: boom}
	l := ledger.NewBatchLedger(store, 2)

	_ = l.Add(context.Background(), rec("a"))
	err := l.Add(context.Background(), rec("b"))
	if !errors.Is(err, ledger.ErrWriteFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrWriteFailed wrapping store error, got %v", err)
	}
	if len(l.Pending()) != 2 {
		t.Fatalf("failed batch must stay pending, got %d", len(l.Pending()))
	}

	if err := l.Commit(context.Background()); err != nil {
		t.Fatalf("Commit after recovery: %v", err)
	}
	if got := store.ids(); len(got) != 2 {
		t.Fatalf("expected retried batch to land, got %v", got)
	}
}

func TestBatchLedgerCommitError(t *testing.T) {
	store := &fakeStore{commitErr: errors.New("serialization failure")}
	l := ledger.NewBatchLedger(store, 10)
	_ = l.Add(context.Background(), rec("a"))
	if err := l.Commit(context.Background()); !errors.Is(err, ledger.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
}

func TestBatchLedgerConcurrentAdds(t *testing.T) {
	store := &fakeStore{}
	l := ledger.NewBatchLedger(store, 7)

	const writers, per = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if err := l.Add(context.Background(), rec(fmt.Sprintf("%d-%d", w, i))); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()
	if err := l.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := map[string]int{}
	for _, id := range store.ids() {
		seen[id]++
	}
	if len(seen) != writers*per {
		t.Fatalf("stored %d unique ids, want %d", len(seen), writers*per)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("id %s stored %d times", id, n)
		}
	}
	for i, b := range store.batches[:len(store.batches)-1] {
		if len(b) != 7 {
			t.Fatalf("batch %d has %d records, want 7", i, len(b))
		}
	}
}

func TestBatchLedgerMetrics(t *testing.T) {
	read := func() float64 {
		m := &dto.Metric{}
		_ = metrics.LedgerRecords.Write(m)
		return m.GetCounter().GetValue()
	}
	before := read()

	l := ledger.NewBatchLedger(&fakeStore{}, 2)
	for _, id := range []string{"a", "b", "c"} {
		_ = l.Add(context.Background(), rec(id))
	}
	_ = l.Commit(context.Background())

	if got := read(); got != before+3 {
		t.Fatalf("LedgerRecords expected %v, got %v", before+3, got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	for _, driver := range []string{"", "mongo"} {
		if _, err := ledger.Open(context.Background(), ledger.StoreConfig{Driver: driver}); err == nil {
			t.Errorf("driver %q: expected error", driver)
		}
	}
}
