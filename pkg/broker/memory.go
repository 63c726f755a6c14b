package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/posttimes/pkg/types"
)

var ErrInjected = errors.New("injected publish failure")

func init() {
	mustRegister("memory", func(_ context.Context, opts Options) (Client, error) {
		return NewMemory(opts), nil
	})
}

// Published is one message accepted by a Memory client.
type Published struct {
	Topic string
	Msg   types.WireMessage
}

// Memory acknowledges in-process. With a zero AckDelay promises run before
// Publish returns; otherwise each ack arrives on its own goroutine after a
// random delay up to AckDelay. Every FailEvery-th publish fails.
type Memory struct {
	ackDelay  time.Duration
	failEvery int

	seq      atomic.Uint64
	pending  *tracker
	closed   atomic.Bool
	mu       sync.Mutex
	accepted []Published
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		ackDelay:  opts.AckDelay,
		failEvery: opts.FailEvery,
		pending:   newTracker(),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise) {
	if m.closed.Load() {
		promise(ErrClosed)
		return
	}
	n := m.seq.Add(1)
	fail := m.failEvery > 0 && n%uint64(m.failEvery) == 0

	if m.ackDelay <= 0 {
		m.resolve(topic, msg, n, fail, promise)
		return
	}

	m.pending.add()
	delay := rand.N(m.ackDelay + 1)
	go func() {
		defer m.pending.done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			m.resolve(topic, msg, n, fail, promise)
		case <-ctx.Done():
			promise(ctx.Err())
		}
	}()
}

func (m *Memory) resolve(topic string, msg types.WireMessage, n uint64, fail bool, promise Promise) {
	if fail {
		promise(fmt.Errorf("publish #%d: %w", n, ErrInjected))
		return
	}
	m.mu.Lock()
	m.accepted = append(m.accepted, Published{Topic: topic, Msg: msg})
	m.mu.Unlock()
	promise(nil)
}

func (m *Memory) Flush(ctx context.Context) error {
	return m.pending.wait(ctx)
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// Messages returns a copy of every accepted message in acknowledgement order.
func (m *Memory) Messages() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.accepted))
	copy(out, m.accepted)
	return out
}
