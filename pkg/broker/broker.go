// Package broker adapts message brokers to one asynchronous publish contract.
//
// Publish never waits for the broker: the outcome is delivered later through
// the Promise, on a goroutine owned by the driver. Flush returns only after
// every promise for a previously accepted Publish has run.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/downfa11-org/posttimes/pkg/types"
)

var (
	ErrUnknownDriver = errors.New("unknown broker driver")
	ErrClosed        = errors.New("broker client closed")
)

// Promise receives the outcome of one publish. A nil error means the broker
// acknowledged the message. It is called exactly once.
type Promise func(err error)

type Client interface {
	Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise)
	Flush(ctx context.Context) error
	Close() error
}

type Options struct {
	Addrs    []string
	Topic    string
	Username string
	Password string
	TLS      *tls.Config

	Acks           string // "0", "1" or "all"
	Retries        int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	Linger         time.Duration
	BatchBytes     int
	BatchSize      int
	BufferSize     int
	Compression    string
	MaxBlock       time.Duration
	RequestTimeout time.Duration
	MaxInflight    int
	Partitions     int

	// driver specific, e.g. "exchange" for amqp or "qos" for mqtt
	Extra map[string]string

	// memory driver
	AckDelay  time.Duration
	FailEvery int
}

func (o Options) extra(key, fallback string) string {
	if v, ok := o.Extra[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return o.RequestTimeout
}

type Factory func(ctx context.Context, opts Options) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver available to New.
func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("driver name must not be empty")
	}
	if factory == nil {
		return errors.New("driver factory must not be nil")
	}
	registryMu.Lock()
	registry[name] = factory
	registryMu.Unlock()
	return nil
}

// New connects a client using the named driver.
func New(ctx context.Context, name string, opts Options) (Client, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownDriver, name, Drivers())
	}
	c, err := f(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%s driver: %w", name, err)
	}
	return c, nil
}

func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func mustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// tracker counts outstanding promises so Flush can wait for them.
type tracker struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newTracker() *tracker {
	t := &tracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// wait blocks until nothing is outstanding or ctx ends.
func (t *tracker) wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.n > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("flush with %d outstanding: %w", t.n, err)
		}
		t.cond.Wait()
	}
	return nil
}
