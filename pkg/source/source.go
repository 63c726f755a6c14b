// Package source supplies messages to publish workers. Every Source is safe
// for concurrent Next calls: each message is handed to exactly one caller.
package source

import (
	"context"
	"errors"
	"sync"

	"github.com/downfa11-org/posttimes/pkg/types"
)

// ErrExhausted is returned by Next once the sequence has ended. It is the
// normal termination signal, not a failure.
var ErrExhausted = errors.New("source exhausted")

type Source interface {
	Next(ctx context.Context) (types.Message, error)
}

// Iterator yields the next message, or false when the sequence has ended.
type Iterator func() (types.Message, bool)

type cursor struct {
	mu   sync.Mutex
	next Iterator
	// readErr, when set, reports why next ended
	readErr func() error
	done    bool
	err     error
}

// FromIterator guards next with a mutex so fetch-and-advance is atomic.
// next is never called again after it reports the end.
func FromIterator(next Iterator) Source {
	return &cursor{next: next}
}

// FromFallibleIterator is FromIterator for iterators that can stop on a read
// error. Once next reports the end, readErr decides between ErrExhausted and
// a failure that every later Next returns.
func FromFallibleIterator(next Iterator, readErr func() error) Source {
	return &cursor{next: next, readErr: readErr}
}

func (c *cursor) Next(ctx context.Context) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return types.Message{}, c.endErr()
	}
	msg, ok := c.next()
	if !ok {
		c.done = true
		if c.readErr != nil {
			c.err = c.readErr()
		}
		return types.Message{}, c.endErr()
	}
	return msg, nil
}

func FromSlice(msgs []types.Message) Source {
	return FromIterator(FromSliceIterator(msgs))
}

func (c *cursor) endErr() error {
	if c.err != nil {
		return c.err
	}
	return ErrExhausted
}

// Emit hands one message to the queue, blocking while it is full.
type Emit func(types.Message) error

type queue struct {
	ch   chan types.Message
	done chan struct{}
	err  error
}

// NewQueue runs produce on its own goroutine and exposes the messages it emits
// through a bounded channel. A produce error is returned by Next after the
// already-queued messages are drained.
func NewQueue(ctx context.Context, produce func(ctx context.Context, emit Emit) error, size int) Source {
	if size <= 0 {
		size = 1
	}
	q := &queue{ch: make(chan types.Message, size), done: make(chan struct{})}

	go func() {
		defer close(q.ch)
		emit := func(m types.Message) error {
			select {
			case q.ch <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := produce(ctx, emit); err != nil && !errors.Is(err, context.Canceled) {
			q.err = err
		}
		close(q.done)
	}()
	return q
}

func (q *queue) Next(ctx context.Context) (types.Message, error) {
	select {
	case m, ok := <-q.ch:
		if ok {
			return m, nil
		}
		<-q.done
		if q.err != nil {
			return types.Message{}, q.err
		}
		return types.Message{}, ErrExhausted
	case <-ctx.Done():
		return types.Message{}, ctx.Err()
	}
}

// Produce feeds every message of it into emit, for use with NewQueue.
func (it Iterator) Produce(ctx context.Context, emit Emit) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, ok := it()
		if !ok {
			return nil
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
}

// FromSliceIterator walks msgs once. It is not safe for concurrent use on its
// own; wrap it with FromIterator or NewQueue.
func FromSliceIterator(msgs []types.Message) Iterator {
	i := 0
	return func() (types.Message, bool) {
		if i >= len(msgs) {
			return types.Message{}, false
		}
		m := msgs[i]
		i++
		return m, true
	}
}
