// Package throttle approximates a target publish rate.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/downfa11-org/posttimes/pkg/metrics"
	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
)

// Throttle is applied by a worker after each submission.
type Throttle interface {
	Wait(ctx context.Context) error
}

type Option func(*Governor)

func WithClock(c Clock) Option {
	return func(g *Governor) { g.clock = c }
}

// WithName labels mismatch warnings, e.g. with the owning worker.
func WithName(name string) Option {
	return func(g *Governor) { g.name = name }
}

// Governor counts submissions per integer wall-clock second. Once the count
// reaches the rate it blocks until the next second starts. A window that
// closes short of the rate is reported and never made up.
type Governor struct {
	rate  int
	clock Clock
	name  string

	mu      sync.Mutex
	window  types.RateWindow
	started bool
	partial bool // first window of the run, never reported
}

// NewGovernor returns a Governor for rate messages per second. A rate of 0
// disables throttling.
func NewGovernor(rate int, opts ...Option) *Governor {
	g := &Governor{rate: rate, clock: wallClock{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Governor) Wait(ctx context.Context) error {
	if g.rate <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sec := g.clock.Now().Unix()
	if !g.started {
		g.started = true
		g.partial = true
		g.window = types.RateWindow{Second: sec}
	}
	if sec != g.window.Second {
		g.roll(sec)
	}

	g.window.Count++
	if g.window.Count < g.rate {
		return nil
	}

	util.Debug("%sIn second %d sent %d messages", g.prefix(), g.window.Second, g.window.Count)
	boundary := time.Unix(g.window.Second+1, 0)
	if d := boundary.Sub(g.clock.Now()); d > 0 {
		if err := g.clock.Sleep(ctx, d); err != nil {
			return err
		}
	}
	now := g.clock.Now().Unix()
	if now <= g.window.Second {
		now = g.window.Second + 1
	}
	g.window = types.RateWindow{Second: now}
	g.partial = false
	return nil
}

// roll closes the current window and opens one for sec.
func (g *Governor) roll(sec int64) {
	if !g.partial && g.window.Count != g.rate {
		util.Warn("%sIn second %d sent %d messages (but wanted to send %d)",
			g.prefix(), g.window.Second, g.window.Count, g.rate)
		metrics.RateMismatch.Inc()
	}
	g.window = types.RateWindow{Second: sec}
	g.partial = false
}

// Window returns a snapshot of the current rate window.
func (g *Governor) Window() types.RateWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.window
}

func (g *Governor) prefix() string {
	if g.name == "" {
		return ""
	}
	return g.name + ": "
}

type unlimited struct{}

func (unlimited) Wait(context.Context) error { return nil }

// Unlimited never blocks.
var Unlimited Throttle = unlimited{}
