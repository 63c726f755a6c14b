package throttle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/downfa11-org/posttimes/pkg/metrics"
	"github.com/downfa11-org/posttimes/pkg/throttle"
	"github.com/downfa11-org/posttimes/pkg/types"
	dto "github.com/prometheus/client_model/go"
)

// fakeClock advances only when Sleep is called or the test moves it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(sec int64, frac time.Duration) *fakeClock {
	return &fakeClock{now: time.Unix(sec, 0).Add(frac)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mismatches() float64 {
	m := &dto.Metric{}
	_ = metrics.RateMismatch.Write(m)
	return m.GetCounter().GetValue()
}

func TestGovernorBoundsEachSecond(t *testing.T) {
	const rate = 3
	clock := newFakeClock(10, 500*time.Millisecond)
	g := throttle.NewGovernor(rate, throttle.WithClock(clock))

	perSecond := map[int64]int{}
	for i := 0; i < 20; i++ {
		perSecond[clock.Now().Unix()]++
		clock.Advance(time.Millisecond)
		if err := g.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	for sec, n := range perSecond {
		if n > rate {
			t.Errorf("second %d saw %d submissions, limit %d", sec, n, rate)
		}
	}
	if len(clock.sleeps) == 0 {
		t.Fatal("governor never blocked")
	}
	for _, d := range clock.sleeps {
		if d <= 0 || d > time.Second {
			t.Errorf("sleep %v should end at the next second boundary", d)
		}
	}
}

func TestGovernorSleepsToBoundary(t *testing.T) {
	clock := newFakeClock(10, 250*time.Millisecond)
	g := throttle.NewGovernor(2, throttle.WithClock(clock))

	_ = g.Wait(context.Background())
	_ = g.Wait(context.Background())

	if len(clock.sleeps) != 1 || clock.sleeps[0] != 750*time.Millisecond {
		t.Fatalf("expected one 750ms sleep, got %v", clock.sleeps)
	}
	if w := g.Window(); w != (types.RateWindow{Second: 11, Count: 0}) {
		t.Errorf("window after block = %+v, want {11 0}", w)
	}
}

func TestGovernorUnlimited(t *testing.T) {
	clock := newFakeClock(10, 0)
	g := throttle.NewGovernor(0, throttle.WithClock(clock))
	for i := 0; i < 1000; i++ {
		if err := g.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("rate 0 must never sleep, slept %d times", len(clock.sleeps))
	}
	if w := g.Window(); w != (types.RateWindow{}) {
		t.Errorf("rate 0 should not track a window: %+v", w)
	}
}

func TestGovernorUnlimitedWallClock(t *testing.T) {
	g := throttle.NewGovernor(0)
	start := time.Now()
	for i := 0; i < 100000; i++ {
		_ = g.Wait(context.Background())
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("unthrottled waits took %v", elapsed)
	}
}

func TestGovernorReportsShortWindows(t *testing.T) {
	clock := newFakeClock(100, 0)
	g := throttle.NewGovernor(5, throttle.WithClock(clock), throttle.WithName("worker-0"))
	before := mismatches()

	// first window is partial and never reported
	_ = g.Wait(context.Background())
	_ = g.Wait(context.Background())
	clock.Advance(time.Second)
	_ = g.Wait(context.Background())
	if got := mismatches() - before; got != 0 {
		t.Fatalf("partial first window reported %v mismatches", got)
	}

	// second 101 closes with 1 of 5
	clock.Advance(time.Second)
	_ = g.Wait(context.Background())
	if got := mismatches() - before; got != 1 {
		t.Fatalf("expected one mismatch, got %v", got)
	}
	if w := g.Window(); w != (types.RateWindow{Second: 102, Count: 1}) {
		t.Errorf("window = %+v, want {102 1}", w)
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("short windows must not be compensated, slept %v", clock.sleeps)
	}
}

func TestGovernorCountsCrossingMessageInNewWindow(t *testing.T) {
	clock := newFakeClock(100, 900*time.Millisecond)
	g := throttle.NewGovernor(5, throttle.WithClock(clock))

	_ = g.Wait(context.Background())
	clock.Advance(200 * time.Millisecond)
	_ = g.Wait(context.Background())

	if w := g.Window(); w != (types.RateWindow{Second: 101, Count: 1}) {
		t.Errorf("window = %+v, want {101 1}", w)
	}
}

func TestGovernorCancelledWhileBlocked(t *testing.T) {
	clock := newFakeClock(10, 0)
	g := throttle.NewGovernor(1, throttle.WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := g.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
