package producer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/downfa11-org/posttimes/pkg/broker"
	"github.com/downfa11-org/posttimes/pkg/hooks"
	"github.com/downfa11-org/posttimes/pkg/producer"
	"github.com/downfa11-org/posttimes/pkg/source"
	"github.com/downfa11-org/posttimes/pkg/throttle"
	"github.com/downfa11-org/posttimes/pkg/types"
)

// fakeClient resolves promises synchronously; ids in fail are rejected.
type fakeClient struct {
	mu    sync.Mutex
	fail  map[string]bool
	clock throttle.Clock
	sent  []types.WireMessage
	times []time.Time
}

func (c *fakeClient) Publish(_ context.Context, _ string, msg types.WireMessage, p broker.Promise) {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	if c.clock != nil {
		c.times = append(c.times, c.clock.Now())
	}
	c.mu.Unlock()
	if c.fail[string(msg.Key)] {
		p(errors.New("rejected"))
		return
	}
	p(nil)
}

func (c *fakeClient) Flush(context.Context) error { return nil }
func (c *fakeClient) Close() error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

type countingThrottle struct{ calls int }

func (c *countingThrottle) Wait(context.Context) error {
	c.calls++
	return nil
}

func messages(ids ...string) []types.Message {
	out := make([]types.Message, len(ids))
	for i, id := range ids {
		out[i] = types.Message{ID: id, Payload: map[string]any{"id": id}}
	}
	return out
}

func family(t *testing.T, name string) hooks.Family {
	t.Helper()
	f, err := hooks.Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestWorkerRecordsEveryAck(t *testing.T) {
	client := &fakeClient{}
	thr := &countingThrottle{}
	var recs []types.DeliveryRecord
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))

	w := &producer.Worker{
		ID:          1,
		Source:      source.FromSlice(messages("m1", "m2", "m3")),
		Family:      family(t, "json"),
		Client:      client,
		Throttle:    thr,
		Topic:       "t",
		OnDelivered: func(r types.DeliveryRecord) { recs = append(recs, r) },
		Now:         func() time.Time { return at },
	}
	st, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Submitted != 3 || st.HookFailures != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if thr.calls != 3 {
		t.Fatalf("throttle called %d times, want once per submission", thr.calls)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if recs[i].MessageID != id {
			t.Errorf("record %d id %s, want %s", i, recs[i].MessageID, id)
		}
		if recs[i].CompletedAt.Location() != time.UTC || !recs[i].CompletedAt.Equal(at) {
			t.Errorf("record %d time %v, want %v in UTC", i, recs[i].CompletedAt, at)
		}
	}
	if string(client.sent[0].Key) != "m1" || len(client.sent[0].Headers) != 3 {
		t.Errorf("unexpected wire message: %+v", client.sent[0])
	}
}

func TestWorkerPublishErrorsProduceNoRecord(t *testing.T) {
	client := &fakeClient{fail: map[string]bool{"m2": true}}
	var recorded []string
	var failed []string

	w := &producer.Worker{
		Source:      source.FromSlice(messages("m1", "m2", "m3")),
		Family:      family(t, "json"),
		Client:      client,
		OnDelivered: func(r types.DeliveryRecord) { recorded = append(recorded, r.MessageID) },
		OnFailed:    func(id string, _ error) { failed = append(failed, id) },
	}
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatalf("run must complete normally, got %v", err)
	}
	if strings.Join(recorded, ",") != "m1,m3" {
		t.Errorf("recorded %v, want [m1 m3]", recorded)
	}
	if strings.Join(failed, ",") != "m2" {
		t.Errorf("failed %v, want [m2]", failed)
	}
}

func TestWorkerSkipsHookFailures(t *testing.T) {
	msgs := []types.Message{
		{ID: "ok1", Payload: "hello"},
		{ID: "bad", Payload: 42},
		{ID: "ok2", Payload: []byte("world")},
	}
	client := &fakeClient{}
	var recorded int
	w := &producer.Worker{
		Source:      source.FromSlice(msgs),
		Family:      family(t, "raw"),
		Client:      client,
		OnDelivered: func(types.DeliveryRecord) { recorded++ },
	}
	st, err := w.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Submitted != 2 || st.HookFailures != 1 || recorded != 2 {
		t.Fatalf("stats %+v recorded %d", st, recorded)
	}
}

func TestWorkerIDOverride(t *testing.T) {
	f := hooks.Funcs{
		IDFn:      func(_ hooks.Context, id string, _ any) (string, error) { return "x-" + id, nil },
		PayloadFn: func(_ hooks.Context, id string, _ any) ([]byte, error) { return []byte(id), nil },
		KeyFn:     func(_ hooks.Context, id string, _ any) ([]byte, error) { return []byte(id), nil },
	}
	var got []string
	w := &producer.Worker{
		Source:      source.FromSlice(messages("a")),
		Family:      f,
		Client:      &fakeClient{},
		OnDelivered: func(r types.DeliveryRecord) { got = append(got, r.MessageID) },
	}
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "x-a" {
		t.Fatalf("expected overridden id x-a, got %v", got)
	}
}

func TestWorkerShowMessages(t *testing.T) {
	var out bytes.Buffer
	w := &producer.Worker{
		Source:       source.FromSlice([]types.Message{{ID: "m1", Payload: "v"}}),
		Family:       family(t, "raw"),
		Client:       &fakeClient{},
		ShowMessages: true,
		Out:          &out,
	}
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := `Producing {"headers":[],"key":"m1","value":"v"}` + "\n"
	if out.String() != want {
		t.Fatalf("got %q, want %q", out.String(), want)
	}
}

func TestWorkerRateWithinEachSecond(t *testing.T) {
	const rate = 3
	clock := &fakeClock{now: time.Unix(1000, 250*int64(time.Millisecond))}
	client := &fakeClient{clock: clock}

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}
	w := &producer.Worker{
		Source:   source.FromSlice(messages(ids...)),
		Family:   family(t, "json"),
		Client:   client,
		Throttle: throttle.NewGovernor(rate, throttle.WithClock(clock)),
	}
	if _, err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	perSecond := map[int64]int{}
	for _, ts := range client.times {
		perSecond[ts.Unix()]++
	}
	for sec, n := range perSecond {
		if n > rate {
			t.Errorf("second %d saw %d submissions, rate is %d", sec, n, rate)
		}
	}
	if len(client.times) != len(ids) {
		t.Fatalf("submitted %d, want %d", len(client.times), len(ids))
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &producer.Worker{
		Source: source.FromSlice(messages("m1")),
		Family: family(t, "json"),
		Client: &fakeClient{},
	}
	st, err := w.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if st.Submitted != 0 {
		t.Fatalf("nothing should be submitted after cancel, got %d", st.Submitted)
	}
}
