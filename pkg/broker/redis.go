package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	"github.com/redis/go-redis/v9"
)

const (
	redisFieldKey   = "key"
	redisFieldValue = "value"
	redisHeaderPfx  = "h:"
)

func init() {
	mustRegister("redis", func(ctx context.Context, opts Options) (Client, error) {
		return NewRedis(ctx, opts)
	})
}

// Redis appends each message to a stream named after the topic. XADD calls
// run on their own goroutines, at most MaxInflight at a time.
type Redis struct {
	client  *redis.Client
	maxLen  int64
	sem     chan struct{}
	pending *tracker
}

func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no redis address")
	}
	inflight := opts.MaxInflight
	if inflight <= 0 {
		inflight = 64
	}
	ropts := &redis.Options{
		Addr:         opts.Addrs[0],
		Username:     opts.Username,
		Password:     opts.Password,
		MaxRetries:   opts.Retries,
		PoolSize:     inflight,
		ReadTimeout:  opts.requestTimeout(),
		WriteTimeout: opts.requestTimeout(),
		TLSConfig:    opts.TLS,
	}
	client := redis.NewClient(ropts)

	pctx, cancel := context.WithTimeout(ctx, opts.requestTimeout())
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("reach redis at %s: %w", ropts.Addr, err)
	}

	var maxLen int64
	if v := opts.extra("maxlen", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("invalid redis maxlen %q: %w", v, err)
		}
		maxLen = n
	}

	util.Info("Connected to redis at %s", ropts.Addr)
	return &Redis{
		client:  client,
		maxLen:  maxLen,
		sem:     make(chan struct{}, inflight),
		pending: newTracker(),
	}, nil
}

func streamValues(msg types.WireMessage) map[string]any {
	vals := make(map[string]any, 2+len(msg.Headers))
	if msg.Key != nil {
		vals[redisFieldKey] = msg.Key
	}
	vals[redisFieldValue] = msg.Value
	for _, h := range msg.Headers {
		vals[redisHeaderPfx+h.Name] = h.Value
	}
	return vals
}

func (r *Redis) Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		promise(ctx.Err())
		return
	}

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: streamValues(msg),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	r.pending.add()
	go func() {
		defer r.pending.done()
		defer func() { <-r.sem }()
		if err := r.client.XAdd(ctx, args).Err(); err != nil {
			promise(fmt.Errorf("xadd %s: %w", topic, err))
			return
		}
		promise(nil)
	}()
}

func (r *Redis) Flush(ctx context.Context) error {
	return r.pending.wait(ctx)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
