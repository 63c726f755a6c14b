package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func init() {
	mustRegister("nats", func(ctx context.Context, opts Options) (Client, error) {
		return NewNATS(ctx, opts)
	})
}

// NATS publishes into a JetStream stream with asynchronous acks. The message
// key becomes the Nats-Msg-Id header so the stream can deduplicate.
type NATS struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	pending *tracker
}

func NewNATS(ctx context.Context, opts Options) (*NATS, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no nats server address")
	}
	urls := make([]string, len(opts.Addrs))
	for i, a := range opts.Addrs {
		if strings.Contains(a, "://") {
			urls[i] = a
		} else {
			urls[i] = "nats://" + a
		}
	}

	nopts := []nats.Option{
		nats.Name("posttimes"),
		nats.Timeout(opts.requestTimeout()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				util.Warn("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			util.Info("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if opts.Username != "" {
		nopts = append(nopts, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.TLS != nil {
		nopts = append(nopts, nats.Secure(opts.TLS))
	}

	nc, err := nats.Connect(strings.Join(urls, ","), nopts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	var jsOpts []jetstream.JetStreamOpt
	if opts.MaxInflight > 0 {
		jsOpts = append(jsOpts, jetstream.WithPublishAsyncMaxPending(opts.MaxInflight))
	}
	js, err := jetstream.New(nc, jsOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	if opts.Topic != "" {
		cctx, cancel := context.WithTimeout(ctx, opts.requestTimeout())
		defer cancel()
		name := streamName(opts.Topic)
		_, err := js.CreateOrUpdateStream(cctx, jetstream.StreamConfig{
			Name:     name,
			Subjects: []string{opts.Topic},
			Storage:  jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", name, err)
		}
		util.Info("Using jetstream stream %s for subject %s", name, opts.Topic)
	}

	return &NATS{nc: nc, js: js, pending: newTracker()}, nil
}

// streamName maps a subject to a valid stream name.
func streamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToUpper(r.Replace(subject))
}

func (n *NATS) Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise) {
	m := nats.NewMsg(topic)
	m.Data = msg.Value
	for _, h := range msg.Headers {
		m.Header.Add(h.Name, string(h.Value))
	}
	if msg.Key != nil {
		m.Header.Set(nats.MsgIdHdr, string(msg.Key))
	}

	future, err := n.js.PublishMsgAsync(m)
	if err != nil {
		promise(fmt.Errorf("nats publish to %s: %w", topic, err))
		return
	}
	n.pending.add()
	go func() {
		defer n.pending.done()
		select {
		case <-future.Ok():
			promise(nil)
		case err := <-future.Err():
			promise(err)
		case <-ctx.Done():
			promise(ctx.Err())
		}
	}()
}

func (n *NATS) Flush(ctx context.Context) error {
	select {
	case <-n.js.PublishAsyncComplete():
	case <-ctx.Done():
		return fmt.Errorf("nats flush with %d pending: %w", n.js.PublishAsyncPending(), ctx.Err())
	}
	return n.pending.wait(ctx)
}

func (n *NATS) Close() error {
	if n.nc.IsClosed() {
		return nil
	}
	if err := n.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
