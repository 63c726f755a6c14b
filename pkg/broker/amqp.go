package broker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	amqp "github.com/rabbitmq/amqp091-go"
)

func init() {
	mustRegister("amqp", func(ctx context.Context, opts Options) (Client, error) {
		return NewAMQP(ctx, opts)
	})
}

// AMQP publishes to a RabbitMQ exchange with publisher confirms. The topic is
// used as the routing key; with the default exchange a durable queue of the
// same name is declared so messages are not dropped.
type AMQP struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration

	mu      sync.Mutex // serializes publishes so delivery tags stay ordered
	pending *tracker
}

func NewAMQP(ctx context.Context, opts Options) (*AMQP, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no amqp broker address")
	}
	u := url.URL{Scheme: "amqp", Host: opts.Addrs[0], Path: "/"}
	if opts.TLS != nil {
		u.Scheme = "amqps"
	}
	if opts.Username != "" {
		u.User = url.UserPassword(opts.Username, opts.Password)
	}

	dialer := &net.Dialer{Timeout: opts.requestTimeout()}
	conn, err := amqp.DialConfig(u.String(), amqp.Config{
		TLSClientConfig: opts.TLS,
		Heartbeat:       10 * time.Second,
		Dial:            dialer.Dial,
		Properties:      amqp.Table{"connection_name": "posttimes"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp %s: %w", opts.Addrs[0], err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	exchange := opts.extra("exchange", "")
	if exchange != "" {
		err = ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	} else if opts.Topic != "" {
		_, err = ch.QueueDeclare(opts.Topic, true, false, false, false, nil)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp destination: %w", err)
	}

	go func() {
		if err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && err != nil {
			util.Warn("amqp connection closed: %v", err)
		}
	}()

	util.Info("Connected to amqp broker %s (exchange %q)", opts.Addrs[0], exchange)
	return &AMQP{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		timeout:  opts.requestTimeout(),
		pending:  newTracker(),
	}, nil
}

func (a *AMQP) Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise) {
	pub := amqp.Publishing{
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
		Body:         msg.Value,
	}
	if msg.Key != nil {
		pub.MessageId = string(msg.Key)
	}
	if len(msg.Headers) > 0 {
		pub.Headers = make(amqp.Table, len(msg.Headers))
		for _, h := range msg.Headers {
			pub.Headers[h.Name] = string(h.Value)
			if strings.EqualFold(h.Name, "content-type") {
				pub.ContentType = string(h.Value)
			}
		}
	}

	a.mu.Lock()
	dc, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, topic, false, false, pub)
	a.mu.Unlock()
	if err != nil {
		promise(fmt.Errorf("amqp publish to %s: %w", topic, err))
		return
	}

	a.pending.add()
	go func() {
		defer a.pending.done()
		wctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		acked, err := dc.WaitContext(wctx)
		switch {
		case err != nil:
			promise(fmt.Errorf("amqp confirm for %s: %w", topic, err))
		case !acked:
			promise(fmt.Errorf("amqp broker nacked delivery %d", dc.DeliveryTag))
		default:
			promise(nil)
		}
	}()
}

func (a *AMQP) Flush(ctx context.Context) error {
	return a.pending.wait(ctx)
}

func (a *AMQP) Close() error {
	if a.conn.IsClosed() {
		return nil
	}
	if err := a.ch.Close(); err != nil {
		util.Debug("close amqp channel: %v", err)
	}
	return a.conn.Close()
}
