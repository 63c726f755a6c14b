package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

func init() {
	mustRegister("mqtt", func(ctx context.Context, opts Options) (Client, error) {
		return NewMQTT(ctx, opts)
	})
}

// MQTT publishes over MQTT 3.1.1. Keys and headers have no place in a 3.1.1
// PUBLISH packet and are dropped.
type MQTT struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	pending *tracker

	dropOnce sync.Once
}

func NewMQTT(ctx context.Context, opts Options) (*MQTT, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no mqtt broker address")
	}
	qos, err := strconv.Atoi(opts.extra("qos", "1"))
	if err != nil || qos < 0 || qos > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %q", opts.extra("qos", "1"))
	}

	scheme := "tcp://"
	if opts.TLS != nil {
		scheme = "ssl://"
	}
	mopts := mqtt.NewClientOptions().
		SetClientID("posttimes-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false).
		SetConnectTimeout(opts.requestTimeout()).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			util.Warn("mqtt connection lost: %v", err)
		})
	for _, addr := range opts.Addrs {
		mopts.AddBroker(scheme + addr)
	}
	if opts.Username != "" {
		mopts.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		mopts.SetTLSConfig(opts.TLS)
	}

	client := mqtt.NewClient(mopts)
	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(opts.requestTimeout()):
		return nil, fmt.Errorf("mqtt connect to %v timed out", opts.Addrs)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %v: %w", opts.Addrs, err)
	}
	util.Info("Connected to mqtt broker %v (qos %d)", opts.Addrs, qos)

	return &MQTT{
		client:  client,
		qos:     byte(qos),
		timeout: opts.requestTimeout(),
		pending: newTracker(),
	}, nil
}

func (m *MQTT) Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise) {
	if !m.client.IsConnectionOpen() && !m.client.IsConnected() {
		promise(ErrClosed)
		return
	}
	if msg.Key != nil || len(msg.Headers) > 0 {
		m.dropOnce.Do(func() {
			util.Warn("mqtt cannot carry message keys or headers; dropping them")
		})
	}

	tok := m.client.Publish(topic, m.qos, false, msg.Value)
	m.pending.add()
	go func() {
		defer m.pending.done()
		t := time.NewTimer(m.timeout)
		defer t.Stop()
		select {
		case <-tok.Done():
			promise(tok.Error())
		case <-t.C:
			promise(fmt.Errorf("mqtt publish to %s: no ack within %s", topic, m.timeout))
		case <-ctx.Done():
			promise(ctx.Err())
		}
	}()
}

func (m *MQTT) Flush(ctx context.Context) error {
	return m.pending.wait(ctx)
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
