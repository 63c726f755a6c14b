package broker

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/downfa11-org/posttimes/pkg/types"
	"github.com/downfa11-org/posttimes/util"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

func init() {
	mustRegister("kafka", func(ctx context.Context, opts Options) (Client, error) {
		return NewKafka(ctx, opts)
	})
}

// Kafka publishes through a franz-go client. Records are buffered and batched
// by the client; promises run on its produce goroutines.
type Kafka struct {
	client *kgo.Client
}

func NewKafka(ctx context.Context, opts Options) (*Kafka, error) {
	kopts, err := kafkaOptions(opts)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.requestTimeout())
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("reach kafka at %v: %w", opts.Addrs, err)
	}

	if opts.Username != "" {
		util.Info("Created SASL password-protected producer to %v", opts.Addrs)
	} else {
		util.Info("Created passwordless producer to %v", opts.Addrs)
	}
	return &Kafka{client: client}, nil
}

func kafkaOptions(opts Options) ([]kgo.Opt, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no kafka bootstrap servers")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(opts.Addrs...),
		kgo.WithLogger(kgoLogger{l: util.Logger()}),
		kgo.RecordRetries(opts.Retries),
		kgo.ProducerLinger(opts.Linger),
		kgo.ProduceRequestTimeout(opts.requestTimeout()),
	}
	if opts.Topic != "" {
		kopts = append(kopts, kgo.DefaultProduceTopic(opts.Topic))
	}
	if opts.BatchBytes > 0 {
		kopts = append(kopts, kgo.ProducerBatchMaxBytes(int32(opts.BatchBytes)))
	}
	if opts.MaxBlock > 0 {
		kopts = append(kopts, kgo.RecordDeliveryTimeout(opts.MaxBlock))
	}

	switch opts.Acks {
	case "all":
		kopts = append(kopts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "0":
		kopts = append(kopts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		kopts = append(kopts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}
	if opts.Acks != "all" && opts.MaxInflight > 0 {
		kopts = append(kopts, kgo.MaxProduceRequestsInflightPerBroker(opts.MaxInflight))
	}

	codec, err := kafkaCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	kopts = append(kopts, kgo.ProducerBatchCompression(codec))

	tlsCfg := opts.TLS
	if opts.Username != "" && opts.Password != "" {
		kopts = append(kopts, kgo.SASL(scram.Auth{
			User: opts.Username,
			Pass: opts.Password,
		}.AsSha512Mechanism()))
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	if tlsCfg != nil {
		kopts = append(kopts, kgo.DialTLSConfig(tlsCfg))
	}
	return kopts, nil
}

func kafkaCompression(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("unsupported kafka compression: %s", name)
	}
}

func (k *Kafka) Publish(ctx context.Context, topic string, msg types.WireMessage, promise Promise) {
	rec := &kgo.Record{
		Topic: topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, len(msg.Headers))
		for i, h := range msg.Headers {
			rec.Headers[i] = kgo.RecordHeader{Key: h.Name, Value: h.Value}
		}
	}
	k.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		promise(err)
	})
}

func (k *Kafka) Flush(ctx context.Context) error {
	if err := k.client.Flush(ctx); err != nil {
		return fmt.Errorf("kafka flush: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}

// kgoLogger forwards franz-go client logs to the process logger.
type kgoLogger struct {
	l *zerolog.Logger
}

func (k kgoLogger) Level() kgo.LogLevel {
	if util.CurrentLevel() == util.LogLevelDebug {
		return kgo.LogLevelInfo
	}
	return kgo.LogLevelWarn
}

func (k kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var ev *zerolog.Event
	switch level {
	case kgo.LogLevelError:
		ev = k.l.Error()
	case kgo.LogLevelWarn:
		ev = k.l.Warn()
	case kgo.LogLevelInfo:
		ev = k.l.Info()
	default:
		ev = k.l.Debug()
	}
	ev.Str("component", "kgo").Fields(keyvals).Msg(msg)
}
