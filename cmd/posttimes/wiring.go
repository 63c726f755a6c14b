package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/downfa11-org/posttimes/pkg/broker"
	"github.com/downfa11-org/posttimes/pkg/config"
	"github.com/downfa11-org/posttimes/pkg/hooks"
	"github.com/downfa11-org/posttimes/pkg/ledger"
	"github.com/downfa11-org/posttimes/pkg/runner"
	"github.com/downfa11-org/posttimes/pkg/source"
	"github.com/downfa11-org/posttimes/pkg/throttle"
	"github.com/downfa11-org/posttimes/util"
)

// harness holds everything a run needs and must be closed afterwards.
type harness struct {
	source source.Source
	family hooks.Family
	client broker.Client
	ledger *ledger.BatchLedger
	// target is the expected number of messages, 0 when unknown
	target int
	// inputErr reports a read error that cut the input short
	inputErr func() error

	closers []io.Closer
}

func (h *harness) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			util.Warn("close: %v", err)
		}
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func brokerOptions(cfg *config.PublisherConfig) broker.Options {
	opts := broker.Options{
		Addrs:          cfg.BrokerAddresses(),
		Topic:          cfg.Topic,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Acks:           cfg.Acks,
		Retries:        cfg.Retries,
		RetryBackoff:   ms(cfg.RetryBackoffMS),
		MaxBackoff:     ms(cfg.MaxBackoffMS),
		Linger:         ms(cfg.LingerMS),
		BatchBytes:     cfg.BatchBytes,
		BatchSize:      cfg.BatchSize,
		BufferSize:     cfg.BufferSize,
		Compression:    cfg.CompressionType,
		MaxBlock:       ms(cfg.MaxBlockMS),
		RequestTimeout: ms(cfg.RequestTimeoutMS),
		MaxInflight:    cfg.MaxInflight,
		Partitions:     cfg.Partitions,
		Extra: map[string]string{
			"exchange": cfg.Exchange,
			"qos":      strconv.Itoa(cfg.QoS),
		},
		AckDelay:  ms(cfg.AckDelayMS),
		FailEvery: cfg.FailEvery,
	}
	if cfg.StreamMaxLen > 0 {
		opts.Extra["maxlen"] = strconv.Itoa(cfg.StreamMaxLen)
	}
	if cfg.UseTLS {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLSCert != nil {
			opts.TLS.Certificates = []tls.Certificate{*cfg.TLSCert}
		}
	}
	return opts
}

func storeConfig(cfg *config.PublisherConfig) (ledger.StoreConfig, error) {
	sc := ledger.StoreConfig{
		Driver:      cfg.StorageDriver,
		DSN:         cfg.PostgresDSN(),
		Path:        cfg.StoragePath,
		Table:       cfg.StorageTable,
		CreateTable: cfg.CreateTable,
	}
	if cfg.TablesDefinition != "" {
		defs, err := config.LoadTablesDefinition(cfg.TablesDefinition)
		if err != nil {
			return sc, err
		}
		if sc.Query, err = defs.Query(cfg.QueryName); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

// openSource sets the message source, the number of messages it will yield
// (0 when not known up front) and, for file input, the read error check.
func (h *harness) openSource(ctx context.Context, cfg *config.PublisherConfig) error {
	switch cfg.Generator {
	case "synthetic":
		it := source.Synthetic{Count: cfg.NumMessages, PayloadSize: cfg.MessageSize}.Iterator()
		if cfg.QueueSize > 0 {
			h.source = source.NewQueue(ctx, it.Produce, cfg.QueueSize)
		} else {
			h.source = source.FromIterator(it)
		}
		h.target = cfg.NumMessages
	case "jsonl":
		j, err := source.OpenJSONLines(cfg.InputPath, cfg.IDField)
		if err != nil {
			return err
		}
		h.closers = append(h.closers, j)
		h.source = j.Source(ctx, cfg.QueueSize)
		h.inputErr = j.Err
	default:
		return fmt.Errorf("unknown generator: %s", cfg.Generator)
	}
	return nil
}

func throttles(cfg *config.PublisherConfig) runner.ThrottleFactory {
	if cfg.Rate <= 0 {
		return nil
	}
	if cfg.RateScope == config.RateScopeGlobal {
		shared := throttle.NewShared(cfg.Rate)
		return func(int) throttle.Throttle { return shared }
	}
	return func(id int) throttle.Throttle {
		return throttle.NewGovernor(cfg.Rate, throttle.WithName(fmt.Sprintf("Thread %d", id)))
	}
}

func setup(ctx context.Context, cfg *config.PublisherConfig) (_ *harness, err error) {
	h := &harness{}
	defer func() {
		if err != nil {
			h.close()
		}
	}()

	if h.family, err = hooks.Lookup(cfg.Family); err != nil {
		return nil, err
	}

	sc, err := storeConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", sc.Driver, err)
	}
	h.closers = append(h.closers, store)
	h.ledger = ledger.NewBatchLedger(store, cfg.LedgerBatchSize)

	if err = h.openSource(ctx, cfg); err != nil {
		return nil, err
	}

	h.client, err = broker.New(ctx, cfg.BrokerDriver, brokerOptions(cfg))
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, h.client)
	return h, nil
}
