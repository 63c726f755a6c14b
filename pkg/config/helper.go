package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/downfa11-org/posttimes/util"
)

func (cfg *PublisherConfig) Normalize() {
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = "default-topic"
	}
	if cfg.ProducerThreads <= 0 {
		cfg.ProducerThreads = 1
	}
	if cfg.Rate < 0 {
		cfg.Rate = 0
	}
	cfg.RateScope = strings.ToLower(strings.TrimSpace(cfg.RateScope))
	switch cfg.RateScope {
	case RateScopeWorker, RateScopeGlobal:
	case "":
		cfg.RateScope = RateScopeWorker
	default:
		util.Warn("Invalid rate_scope '%s', defaulting to '%s'", cfg.RateScope, RateScopeWorker)
		cfg.RateScope = RateScopeWorker
	}

	// message source
	if cfg.Generator == "" {
		cfg.Generator = "synthetic"
	}
	if cfg.NumMessages <= 0 {
		cfg.NumMessages = 100
	}
	if cfg.MessageSize <= 0 {
		cfg.MessageSize = 256
	}
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Family == "" {
		cfg.Family = "json"
	}
	if cfg.FamilyArgs == nil {
		cfg.FamilyArgs = map[string]string{}
	}

	// broker
	cfg.BrokerDriver = strings.ToLower(strings.TrimSpace(cfg.BrokerDriver))
	if cfg.BrokerDriver == "" {
		cfg.BrokerDriver = "kafka"
	}
	if strings.TrimSpace(cfg.BrokerHost) == "" {
		cfg.BrokerHost = "localhost"
	}
	if cfg.BrokerPort <= 0 {
		cfg.BrokerPort = 9092
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Acks)) {
	case "0", "none":
		cfg.Acks = "0"
	case "all", "-1":
		cfg.Acks = "all"
	default:
		cfg.Acks = "1"
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryBackoffMS <= 0 {
		cfg.RetryBackoffMS = 100
	}
	if cfg.MaxBackoffMS <= 0 {
		cfg.MaxBackoffMS = 2000
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = 16384
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.LingerMS < 0 {
		cfg.LingerMS = 0
	}
	cfg.CompressionType = strings.ToLower(strings.TrimSpace(cfg.CompressionType))
	if cfg.CompressionType == "" {
		cfg.CompressionType = "none"
	}
	if !slices.Contains(util.CompressionTypes(), cfg.CompressionType) {
		util.Warn("Invalid compression_type '%s', defaulting to 'none'", cfg.CompressionType)
		cfg.CompressionType = "none"
	}
	if cfg.MaxBlockMS <= 0 {
		cfg.MaxBlockMS = 60000
	}
	if cfg.RequestTimeoutMS <= 0 {
		cfg.RequestTimeoutMS = 30000
	}
	if cfg.FlushTimeoutMS <= 0 {
		cfg.FlushTimeoutMS = 30000
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 5
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.AckDelayMS < 0 {
		cfg.AckDelayMS = 0
	}
	if cfg.FailEvery < 0 {
		cfg.FailEvery = 0
	}

	// storage
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = "postgres"
	}
	if cfg.StoragePort <= 0 {
		cfg.StoragePort = 5432
	}
	if strings.TrimSpace(cfg.StorageTable) == "" {
		cfg.StorageTable = "posttimes_produced"
	}
	if cfg.QueryName == "" {
		cfg.QueryName = DefaultQueryName
	}
	if cfg.LedgerBatchSize <= 0 {
		cfg.LedgerBatchSize = 100
	}

	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}
}

// Validate reports combinations Normalize cannot repair.
func (cfg *PublisherConfig) Validate() error {
	if cfg.UseTLS && (cfg.TLSCertPath == "" || cfg.TLSKeyPath == "") {
		return fmt.Errorf("TLS enabled but cert/key paths not provided")
	}
	if (cfg.Username == "") != (cfg.Password == "") {
		return fmt.Errorf("username and password must be set together")
	}
	switch cfg.Generator {
	case "synthetic":
	case "jsonl":
		if cfg.InputPath == "" {
			return fmt.Errorf("jsonl generator requires -input")
		}
	default:
		return fmt.Errorf("unknown generator: %s", cfg.Generator)
	}
	switch cfg.StorageDriver {
	case "postgres":
	case "sqlite", "file":
		if cfg.StoragePath == "" {
			return fmt.Errorf("%s storage requires -storage-path", cfg.StorageDriver)
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}
