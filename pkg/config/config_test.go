package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/posttimes/pkg/config"
	"github.com/downfa11-org/posttimes/util"
)

func load(t *testing.T, args ...string) *config.PublisherConfig {
	t.Helper()
	fs := flag.NewFlagSet("posttimes", flag.ContinueOnError)
	cfg, err := config.Load(fs, args)
	if err != nil {
		t.Fatalf("Load(%v) failed: %v", args, err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg := load(t)

	if cfg.ProducerThreads != 1 || cfg.Rate != 0 {
		t.Errorf("unexpected threads/rate defaults: %d/%d", cfg.ProducerThreads, cfg.Rate)
	}
	if cfg.RateScope != config.RateScopeWorker {
		t.Errorf("RateScope default incorrect: %s", cfg.RateScope)
	}
	if cfg.LedgerBatchSize != 100 {
		t.Errorf("LedgerBatchSize default incorrect: %d", cfg.LedgerBatchSize)
	}
	if got := cfg.BrokerAddresses(); len(got) != 1 || got[0] != "localhost:9092" {
		t.Errorf("BrokerAddresses default incorrect: %v", got)
	}
	if cfg.QueryName != config.DefaultQueryName {
		t.Errorf("QueryName default incorrect: %s", cfg.QueryName)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "publisher.yaml")
	yml := `
topic: from-file
producer_threads: 3
rate: 50
log_level: debug
family_args:
  event_type: created
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KAFKA_TOPIC", "from-env")
	t.Setenv("KAFKA_HOST", "kafka.internal")
	t.Setenv("KAFKA_PRODUCER_THREADS", "7")
	t.Cleanup(func() { util.SetLevel(util.LogLevelInfo) })

	cfg := load(t, "-config", path, "-rate", "10", "-arg", "source=test")

	if cfg.Topic != "from-file" {
		t.Errorf("file should override env: topic=%s", cfg.Topic)
	}
	if cfg.ProducerThreads != 3 {
		t.Errorf("file should override env: threads=%d", cfg.ProducerThreads)
	}
	if cfg.Rate != 10 {
		t.Errorf("explicit flag should override file: rate=%d", cfg.Rate)
	}
	if cfg.BrokerHost != "kafka.internal" {
		t.Errorf("env should override flag default: host=%s", cfg.BrokerHost)
	}
	if cfg.LogLevel != util.LogLevelDebug {
		t.Errorf("log level from file not applied: %v", cfg.LogLevel)
	}
	if cfg.FamilyArgs["event_type"] != "created" || cfg.FamilyArgs["source"] != "test" {
		t.Errorf("family args not merged: %v", cfg.FamilyArgs)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("KAFKA_TOPIC", "   ")
	t.Setenv("KAFKA_PORT", "29092")
	t.Setenv("STORAGE_DB_PORT", "not-a-port")
	t.Setenv("STORAGE_DB_USER", " loader ")

	cfg := load(t)
	if cfg.Topic != "platform.upload.qpc" {
		t.Errorf("blank env must not override the default topic, got %q", cfg.Topic)
	}
	if cfg.BrokerPort != 29092 {
		t.Errorf("broker port = %d, want 29092", cfg.BrokerPort)
	}
	if cfg.StoragePort != 5432 {
		t.Errorf("unparsable port should keep the default, got %d", cfg.StoragePort)
	}
	if cfg.StorageUser != "loader" {
		t.Errorf("storage user = %q, want trimmed value", cfg.StorageUser)
	}
}

func TestLoadJSONAndMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "publisher.json")
	if err := os.WriteFile(path, []byte(`{"topic":"json-topic","brokers":["a:1","b:2"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := load(t, "-config", path)
	if cfg.Topic != "json-topic" || len(cfg.BrokerAddresses()) != 2 {
		t.Errorf("JSON config not applied: %+v", cfg)
	}

	cfg = load(t, "-config", filepath.Join(dir, "missing.yaml"), "-topic", "flagged")
	if cfg.Topic != "flagged" {
		t.Errorf("missing config file should fall back to flags, topic=%s", cfg.Topic)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"tls without cert", []string{"-use-tls"}},
		{"username without password", []string{"-username", "bob"}},
		{"jsonl without input", []string{"-generator", "jsonl"}},
		{"sqlite without path", []string{"-storage", "sqlite"}},
		{"unknown storage", []string{"-storage", "mongo"}},
		{"bad family arg", []string{"-arg", "novalue"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("posttimes", flag.ContinueOnError)
			fs.SetOutput(discard{})
			if _, err := config.Load(fs, tt.args); err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cfg := &config.PublisherConfig{
		ProducerThreads: -2,
		Rate:            -5,
		RateScope:       "GLOBAL",
		Acks:            "-1",
		CompressionType: "zstd",
	}
	cfg.Normalize()

	if cfg.ProducerThreads != 1 || cfg.Rate != 0 {
		t.Errorf("threads/rate not clamped: %d/%d", cfg.ProducerThreads, cfg.Rate)
	}
	if cfg.RateScope != config.RateScopeGlobal {
		t.Errorf("RateScope normalization failed: %s", cfg.RateScope)
	}
	if cfg.Acks != "all" {
		t.Errorf("Acks normalization failed: %s", cfg.Acks)
	}
	if cfg.CompressionType != "none" {
		t.Errorf("CompressionType normalization failed: %s", cfg.CompressionType)
	}
	if cfg.Topic != "default-topic" || cfg.StorageTable == "" {
		t.Errorf("empty names not defaulted: %q %q", cfg.Topic, cfg.StorageTable)
	}
}

func TestRedactedAndDSN(t *testing.T) {
	cfg := config.PublisherConfig{
		Password:    "secret",
		StorageUser: "u",
		StoragePass: "p",
		StorageHost: "db",
		StoragePort: 5433,
		StorageName: "perf",
	}
	if got := cfg.PostgresDSN(); got != "postgres://u:p@db:5433/perf" {
		t.Errorf("PostgresDSN = %s", got)
	}
	r := cfg.Redacted()
	if r.Password != "***" || r.StoragePass != "***" {
		t.Errorf("secrets not redacted: %+v", r)
	}
	if cfg.Password != "secret" {
		t.Error("Redacted must not modify the receiver")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
