package config

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/downfa11-org/posttimes/util"
	"gopkg.in/yaml.v3"
)

const (
	RateScopeWorker = "worker"
	RateScopeGlobal = "global"

	DefaultQueryName = "query_store_info_produced"
)

// PublisherConfig is resolved once before a run starts and is not mutated afterwards.
type PublisherConfig struct {
	Topic           string        `yaml:"topic" json:"topic"`
	ProducerThreads int           `yaml:"producer_threads" json:"producer_threads"`
	Rate            int           `yaml:"rate" json:"rate"`
	RateScope       string        `yaml:"rate_scope" json:"rate_scope"`
	ShowMessages    bool          `yaml:"show_processed_messages" json:"show_processed_messages"`
	LogLevel        util.LogLevel `yaml:"log_level" json:"log_level"`

	// message source
	Generator   string            `yaml:"generator" json:"generator"`
	NumMessages int               `yaml:"num_messages" json:"num_messages"`
	MessageSize int               `yaml:"message_size" json:"message_size"`
	InputPath   string            `yaml:"input_path" json:"input_path"`
	IDField     string            `yaml:"id_field" json:"id_field"`
	QueueSize   int               `yaml:"queue_size" json:"queue_size"`
	Family      string            `yaml:"family" json:"family"`
	FamilyArgs  map[string]string `yaml:"family_args" json:"family_args"`

	// broker
	BrokerDriver     string   `yaml:"broker_driver" json:"broker_driver"`
	BrokerHost       string   `yaml:"broker_host" json:"broker_host"`
	BrokerPort       int      `yaml:"broker_port" json:"broker_port"`
	Brokers          []string `yaml:"brokers" json:"brokers"`
	Username         string   `yaml:"username" json:"username"`
	Password         string   `yaml:"password" json:"password"`
	Acks             string   `yaml:"acks" json:"acks"`
	Retries          int      `yaml:"retries" json:"retries"`
	RetryBackoffMS   int      `yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	MaxBackoffMS     int      `yaml:"max_backoff_ms" json:"max_backoff_ms"`
	BatchBytes       int      `yaml:"batch_bytes" json:"batch_bytes"`
	BatchSize        int      `yaml:"batch_size" json:"batch_size"`
	BufferSize       int      `yaml:"buffer_size" json:"buffer_size"`
	LingerMS         int      `yaml:"linger_ms" json:"linger_ms"`
	CompressionType  string   `yaml:"compression_type" json:"compression_type"`
	MaxBlockMS       int      `yaml:"max_block_ms" json:"max_block_ms"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms" json:"request_timeout_ms"`
	FlushTimeoutMS   int      `yaml:"flush_timeout_ms" json:"flush_timeout_ms"`
	MaxInflight      int      `yaml:"max_inflight_requests" json:"max_inflight_requests"`
	Partitions       int      `yaml:"partitions" json:"partitions"`
	Exchange         string   `yaml:"exchange" json:"exchange"`
	QoS              int      `yaml:"qos" json:"qos"`
	StreamMaxLen     int      `yaml:"stream_max_len" json:"stream_max_len"`

	UseTLS      bool   `yaml:"use_tls" json:"use_tls"`
	TLSCertPath string `yaml:"tls_cert_path" json:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path" json:"tls_key_path"`
	TLSCert     *tls.Certificate `yaml:"-" json:"-"`

	// memory driver
	AckDelayMS int `yaml:"ack_delay_ms" json:"ack_delay_ms"`
	FailEvery  int `yaml:"fail_every" json:"fail_every"`

	// storage
	StorageDriver    string `yaml:"storage_driver" json:"storage_driver"`
	StorageHost      string `yaml:"storage_db_host" json:"storage_db_host"`
	StoragePort      int    `yaml:"storage_db_port" json:"storage_db_port"`
	StorageName      string `yaml:"storage_db_name" json:"storage_db_name"`
	StorageUser      string `yaml:"storage_db_user" json:"storage_db_user"`
	StoragePass      string `yaml:"storage_db_pass" json:"storage_db_pass"`
	StorageDSN       string `yaml:"storage_dsn" json:"storage_dsn"`
	StoragePath      string `yaml:"storage_path" json:"storage_path"`
	StorageTable     string `yaml:"storage_table" json:"storage_table"`
	CreateTable      bool   `yaml:"create_table" json:"create_table"`
	TablesDefinition string `yaml:"tables_definition" json:"tables_definition"`
	QueryName        string `yaml:"query_name" json:"query_name"`
	LedgerBatchSize  int    `yaml:"ledger_batch_size" json:"ledger_batch_size"`

	// outputs
	EnableExporter bool   `yaml:"enable_exporter" json:"enable_exporter"`
	ExporterPort   int    `yaml:"exporter_port" json:"exporter_port"`
	StatusDataFile string `yaml:"status_data_file" json:"status_data_file"`
}

// Load resolves the configuration from flags, environment and an optional
// YAML/JSON file. Precedence: flag defaults < environment < file < explicit flags.
func Load(fs *flag.FlagSet, args []string) (*PublisherConfig, error) {
	cfg := &PublisherConfig{FamilyArgs: map[string]string{}}
	var brokers string

	fs.StringVar(&cfg.Topic, "topic", "platform.upload.qpc", "Produce to this topic (env KAFKA_TOPIC)")
	fs.IntVar(&cfg.ProducerThreads, "producer-threads", 1, "Produce in this many workers (env KAFKA_PRODUCER_THREADS)")
	fs.IntVar(&cfg.Rate, "rate", 0, "Messages per second per worker (0 for no limit)")
	fs.StringVar(&cfg.RateScope, "rate-scope", RateScopeWorker, "Rate scope: worker or global")
	fs.BoolVar(&cfg.ShowMessages, "show-processed-messages", false, "Show messages we are producing")
	cfg.LogLevel = util.LogLevelInfo
	fs.Var(&cfg.LogLevel, "log-level", "Log level (debug, info, warn, error)")

	fs.StringVar(&cfg.Generator, "generator", "synthetic", "Message generator: synthetic or jsonl")
	fs.IntVar(&cfg.NumMessages, "count", 100, "How many synthetic messages to prepare")
	fs.IntVar(&cfg.MessageSize, "message-size", 256, "Approximate synthetic payload size in bytes")
	fs.StringVar(&cfg.InputPath, "input", "", "JSON lines input file (jsonl generator)")
	fs.StringVar(&cfg.IDField, "id-field", "id", "Field holding the message id (jsonl generator)")
	fs.IntVar(&cfg.QueueSize, "queue-size", 0, "Prefetch queue size (0 draws from the generator under a lock)")
	fs.StringVar(&cfg.Family, "family", "json", "Message family deriving payload, key and headers")
	fs.Var(stringMap(cfg.FamilyArgs), "arg", "Extra family argument key=value (repeatable)")

	fs.StringVar(&cfg.BrokerDriver, "broker", "kafka", "Broker driver (kafka, cursus, mqtt, nats, redis, amqp, memory)")
	fs.StringVar(&cfg.BrokerHost, "broker-host", "localhost", "Broker host (env KAFKA_HOST)")
	fs.IntVar(&cfg.BrokerPort, "broker-port", 9092, "Broker port (env KAFKA_PORT)")
	fs.StringVar(&brokers, "brokers", "", "Comma separated broker addresses, overrides host/port")
	fs.StringVar(&cfg.Username, "username", "", "SASL username (env KAFKA_USERNAME)")
	fs.StringVar(&cfg.Password, "password", "", "SASL password (env KAFKA_PASSWORD)")
	fs.StringVar(&cfg.Acks, "acks", "1", "Required acks: 0, 1 or all")
	fs.IntVar(&cfg.Retries, "retries", 0, "Broker-side send retries")
	fs.IntVar(&cfg.RetryBackoffMS, "retry-backoff-ms", 100, "Initial retry backoff in milliseconds")
	fs.IntVar(&cfg.MaxBackoffMS, "max-backoff-ms", 2000, "Maximum retry backoff in milliseconds")
	fs.IntVar(&cfg.BatchBytes, "batch-bytes", 16384, "Producer batch size in bytes")
	fs.IntVar(&cfg.BatchSize, "batch-size", 100, "Producer batch size in messages (cursus)")
	fs.IntVar(&cfg.BufferSize, "buffer-size", 1024, "Per-partition buffer size in messages (cursus)")
	fs.IntVar(&cfg.LingerMS, "linger-ms", 0, "Linger time in milliseconds")
	fs.StringVar(&cfg.CompressionType, "compression-type", "none", "Compression: none, gzip, snappy, lz4")
	fs.IntVar(&cfg.MaxBlockMS, "max-block-ms", 60000, "Maximum time a publish may block on a full buffer")
	fs.IntVar(&cfg.RequestTimeoutMS, "request-timeout-ms", 30000, "Broker request timeout in milliseconds")
	fs.IntVar(&cfg.FlushTimeoutMS, "flush-timeout-ms", 30000, "Timeout to flush outstanding publishes")
	fs.IntVar(&cfg.MaxInflight, "max-inflight", 5, "Maximum in-flight requests")
	fs.IntVar(&cfg.Partitions, "partitions", 1, "Number of partitions (cursus)")
	fs.StringVar(&cfg.Exchange, "exchange", "", "Exchange to publish to (amqp)")
	fs.IntVar(&cfg.QoS, "qos", 1, "MQTT QoS level")
	fs.IntVar(&cfg.StreamMaxLen, "stream-max-len", 0, "Approximate stream length cap (redis, 0 for none)")

	fs.BoolVar(&cfg.UseTLS, "use-tls", false, "Enable TLS")
	fs.StringVar(&cfg.TLSCertPath, "tls-cert", "", "TLS cert path")
	fs.StringVar(&cfg.TLSKeyPath, "tls-key", "", "TLS key path")

	fs.IntVar(&cfg.AckDelayMS, "ack-delay-ms", 0, "Maximum random ack delay (memory broker)")
	fs.IntVar(&cfg.FailEvery, "fail-every", 0, "Fail every Nth publish (memory broker)")

	fs.StringVar(&cfg.StorageDriver, "storage", "postgres", "Storage driver (postgres, sqlite, file)")
	fs.StringVar(&cfg.StorageHost, "storage-db-host", "localhost", "Storage DB host (env STORAGE_DB_HOST)")
	fs.IntVar(&cfg.StoragePort, "storage-db-port", 5432, "Storage DB port (env STORAGE_DB_PORT)")
	fs.StringVar(&cfg.StorageName, "storage-db-name", "test", "Storage DB name (env STORAGE_DB_NAME)")
	fs.StringVar(&cfg.StorageUser, "storage-db-user", "test", "Storage DB user (env STORAGE_DB_USER)")
	fs.StringVar(&cfg.StoragePass, "storage-db-pass", "test", "Storage DB password (env STORAGE_DB_PASS)")
	fs.StringVar(&cfg.StorageDSN, "storage-dsn", "", "Storage DSN, overrides host/port/name/user/pass")
	fs.StringVar(&cfg.StoragePath, "storage-path", "", "Database or journal file (sqlite, file)")
	fs.StringVar(&cfg.StorageTable, "storage-table", "posttimes_produced", "Table receiving delivery records")
	fs.BoolVar(&cfg.CreateTable, "create-table", false, "Create the storage table if missing")
	fs.StringVar(&cfg.TablesDefinition, "tables-definition", "", "YAML file with named queries (env TABLES_DEFINITION)")
	fs.StringVar(&cfg.QueryName, "query-name", DefaultQueryName, "Query used to store produced timestamps")
	fs.IntVar(&cfg.LedgerBatchSize, "ledger-batch-size", 100, "Delivery records per bulk insert")

	fs.BoolVar(&cfg.EnableExporter, "exporter", false, "Enable Prometheus exporter")
	fs.IntVar(&cfg.ExporterPort, "exporter-port", 9100, "Exporter port")
	fs.StringVar(&cfg.StatusDataFile, "status-data-file", "", "Write run parameters and timestamps to this JSON file")

	configPath := fs.String("config", "", "Path to YAML/JSON config file (env CONFIG_PATH)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}

	applyEnv(cfg)

	if *configPath != "" {
		if err := loadFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}

	// explicit flags win over the environment and the file
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if brokers != "" {
		cfg.Brokers = splitList(brokers)
	}

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UseTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		cfg.TLSCert = &cert
	}
	return cfg, nil
}

func loadFile(cfg *PublisherConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			util.Warn("Config file %s not found, using flags and environment", path)
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *PublisherConfig) {
	cfg.Topic = util.EnvOr("KAFKA_TOPIC", cfg.Topic)
	cfg.ProducerThreads = util.EnvInt("KAFKA_PRODUCER_THREADS", cfg.ProducerThreads)
	cfg.BrokerHost = util.EnvOr("KAFKA_HOST", cfg.BrokerHost)
	cfg.BrokerPort = util.EnvInt("KAFKA_PORT", cfg.BrokerPort)
	cfg.Username = util.EnvOr("KAFKA_USERNAME", cfg.Username)
	cfg.Password = util.EnvOr("KAFKA_PASSWORD", cfg.Password)
	cfg.Acks = util.EnvOr("KAFKA_ACKS", cfg.Acks)
	cfg.Retries = util.EnvInt("KAFKA_RETRIES", cfg.Retries)
	cfg.BatchBytes = util.EnvInt("KAFKA_BATCH_SIZE", cfg.BatchBytes)
	cfg.LingerMS = util.EnvInt("KAFKA_LINGER_MS", cfg.LingerMS)
	cfg.CompressionType = util.EnvOr("KAFKA_COMPRESSION_TYPE", cfg.CompressionType)
	cfg.MaxBlockMS = util.EnvInt("KAFKA_MAX_BLOCK_MS", cfg.MaxBlockMS)
	cfg.RequestTimeoutMS = util.EnvInt("KAFKA_REQUEST_TIMEOUT_MS", cfg.RequestTimeoutMS)

	cfg.StorageHost = util.EnvOr("STORAGE_DB_HOST", cfg.StorageHost)
	cfg.StoragePort = util.EnvInt("STORAGE_DB_PORT", cfg.StoragePort)
	cfg.StorageName = util.EnvOr("STORAGE_DB_NAME", cfg.StorageName)
	cfg.StorageUser = util.EnvOr("STORAGE_DB_USER", cfg.StorageUser)
	cfg.StoragePass = util.EnvOr("STORAGE_DB_PASS", cfg.StoragePass)
	cfg.TablesDefinition = util.EnvOr("TABLES_DEFINITION", cfg.TablesDefinition)
}

// BrokerAddresses returns the explicit broker list, or host:port.
func (cfg *PublisherConfig) BrokerAddresses() []string {
	if len(cfg.Brokers) > 0 {
		return cfg.Brokers
	}
	return []string{fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort)}
}

// PostgresDSN builds a connection string from the storage_db_* fields unless
// StorageDSN is set.
func (cfg *PublisherConfig) PostgresDSN() string {
	if cfg.StorageDSN != "" {
		return cfg.StorageDSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.StorageUser, cfg.StoragePass, cfg.StorageHost, cfg.StoragePort, cfg.StorageName)
}

// Redacted returns a copy safe to write into status data.
func (cfg PublisherConfig) Redacted() PublisherConfig {
	if cfg.Password != "" {
		cfg.Password = "***"
	}
	if cfg.StoragePass != "" {
		cfg.StoragePass = "***"
	}
	if cfg.StorageDSN != "" {
		cfg.StorageDSN = "***"
	}
	cfg.TLSCert = nil
	return cfg
}

type stringMap map[string]string

func (m stringMap) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ",")
}

func (m stringMap) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	m[strings.TrimSpace(k)] = v
	return nil
}
