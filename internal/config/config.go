package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrEmptyConfig is returned for a config file with no content.
var ErrEmptyConfig = errors.New("config: file is empty")

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPAddr        = ":8080"
	DefaultGraceWindow     = 30 * time.Second
	DefaultVitalMaxAge     = 5 * time.Minute
	DefaultMaxClockSkew    = 10 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultLivenessInterval  = 5 * time.Second
	DefaultLivenessThreshold = 30 * time.Second

	DefaultDebounce        = 5 * time.Second
	DefaultHysteresis      = 10 * time.Second
	DefaultConfirmInterval = time.Minute

	DefaultQueueSize    = 10000
	DefaultWorkers      = 4
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 100 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
	DefaultMaxBackoff   = 5 * time.Second
)

// Config is the top-level configuration of the alert engine.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`

	HTTP      HTTPConfig      `yaml:"http"`
	Engine    EngineConfig    `yaml:"engine"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Rules     []RuleConfig    `yaml:"rules"`
	Publisher PublisherConfig `yaml:"publisher"`
	Storage   StorageConfig   `yaml:"storage"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// HTTPConfig configures the REST API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
}

// EngineConfig holds the measurement admission windows.
type EngineConfig struct {
	// GraceWindow is how far behind last_seen_at a measurement may be and
	// still be merged.
	GraceWindow time.Duration `yaml:"grace_window"`

	// VitalMaxAge is the age after which a vital reading no longer takes
	// part in rule evaluation. Zero keeps readings forever.
	VitalMaxAge time.Duration `yaml:"vital_max_age"`

	// MaxClockSkew bounds how far in the future a device timestamp may be.
	// It may not exceed GraceWindow.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	// ShutdownTimeout bounds the publish queue flush on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LivenessConfig configures sensor disconnection detection.
type LivenessConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Threshold       time.Duration `yaml:"threshold"`
	Severity        string        `yaml:"severity"`
	Debounce        time.Duration `yaml:"debounce"`
	Hysteresis      time.Duration `yaml:"hysteresis"`
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
}

// RuleConfig is one threshold rule: vital <comparator> threshold.
type RuleConfig struct {
	Kind            string        `yaml:"kind"`
	Vital           string        `yaml:"vital"`
	Comparator      string        `yaml:"comparator"` // above | below
	Threshold       float64       `yaml:"threshold"`
	Severity        string        `yaml:"severity"` // low | moderate | high | critical
	Debounce        time.Duration `yaml:"debounce"`
	Hysteresis      time.Duration `yaml:"hysteresis"`
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
}

// UnmarshalYAML fills windows left out of a rule with the package
// defaults. An explicit 0s is kept.
func (r *RuleConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Kind            string         `yaml:"kind"`
		Vital           string         `yaml:"vital"`
		Comparator      string         `yaml:"comparator"`
		Threshold       float64        `yaml:"threshold"`
		Severity        string         `yaml:"severity"`
		Debounce        *time.Duration `yaml:"debounce"`
		Hysteresis      *time.Duration `yaml:"hysteresis"`
		ConfirmInterval *time.Duration `yaml:"confirm_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	orDefault := func(d *time.Duration, def time.Duration) time.Duration {
		if d == nil {
			return def
		}
		return *d
	}
	*r = RuleConfig{
		Kind:            raw.Kind,
		Vital:           raw.Vital,
		Comparator:      raw.Comparator,
		Threshold:       raw.Threshold,
		Severity:        raw.Severity,
		Debounce:        orDefault(raw.Debounce, DefaultDebounce),
		Hysteresis:      orDefault(raw.Hysteresis, DefaultHysteresis),
		ConfirmInterval: orDefault(raw.ConfirmInterval, DefaultConfirmInterval),
	}
	return nil
}

// PublisherConfig configures the alert sink queue and its workers.
type PublisherConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	Workers      int           `yaml:"workers"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	OverflowPath string        `yaml:"overflow_path"`
}

// StorageConfig selects the durable alert store.
type StorageConfig struct {
	// Backend is one of: memory | postgres.
	Backend string `yaml:"backend"`

	// DSNEnv is the name of the environment variable holding the DSN.
	DSNEnv string `yaml:"dsn_env"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the database DSN resolved from the environment.
func (s StorageConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// KafkaConfig configures measurement ingress and the alert topic.
type KafkaConfig struct {
	Brokers []string          `yaml:"brokers"`
	Ingest  KafkaIngestConfig `yaml:"ingest"`
	Alerts  KafkaAlertsConfig `yaml:"alerts"`
}

// KafkaIngestConfig configures the measurement consumer group.
type KafkaIngestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"group_id"`
	Readers int    `yaml:"readers"`
}

// KafkaAlertsConfig configures the alert event producer.
type KafkaAlertsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Topic    string         `yaml:"topic"`
	Producer ProducerConfig `yaml:"producer"`
}

// ProducerConfig tunes the kafka-go writer pool.
type ProducerConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
}

// RedisConfig configures the Redis stream sink feeding summarizers.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Stream      string `yaml:"stream"`
	MaxLen      int64  `yaml:"max_len"`
}

// Password returns the Redis password resolved from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// MQTTConfig configures the device measurement subscription.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	Topic       string `yaml:"topic"`
	QoS         byte   `yaml:"qos"`
}

// Password returns the MQTT password resolved from the environment.
func (m MQTTConfig) Password() string {
	if m.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(m.PasswordEnv)
}

// WebSocketConfig configures the live alert feed.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`

	// SendBuffer is the per-client queue; a client that falls this far
	// behind is disconnected.
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		ServiceName: "vitalwatch",
		LogLevel:    "info",
		HTTP: HTTPConfig{
			Addr:            DefaultHTTPAddr,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxRequestBytes: 10 << 20,
		},
		Engine: EngineConfig{
			GraceWindow:     DefaultGraceWindow,
			VitalMaxAge:     DefaultVitalMaxAge,
			MaxClockSkew:    DefaultMaxClockSkew,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Liveness: LivenessConfig{
			Interval:  DefaultLivenessInterval,
			Threshold: DefaultLivenessThreshold,
			Severity:  "high",
		},
		Rules: DefaultRules(),
		Publisher: PublisherConfig{
			QueueSize:    DefaultQueueSize,
			Workers:      DefaultWorkers,
			BatchSize:    DefaultBatchSize,
			BatchTimeout: DefaultBatchTimeout,
			MaxRetries:   DefaultMaxRetries,
			RetryBackoff: DefaultRetryBackoff,
			MaxBackoff:   DefaultMaxBackoff,
			OverflowPath: "alerts-overflow.log",
		},
		Storage: StorageConfig{
			Backend:         "memory",
			DSNEnv:          "VITALWATCH_DATABASE_URL",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Ingest: KafkaIngestConfig{
				Topic:   "vitals.measurements",
				GroupID: "vitalwatch-alert-engine",
				Readers: 1,
			},
			Alerts: KafkaAlertsConfig{
				Topic: "vitals.alerts",
				Producer: ProducerConfig{
					PoolSize:     2,
					BatchSize:    100,
					BatchTimeout: 10 * time.Millisecond,
					WriteTimeout: 10 * time.Second,
					RequiredAcks: -1,
					Compression:  "snappy",
				},
			},
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Stream: "vitalwatch:alerts",
			MaxLen: 100000,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "vitalwatch-alert-engine",
			Topic:    "vitals/+/measurements",
			QoS:      1,
		},
		WebSocket: WebSocketConfig{
			Enabled:      true,
			SendBuffer:   64,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// DefaultRules returns the canonical clinical rule set.
func DefaultRules() []RuleConfig {
	rule := func(kind, vital, cmp string, threshold float64, severity string) RuleConfig {
		return RuleConfig{
			Kind:            kind,
			Vital:           vital,
			Comparator:      cmp,
			Threshold:       threshold,
			Severity:        severity,
			Debounce:        DefaultDebounce,
			Hysteresis:      DefaultHysteresis,
			ConfirmInterval: DefaultConfirmInterval,
		}
	}
	return []RuleConfig{
		rule("TACHYCARDIA", "heart_rate", "above", 100, "moderate"),
		rule("BRADYCARDIA", "heart_rate", "below", 60, "moderate"),
		rule("HYPOXIA", "spo2", "below", 90, "high"),
		rule("FEVER", "temperature_c", "above", 38.0, "low"),
		rule("HYPERTENSIVE_CRISIS", "systolic_bp", "above", 180, "critical"),
		rule("HYPOTENSION", "systolic_bp", "below", 90, "high"),
		rule("HYPOTHERMIA", "temperature_c", "below", 35.0, "high"),
		rule("TACHYPNEA", "respiratory_rate", "above", 24, "moderate"),
		rule("BRADYPNEA", "respiratory_rate", "below", 8, "high"),
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults; a file without a
// rules section keeps the default rule set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes on top of Default and validates them.
// A document with no content is rejected, since it is usually a file
// caught mid-write.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := Default()
	if err := doc.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets a few deployment knobs be overridden without editing the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
}

// Validate checks required fields and structural constraints.
// Rule semantics (known vitals, unique kinds) are checked when the rule
// set is compiled.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Engine.GraceWindow < 0 {
		return fmt.Errorf("engine.grace_window must not be negative")
	}
	if c.Engine.MaxClockSkew < 0 || c.Engine.MaxClockSkew > c.Engine.GraceWindow {
		return fmt.Errorf("engine.max_clock_skew must be between 0 and engine.grace_window")
	}
	if c.Engine.VitalMaxAge < 0 {
		return fmt.Errorf("engine.vital_max_age must not be negative")
	}
	if c.Liveness.Interval <= 0 {
		return fmt.Errorf("liveness.interval must be positive")
	}
	if c.Liveness.Threshold <= 0 {
		return fmt.Errorf("liveness.threshold must be positive")
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("rules must not be empty")
	}
	for i, r := range c.Rules {
		if r.Kind == "" {
			return fmt.Errorf("rules[%d]: kind is required", i)
		}
		switch r.Comparator {
		case "above", "below":
		default:
			return fmt.Errorf("rules[%d] %q: unknown comparator %q", i, r.Kind, r.Comparator)
		}
		if r.Debounce < 0 || r.Hysteresis < 0 || r.ConfirmInterval < 0 {
			return fmt.Errorf("rules[%d] %q: windows must not be negative", i, r.Kind)
		}
	}
	if c.Publisher.QueueSize <= 0 {
		return fmt.Errorf("publisher.queue_size must be positive")
	}
	if c.Publisher.Workers <= 0 {
		return fmt.Errorf("publisher.workers must be positive")
	}
	if c.Publisher.BatchSize <= 0 {
		return fmt.Errorf("publisher.batch_size must be positive")
	}
	if c.Publisher.MaxRetries < 0 {
		return fmt.Errorf("publisher.max_retries must not be negative")
	}
	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if (c.Kafka.Ingest.Enabled || c.Kafka.Alerts.Enabled) && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Kafka.Ingest.Enabled && c.Kafka.Ingest.Topic == "" {
		return fmt.Errorf("kafka.ingest.topic is required")
	}
	if c.Kafka.Alerts.Enabled && c.Kafka.Alerts.Topic == "" {
		return fmt.Errorf("kafka.alerts.topic is required")
	}
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		return fmt.Errorf("mqtt.broker and mqtt.topic are required when mqtt is enabled")
	}
	if c.Redis.Enabled && c.Redis.Stream == "" {
		return fmt.Errorf("redis.stream is required when redis is enabled")
	}
	return nil
}
