// Package config handles configuration loading for threatlens.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Queue     QueueConfig     `yaml:"queue"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Detection DetectionConfig `yaml:"detection"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Workers   WorkerConfig    `yaml:"workers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// QueueConfig holds event queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// AuthConfig holds API authentication settings. Keys are stored as
// bcrypt hashes; plaintext keys never live in configuration.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

// RateLimitConfig holds per-client request rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig holds baseline persistence settings.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// KafkaConfig holds event consumer and alert producer settings.
type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"events_topic"`
	AlertsTopic string   `yaml:"alerts_topic"`
	GroupID     string   `yaml:"group_id"`
	MinBytes    int      `yaml:"min_bytes"`
	MaxBytes    int      `yaml:"max_bytes"`
}

// StorageConfig holds analytical storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds S3 alert archive settings.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// ScoringConfig holds behavioral scoring settings.
type ScoringConfig struct {
	WorkHoursStart  int     `yaml:"work_hours_start"`
	WorkHoursEnd    int     `yaml:"work_hours_end"`
	NoBaselineScore float64 `yaml:"no_baseline_score"`
	DriftThreshold  float64 `yaml:"drift_threshold"`
}

// DetectionConfig holds threat detection thresholds.
type DetectionConfig struct {
	DataVolumeThreshold     float64  `yaml:"data_volume_threshold"`
	BulkAccessThreshold     float64  `yaml:"bulk_access_threshold"`
	SuspiciousExtensions    []string `yaml:"suspicious_extensions"`
	WorkHoursRatioThreshold float64  `yaml:"work_hours_ratio_threshold"`
	MaxLoginLocations       float64  `yaml:"max_login_locations"`
	FailedLoginThreshold    float64  `yaml:"failed_login_threshold"`
	AnomalyScoreThreshold   float64  `yaml:"anomaly_score_threshold"`
	FusionThreshold         float64  `yaml:"fusion_threshold"`
}

// AlertingConfig holds alert generation and channel settings.
type AlertingConfig struct {
	UserHourlyLimit       int           `yaml:"user_hourly_limit"`
	ThreatTypeHourlyLimit int           `yaml:"threat_type_hourly_limit"`
	DedupCooldown         time.Duration `yaml:"dedup_cooldown"`
	ChannelTimeout        time.Duration `yaml:"channel_timeout"`
	HistoryLimit          int           `yaml:"history_limit"`
	Email                 EmailConfig   `yaml:"email"`
	Chat                  ChatConfig    `yaml:"chat"`
	Webhook               WebhookConfig `yaml:"webhook"`
	SIEM                  SIEMConfig    `yaml:"siem"`
}

// EmailConfig holds SMTP channel settings.
type EmailConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
}

// ChatConfig holds chat webhook channel settings.
type ChatConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// WebhookConfig holds generic webhook channel settings.
type WebhookConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

// SIEMConfig holds SIEM forwarding settings.
type SIEMConfig struct {
	Enabled bool           `yaml:"enabled"`
	Splunk  SplunkConfig   `yaml:"splunk"`
	DTLS    SIEMDTLSConfig `yaml:"dtls"`
}

// SplunkConfig holds Splunk HTTP Event Collector settings.
type SplunkConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	Index      string `yaml:"index"`
	SourceType string `yaml:"source_type"`
	Source     string `yaml:"source"`
}

// SIEMDTLSConfig holds DTLS CEF forwarding settings.
type SIEMDTLSConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Address            string        `yaml:"address"`
	CertFile           string        `yaml:"cert_file"`
	KeyFile            string        `yaml:"key_file"`
	CAFile             string        `yaml:"ca_file"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
}

// WorkerConfig holds pipeline worker pool settings.
type WorkerConfig struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Auth: AuthConfig{
			Enabled:      false, // Disabled by default for development
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       false,
			RequestsPerIP: 1000,
			BurstSize:     100,
			WindowSize:    time.Minute,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/healthz", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Address:   "localhost:6379",
			KeyPrefix: "threatlens:baseline",
		},
		Kafka: KafkaConfig{
			Enabled:     false,
			Brokers:     []string{"localhost:9092"},
			EventsTopic: "behavioral-events",
			AlertsTopic: "threat-alerts",
			GroupID:     "threatlens",
			MinBytes:    1,
			MaxBytes:    10 * 1024 * 1024,
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "threatlens",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Prefix:        "alerts",
			Region:        "us-east-1",
			BatchSize:     500,
			FlushInterval: time.Minute,
		},
		Scoring: ScoringConfig{
			WorkHoursStart:  9,
			WorkHoursEnd:    17,
			NoBaselineScore: 0.3,
			DriftThreshold:  0.7,
		},
		Detection: DetectionConfig{
			DataVolumeThreshold:     100_000_000,
			BulkAccessThreshold:     50,
			SuspiciousExtensions:    []string{".db", ".sql", ".csv", ".xlsx", ".pst"},
			WorkHoursRatioThreshold: 0.3,
			MaxLoginLocations:       3,
			FailedLoginThreshold:    3,
			AnomalyScoreThreshold:   0.8,
			FusionThreshold:         0.75,
		},
		Alerting: AlertingConfig{
			UserHourlyLimit:       10,
			ThreatTypeHourlyLimit: 5,
			DedupCooldown:         15 * time.Minute,
			ChannelTimeout:        30 * time.Second,
			HistoryLimit:          10000,
			Email: EmailConfig{
				Enabled: false,
				Port:    587,
				From:    "alerts@threatlens.local",
			},
			Chat: ChatConfig{
				Enabled: false,
				Channel: "#security-alerts",
			},
			Webhook: WebhookConfig{
				Enabled: false,
			},
			SIEM: SIEMConfig{
				Enabled: false,
				Splunk: SplunkConfig{
					Index:      "security",
					SourceType: "threatlens:alert",
					Source:     "threatlens",
				},
				DTLS: SIEMDTLSConfig{
					HandshakeTimeout: 30 * time.Second,
				},
			},
		},
		Workers: WorkerConfig{
			Count:        4,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("THREATLENS_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("THREATLENS_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("THREATLENS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if hash := os.Getenv("THREATLENS_API_KEY_HASH"); hash != "" {
		c.Auth.APIKeyHashes = append(c.Auth.APIKeyHashes, hash)
		c.Auth.Enabled = true
	}

	if addr := os.Getenv("THREATLENS_REDIS_ADDR"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}

	if pass := os.Getenv("THREATLENS_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if brokers := os.Getenv("THREATLENS_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	if enabled := os.Getenv("THREATLENS_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if bucket := os.Getenv("THREATLENS_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}

	if token := os.Getenv("THREATLENS_SPLUNK_TOKEN"); token != "" {
		c.Alerting.SIEM.Splunk.Token = token
	}
}

// splitAndTrim splits a string by separator and trims whitespace from
// each part, dropping empty entries.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Scoring.WorkHoursStart < 0 || c.Scoring.WorkHoursEnd > 23 ||
		c.Scoring.WorkHoursStart > c.Scoring.WorkHoursEnd {
		return fmt.Errorf("invalid work hours window: %d..%d",
			c.Scoring.WorkHoursStart, c.Scoring.WorkHoursEnd)
	}

	if c.Scoring.NoBaselineScore < 0 || c.Scoring.NoBaselineScore > 1 {
		return fmt.Errorf("no_baseline_score must be in [0,1]")
	}

	if c.Alerting.UserHourlyLimit <= 0 || c.Alerting.ThreatTypeHourlyLimit <= 0 {
		return fmt.Errorf("alert rate limits must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerIP <= 0 || c.RateLimit.WindowSize <= 0) {
		return fmt.Errorf("rate limit enabled but requests_per_ip or window_size not positive")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeyHashes) == 0 {
		return fmt.Errorf("auth enabled but no api_key_hashes configured")
	}

	if c.Storage.Enabled && len(c.Storage.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("storage enabled but no clickhouse hosts configured")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive enabled but no bucket configured")
	}

	return nil
}
