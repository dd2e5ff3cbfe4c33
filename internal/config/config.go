package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the environment variable pointing at an optional TOML file.
// File keys are the lower-case form of the environment names
// (store_backend, completion_queue_url, ...). Environment variables win.
const FileEnv = "CERTPIPE_CONFIG"

// Backend names.
const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
	BackendSQS      = "sqs"
	BackendRedis    = "redis"
	BackendSES      = "ses"
	BackendWebhook  = "webhook"
	BackendLog      = "log"
	BackendNone     = "none"
)

// Config holds all configuration for the certpipe services.
type Config struct {
	StoreBackend string `json:"store_backend"`
	QueueBackend string `json:"queue_backend"`
	MailBackend  string `json:"mail_backend"`

	DatabaseURL          string        `json:"database_url"`
	DBOpTimeout          time.Duration `json:"-"`
	DBOpTimeoutStr       string        `json:"db_op_timeout"`
	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	ProgressTable     string `json:"progress_table"`
	CertificatesTable string `json:"certificates_table"`

	CompletionQueueURL   string `json:"completion_queue_url"`
	NotificationQueueURL string `json:"notification_queue_url"`
	DeadLetterQueueURL   string `json:"dead_letter_queue_url,omitempty"`
	RedisAddr            string `json:"redis_addr,omitempty"`

	// DirectoryBackend resolves missing learner emails: "none" or "redis".
	DirectoryBackend string `json:"directory_backend"`
	DirectoryPrefix  string `json:"directory_prefix,omitempty"`

	AWSRegion      string `json:"aws_region"`
	AWSEndpointURL string `json:"aws_endpoint_url,omitempty"`
	AWSMaxAttempts int    `json:"aws_max_attempts"`

	SESEmailIdentity   string `json:"ses_email_identity,omitempty"`
	MailWebhookURL     string `json:"mail_webhook_url,omitempty"`
	MailWebhookSecret  string `json:"mail_webhook_secret,omitempty"`
	CertificateURLBase string `json:"certificate_url_base"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	DrainTimeout           time.Duration `json:"-"`
	DrainTimeoutStr        string        `json:"drain_timeout"`

	BatchSize            int           `json:"batch_size"`
	WaitTime             time.Duration `json:"-"`
	WaitTimeStr          string        `json:"wait_time"`
	VisibilityTimeout    time.Duration `json:"-"`
	VisibilityTimeoutStr string        `json:"visibility_timeout"`
	MaxReceives          int           `json:"max_receives"`
	DispatcherWorkers    int           `json:"dispatcher_workers"`
	PublishAttempts      int           `json:"publish_attempts"`
	AckOnPublishFailure  bool          `json:"ack_on_publish_failure"`
	RecoveryGrace        time.Duration `json:"-"`
	RecoveryGraceStr     string        `json:"recovery_grace"`

	ReconcileEnabled      bool          `json:"reconcile_enabled"`
	ReconcileSchedule     string        `json:"reconcile_schedule"`
	ReconcileTimezone     string        `json:"reconcile_timezone"`
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsAddr    string `json:"metrics_addr"`
	MetricsPath    string `json:"metrics_path"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// LeaderElection gates the reconciler behind a Postgres advisory lock.
	// All instances sharing the same database must use the same key.
	LeaderElection             bool          `json:"leader_election"`
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// source resolves a key from the environment, then from the optional file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

func (s source) str(key, def string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return def
}

func (s source) boolean(key string) bool {
	return s.get(key) == "true"
}

// positive returns the key as a positive integer, or def when unset or invalid.
func (s source) positive(key string, def int) int {
	v := s.get(key)
	if v == "" {
		return def
	}
	n, err := parseInt(v)
	if err != nil || n <= 0 {
		slog.Warn("config: invalid value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// Load reads configuration from environment variables with defaults,
// layered over the TOML file named by CERTPIPE_CONFIG when set.
func Load() (Config, error) {
	src := source{}
	if path := os.Getenv(FileEnv); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	cfg := Config{
		StoreBackend: src.str("STORE_BACKEND", BackendPostgres),
		QueueBackend: src.str("QUEUE_BACKEND", BackendSQS),
		MailBackend:  src.str("MAIL_BACKEND", BackendSES),

		DatabaseURL:          src.get("DATABASE_URL"),
		DBOpTimeoutStr:       src.str("DB_OP_TIMEOUT", "5s"),
		DBMaxOpenConns:       src.positive("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:       src.positive("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetimeStr: src.str("DB_CONN_MAX_LIFETIME", "30m"),

		ProgressTable:     src.str("PROGRESS_TABLE", "progress"),
		CertificatesTable: src.str("CERTIFICATES_TABLE", "certificates"),

		CompletionQueueURL:   src.str("COMPLETION_QUEUE_URL", "completions"),
		NotificationQueueURL: src.str("NOTIFICATION_QUEUE_URL", "notifications"),
		DeadLetterQueueURL:   src.get("DEAD_LETTER_QUEUE_URL"),
		RedisAddr:            src.get("REDIS_ADDR"),

		DirectoryBackend: src.str("DIRECTORY_BACKEND", BackendNone),
		DirectoryPrefix:  src.get("DIRECTORY_PREFIX"),

		AWSRegion:      src.str("AWS_REGION", "us-east-1"),
		AWSEndpointURL: src.get("AWS_ENDPOINT_URL"),
		AWSMaxAttempts: src.positive("AWS_MAX_ATTEMPTS", 3),

		SESEmailIdentity:   src.get("SES_EMAIL_IDENTITY"),
		MailWebhookURL:     src.get("MAIL_WEBHOOK_URL"),
		MailWebhookSecret:  src.get("MAIL_WEBHOOK_SECRET"),
		CertificateURLBase: src.str("CERTIFICATE_URL_BASE", "https://certificates.example.com"),

		HTTPShutdownTimeoutStr: src.str("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		DrainTimeoutStr:        src.str("DRAIN_TIMEOUT", "30s"),

		BatchSize:            src.positive("BATCH_SIZE", 10),
		WaitTimeStr:          src.str("WAIT_TIME", "5s"),
		VisibilityTimeoutStr: src.str("VISIBILITY_TIMEOUT", "30s"),
		MaxReceives:          src.positive("MAX_RECEIVES", 5),
		DispatcherWorkers:    src.positive("DISPATCHER_WORKERS", 1),
		PublishAttempts:      src.positive("PUBLISH_ATTEMPTS", 3),
		AckOnPublishFailure:  src.boolean("ACK_ON_PUBLISH_FAILURE"),
		RecoveryGraceStr:     src.str("RECOVERY_GRACE", "30s"),

		ReconcileEnabled:      src.boolean("RECONCILE_ENABLED"),
		ReconcileSchedule:     src.str("RECONCILE_SCHEDULE", "*/5 * * * *"),
		ReconcileTimezone:     src.str("RECONCILE_TIMEZONE", "UTC"),
		ReconcileThresholdStr: src.str("RECONCILE_THRESHOLD", "10m"),
		ReconcileBatchSize:    src.positive("RECONCILE_BATCH_SIZE", 100),

		CircuitBreakerCooldownStr: src.str("CIRCUIT_BREAKER_COOLDOWN", "2m"),

		MetricsEnabled: src.boolean("METRICS_ENABLED"),
		MetricsAddr:    src.str("METRICS_ADDR", ":9090"),
		MetricsPath:    src.str("METRICS_PATH", "/metrics"),

		LogLevel:  src.str("LOG_LEVEL", "info"),
		LogFormat: src.str("LOG_FORMAT", "json"),

		LeaderElection:             src.boolean("LEADER_ELECTION"),
		LeaderLockKey:              int64(src.positive("LEADER_LOCK_KEY", 728379)),
		LeaderRetryIntervalStr:     src.str("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: src.str("LEADER_HEARTBEAT_INTERVAL", "2s"),
	}

	// 0 is a valid threshold (disabled), so it cannot go through positive().
	cfg.CircuitBreakerThreshold = 5
	if v := src.get("CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			slog.Warn("config: invalid CIRCUIT_BREAKER_THRESHOLD, using default 5", "value", v)
		}
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	cfg.HTTPAddr = src.get("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	// Parse durations; validation is handled separately by Validate().
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{cfg.DBOpTimeoutStr, &cfg.DBOpTimeout},
		{cfg.DBConnMaxLifetimeStr, &cfg.DBConnMaxLifetime},
		{cfg.HTTPShutdownTimeoutStr, &cfg.HTTPShutdownTimeout},
		{cfg.DrainTimeoutStr, &cfg.DrainTimeout},
		{cfg.WaitTimeStr, &cfg.WaitTime},
		{cfg.VisibilityTimeoutStr, &cfg.VisibilityTimeout},
		{cfg.RecoveryGraceStr, &cfg.RecoveryGrace},
		{cfg.ReconcileThresholdStr, &cfg.ReconcileThreshold},
		{cfg.CircuitBreakerCooldownStr, &cfg.CircuitBreakerCooldown},
		{cfg.LeaderRetryIntervalStr, &cfg.LeaderRetryInterval},
		{cfg.LeaderHeartbeatIntervalStr, &cfg.LeaderHeartbeatInterval},
	} {
		if parsed, err := time.ParseDuration(d.raw); err == nil {
			*d.dst = parsed
		}
	}

	return cfg, nil
}

// readFile decodes a flat TOML table into lower-case string values.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("parse config file %s: key %q must be a scalar", path, k)
		default:
			out[strings.ToLower(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.MailWebhookSecret = maskSecret(c.MailWebhookSecret)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
