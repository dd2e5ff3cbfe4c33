package config

import (
	"fmt"
	"time"

	"github.com/djlord-it/certpipe/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch cfg.StoreBackend {
	case BackendPostgres:
		// DATABASE_URL is required for the Postgres store
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_BACKEND=postgres")
		}
	case BackendDynamoDB:
		if cfg.ProgressTable == "" {
			add("PROGRESS_TABLE", "required when STORE_BACKEND=dynamodb")
		}
		if cfg.CertificatesTable == "" {
			add("CERTIFICATES_TABLE", "required when STORE_BACKEND=dynamodb")
		}
	case BackendMemory:
	default:
		add("STORE_BACKEND", fmt.Sprintf("must be 'postgres', 'dynamodb' or 'memory', got %q", cfg.StoreBackend))
	}

	switch cfg.QueueBackend {
	case BackendSQS, BackendRedis:
		if cfg.CompletionQueueURL == "" {
			add("COMPLETION_QUEUE_URL", "required")
		}
		if cfg.NotificationQueueURL == "" {
			add("NOTIFICATION_QUEUE_URL", "required")
		}
		if cfg.QueueBackend == BackendRedis && cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when QUEUE_BACKEND=redis")
		}
	case BackendMemory:
	default:
		add("QUEUE_BACKEND", fmt.Sprintf("must be 'sqs', 'redis' or 'memory', got %q", cfg.QueueBackend))
	}

	switch cfg.DirectoryBackend {
	case BackendNone, "":
	case BackendRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when DIRECTORY_BACKEND=redis")
		}
	default:
		add("DIRECTORY_BACKEND", fmt.Sprintf("must be 'none' or 'redis', got %q", cfg.DirectoryBackend))
	}

	switch cfg.MailBackend {
	case BackendSES:
		if cfg.SESEmailIdentity == "" {
			add("SES_EMAIL_IDENTITY", "required when MAIL_BACKEND=ses")
		}
	case BackendWebhook:
		if cfg.MailWebhookURL == "" {
			add("MAIL_WEBHOOK_URL", "required when MAIL_BACKEND=webhook")
		}
	case BackendLog:
	default:
		add("MAIL_BACKEND", fmt.Sprintf("must be 'ses', 'webhook' or 'log', got %q", cfg.MailBackend))
	}

	for _, d := range []struct {
		field string
		raw   string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"DRAIN_TIMEOUT", cfg.DrainTimeoutStr},
		{"VISIBILITY_TIMEOUT", cfg.VisibilityTimeoutStr},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
	} {
		if msg := checkDuration(d.raw, false); msg != "" {
			add(d.field, msg)
		}
	}
	// Zero is allowed: short polling / no grace.
	if msg := checkDuration(cfg.WaitTimeStr, true); msg != "" {
		add("WAIT_TIME", msg)
	}
	if msg := checkDuration(cfg.RecoveryGraceStr, true); msg != "" {
		add("RECOVERY_GRACE", msg)
	}

	// SQS caps both at 10 messages / 20 seconds.
	if cfg.BatchSize > 10 {
		add("BATCH_SIZE", fmt.Sprintf("must be between 1 and 10, got %d", cfg.BatchSize))
	}
	if cfg.WaitTime > 20*time.Second {
		add("WAIT_TIME", fmt.Sprintf("must not exceed 20s, got %s", cfg.WaitTimeStr))
	}

	if cfg.ReconcileEnabled {
		if _, err := cron.NewParser().Parse(cfg.ReconcileSchedule, cfg.ReconcileTimezone); err != nil {
			add("RECONCILE_SCHEDULE", err.Error())
		}
	}
	if cfg.LeaderElection && cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required when LEADER_ELECTION=true")
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		add("LOG_FORMAT", fmt.Sprintf("must be 'json' or 'text', got %q", cfg.LogFormat))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL", fmt.Sprintf("must be one of debug, info, warn, error, got %q", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func checkDuration(raw string, allowZero bool) string {
	if raw == "" {
		return ""
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Sprintf("invalid duration: %v", err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return "must be positive"
	}
	return ""
}
