package main

import (
	"log/slog"
	"time"

	"github.com/djlord-it/certpipe/internal/config"
)

// logConfigWarnings logs operator-facing warnings about risky but valid
// configurations. P0 means a failure mode can lose work silently.
func logConfigWarnings(logger *slog.Logger, cfg config.Config, roles roleSet) {
	if cfg.QueueBackend == config.BackendMemory && !roles.all() {
		logger.Warn("WARNING [P0]: QUEUE_BACKEND=memory with roles split across processes. " +
			"In-memory queues are not shared; messages published here are never consumed elsewhere.")
	}

	if !cfg.ReconcileEnabled {
		logger.Warn("WARNING [P0]: RECONCILE_ENABLED=false. " +
			"Completions whose publish failed after the progress write are never retried.")
		if cfg.AckOnPublishFailure {
			logger.Warn("WARNING [P0]: ACK_ON_PUBLISH_FAILURE=true with RECONCILE_ENABLED=false. " +
				"A notification publish failure loses the email permanently.")
		}
	}

	if cfg.ReconcileEnabled && cfg.DirectoryBackend != config.BackendRedis {
		logger.Warn("WARNING [P0]: RECONCILE_ENABLED=true with DIRECTORY_BACKEND=none. " +
			"Republished completions use the email stored with progress; learners who never reported one stay un-notified.")
	}

	if window := cfg.VisibilityTimeout * time.Duration(cfg.MaxReceives); cfg.MaxReceives > 0 && cfg.RecoveryGrace >= window {
		logger.Warn("WARNING [P1]: RECOVERY_GRACE is not shorter than VISIBILITY_TIMEOUT x MAX_RECEIVES. "+
			"A completion nacked after a failed notification publish is dead-lettered before the issuer retries it; only the reconciler recovers it.",
			"recovery_grace", cfg.RecoveryGrace,
			"redelivery_window", window,
		)
	}

	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn("WARNING [P1]: STORE_BACKEND=memory. Progress and certificates are lost on restart.")
	}

	if !cfg.MetricsEnabled {
		logger.Warn("WARNING [P1]: METRICS_ENABLED=false. Queue depth and email outcomes are not observable.")
	}

	if cfg.QueueBackend == config.BackendSQS && cfg.DeadLetterQueueURL == "" {
		logger.Warn("WARNING [P1]: DEAD_LETTER_QUEUE_URL not set. " +
			"Messages past MAX_RECEIVES rely on the SQS redrive policy.")
	}

	if cfg.MailBackend == config.BackendLog {
		logger.Info("INFO: MAIL_BACKEND=log. Emails are rendered and logged, not delivered.")
	}

	if cfg.LeaderElection && cfg.StoreBackend != config.BackendPostgres {
		logger.Info("INFO: LEADER_ELECTION=true uses DATABASE_URL only for the advisory lock.")
	}
}
