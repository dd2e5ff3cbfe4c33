// Package reconciler closes the gap left by completion events that were never
// published.
//
// A completion is orphaned when its progress record reached 100% but the
// ledger holds no certificate for it, or holds one that was never notified
// (the tracker returned a degraded result, or the issuer acked a publish
// failure). The reconciler scans for orphans on a cron schedule and
// re-publishes their completion events. Idempotency is guaranteed by the
// issuer's conditional ledger write: a completion that was already handled is
// acked as a duplicate.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/djlord-it/certpipe/internal/cron"
	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/queue"
)

// Store defines the interface for fetching orphaned completions.
type Store interface {
	GetOrphanedCompletions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ProgressRecord, error)
}

// MetricsSink defines the interface for recording reconciler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	OrphanedCompletionsUpdate(count int)
	CompletionsRepublished(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Schedule is a five-field cron expression.
	// Default: every 5 minutes.
	Schedule string

	// Timezone the schedule is evaluated in.
	// Default: UTC.
	Timezone string

	// Threshold is the age after which a completion without a notified
	// certificate is considered orphaned. It must exceed the time a healthy
	// pipeline needs to issue and notify.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of orphans to process per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:  "*/5 * * * *",
		Timezone:  "UTC",
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// CycleResult summarizes one sweep.
type CycleResult struct {
	Found       int
	Republished int
	Failed      int
}

// Reconciler detects orphaned completions and re-publishes them.
type Reconciler struct {
	config    Config
	schedule  cron.Schedule
	store     Store
	publisher queue.Publisher
	metrics   MetricsSink // optional, nil = disabled
	logger    *slog.Logger
	clock     func() time.Time
}

// New creates a new Reconciler. It fails if the schedule does not parse.
func New(config Config, store Store, publisher queue.Publisher) (*Reconciler, error) {
	if config.Timezone == "" {
		config.Timezone = "UTC"
	}
	schedule, err := cron.NewParser().Parse(config.Schedule, config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("reconciler schedule: %w", err)
	}
	return &Reconciler{
		config:    config,
		schedule:  schedule,
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
		clock:     time.Now,
	}, nil
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(logger *slog.Logger) *Reconciler {
	r.logger = logger
	return r
}

// WithClock overrides time.Now for the orphan threshold and schedule.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.clock = now
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler: started",
		"schedule", r.config.Schedule,
		"threshold", r.config.Threshold,
		"batch", r.config.BatchSize,
	)

	// Run immediately on startup, then on schedule
	r.runCycle(ctx)

	for {
		next := r.schedule.Next(r.clock())
		timer := time.NewTimer(next.Sub(r.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("reconciler: stopped")
			return
		case <-timer.C:
			r.runCycle(ctx)
		}
	}
}

// RunOnce executes a single sweep and returns its result.
func (r *Reconciler) RunOnce(ctx context.Context) (CycleResult, error) {
	return r.runCycle(ctx)
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) (CycleResult, error) {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	orphans, err := r.store.GetOrphanedCompletions(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// Store error: log and abort cycle. Will retry next run.
		r.logger.Error("reconciler: failed to fetch orphans", "error", err)
		return CycleResult{}, err
	}

	result := CycleResult{Found: len(orphans)}
	if r.metrics != nil {
		r.metrics.OrphanedCompletionsUpdate(len(orphans))
	}
	if len(orphans) == 0 {
		return result, nil
	}

	r.logger.Info("reconciler: found orphaned completions", "count", len(orphans))

	for _, rec := range orphans {
		// Check context before each publish to allow graceful shutdown
		if ctx.Err() != nil {
			r.logger.Info("reconciler: cycle interrupted",
				"processed", result.Republished+result.Failed,
				"found", len(orphans),
			)
			break
		}

		body, err := domain.Encode(domain.CompletionEvent{
			LearnerID:   rec.LearnerID,
			CourseID:    rec.CourseID,
			Email:       rec.Email,
			CompletedAt: rec.UpdatedAt,
		})
		if err == nil {
			_, err = r.publisher.Publish(ctx, body)
		}
		if err != nil {
			// Log and continue - will retry next cycle.
			r.logger.Warn("reconciler: failed to republish completion",
				"learner_id", rec.LearnerID,
				"course_id", rec.CourseID,
				"error", err,
			)
			result.Failed++
			continue
		}

		r.logger.Info("reconciler: republished completion",
			"learner_id", rec.LearnerID,
			"course_id", rec.CourseID,
			"age", now.Sub(rec.UpdatedAt).Round(time.Second),
		)
		result.Republished++
	}

	if r.metrics != nil {
		r.metrics.CompletionsRepublished(result.Republished)
	}
	r.logger.Info("reconciler: cycle complete", "republished", result.Republished, "failed", result.Failed)
	return result, nil
}
