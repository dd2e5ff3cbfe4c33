// Package tracker records learner progress and announces course completions.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/queue"
)

var defaultPublishBackoff = []time.Duration{
	0,
	100 * time.Millisecond,
	500 * time.Millisecond,
}

// Store is the progress store as seen by the tracker.
type Store interface {
	GetProgress(ctx context.Context, learnerID, courseID string) (domain.ProgressRecord, error)
	// PutProgress upserts last-write-wins by UpdatedAt. applied is false when
	// the stored record is strictly newer.
	PutProgress(ctx context.Context, rec domain.ProgressRecord) (applied bool, err error)
}

// MetricsSink defines the interface for recording tracker metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ProgressRecorded(result string)
	CompletionPublishFailed()
}

// Result labels for MetricsSink.ProgressRecorded.
const (
	ResultApplied    = "applied"
	ResultStale      = "stale"
	ResultInvalid    = "invalid"
	ResultStoreError = "store_error"
)

// Update is one progress report from a client.
type Update struct {
	LearnerID string
	CourseID  string
	// Percent is required; nil means the field was absent.
	Percent *int
	// At is when the client observed the progress. Zero means now.
	At time.Time
	// Email is carried on the completion event when set.
	Email string
}

// Validate checks the update before anything is written.
func (u Update) Validate() error {
	if u.LearnerID == "" {
		return &domain.ValidationError{Field: "learner_id", Message: "required"}
	}
	if u.CourseID == "" {
		return &domain.ValidationError{Field: "course_id", Message: "required"}
	}
	if u.Percent == nil {
		return &domain.ValidationError{Field: "percent", Message: "required"}
	}
	if *u.Percent < 0 || *u.Percent > domain.CompletionPercent {
		return &domain.ValidationError{Field: "percent", Message: "must be between 0 and 100"}
	}
	return nil
}

type Status string

const (
	StatusOK Status = "ok"
	// StatusDegraded means the progress was stored but the completion event
	// could not be published. The reconciler closes the gap later.
	StatusDegraded Status = "degraded"
)

type Result struct {
	Status Status `json:"status"`
	// Applied is false when a newer record was already stored.
	Applied             bool   `json:"applied"`
	CompletionPublished bool   `json:"completion_published"`
	PublishError        string `json:"publish_error,omitempty"`
}

type Tracker struct {
	store     Store
	publisher queue.Publisher
	metrics   MetricsSink // optional, nil = disabled
	logger    *slog.Logger
	now       func() time.Time
	backoff   []time.Duration
}

func New(store Store, publisher queue.Publisher) *Tracker {
	return &Tracker{
		store:     store,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
		backoff:   defaultPublishBackoff,
	}
}

// WithMetrics attaches a metrics sink to the tracker.
func (t *Tracker) WithMetrics(sink MetricsSink) *Tracker {
	t.metrics = sink
	return t
}

func (t *Tracker) WithLogger(logger *slog.Logger) *Tracker {
	t.logger = logger
	return t
}

// WithClock overrides the time source used when an update carries no timestamp.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// WithPublishBackoff sets the delay before each publish attempt.
// The number of entries is the number of attempts.
func (t *Tracker) WithPublishBackoff(backoff []time.Duration) *Tracker {
	if len(backoff) > 0 {
		t.backoff = backoff
	}
	return t
}

// WithPublishAttempts keeps the default delays but caps the number of attempts.
func (t *Tracker) WithPublishAttempts(n int) *Tracker {
	if n <= 0 {
		return t
	}
	backoff := make([]time.Duration, n)
	for i := range backoff {
		if i < len(defaultPublishBackoff) {
			backoff[i] = defaultPublishBackoff[i]
		} else {
			backoff[i] = defaultPublishBackoff[len(defaultPublishBackoff)-1]
		}
	}
	t.backoff = backoff
	return t
}

// RecordProgress stores the update and publishes a completion event when the
// reported percent is exactly 100.
//
// A completion is published even if the write lost to a newer record, so a
// redelivered or retried 100% report always reaches the issuer. The issuer is
// idempotent on (learner, course).
func (t *Tracker) RecordProgress(ctx context.Context, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		t.recordMetric(ResultInvalid)
		return Result{}, err
	}

	at := u.At
	if at.IsZero() {
		at = t.now()
	}
	rec := domain.ProgressRecord{
		LearnerID: u.LearnerID,
		CourseID:  u.CourseID,
		Percent:   *u.Percent,
		Email:     u.Email,
		UpdatedAt: at.UTC(),
	}

	applied, err := t.store.PutProgress(ctx, rec)
	if err != nil {
		t.recordMetric(ResultStoreError)
		return Result{}, domain.TransientError("progress_store", fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err))
	}
	if applied {
		t.recordMetric(ResultApplied)
	} else {
		t.recordMetric(ResultStale)
		t.logger.Debug("tracker: stale update ignored",
			"learner_id", rec.LearnerID,
			"course_id", rec.CourseID,
			"updated_at", rec.UpdatedAt,
		)
	}

	result := Result{Status: StatusOK, Applied: applied}
	if !rec.Completed() {
		return result, nil
	}

	event := domain.CompletionEvent{
		LearnerID:   rec.LearnerID,
		CourseID:    rec.CourseID,
		Email:       u.Email,
		CompletedAt: rec.UpdatedAt,
	}
	if err := t.publish(ctx, event); err != nil {
		if t.metrics != nil {
			t.metrics.CompletionPublishFailed()
		}
		t.logger.Error("tracker: completion publish failed, progress kept",
			"learner_id", rec.LearnerID,
			"course_id", rec.CourseID,
			"error", err,
		)
		result.Status = StatusDegraded
		result.PublishError = err.Error()
		return result, nil
	}

	result.CompletionPublished = true
	t.logger.Info("tracker: completion published",
		"learner_id", rec.LearnerID,
		"course_id", rec.CourseID,
	)
	return result, nil
}

// GetProgress returns the stored progress for a learner and course.
// domain.ErrNotFound is returned unwrapped so callers can map it to 404.
func (t *Tracker) GetProgress(ctx context.Context, learnerID, courseID string) (domain.ProgressRecord, error) {
	if learnerID == "" {
		return domain.ProgressRecord{}, &domain.ValidationError{Field: "learner_id", Message: "required"}
	}
	if courseID == "" {
		return domain.ProgressRecord{}, &domain.ValidationError{Field: "course_id", Message: "required"}
	}
	rec, err := t.store.GetProgress(ctx, learnerID, courseID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ProgressRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ProgressRecord{}, domain.TransientError("progress_store", fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err))
	}
	return rec, nil
}

func (t *Tracker) publish(ctx context.Context, event domain.CompletionEvent) error {
	body, err := domain.Encode(event)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt, delay := range t.backoff {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", domain.ErrQueuePublishFailed, ctx.Err())
			case <-time.After(delay):
			}
		}

		_, err := t.publisher.Publish(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if domain.IsPermanent(err) {
			break
		}
		t.logger.Warn("tracker: publish attempt failed",
			"attempt", attempt+1,
			"error", err,
		)
	}
	return fmt.Errorf("%w: %w", domain.ErrQueuePublishFailed, lastErr)
}

func (t *Tracker) recordMetric(result string) {
	if t.metrics != nil {
		t.metrics.ProgressRecorded(result)
	}
}
