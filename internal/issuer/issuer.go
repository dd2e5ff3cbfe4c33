// Package issuer turns completion events into certificates and notification events.
//
// Each completion message moves through:
//
//	RECEIVED -> ISSUING -> NOTIFIED -> ACKED
//	RECEIVED -> DUPLICATE -> ACKED
//	RECEIVED -> RECOVERED -> ACKED   (certificate existed but was never notified)
//	RECEIVED -> UNADDRESSED -> ACKED (no email resolved; certificate stays un-notified)
//
// or ends NACKED (left for redelivery) or DEAD_LETTERED.
// The ledger's conditional create is the only guard against double issuance.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/queue"
)

const (
	DefaultBatchSize   = 10
	DefaultWaitTime    = 5 * time.Second
	DefaultMaxReceives = 5

	// DefaultRecoveryGrace is how long an un-notified certificate is left to
	// the delivery that created it before another delivery re-publishes.
	DefaultRecoveryGrace = 30 * time.Second

	// receiveErrorBackoff is how long Run waits after a failed receive.
	receiveErrorBackoff = time.Second
)

// Ledger is the certificate ledger as seen by the issuer.
type Ledger interface {
	// PutIfAbsent creates cert unless its ID exists. created is false on conflict.
	PutIfAbsent(ctx context.Context, cert domain.Certificate) (created bool, err error)
	GetCertificate(ctx context.Context, certificateID string) (domain.LedgerEntry, error)
	// MarkNotified records the notification as published. Set-once.
	MarkNotified(ctx context.Context, certificateID string, at time.Time) error
}

// Directory resolves a learner's email address when the completion event has none.
// Implementations return domain.ErrNotFound for unknown learners.
type Directory interface {
	LookupEmail(ctx context.Context, learnerID string) (string, error)
}

// MetricsSink defines the interface for recording issuer metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	IssuerOutcome(state string)
	NotificationGap()
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type State string

const (
	StateNotified     State = "notified"
	StateDuplicate    State = "duplicate"
	StateRecovered    State = "recovered"
	StateNacked       State = "nacked"
	StateDeadLettered State = "dead_lettered"
	// StatePublishGap is an acked message whose notification was never published.
	// Only reachable with WithAckOnPublishFailure.
	StatePublishGap State = "publish_gap"
	// StateUnaddressed is an acked message whose notification went out without
	// a recipient. The ledger entry is left un-notified so the reconciler
	// retries once an address is known.
	StateUnaddressed State = "unaddressed"
)

// Outcome is the result of handling one completion event.
type Outcome struct {
	State         State
	CertificateID string
	// Ack reports whether the message should be deleted from the queue.
	Ack bool
}

// BatchResult counts per-message outcomes of one batch.
type BatchResult struct {
	Received     int
	Issued       int
	Duplicates   int
	Recovered    int
	Unaddressed  int
	Nacked       int
	DeadLettered int
}

type Issuer struct {
	consumer      queue.Consumer
	ledger        Ledger
	notifications queue.Publisher
	deadLetter    queue.Publisher // optional, nil = rely on queue redrive
	directory     Directory       // optional
	metrics       MetricsSink     // optional, nil = disabled
	logger        *slog.Logger
	now           func() time.Time

	batchSize           int
	waitTime            time.Duration
	maxReceives         int
	recoveryGrace       time.Duration
	ackOnPublishFailure bool
}

func New(consumer queue.Consumer, ledger Ledger, notifications queue.Publisher) *Issuer {
	return &Issuer{
		consumer:      consumer,
		ledger:        ledger,
		notifications: notifications,
		logger:        slog.Default(),
		now:           time.Now,
		batchSize:     DefaultBatchSize,
		waitTime:      DefaultWaitTime,
		maxReceives:   DefaultMaxReceives,
		recoveryGrace: DefaultRecoveryGrace,
	}
}

// WithDeadLetter routes malformed messages and messages over the receive cap to pub.
func (i *Issuer) WithDeadLetter(pub queue.Publisher) *Issuer {
	i.deadLetter = pub
	return i
}

func (i *Issuer) WithDirectory(dir Directory) *Issuer {
	i.directory = dir
	return i
}

// WithMetrics attaches a metrics sink to the issuer.
func (i *Issuer) WithMetrics(sink MetricsSink) *Issuer {
	i.metrics = sink
	return i
}

func (i *Issuer) WithLogger(logger *slog.Logger) *Issuer {
	i.logger = logger
	return i
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// WithReceive sets the batch size and long-poll wait for PollOnce.
func (i *Issuer) WithReceive(batchSize int, wait time.Duration) *Issuer {
	if batchSize > 0 {
		i.batchSize = batchSize
	}
	if wait >= 0 {
		i.waitTime = wait
	}
	return i
}

// WithMaxReceives sets the receive count above which a message is dead-lettered.
// Zero disables the check.
func (i *Issuer) WithMaxReceives(n int) *Issuer {
	i.maxReceives = n
	return i
}

// WithRecoveryGrace sets how old an un-notified certificate must be before a
// duplicate delivery re-publishes its notification.
func (i *Issuer) WithRecoveryGrace(d time.Duration) *Issuer {
	i.recoveryGrace = d
	return i
}

// WithAckOnPublishFailure acks a completion even when the notification could
// not be published. The gap is logged and counted.
func (i *Issuer) WithAckOnPublishFailure(ack bool) *Issuer {
	i.ackOnPublishFailure = ack
	return i
}

// Run polls the completion queue until ctx is cancelled.
func (i *Issuer) Run(ctx context.Context) {
	i.logger.Info("issuer: started", "batch_size", i.batchSize, "wait", i.waitTime)
	for {
		if ctx.Err() != nil {
			i.logger.Info("issuer: stopped")
			return
		}
		if _, err := i.PollOnce(ctx); err != nil && ctx.Err() == nil {
			i.logger.Error("issuer: receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorBackoff):
			}
		}
	}
}

// PollOnce receives one batch and handles it. Only a failed receive is returned as an error.
func (i *Issuer) PollOnce(ctx context.Context) (BatchResult, error) {
	msgs, err := i.consumer.Receive(ctx, i.batchSize, i.waitTime)
	if err != nil {
		return BatchResult{}, fmt.Errorf("receive completions: %w", err)
	}
	return i.HandleBatch(ctx, msgs), nil
}

// HandleBatch handles each message independently and deletes the acked ones.
// Cancellation stops before the next message; unhandled messages stay on the queue.
func (i *Issuer) HandleBatch(ctx context.Context, msgs []queue.Message) BatchResult {
	result := BatchResult{Received: len(msgs)}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}

		state := i.handleMessage(ctx, msg)
		switch state {
		case StateNotified:
			result.Issued++
		case StateDuplicate:
			result.Duplicates++
		case StateRecovered:
			result.Recovered++
		case StateDeadLettered:
			result.DeadLettered++
		case StatePublishGap:
			result.Issued++
		case StateUnaddressed:
			result.Unaddressed++
		default:
			result.Nacked++
		}
		if i.metrics != nil {
			i.metrics.IssuerOutcome(string(state))
		}
	}

	return result
}

func (i *Issuer) handleMessage(ctx context.Context, msg queue.Message) State {
	if i.metrics != nil {
		i.metrics.EventsInFlightIncr()
		defer i.metrics.EventsInFlightDecr()
	}

	if i.maxReceives > 0 && msg.ReceiveCount > i.maxReceives && i.deadLetter != nil {
		i.logger.Warn("issuer: receive cap exceeded",
			"message_id", msg.ID,
			"receive_count", msg.ReceiveCount,
		)
		return i.deadLetterMessage(ctx, msg)
	}

	event, err := domain.DecodeCompletionEvent(msg.Body)
	if err != nil {
		i.logger.Warn("issuer: malformed completion", "message_id", msg.ID, "error", err)
		if i.deadLetter != nil {
			return i.deadLetterMessage(ctx, msg)
		}
		return StateNacked
	}

	outcome, err := i.HandleCompletionEvent(ctx, event)
	if err != nil {
		i.logger.Error("issuer: completion not settled",
			"message_id", msg.ID,
			"learner_id", event.LearnerID,
			"course_id", event.CourseID,
			"state", outcome.State,
			"error", err,
		)
	}
	if !outcome.Ack {
		return StateNacked
	}

	if err := i.consumer.Delete(ctx, msg.Handle); err != nil {
		// The message will be redelivered and resolve as a duplicate.
		i.logger.Warn("issuer: delete failed", "message_id", msg.ID, "error", err)
	}
	return outcome.State
}

func (i *Issuer) deadLetterMessage(ctx context.Context, msg queue.Message) State {
	if _, err := i.deadLetter.Publish(ctx, msg.Body); err != nil {
		i.logger.Error("issuer: dead-letter publish failed", "message_id", msg.ID, "error", err)
		return StateNacked
	}
	if err := i.consumer.Delete(ctx, msg.Handle); err != nil {
		i.logger.Warn("issuer: delete after dead-letter failed", "message_id", msg.ID, "error", err)
	}
	return StateDeadLettered
}

// HandleCompletionEvent issues the certificate for event at most once and
// publishes its notification. Outcome.Ack tells the caller whether to delete
// the message; a non-nil error always comes with a reason in Outcome.State.
func (i *Issuer) HandleCompletionEvent(ctx context.Context, event domain.CompletionEvent) (Outcome, error) {
	if err := event.Validate(); err != nil {
		return Outcome{State: StateNacked}, err
	}

	cert := domain.NewCertificate(event.LearnerID, event.CourseID, i.now())
	outcome := Outcome{CertificateID: cert.ID, State: StateNacked}

	created, err := i.ledger.PutIfAbsent(ctx, cert)
	if err != nil {
		return outcome, ledgerError(err)
	}

	outcome.State = StateNotified
	if !created {
		entry, err := i.ledger.GetCertificate(ctx, cert.ID)
		if err != nil {
			return outcome, ledgerError(err)
		}
		if entry.Notified() {
			outcome.State = StateDuplicate
			outcome.Ack = true
			i.logger.Debug("issuer: duplicate completion",
				"certificate_id", cert.ID,
				"learner_id", event.LearnerID,
				"course_id", event.CourseID,
			)
			return outcome, nil
		}
		if i.now().Sub(entry.Certificate.IssuedAt) < i.recoveryGrace {
			// Another delivery may still be publishing; let redelivery look again.
			outcome.State = StateNacked
			i.logger.Debug("issuer: certificate pending notification",
				"certificate_id", cert.ID,
				"issued_at", entry.Certificate.IssuedAt,
			)
			return outcome, nil
		}
		outcome.State = StateRecovered
	}

	email, err := i.notify(ctx, event, cert.ID)
	if err != nil {
		if i.ackOnPublishFailure {
			if i.metrics != nil {
				i.metrics.NotificationGap()
			}
			outcome.State = StatePublishGap
			outcome.Ack = true
			return outcome, err
		}
		outcome.State = StateNacked
		return outcome, err
	}

	if email == "" {
		outcome.State = StateUnaddressed
		outcome.Ack = true
		i.logger.Error("issuer: no email for learner, certificate left un-notified",
			"certificate_id", cert.ID,
			"learner_id", event.LearnerID,
			"course_id", event.CourseID,
		)
		return outcome, nil
	}

	if err := i.ledger.MarkNotified(ctx, cert.ID, i.now()); err != nil {
		// The notification is out; an unmarked entry only risks a repeat email
		// from the reconciler.
		i.logger.Warn("issuer: mark notified failed", "certificate_id", cert.ID, "error", err)
	}

	outcome.Ack = true
	i.logger.Info("issuer: certificate notified",
		"certificate_id", cert.ID,
		"learner_id", event.LearnerID,
		"course_id", event.CourseID,
		"state", outcome.State,
	)
	return outcome, nil
}

// notify publishes the notification and returns the address it carried.
// An empty address is still published; the dispatcher skips it.
func (i *Issuer) notify(ctx context.Context, event domain.CompletionEvent, certificateID string) (string, error) {
	email, err := i.resolveEmail(ctx, event)
	if err != nil {
		return "", err
	}

	body, err := domain.Encode(domain.NotificationEvent{
		LearnerID:     event.LearnerID,
		CourseID:      event.CourseID,
		Email:         email,
		CertificateID: certificateID,
	})
	if err != nil {
		return "", err
	}

	if _, err := i.notifications.Publish(ctx, body); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrQueuePublishFailed, err)
	}
	return email, nil
}

func (i *Issuer) resolveEmail(ctx context.Context, event domain.CompletionEvent) (string, error) {
	if event.Email != "" || i.directory == nil {
		return event.Email, nil
	}
	email, err := i.directory.LookupEmail(ctx, event.LearnerID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", domain.TransientError("directory", err)
	}
	return email, nil
}

func ledgerError(err error) error {
	return domain.TransientError("ledger", fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err))
}
