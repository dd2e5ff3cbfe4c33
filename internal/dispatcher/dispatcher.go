// Package dispatcher delivers certificate notification emails from the
// notification queue.
//
// A message is deleted only after its email was accepted by the mail sender.
// Invalid messages are skipped and left on the queue so its redrive policy can
// move them to the dead-letter destination for inspection.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/certpipe/internal/circuitbreaker"
	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/mail"
	"github.com/djlord-it/certpipe/internal/queue"
)

const (
	DefaultBatchSize   = 10
	DefaultWaitTime    = 5 * time.Second
	DefaultWorkers     = 1
	DefaultMaxReceives = 5

	receiveErrorBackoff = time.Second
)

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EmailOutcome(outcome string)
	SendLatencyObserve(d time.Duration)
	CircuitRejected()
	EventsInFlightIncr()
	EventsInFlightDecr()
}

// Outcome labels for MetricsSink.EmailOutcome.
const (
	OutcomeSent         = "sent"
	OutcomeSkipped      = "skipped"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
)

// Result counts per-message outcomes of one poll.
type Result struct {
	Received     int
	Processed    int
	Skipped      int
	Failed       int
	DeadLettered int
}

func (r *Result) add(outcome string) {
	switch outcome {
	case OutcomeSent:
		r.Processed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeDeadLettered:
		r.DeadLettered++
	default:
		r.Failed++
	}
}

type Dispatcher struct {
	consumer   queue.Consumer
	renderer   mail.Renderer
	sender     mail.Sender
	deadLetter queue.Publisher                // optional, nil = rely on queue redrive
	breaker    *circuitbreaker.CircuitBreaker // optional, nil = disabled
	metrics    MetricsSink                    // optional, nil = disabled
	logger     *slog.Logger

	batchSize   int
	waitTime    time.Duration
	workers     int
	maxReceives int
}

func New(consumer queue.Consumer, renderer mail.Renderer, sender mail.Sender) *Dispatcher {
	return &Dispatcher{
		consumer:    consumer,
		renderer:    renderer,
		sender:      sender,
		logger:      slog.Default(),
		batchSize:   DefaultBatchSize,
		waitTime:    DefaultWaitTime,
		workers:     DefaultWorkers,
		maxReceives: DefaultMaxReceives,
	}
}

// WithDeadLetter routes permanently failing and over-cap messages to pub.
func (d *Dispatcher) WithDeadLetter(pub queue.Publisher) *Dispatcher {
	d.deadLetter = pub
	return d
}

// WithCircuitBreaker attaches a circuit breaker keyed by recipient domain.
func (d *Dispatcher) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

// WithReceive sets the batch size and long-poll wait.
func (d *Dispatcher) WithReceive(batchSize int, wait time.Duration) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	if wait >= 0 {
		d.waitTime = wait
	}
	return d
}

// WithWorkers bounds how many messages of a batch are sent concurrently.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

// WithMaxReceives sets the receive count above which a message is dead-lettered.
// Zero disables the check.
func (d *Dispatcher) WithMaxReceives(n int) *Dispatcher {
	d.maxReceives = n
	return d
}

// Run polls the notification queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher: started", "batch_size", d.batchSize, "workers", d.workers)
	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher: stopped")
			return
		}
		if _, err := d.PollAndDispatch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatcher: receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorBackoff):
			}
		}
	}
}

// PollAndDispatch receives one batch and delivers each message independently.
// Only a failed receive is returned as an error.
func (d *Dispatcher) PollAndDispatch(ctx context.Context) (Result, error) {
	msgs, err := d.consumer.Receive(ctx, d.batchSize, d.waitTime)
	if err != nil {
		return Result{}, fmt.Errorf("receive notifications: %w", err)
	}

	var (
		mu     sync.Mutex
		result = Result{Received: len(msgs)}
		g      errgroup.Group
	)
	g.SetLimit(d.workers)

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		msg := msg
		g.Go(func() error {
			outcome := d.dispatch(ctx, msg)
			if d.metrics != nil {
				d.metrics.EmailOutcome(outcome)
			}
			mu.Lock()
			result.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if result.Received > 0 {
		d.logger.Debug("dispatcher: batch done",
			"received", result.Received,
			"processed", result.Processed,
			"skipped", result.Skipped,
			"failed", result.Failed,
			"dead_lettered", result.DeadLettered,
		)
	}
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, msg queue.Message) string {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}
	log := d.logger.With("message_id", msg.ID)

	if d.maxReceives > 0 && msg.ReceiveCount > d.maxReceives {
		log.Warn("dispatcher: receive cap exceeded", "receive_count", msg.ReceiveCount)
		return d.deadLetterMessage(ctx, msg, log)
	}

	event, err := domain.DecodeNotificationEvent(msg.Body)
	if err != nil {
		log.Warn("dispatcher: skipping malformed message", "error", err)
		return OutcomeSkipped
	}
	log = log.With("certificate_id", event.CertificateID)

	if err := event.Validate(); err != nil {
		log.Warn("dispatcher: skipping invalid notification", "error", err)
		return OutcomeSkipped
	}

	email, err := d.renderer.Render(ctx, event)
	if err != nil {
		log.Warn("dispatcher: skipping unrenderable notification", "error", err)
		return OutcomeSkipped
	}
	if err := email.Validate(); err != nil {
		log.Warn("dispatcher: skipping invalid email", "error", err)
		return OutcomeSkipped
	}

	key := circuitbreaker.DomainKey(email.To)
	if d.breaker != nil {
		if err := d.breaker.Allow(key); err != nil {
			if d.metrics != nil {
				d.metrics.CircuitRejected()
			}
			log.Debug("dispatcher: circuit open", "domain", key)
			return OutcomeFailed
		}
	}

	start := time.Now()
	messageID, err := d.sender.Send(ctx, email)
	if d.metrics != nil {
		d.metrics.SendLatencyObserve(time.Since(start))
	}

	if err != nil {
		if domain.IsPermanent(err) {
			// The recipient or content is at fault, not the domain.
			if d.breaker != nil {
				d.breaker.RecordSuccess(key)
			}
			log.Error("dispatcher: permanent send failure", "error", err)
			if d.deadLetter != nil {
				return d.deadLetterMessage(ctx, msg, log)
			}
			return OutcomeFailed
		}
		if d.breaker != nil && !errors.Is(err, context.Canceled) {
			d.breaker.RecordFailure(key)
		}
		log.Warn("dispatcher: transient send failure, leaving for redelivery", "error", err)
		return OutcomeFailed
	}

	if d.breaker != nil {
		d.breaker.RecordSuccess(key)
	}
	if err := d.consumer.Delete(ctx, msg.Handle); err != nil {
		// The email went out; redelivery will send it again.
		log.Warn("dispatcher: delete failed after send", "error", err)
	}
	log.Info("dispatcher: email sent", "provider_message_id", messageID)
	return OutcomeSent
}

func (d *Dispatcher) deadLetterMessage(ctx context.Context, msg queue.Message, log *slog.Logger) string {
	if d.deadLetter == nil {
		return OutcomeFailed
	}
	if _, err := d.deadLetter.Publish(ctx, msg.Body); err != nil {
		log.Error("dispatcher: dead-letter publish failed", "error", err)
		return OutcomeFailed
	}
	if err := d.consumer.Delete(ctx, msg.Handle); err != nil {
		log.Warn("dispatcher: delete after dead-letter failed", "error", err)
	}
	return OutcomeDeadLettered
}
