// Package channel provides an in-process queue with the same delivery semantics
// as the durable backends: visibility timeout, receive counting and a dead-letter
// destination after too many receives. It backs local all-in-one runs and tests.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/certpipe/internal/queue"
)

// ErrBufferFull is returned by Publish when the queue holds Capacity messages.
var ErrBufferFull = errors.New("queue buffer full")

// DefaultVisibilityTimeout matches the SQS default.
const DefaultVisibilityTimeout = 30 * time.Second

// pollInterval bounds how long a waiting Receive sleeps before re-checking
// for messages whose visibility timeout expired.
const pollInterval = 50 * time.Millisecond

// MetricsSink receives queue depth and dead-letter notifications.
// All methods must be non-blocking.
type MetricsSink interface {
	QueueDepthUpdate(queue string, depth int)
	DeadLettered(queue string)
}

type entry struct {
	id        string
	body      []byte
	receives  int
	visibleAt time.Time
	handle    string
}

// Queue is an in-memory queue.Queue.
type Queue struct {
	name       string
	capacity   int
	visibility time.Duration

	maxReceives int
	deadLetter  queue.Publisher

	clock   func() time.Time
	metrics MetricsSink

	mu       sync.Mutex
	order    []*entry
	byHandle map[string]*entry
	notify   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithRedrive moves a message to dlq instead of delivering it once it has
// been received maxReceives times without being deleted.
func WithRedrive(maxReceives int, dlq queue.Publisher) Option {
	return func(q *Queue) {
		q.maxReceives = maxReceives
		q.deadLetter = dlq
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(sink MetricsSink) Option {
	return func(q *Queue) {
		q.metrics = sink
	}
}

// WithCapacity bounds the number of stored messages. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		q.capacity = n
	}
}

// NewQueue creates an empty queue. name labels metrics and logs.
func NewQueue(name string, opts ...Option) *Queue {
	q := &Queue{
		name:       name,
		visibility: DefaultVisibilityTimeout,
		clock:      time.Now,
		byHandle:   make(map[string]*entry),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Publish(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.capacity > 0 && len(q.order) >= q.capacity {
		q.mu.Unlock()
		return "", ErrBufferFull
	}
	e := &entry{
		id:   uuid.NewString(),
		body: append([]byte(nil), body...),
	}
	q.order = append(q.order, e)
	depth := len(q.order)
	q.mu.Unlock()

	q.reportDepth(depth)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return e.id, nil
}

func (q *Queue) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]queue.Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}

	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, expired := q.take(maxCount)
		q.redrive(ctx, expired)
		if len(msgs) > 0 || deadline == nil {
			return msgs, nil
		}

		poll := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline:
			poll.Stop()
			msgs, expired := q.take(maxCount)
			q.redrive(ctx, expired)
			return msgs, nil
		case <-q.notify:
			poll.Stop()
		case <-poll.C:
		}
	}
}

// take claims up to maxCount visible messages. Messages over the receive cap are
// removed and returned separately for dead-lettering.
func (q *Queue) take(maxCount int) ([]queue.Message, []*entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var (
		out     []queue.Message
		expired []*entry
	)
	kept := q.order[:0]
	for _, e := range q.order {
		if len(out) >= maxCount || now.Before(e.visibleAt) {
			kept = append(kept, e)
			continue
		}
		if e.handle != "" {
			delete(q.byHandle, e.handle)
		}
		if q.deadLetter != nil && q.maxReceives > 0 && e.receives >= q.maxReceives {
			expired = append(expired, e)
			continue
		}
		e.receives++
		e.visibleAt = now.Add(q.visibility)
		e.handle = uuid.NewString()
		q.byHandle[e.handle] = e
		out = append(out, queue.Message{
			ID:           e.id,
			Body:         append([]byte(nil), e.body...),
			Handle:       e.handle,
			ReceiveCount: e.receives,
		})
		kept = append(kept, e)
	}
	q.order = kept
	return out, expired
}

// redrive publishes expired messages to the dead-letter queue. A failed publish
// puts the message back so it is not lost.
func (q *Queue) redrive(ctx context.Context, expired []*entry) {
	for _, e := range expired {
		if _, err := q.deadLetter.Publish(ctx, e.body); err != nil {
			q.mu.Lock()
			e.handle = ""
			q.order = append(q.order, e)
			q.mu.Unlock()
			continue
		}
		if q.metrics != nil {
			q.metrics.DeadLettered(q.name)
		}
	}
	if len(expired) > 0 {
		q.reportDepth(q.Len())
	}
}

func (q *Queue) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	e, ok := q.byHandle[handle]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.byHandle, handle)
	for i, cur := range q.order {
		if cur == e {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	depth := len(q.order)
	q.mu.Unlock()

	q.reportDepth(depth)
	return nil
}

// Len returns the number of stored messages, visible or in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Bodies returns a copy of every stored body in queue order.
func (q *Queue) Bodies() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.order))
	for _, e := range q.order {
		out = append(out, append([]byte(nil), e.body...))
	}
	return out
}

func (q *Queue) reportDepth(depth int) {
	if q.metrics != nil {
		q.metrics.QueueDepthUpdate(q.name, depth)
	}
}

var _ queue.Queue = (*Queue)(nil)
