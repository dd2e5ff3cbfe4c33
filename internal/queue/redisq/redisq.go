// Package redisq implements queue.Queue on Redis for deployments without SQS.
//
// Each queue uses three structures under its key prefix:
//
//	<prefix>:ready     LIST of message IDs waiting for delivery
//	<prefix>:inflight  ZSET of received IDs scored by the time they become visible again
//	<prefix>:msg:<id>  HASH holding the body and receive count
//
// Receiving and deleting run as Lua scripts so concurrent consumers never claim
// the same delivery.
package redisq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/queue"
)

// DefaultVisibilityTimeout matches the SQS default.
const DefaultVisibilityTimeout = 30 * time.Second

const pollInterval = 100 * time.Millisecond

// MetricsSink receives dead-letter notifications. Must be non-blocking.
type MetricsSink interface {
	DeadLettered(queue string)
}

// receiveScript requeues expired in-flight messages and then claims up to
// ARGV[3] ready ones. It returns a flat list of (kind, id, body, receives)
// records where kind is "m" for a delivery and "d" for a dead-letter candidate.
var receiveScript = redis.NewScript(`
local ready, inflight = KEYS[1], KEYS[2]
local now = tonumber(ARGV[1])
local vis = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local maxReceives = tonumber(ARGV[4])
local prefix = ARGV[5]

local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', inflight, id)
  redis.call('RPUSH', ready, id)
end

local out = {}
local n = 0
while n < max do
  local id = redis.call('LPOP', ready)
  if not id then break end
  local key = prefix .. id
  local body = redis.call('HGET', key, 'body')
  if body then
    local receives = tonumber(redis.call('HGET', key, 'receives') or '0')
    if maxReceives > 0 and receives >= maxReceives then
      table.insert(out, 'd')
      table.insert(out, id)
      table.insert(out, body)
      table.insert(out, tostring(receives))
    else
      receives = redis.call('HINCRBY', key, 'receives', 1)
      redis.call('ZADD', inflight, now + vis, id)
      table.insert(out, 'm')
      table.insert(out, id)
      table.insert(out, body)
      table.insert(out, tostring(receives))
      n = n + 1
    end
  end
end
return out
`)

// deleteScript removes a message only if the handle's receive count is still
// current, so a stale handle cannot delete a redelivered message.
var deleteScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
local cur = redis.call('HGET', key, 'receives')
if not cur or cur ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', key)
return 1
`)

// Queue is a queue.Queue stored in Redis.
type Queue struct {
	client     redis.UniversalClient
	name       string
	prefix     string
	visibility time.Duration

	maxReceives int
	deadLetter  queue.Publisher

	clock   func() time.Time
	metrics MetricsSink
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

// WithRedrive moves a message to dlq once it has been received maxReceives
// times without being deleted.
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

// New creates a queue named name on client.
func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{
		client:     client,
		name:       name,
		prefix:     "certpipe:q:" + name,
		visibility: DefaultVisibilityTimeout,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) readyKey() string    { return q.prefix + ":ready" }
func (q *Queue) inflightKey() string { return q.prefix + ":inflight" }
func (q *Queue) msgPrefix() string   { return q.prefix + ":msg:" }

func (q *Queue) Publish(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgPrefix()+id, "body", body, "receives", 0)
		pipe.RPush(ctx, q.readyKey(), id)
		return nil
	})
	if err != nil {
		return "", domain.TransientError("redis", fmt.Errorf("publish: %w", err))
	}
	return id, nil
}

func (q *Queue) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]queue.Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	deadline := time.Now().Add(wait)

	for {
		msgs, err := q.receiveOnce(ctx, maxCount)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || !time.Now().Before(deadline) {
			return msgs, nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) receiveOnce(ctx context.Context, maxCount int) ([]queue.Message, error) {
	maxReceives := 0
	if q.deadLetter != nil {
		maxReceives = q.maxReceives
	}

	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey()},
		q.clock().UnixMilli(),
		q.visibility.Milliseconds(),
		maxCount,
		maxReceives,
		q.msgPrefix(),
	).StringSlice()
	if err != nil {
		return nil, domain.TransientError("redis", fmt.Errorf("receive: %w", err))
	}

	var msgs []queue.Message
	for i := 0; i+3 < len(res); i += 4 {
		kind, id, body, receives := res[i], res[i+1], res[i+2], res[i+3]
		if kind == "d" {
			q.deadLetterMessage(ctx, id, []byte(body))
			continue
		}
		n, _ := strconv.Atoi(receives)
		msgs = append(msgs, queue.Message{
			ID:           id,
			Body:         []byte(body),
			Handle:       id + ":" + receives,
			ReceiveCount: n,
		})
	}
	return msgs, nil
}

// deadLetterMessage moves a message that exceeded the receive cap. If the
// dead-letter publish fails the ID goes back on the ready list for a later try.
func (q *Queue) deadLetterMessage(ctx context.Context, id string, body []byte) {
	if _, err := q.deadLetter.Publish(ctx, body); err != nil {
		q.client.RPush(ctx, q.readyKey(), id)
		return
	}
	q.client.Del(ctx, q.msgPrefix()+id)
	if q.metrics != nil {
		q.metrics.DeadLettered(q.name)
	}
}

func (q *Queue) Delete(ctx context.Context, handle string) error {
	id, receives, ok := strings.Cut(handle, ":")
	if !ok {
		return domain.PermanentError("redis", fmt.Errorf("delete: invalid handle %q", handle))
	}
	err := deleteScript.Run(ctx, q.client, []string{q.inflightKey()}, q.msgPrefix(), id, receives).Err()
	if err != nil {
		return domain.TransientError("redis", fmt.Errorf("delete: %w", err))
	}
	return nil
}

// Depth returns the number of ready and in-flight messages.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var ready, inflight *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.readyKey())
		inflight = pipe.ZCard(ctx, q.inflightKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	return int(ready.Val() + inflight.Val()), nil
}

var _ queue.Queue = (*Queue)(nil)
