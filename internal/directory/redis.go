// Package directory resolves learner email addresses for the issuer.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/certpipe/internal/domain"
)

// DefaultPrefix namespaces learner hashes: <prefix><learner_id> -> {email, updated_at}.
const DefaultPrefix = "certpipe:learner:"

const (
	fieldEmail     = "email"
	fieldUpdatedAt = "updated_at"
)

// RedisDirectory reads learner contact data from Redis hashes written by
// the enrollment side.
type RedisDirectory struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDirectory(client redis.UniversalClient) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: DefaultPrefix}
}

// WithPrefix overrides the key prefix.
func (d *RedisDirectory) WithPrefix(prefix string) *RedisDirectory {
	if prefix != "" {
		d.prefix = prefix
	}
	return d
}

// WithRetention expires entries written by Register after ttl. 0 keeps them forever.
func (d *RedisDirectory) WithRetention(ttl time.Duration) *RedisDirectory {
	d.ttl = ttl
	return d
}

func (d *RedisDirectory) key(learnerID string) string {
	return d.prefix + learnerID
}

// LookupEmail returns domain.ErrNotFound when the learner has no address on file.
func (d *RedisDirectory) LookupEmail(ctx context.Context, learnerID string) (string, error) {
	email, err := d.client.HGet(ctx, d.key(learnerID), fieldEmail).Result()
	if errors.Is(err, redis.Nil) || (err == nil && email == "") {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", domain.TransientError("directory", fmt.Errorf("redis hget: %w", err))
	}
	return email, nil
}

// Register stores or replaces a learner's address.
func (d *RedisDirectory) Register(ctx context.Context, learnerID, email string, at time.Time) error {
	key := d.key(learnerID)

	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, fieldEmail, email, fieldUpdatedAt, at.UTC().Format(time.RFC3339))
	if d.ttl > 0 {
		pipe.Expire(ctx, key, d.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// PingContext reports whether Redis is reachable.
func (d *RedisDirectory) PingContext(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
