package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/certpipe/internal/domain"
)

func newTestDirectory(t *testing.T) (*RedisDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisDirectory(client), mr
}

func TestRedisDirectory_RegisterAndLookup(t *testing.T) {
	dir, mr := newTestDirectory(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := dir.Register(ctx, "learner-1", "ada@example.com", at); err != nil {
		t.Fatalf("Register: %v", err)
	}

	email, err := dir.LookupEmail(ctx, "learner-1")
	if err != nil {
		t.Fatalf("LookupEmail: %v", err)
	}
	if email != "ada@example.com" {
		t.Errorf("email = %q, want ada@example.com", email)
	}

	if got := mr.HGet(DefaultPrefix+"learner-1", fieldUpdatedAt); got != "2026-03-01T10:00:00Z" {
		t.Errorf("updated_at = %q", got)
	}
	if ttl := mr.TTL(DefaultPrefix + "learner-1"); ttl != 0 {
		t.Errorf("ttl = %v, want none", ttl)
	}
}

func TestRedisDirectory_NotFound(t *testing.T) {
	dir, mr := newTestDirectory(t)
	ctx := context.Background()

	if _, err := dir.LookupEmail(ctx, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing key: err = %v, want ErrNotFound", err)
	}

	mr.HSet(DefaultPrefix+"blank", fieldEmail, "")
	if _, err := dir.LookupEmail(ctx, "blank"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("empty email: err = %v, want ErrNotFound", err)
	}
}

func TestRedisDirectory_Retention(t *testing.T) {
	dir, mr := newTestDirectory(t)
	dir = dir.WithRetention(time.Hour).WithPrefix("test:")
	ctx := context.Background()

	if err := dir.Register(ctx, "l1", "a@example.com", time.Now()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ttl := mr.TTL("test:l1"); ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := dir.LookupEmail(ctx, "l1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired entry: err = %v, want ErrNotFound", err)
	}
}

func TestRedisDirectory_Unavailable(t *testing.T) {
	dir, mr := newTestDirectory(t)
	mr.Close()

	_, err := dir.LookupEmail(context.Background(), "l1")
	if err == nil {
		t.Fatal("expected error when redis is down")
	}
	if !domain.IsTransient(err) {
		t.Errorf("err = %v, want transient", err)
	}
	if dir.PingContext(context.Background()) == nil {
		t.Error("PingContext should fail when redis is down")
	}
}
