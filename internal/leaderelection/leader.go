// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader.
// The lock is held for the lifetime of the dedicated database connection;
// there is no renewal or TTL. If the connection dies, Postgres automatically
// releases the lock server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
//
// certpipe uses it to keep a single reconciler sweeping at a time.
package leaderelection

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Reasons passed to MetricsSink.LeaderLost.
const (
	ReasonShutdown = "shutdown"
	ReasonConnLost = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Session is one dedicated connection that can hold the lock.
type Session interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// SessionFactory opens a new Session for one acquisition attempt.
type SessionFactory func(ctx context.Context) (Session, error)

// Elector manages leader election using an advisory lock.
type Elector struct {
	open              SessionFactory
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
	logger            *slog.Logger
}

// New creates a new Elector backed by Postgres advisory locks on db.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties (the reconciler) and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return NewWithSessions(PostgresSessions(db), lockKey, retryInterval, heartbeatInterval, onElected, onDemoted)
}

// NewWithSessions creates an Elector over an arbitrary session source.
func NewWithSessions(
	open SessionFactory,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		open:              open,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            slog.Default(),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// WithLogger sets the logger.
func (e *Elector) WithLogger(logger *slog.Logger) *Elector {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("leader: starting election loop",
		"lock_key", e.lockKey, "retry", e.retryInterval, "heartbeat", e.heartbeatInterval)

	for {
		if ctx.Err() != nil {
			e.logger.Info("leader: election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.logger.Info("leader: election loop stopped")
			return
		}

		if reason != "" {
			e.logger.Warn("leader: lost leadership", "reason", reason, "retry_in", e.retryInterval)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("leader: election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory lock is session-scoped: must use a dedicated connection.
	sess, err := e.open(ctx)
	if err != nil {
		e.logger.Error("leader: failed to acquire dedicated connection", "error", err)
		return ""
	}
	defer sess.Close()

	acquired, err := sess.TryLock(ctx, e.lockKey)
	if err != nil {
		e.logger.Error("leader: advisory lock query failed", "error", err)
		return ""
	}
	if !acquired {
		e.logger.Debug("leader: lock held by another instance", "lock_key", e.lockKey)
		return ""
	}

	e.logger.Info("leader: acquired advisory lock", "lock_key", e.lockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	// Ping detects local connection death; it does NOT renew the lock (no TTL).
	reason := e.holdLock(ctx, sess)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.logger.Info("leader: released advisory lock", "lock_key", e.lockKey)
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, sess Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-ticker.C:
			if err := sess.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return ReasonShutdown
				}
				e.logger.Warn("leader: dedicated connection ping failed", "error", err)
				return ReasonConnLost
			}
		}
	}
}

// PostgresSessions returns a SessionFactory that pins one connection from db per attempt.
func PostgresSessions(db *sql.DB) SessionFactory {
	return func(ctx context.Context) (Session, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		return &pgSession{conn: conn}, nil
	}
}

type pgSession struct {
	conn *sql.Conn
}

func (s *pgSession) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
	return acquired, err
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close returns the connection to the pool. Session locks are released
// explicitly because database/sql reuses the underlying session.
func (s *pgSession) Close() error {
	_, _ = s.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock_all()")
	return s.conn.Close()
}
