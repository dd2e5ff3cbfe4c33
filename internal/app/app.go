// Package app wires configured backends into the tracker, issuer, dispatcher
// and reconciler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/certpipe/internal/api"
	"github.com/djlord-it/certpipe/internal/awscfg"
	"github.com/djlord-it/certpipe/internal/circuitbreaker"
	"github.com/djlord-it/certpipe/internal/config"
	"github.com/djlord-it/certpipe/internal/directory"
	"github.com/djlord-it/certpipe/internal/dispatcher"
	"github.com/djlord-it/certpipe/internal/issuer"
	"github.com/djlord-it/certpipe/internal/leaderelection"
	"github.com/djlord-it/certpipe/internal/mail"
	"github.com/djlord-it/certpipe/internal/metrics"
	"github.com/djlord-it/certpipe/internal/queue"
	"github.com/djlord-it/certpipe/internal/queue/redisq"
	sqsqueue "github.com/djlord-it/certpipe/internal/queue/sqs"
	"github.com/djlord-it/certpipe/internal/reconciler"
	"github.com/djlord-it/certpipe/internal/store/dynamo"
	"github.com/djlord-it/certpipe/internal/store/memory"
	"github.com/djlord-it/certpipe/internal/store/postgres"
	"github.com/djlord-it/certpipe/internal/tracker"
	"github.com/djlord-it/certpipe/internal/transport/channel"

	_ "github.com/lib/pq"
)

// Queue names used by the memory and redis backends.
const (
	QueueCompletions   = "completions"
	QueueNotifications = "notifications"
	QueueDeadLetter    = "dead-letter"
)

// Store is everything the pipeline needs from a storage backend.
type Store interface {
	tracker.Store
	issuer.Ledger
	reconciler.Store
}

// App holds the wired components. Fields for disabled features are nil.
type App struct {
	Config config.Config

	Store         Store
	Completions   queue.Queue
	Notifications queue.Queue
	DeadLetter    queue.Queue

	Tracker    *tracker.Tracker
	Issuer     *issuer.Issuer
	Dispatcher *dispatcher.Dispatcher
	Reconciler *reconciler.Reconciler
	Handler    *api.Handler
	Metrics    metrics.Sink

	// DB is set for the postgres store or when leader election is on.
	DB *sql.DB

	logger  *slog.Logger
	closers []func() error
}

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	sender     mail.Sender
	clock      func() time.Time
}

// Option customises New.
type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets where Prometheus metrics register when METRICS_ENABLED.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSender replaces the configured mail backend.
func WithSender(sender mail.Sender) Option {
	return func(o *options) { o.sender = sender }
}

// WithClock overrides time.Now for the tracker, issuer and memory queues.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// New builds every component from cfg. cfg must already pass config.Validate.
// On error, anything opened so far is closed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (a *App, err error) {
	o := options{
		logger:     slog.Default(),
		registerer: prometheus.DefaultRegisterer,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{Config: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if cfg.MetricsEnabled {
		a.Metrics = metrics.NewPrometheusSink(o.registerer)
	} else {
		a.Metrics = metrics.NewNoopSink()
	}

	var awsCfg aws.Config
	if needsAWS(cfg) {
		awsCfg, err = awscfg.Load(ctx, cfg.AWSRegion, cfg.AWSMaxAttempts)
		if err != nil {
			return nil, err
		}
	}

	var redisClient *redis.Client
	if cfg.QueueBackend == config.BackendRedis || cfg.DirectoryBackend == config.BackendRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, redisClient.Close)
	}

	if err = a.openStore(ctx, cfg, awsCfg); err != nil {
		return nil, err
	}
	a.openQueues(cfg, awsCfg, redisClient, o.clock)

	sender := o.sender
	if sender == nil {
		sender = a.newSender(cfg, awsCfg)
	}

	a.Tracker = tracker.New(a.Store, a.Completions).
		WithMetrics(a.Metrics).
		WithLogger(o.logger.With("component", "tracker")).
		WithClock(o.clock).
		WithPublishAttempts(cfg.PublishAttempts)

	a.Issuer = issuer.New(a.Completions, a.Store, a.Notifications).
		WithMetrics(a.Metrics).
		WithLogger(o.logger.With("component", "issuer")).
		WithClock(o.clock).
		WithReceive(cfg.BatchSize, cfg.WaitTime).
		WithMaxReceives(cfg.MaxReceives).
		WithRecoveryGrace(cfg.RecoveryGrace).
		WithAckOnPublishFailure(cfg.AckOnPublishFailure)
	if a.DeadLetter != nil {
		a.Issuer = a.Issuer.WithDeadLetter(a.DeadLetter)
	}

	a.Handler = api.NewHandler(a.Tracker).
		WithMetrics(a.Metrics).
		WithLogger(o.logger.With("component", "api"))
	if a.DB != nil {
		a.Handler = a.Handler.WithHealthCheck("database", a.DB)
	}
	if redisClient != nil {
		client := redisClient
		a.Handler = a.Handler.WithHealthCheck("redis", api.HealthCheckFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}

	if cfg.DirectoryBackend == config.BackendRedis {
		dir := directory.NewRedisDirectory(redisClient).WithPrefix(cfg.DirectoryPrefix)
		a.Issuer = a.Issuer.WithDirectory(dir)
	}

	renderer := mail.NewTemplateRenderer(cfg.CertificateURLBase)
	a.Dispatcher = dispatcher.New(a.Notifications, renderer, sender).
		WithMetrics(a.Metrics).
		WithLogger(o.logger.With("component", "dispatcher")).
		WithReceive(cfg.BatchSize, cfg.WaitTime).
		WithWorkers(cfg.DispatcherWorkers).
		WithMaxReceives(cfg.MaxReceives)
	if cfg.CircuitBreakerThreshold > 0 {
		a.Dispatcher = a.Dispatcher.WithCircuitBreaker(
			circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}
	if a.DeadLetter != nil {
		a.Dispatcher = a.Dispatcher.WithDeadLetter(a.DeadLetter)
	}

	if cfg.ReconcileEnabled {
		a.Reconciler, err = reconciler.New(reconciler.Config{
			Schedule:  cfg.ReconcileSchedule,
			Timezone:  cfg.ReconcileTimezone,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, a.Store, a.Completions)
		if err != nil {
			return nil, err
		}
		a.Reconciler = a.Reconciler.
			WithMetrics(a.Metrics).
			WithLogger(o.logger.With("component", "reconciler")).
			WithClock(o.clock)
	}

	return a, nil
}

func needsAWS(cfg config.Config) bool {
	return cfg.StoreBackend == config.BackendDynamoDB ||
		cfg.QueueBackend == config.BackendSQS ||
		cfg.MailBackend == config.BackendSES
}

func (a *App) openStore(ctx context.Context, cfg config.Config, awsCfg aws.Config) error {
	if cfg.StoreBackend == config.BackendPostgres || cfg.LeaderElection {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		a.logger.Info("app: db pool configured",
			"max_open", cfg.DBMaxOpenConns,
			"max_idle", cfg.DBMaxIdleConns,
			"max_lifetime", cfg.DBConnMaxLifetime,
		)
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		store := postgres.New(a.DB, cfg.DBOpTimeout)
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.Store = store
	case config.BackendDynamoDB:
		a.Store = dynamo.NewFromConfig(awsCfg, cfg.AWSEndpointURL, cfg.ProgressTable, cfg.CertificatesTable)
	case config.BackendMemory:
		a.Store = memory.New()
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	a.logger.Info("app: store ready", "backend", cfg.StoreBackend)
	return nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func (a *App) openQueues(cfg config.Config, awsCfg aws.Config, client *redis.Client, clock func() time.Time) {
	switch cfg.QueueBackend {
	case config.BackendSQS:
		a.Completions = sqsqueue.NewFromConfig(awsCfg, cfg.AWSEndpointURL, cfg.CompletionQueueURL, cfg.VisibilityTimeout)
		a.Notifications = sqsqueue.NewFromConfig(awsCfg, cfg.AWSEndpointURL, cfg.NotificationQueueURL, cfg.VisibilityTimeout)
		if cfg.DeadLetterQueueURL != "" {
			a.DeadLetter = sqsqueue.NewFromConfig(awsCfg, cfg.AWSEndpointURL, cfg.DeadLetterQueueURL, cfg.VisibilityTimeout)
		}

	case config.BackendRedis:
		dlq := redisq.New(client, QueueDeadLetter, redisq.WithMetrics(a.Metrics))
		a.DeadLetter = dlq
		opts := []redisq.Option{
			redisq.WithVisibilityTimeout(cfg.VisibilityTimeout),
			redisq.WithRedrive(cfg.MaxReceives, dlq),
			redisq.WithClock(clock),
			redisq.WithMetrics(a.Metrics),
		}
		a.Completions = redisq.New(client, cfg.CompletionQueueURL, opts...)
		a.Notifications = redisq.New(client, cfg.NotificationQueueURL, opts...)

	default:
		dlq := channel.NewQueue(QueueDeadLetter, channel.WithMetrics(a.Metrics), channel.WithClock(clock))
		a.DeadLetter = dlq
		opts := []channel.Option{
			channel.WithVisibilityTimeout(cfg.VisibilityTimeout),
			channel.WithRedrive(cfg.MaxReceives, dlq),
			channel.WithClock(clock),
			channel.WithMetrics(a.Metrics),
		}
		a.Completions = channel.NewQueue(QueueCompletions, opts...)
		a.Notifications = channel.NewQueue(QueueNotifications, opts...)
	}
	a.logger.Info("app: queues ready", "backend", cfg.QueueBackend, "dead_letter", a.DeadLetter != nil)
}

func (a *App) newSender(cfg config.Config, awsCfg aws.Config) mail.Sender {
	switch cfg.MailBackend {
	case config.BackendSES:
		return mail.NewSESSenderFromConfig(awsCfg, cfg.AWSEndpointURL, cfg.SESEmailIdentity)
	case config.BackendWebhook:
		return mail.NewWebhookSender(cfg.MailWebhookURL, cfg.MailWebhookSecret)
	default:
		return mail.NewLogSender(a.logger.With("component", "mail"))
	}
}

// RunReconciler runs the reconciler until ctx is cancelled. With leader
// election enabled, only the instance holding the advisory lock sweeps.
func (a *App) RunReconciler(ctx context.Context) {
	if a.Reconciler == nil {
		return
	}
	if !a.Config.LeaderElection || a.DB == nil {
		a.Reconciler.Run(ctx)
		return
	}

	var (
		mu      sync.Mutex
		running sync.WaitGroup
	)
	onElected := func(leaderCtx context.Context) {
		mu.Lock()
		running.Add(1)
		mu.Unlock()
		defer running.Done()
		a.Reconciler.Run(leaderCtx)
	}
	onDemoted := func() {
		mu.Lock()
		defer mu.Unlock()
		running.Wait()
	}

	leaderelection.New(a.DB, a.Config.LeaderLockKey,
		a.Config.LeaderRetryInterval, a.Config.LeaderHeartbeatInterval,
		onElected, onDemoted,
	).
		WithMetrics(a.Metrics).
		WithLogger(a.logger.With("component", "leader")).
		Run(ctx)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
