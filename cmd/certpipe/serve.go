package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/djlord-it/certpipe/internal/app"
	"github.com/djlord-it/certpipe/internal/config"
)

// stage is one independently cancellable worker loop.
type stage struct {
	name   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startStage(name string, run func(ctx context.Context)) *stage {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stage{name: name, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(ctx)
	}()
	return s
}

// stop cancels the stage and waits up to timeout for it to return.
func (s *stage) stop(logger *slog.Logger, timeout time.Duration) {
	if s == nil {
		return
	}
	logger.Info("certpipe: stopping " + s.name)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("certpipe: " + s.name + " stopped")
	case <-time.After(timeout):
		logger.Warn("certpipe: "+s.name+" did not stop in time; unacked messages will be redelivered",
			"timeout", timeout)
	}
}

func runServe(ctx context.Context, cfg config.Config, roles roleSet, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !roles[roleReconciler] {
		cfg.ReconcileEnabled = false
	}

	logConfigWarnings(logger, cfg, roles)

	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("certpipe: close failed", "error", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("certpipe: metrics server listening", "addr", cfg.MetricsAddr, "path", cfg.MetricsPath)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("certpipe: metrics server error", "error", err)
			}
		}()
	} else {
		logger.Info("certpipe: METRICS_ENABLED not set; metrics disabled")
	}

	var httpServer *http.Server
	if roles[roleTracker] {
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("certpipe: http server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("certpipe: http server error", "error", err)
			}
		}()
	}

	var issuerStage, dispatcherStage, reconcilerStage *stage
	if roles[roleIssuer] {
		issuerStage = startStage("issuer", a.Issuer.Run)
	}
	if roles[roleDispatcher] {
		dispatcherStage = startStage("dispatcher", a.Dispatcher.Run)
	}
	if a.Reconciler != nil {
		reconcilerStage = startStage("reconciler", a.RunReconciler)
		logger.Info("certpipe: reconciler enabled",
			"schedule", cfg.ReconcileSchedule,
			"threshold", cfg.ReconcileThreshold,
			"batch", cfg.ReconcileBatchSize,
			"leader_election", cfg.LeaderElection,
		)
	} else if roles[roleReconciler] {
		logger.Info("certpipe: RECONCILE_ENABLED not set; reconciler disabled")
	}

	logger.Info("certpipe: started",
		"roles", roles.String(),
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
		"mail", cfg.MailBackend,
	)

	<-ctx.Done()
	logger.Info("certpipe: shutdown requested")

	// Intake first so no new completions arrive while queues drain.
	if httpServer != nil {
		logger.Info("certpipe: stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("certpipe: http server shutdown error", "error", err)
		}
		cancel()
		logger.Info("certpipe: http server stopped")
	}

	reconcilerStage.stop(logger, cfg.DrainTimeout)
	issuerStage.stop(logger, cfg.DrainTimeout)
	dispatcherStage.stop(logger, cfg.DrainTimeout)

	if metricsServer != nil {
		logger.Info("certpipe: stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("certpipe: metrics server shutdown error", "error", err)
		}
		cancel()
	}

	logger.Info("certpipe: stopped")
	return nil
}
