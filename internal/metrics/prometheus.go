package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Tracker metrics
	progressUpdatesTotal      *prometheus.CounterVec
	completionPublishFailures prometheus.Counter

	// Issuer metrics
	issuerOutcomesTotal   *prometheus.CounterVec
	notificationGapsTotal prometheus.Counter
	eventsInFlight        prometheus.Gauge

	// Dispatcher metrics
	emailOutcomesTotal     *prometheus.CounterVec
	sendDuration           prometheus.Histogram
	circuitRejectionsTotal prometheus.Counter

	// Queue metrics
	queueDepth        *prometheus.GaugeVec
	deadLetteredTotal *prometheus.CounterVec

	// Reconciler metrics
	orphanedCompletions prometheus.Gauge
	republishedTotal    prometheus.Counter

	// Leader election metrics
	isLeader           prometheus.Gauge
	leaderAcquisitions prometheus.Counter
	leaderLossesTotal  *prometheus.CounterVec

	// HTTP API metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register still record, they are just not exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initTrackerMetrics(reg)
	s.initIssuerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initQueueMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	s.initHTTPMetrics(reg)
	return s
}

func (s *PrometheusSink) initTrackerMetrics(reg prometheus.Registerer) {
	s.progressUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certpipe_tracker_progress_updates_total",
		Help: "Total number of progress updates by result.",
	}, []string{"result"})
	s.completionPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certpipe_tracker_completion_publish_failures_total",
		Help: "Completions stored but not published (degraded results).",
	})

	s.register(reg, s.progressUpdatesTotal, "certpipe_tracker_progress_updates_total")
	s.register(reg, s.completionPublishFailures, "certpipe_tracker_completion_publish_failures_total")
}

func (s *PrometheusSink) initIssuerMetrics(reg prometheus.Registerer) {
	s.issuerOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certpipe_issuer_outcomes_total",
		Help: "Total number of completion messages by final state.",
	}, []string{"state"})
	s.notificationGapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certpipe_issuer_notification_gaps_total",
		Help: "Completions acked although their notification was not published.",
	})
	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "certpipe_events_in_flight",
		Help: "Number of queue messages currently being processed.",
	})

	s.register(reg, s.issuerOutcomesTotal, "certpipe_issuer_outcomes_total")
	s.register(reg, s.notificationGapsTotal, "certpipe_issuer_notification_gaps_total")
	s.register(reg, s.eventsInFlight, "certpipe_events_in_flight")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.emailOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certpipe_dispatcher_email_outcomes_total",
		Help: "Total number of notification messages by outcome.",
	}, []string{"outcome"})
	s.sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "certpipe_dispatcher_send_duration_seconds",
		Help:    "Mail provider send latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.circuitRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certpipe_dispatcher_circuit_rejections_total",
		Help: "Sends skipped because the recipient domain circuit was open.",
	})

	s.register(reg, s.emailOutcomesTotal, "certpipe_dispatcher_email_outcomes_total")
	s.register(reg, s.sendDuration, "certpipe_dispatcher_send_duration_seconds")
	s.register(reg, s.circuitRejectionsTotal, "certpipe_dispatcher_circuit_rejections_total")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "certpipe_queue_depth",
		Help: "Messages stored in an in-process queue, visible or in flight.",
	}, []string{"queue"})
	s.deadLetteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certpipe_queue_dead_lettered_total",
		Help: "Messages moved to a dead-letter destination.",
	}, []string{"queue"})

	s.register(reg, s.queueDepth, "certpipe_queue_depth")
	s.register(reg, s.deadLetteredTotal, "certpipe_queue_dead_lettered_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.orphanedCompletions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "certpipe_reconciler_orphaned_completions",
		Help: "Orphaned completions found by the last sweep.",
	})
	s.republishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certpipe_reconciler_republished_total",
		Help: "Completion events republished by the reconciler.",
	})

	s.register(reg, s.orphanedCompletions, "certpipe_reconciler_orphaned_completions")
	s.register(reg, s.republishedTotal, "certpipe_reconciler_republished_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "certpipe_leader_is_leader",
		Help: "1 if this instance holds the reconciler leader lock.",
	})
	s.leaderAcquisitions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certpipe_leader_acquisitions_total",
		Help: "Times this instance acquired leadership.",
	})
	s.leaderLossesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certpipe_leader_losses_total",
		Help: "Times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "certpipe_leader_is_leader")
	s.register(reg, s.leaderAcquisitions, "certpipe_leader_acquisitions_total")
	s.register(reg, s.leaderLossesTotal, "certpipe_leader_losses_total")
}

func (s *PrometheusSink) initHTTPMetrics(reg prometheus.Registerer) {
	s.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certpipe_http_requests_total",
		Help: "HTTP requests by route and status class.",
	}, []string{"route", "status_class"})
	s.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "certpipe_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"route"})

	s.register(reg, s.httpRequestsTotal, "certpipe_http_requests_total")
	s.register(reg, s.httpDuration, "certpipe_http_request_duration_seconds")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register", "metric", name, "error", err)
	}
}

// Tracker metrics implementation

func (s *PrometheusSink) ProgressRecorded(result string) {
	s.progressUpdatesTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) CompletionPublishFailed() {
	s.completionPublishFailures.Inc()
}

// Issuer metrics implementation

func (s *PrometheusSink) IssuerOutcome(state string) {
	s.issuerOutcomesTotal.WithLabelValues(state).Inc()
}

func (s *PrometheusSink) NotificationGap() {
	s.notificationGapsTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) EmailOutcome(outcome string) {
	s.emailOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) SendLatencyObserve(d time.Duration) {
	s.sendDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) CircuitRejected() {
	s.circuitRejectionsTotal.Inc()
}

// Queue metrics implementation

func (s *PrometheusSink) QueueDepthUpdate(queue string, depth int) {
	s.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (s *PrometheusSink) DeadLettered(queue string) {
	s.deadLetteredTotal.WithLabelValues(queue).Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) OrphanedCompletionsUpdate(count int) {
	s.orphanedCompletions.Set(float64(count))
}

func (s *PrometheusSink) CompletionsRepublished(count int) {
	s.republishedTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquisitions.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLossesTotal.WithLabelValues(reason).Inc()
}

// HTTP API metrics implementation

func (s *PrometheusSink) HTTPRequest(route, statusClass string, d time.Duration) {
	s.httpRequestsTotal.WithLabelValues(route, statusClass).Inc()
	s.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
