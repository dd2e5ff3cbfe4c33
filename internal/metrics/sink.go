package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Tracker metrics
	ProgressRecorded(result string)
	CompletionPublishFailed()

	// Issuer metrics
	IssuerOutcome(state string)
	NotificationGap()

	// Dispatcher metrics
	EmailOutcome(outcome string)
	SendLatencyObserve(d time.Duration)
	CircuitRejected()

	// Shared by issuer and dispatcher
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Queue metrics
	QueueDepthUpdate(queue string, depth int)
	DeadLettered(queue string)

	// Reconciler metrics
	OrphanedCompletionsUpdate(count int)
	CompletionsRepublished(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)

	// HTTP API metrics
	HTTPRequest(route, statusClass string, d time.Duration)
}

// StatusClass constants for HTTPRequest.
const (
	StatusClass2xx   = "2xx"
	StatusClass4xx   = "4xx"
	StatusClass5xx   = "5xx"
	StatusClassOther = "other"
)

// ClassifyStatus maps an HTTP status code to a status class.
func ClassifyStatus(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500 && statusCode < 600:
		return StatusClass5xx
	default:
		return StatusClassOther
	}
}
