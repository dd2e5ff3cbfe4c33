package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ProgressRecorded(result string)                         {}
func (n *NoopSink) CompletionPublishFailed()                               {}
func (n *NoopSink) IssuerOutcome(state string)                             {}
func (n *NoopSink) NotificationGap()                                       {}
func (n *NoopSink) EmailOutcome(outcome string)                            {}
func (n *NoopSink) SendLatencyObserve(d time.Duration)                     {}
func (n *NoopSink) CircuitRejected()                                       {}
func (n *NoopSink) EventsInFlightIncr()                                    {}
func (n *NoopSink) EventsInFlightDecr()                                    {}
func (n *NoopSink) QueueDepthUpdate(queue string, depth int)               {}
func (n *NoopSink) DeadLettered(queue string)                              {}
func (n *NoopSink) OrphanedCompletionsUpdate(count int)                    {}
func (n *NoopSink) CompletionsRepublished(count int)                       {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                      {}
func (n *NoopSink) LeaderAcquired()                                        {}
func (n *NoopSink) LeaderLost(reason string)                               {}
func (n *NoopSink) HTTPRequest(route, statusClass string, d time.Duration) {}
