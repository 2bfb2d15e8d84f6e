// Package metrics tracks process-wide pipeline counters exposed on
// GET /metrics. Counters are plain atomics; the registry is nil-safe so
// components can be wired without one (tests, embedded use).
package metrics

import "sync/atomic"

// Registry holds the pipeline counters.
type Registry struct {
	messagesProcessed   atomic.Int64
	filterShortCircuits atomic.Int64
	dedupHits           atomic.Int64

	llmCalls              atomic.Int64
	llmFailures           atomic.Int64
	llmCircuitRejections  atomic.Int64
	llmFallbacks          atomic.Int64

	violationsRecorded  atomic.Int64
	persistenceFailures atomic.Int64

	eventsPublished atomic.Int64
	eventsDropped   atomic.Int64

	notificationsSent     atomic.Int64
	notificationFailures  atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Snapshot is a point-in-time copy of all counters, JSON-shaped for the
// metrics endpoint.
type Snapshot struct {
	MessagesProcessed   int64 `json:"messages_processed"`
	FilterShortCircuits int64 `json:"filter_short_circuits"`
	DedupHits           int64 `json:"dedup_hits"`

	LLMCalls             int64 `json:"llm_calls"`
	LLMFailures          int64 `json:"llm_failures"`
	LLMCircuitRejections int64 `json:"llm_circuit_rejections"`
	LLMFallbacks         int64 `json:"llm_fallbacks"`

	ViolationsRecorded  int64 `json:"violations_recorded"`
	PersistenceFailures int64 `json:"persistence_failures"`

	EventsPublished int64 `json:"events_published"`
	EventsDropped   int64 `json:"events_dropped"`

	NotificationsSent    int64 `json:"notifications_sent"`
	NotificationFailures int64 `json:"notification_failures"`
}

// Snapshot returns the current counter values. Nil-safe.
func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		MessagesProcessed:    r.messagesProcessed.Load(),
		FilterShortCircuits:  r.filterShortCircuits.Load(),
		DedupHits:            r.dedupHits.Load(),
		LLMCalls:             r.llmCalls.Load(),
		LLMFailures:          r.llmFailures.Load(),
		LLMCircuitRejections: r.llmCircuitRejections.Load(),
		LLMFallbacks:         r.llmFallbacks.Load(),
		ViolationsRecorded:   r.violationsRecorded.Load(),
		PersistenceFailures:  r.persistenceFailures.Load(),
		EventsPublished:      r.eventsPublished.Load(),
		EventsDropped:        r.eventsDropped.Load(),
		NotificationsSent:    r.notificationsSent.Load(),
		NotificationFailures: r.notificationFailures.Load(),
	}
}

// Nil-safe increment helpers, one per counter.

func (r *Registry) IncMessagesProcessed() {
	if r != nil {
		r.messagesProcessed.Add(1)
	}
}

func (r *Registry) IncFilterShortCircuits() {
	if r != nil {
		r.filterShortCircuits.Add(1)
	}
}

func (r *Registry) IncDedupHits() {
	if r != nil {
		r.dedupHits.Add(1)
	}
}

func (r *Registry) IncLLMCalls() {
	if r != nil {
		r.llmCalls.Add(1)
	}
}

func (r *Registry) IncLLMFailures() {
	if r != nil {
		r.llmFailures.Add(1)
	}
}

func (r *Registry) IncLLMCircuitRejections() {
	if r != nil {
		r.llmCircuitRejections.Add(1)
	}
}

func (r *Registry) IncLLMFallbacks() {
	if r != nil {
		r.llmFallbacks.Add(1)
	}
}

func (r *Registry) IncViolationsRecorded() {
	if r != nil {
		r.violationsRecorded.Add(1)
	}
}

func (r *Registry) IncPersistenceFailures() {
	if r != nil {
		r.persistenceFailures.Add(1)
	}
}

func (r *Registry) IncEventsPublished() {
	if r != nil {
		r.eventsPublished.Add(1)
	}
}

func (r *Registry) AddEventsDropped(n int64) {
	if r != nil {
		r.eventsDropped.Add(n)
	}
}

func (r *Registry) IncNotificationsSent() {
	if r != nil {
		r.notificationsSent.Add(1)
	}
}

func (r *Registry) IncNotificationFailures() {
	if r != nil {
		r.notificationFailures.Add(1)
	}
}
