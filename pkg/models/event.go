package models

import "time"

// ProcessedEvent is the pipeline's final per-message record, returned to the
// ingress caller and published to session subscribers. Published once per
// message; ordering per channel is preserved per subscriber.
type ProcessedEvent struct {
	MessageID          string            `json:"message_id"`
	ChannelID          string            `json:"channel_id"`
	Message            IncomingMessage   `json:"message"`
	FilterOutcome      FilterOutcome     `json:"filter_outcome"`
	Verdict            ModerationVerdict `json:"verdict"`
	Action             Action            `json:"action"`
	TotalLatency       time.Duration     `json:"total_latency_ns"`
	PersistenceFailure bool              `json:"persistence_failure,omitempty"`
}
