package api

import (
	"time"

	"github.com/streamguard/moderator/pkg/models"
)

// ModerateRequest is the body of POST /moderate.
type ModerateRequest struct {
	// MessageID is optional; supplying one enables duplicate suppression
	// and replay. Generated when absent.
	MessageID    string            `json:"message_id,omitempty"`
	Message      string            `json:"message"`
	UserID       string            `json:"user_id"`
	Username     string            `json:"username,omitempty"`
	ChannelID    string            `json:"channel_id"`
	Timestamp    *time.Time        `json:"timestamp,omitempty"`
	TemplateName string            `json:"template_name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// toMessage builds the pipeline message from the request.
func (r *ModerateRequest) toMessage() *models.IncomingMessage {
	ts := time.Now()
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	id := r.MessageID
	if id == "" {
		id = models.NewMessageID()
	}
	return &models.IncomingMessage{
		MessageID: id,
		UserID:    r.UserID,
		Username:  r.Username,
		ChannelID: r.ChannelID,
		Body:      r.Message,
		Timestamp: ts,
		Metadata:  r.Metadata,
	}
}

// FilterRequest is the body of POST /filter, exposing the lightweight filter
// alone for composability.
type FilterRequest struct {
	Message   string     `json:"message"`
	UserID    string     `json:"user_id"`
	ChannelID string     `json:"channel_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// DecideRequest is the body of POST /decide: a pre-made verdict fed straight
// into the decision stage, for replay and testing.
type DecideRequest struct {
	MessageID     string                   `json:"message_id,omitempty"`
	UserID        string                   `json:"user_id"`
	ChannelID     string                   `json:"channel_id"`
	Message       string                   `json:"message,omitempty"`
	Verdict       models.ModerationVerdict `json:"verdict"`
	FilterOutcome *models.FilterOutcome    `json:"filter_outcome,omitempty"`
}
