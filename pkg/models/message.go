// Package models defines the data types flowing through the moderation pipeline.
package models

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxBodySize is the maximum accepted chat message body in bytes.
const MaxBodySize = 4 * 1024

// MaxMetadataEntries bounds the metadata map on an incoming message.
const MaxMetadataEntries = 32

// IncomingMessage is a single chat message entering the pipeline.
// Immutable once created; downstream records reference it by MessageID.
type IncomingMessage struct {
	MessageID string            `json:"message_id"`
	UserID    string            `json:"user_id"`
	Username  string            `json:"username,omitempty"`
	ChannelID string            `json:"channel_id"`
	Body      string            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewMessageID returns a fresh ULID for message identity.
func NewMessageID() string {
	return ulid.Make().String()
}

// Validate checks boundary constraints on an incoming message.
// Body size is checked against MaxBodySize by the caller when truncation
// (rather than rejection) is the desired behavior.
func (m *IncomingMessage) Validate() error {
	if m.MessageID == "" {
		return &ValidationError{Field: "message_id", Reason: "required"}
	}
	if m.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if m.ChannelID == "" {
		return &ValidationError{Field: "channel_id", Reason: "required"}
	}
	// An empty body is valid: the pipeline resolves it to Non-Toxic without
	// consulting the LLM.
	if len(m.Metadata) > MaxMetadataEntries {
		return &ValidationError{
			Field:  "metadata",
			Reason: fmt.Sprintf("exceeds maximum of %d entries", MaxMetadataEntries),
		}
	}
	return nil
}

// ValidationError reports a boundary validation failure on user input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
