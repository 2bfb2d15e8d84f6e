// Package notify delivers moderation notifications to an external webhook
// sink. Failures never affect the decision path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamguard/moderator/pkg/metrics"
)

// requestTimeout bounds a single webhook delivery.
const requestTimeout = 5 * time.Second

// Notification is the JSON body posted to the sink.
type Notification struct {
	Action    string `json:"action"`
	Severity  string `json:"severity"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// Service posts notifications to a single configured URL.
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	url     string
	client  *http.Client
	metrics *metrics.Registry
	logger  *slog.Logger
}

// NewService creates a notification service. Returns nil when url is empty
// (notifications disabled).
func NewService(url string, m *metrics.Registry) *Service {
	if url == "" {
		return nil
	}
	return &Service{
		url:     url,
		client:  &http.Client{Timeout: requestTimeout},
		metrics: m,
		logger:  slog.Default().With("component", "notify"),
	}
}

// Notify posts one notification. Fail-open: errors are logged, never
// returned.
func (s *Service) Notify(ctx context.Context, n Notification) {
	if s == nil {
		return
	}

	body, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("Failed to marshal notification", "message_id", n.MessageID, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.IncNotificationFailures()
		s.logger.Warn("Notification delivery failed",
			"message_id", n.MessageID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		s.metrics.IncNotificationFailures()
		s.logger.Warn("Notification sink rejected delivery",
			"message_id", n.MessageID, "status", fmt.Sprint(resp.StatusCode))
		return
	}
	s.metrics.IncNotificationsSent()
}
