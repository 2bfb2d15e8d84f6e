// Package decision applies the policy engine's verdict-to-action mapping and
// carries out its consequences: violation persistence, event publication,
// and moderator notification.
package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/streamguard/moderator/pkg/hub"
	"github.com/streamguard/moderator/pkg/metrics"
	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/notify"
	"github.com/streamguard/moderator/pkg/policy"
	"github.com/streamguard/moderator/pkg/violations"
)

// History query windows feeding the policy engine's escalation rules.
const (
	spamWindow     = 24 * time.Hour
	criticalWindow = 30 * 24 * time.Hour
)

// Handler runs the decision stage of the pipeline.
type Handler struct {
	store    violations.Store
	notifier *notify.Service // nil when notifications disabled
	hub      *hub.Hub
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewHandler creates a decision handler. notifier may be nil; metrics may be
// nil.
func NewHandler(store violations.Store, notifier *notify.Service, h *hub.Hub, m *metrics.Registry) *Handler {
	return &Handler{
		store:    store,
		notifier: notifier,
		hub:      h,
		metrics:  m,
		logger:   slog.Default().With("component", "decision"),
	}
}

// Handle runs the per-message decision sequence: fetch history, decide,
// persist the violation when warranted, publish the event, notify.
//
// A violation-store failure never fails the message: the action is
// downgraded to log, the event carries a persistence_failure marker, and the
// pipeline keeps moving. Forward progress beats perfect bookkeeping.
func (h *Handler) Handle(ctx context.Context, msg *models.IncomingMessage, outcome models.FilterOutcome, verdict models.ModerationVerdict, startedAt time.Time) *models.ProcessedEvent {
	history := h.fetchHistory(ctx, msg.UserID)
	action := policy.Decide(verdict, outcome, history)

	persistenceFailure := false
	if action.Severity.AtLeast(models.SeverityMedium) {
		violation := &models.UserViolation{
			ViolationID: uuid.New().String(),
			UserID:      msg.UserID,
			ChannelID:   msg.ChannelID,
			MessageID:   msg.MessageID,
			Decision:    verdict.Decision,
			Severity:    action.Severity,
			ActionKind:  action.Kind,
			Reason:      action.Reason,
			CreatedAt:   time.Now(),
			ExpiresAt:   action.ExpiresAt,
		}
		if err := h.store.Record(ctx, violation); err != nil {
			h.logger.Error("Failed to persist violation, downgrading action",
				"message_id", msg.MessageID, "user_id", msg.UserID, "error", err)
			h.metrics.IncPersistenceFailures()
			persistenceFailure = true
			action = models.Action{
				Kind:        models.ActionLog,
				Severity:    models.SeverityLow,
				Reason:      action.Reason,
				NeedsReview: true,
			}
		} else {
			h.metrics.IncViolationsRecorded()
		}
	}

	event := &models.ProcessedEvent{
		MessageID:          msg.MessageID,
		ChannelID:          msg.ChannelID,
		Message:            *msg,
		FilterOutcome:      outcome,
		Verdict:            verdict,
		Action:             action,
		TotalLatency:       time.Since(startedAt),
		PersistenceFailure: persistenceFailure,
	}
	h.hub.Publish(msg.ChannelID, event)

	if action.NotifyModerators && h.notifier != nil {
		// Delivery is asynchronous and fail-open; a slow sink must not hold
		// the pipeline's latency budget.
		go h.notifier.Notify(context.WithoutCancel(ctx), notify.Notification{
			Action:    string(action.Kind),
			Severity:  string(action.Severity),
			UserID:    msg.UserID,
			ChannelID: msg.ChannelID,
			MessageID: msg.MessageID,
			Reason:    action.Reason,
		})
	}

	return event
}

// fetchHistory builds the policy engine's history view from the violation
// store. Store failures degrade to an empty history: unknown history must
// not block a decision.
func (h *Handler) fetchHistory(ctx context.Context, userID string) models.UserHistory {
	var history models.UserHistory

	spam, err := h.store.Counts(ctx, userID, spamWindow)
	if err != nil {
		h.logger.Warn("History query failed, using empty history",
			"user_id", userID, "error", err)
		return history
	}
	history.Spam24h = spam.ByDecision[models.VerdictSpam]

	critical, err := h.store.Counts(ctx, userID, criticalWindow)
	if err != nil {
		h.logger.Warn("Critical-history query failed", "user_id", userID, "error", err)
		return history
	}
	history.Critical30d = critical.BySeverity[models.SeverityCritical]

	return history
}
