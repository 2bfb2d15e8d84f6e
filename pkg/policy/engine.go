// Package policy maps a moderation verdict, filter outcome, and user history
// to an enforcement action. The engine is pure: no I/O, no clock, no
// randomness — the same inputs always produce the same Action.
package policy

import (
	"time"

	"github.com/streamguard/moderator/pkg/models"
)

// Timeout durations per the decision table.
const (
	RateLimitTimeout = 60 * time.Second
	SpamTimeout      = 300 * time.Second
	ToxicTimeout     = 600 * time.Second
)

// History thresholds.
const (
	SpamRepeatThreshold     = 3 // spam verdicts in 24h before timeout
	CriticalRepeatThreshold = 2 // critical violations in 30d before ban
)

// Decide evaluates the decision table top-down; the first matching row wins.
// Any action at severity high or above escalates: it carries a notification
// regardless of what its table row says.
func Decide(verdict models.ModerationVerdict, outcome models.FilterOutcome, history models.UserHistory) models.Action {
	action := decide(verdict, outcome, history)
	if action.Severity.AtLeast(models.SeverityHigh) {
		action.NotifyModerators = true
	}
	return action
}

func decide(verdict models.ModerationVerdict, outcome models.FilterOutcome, history models.UserHistory) models.Action {
	toxicLike := verdict.Decision == models.VerdictToxic || verdict.Decision == models.VerdictHarassment

	switch {
	case verdict.Decision == models.VerdictNonToxic && outcome.Decision == models.FilterPass:
		return models.Action{
			Kind:     models.ActionAllow,
			Severity: models.SeverityLow,
			Reason:   "message is clean",
		}

	case verdict.Decision == models.VerdictUnknown:
		return models.Action{
			Kind:        models.ActionLog,
			Severity:    models.SeverityLow,
			Reason:      "verdict unknown: " + verdict.Reasoning,
			NeedsReview: true,
		}

	case outcome.Decision == models.FilterRateLimited:
		return models.Action{
			Kind:            models.ActionTimeout,
			Severity:        models.SeverityHigh,
			Reason:          "message rate limit exceeded",
			TimeoutDuration: RateLimitTimeout,
		}

	case verdict.Decision == models.VerdictPII && verdict.Confidence >= 0.7:
		return models.Action{
			Kind:             models.ActionFlag,
			Severity:         models.SeverityMedium,
			Reason:           "personally identifiable information detected",
			NotifyModerators: true,
		}

	case verdict.Decision == models.VerdictSpam && history.Spam24h >= SpamRepeatThreshold:
		return models.Action{
			Kind:            models.ActionTimeout,
			Severity:        models.SeverityHigh,
			Reason:          "repeated spam",
			TimeoutDuration: SpamTimeout,
		}

	case toxicLike && verdict.Confidence >= 0.9 && history.Critical30d >= CriticalRepeatThreshold:
		return models.Action{
			Kind:             models.ActionBan,
			Severity:         models.SeverityCritical,
			Reason:           "repeated severe violations",
			NotifyModerators: true,
		}

	case toxicLike && verdict.Confidence >= 0.9:
		return models.Action{
			Kind:             models.ActionTimeout,
			Severity:         models.SeverityHigh,
			Reason:           "high-confidence toxic content",
			TimeoutDuration:  ToxicTimeout,
			NotifyModerators: true,
		}

	case toxicLike && verdict.Confidence >= 0.7:
		return models.Action{
			Kind:             models.ActionFlag,
			Severity:         models.SeverityMedium,
			Reason:           "likely toxic content",
			NotifyModerators: true,
		}

	default:
		return models.Action{
			Kind:     models.ActionLog,
			Severity: models.SeverityLow,
			Reason:   "low-confidence signal, logged for review",
		}
	}
}
