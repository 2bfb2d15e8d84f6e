package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamguard/moderator/pkg/models"
)

func verdict(d models.VerdictDecision, confidence float64) models.ModerationVerdict {
	return models.ModerationVerdict{Decision: d, Confidence: confidence}
}

func passOutcome() models.FilterOutcome {
	return models.FilterOutcome{ShouldProcess: true, Decision: models.FilterPass}
}

func TestDecide_Table(t *testing.T) {
	tests := []struct {
		name        string
		verdict     models.ModerationVerdict
		outcome     models.FilterOutcome
		history     models.UserHistory
		wantKind    models.ActionKind
		wantSev     models.Severity
		wantNotify  bool
		wantTimeout time.Duration
		wantReview  bool
	}{
		{
			name:     "clean message allowed",
			verdict:  verdict(models.VerdictNonToxic, 0.98),
			outcome:  passOutcome(),
			wantKind: models.ActionAllow,
			wantSev:  models.SeverityLow,
		},
		{
			name:       "unknown verdict logged for review",
			verdict:    verdict(models.VerdictUnknown, 0),
			outcome:    passOutcome(),
			wantKind:   models.ActionLog,
			wantSev:    models.SeverityLow,
			wantReview: true,
		},
		{
			name:        "rate limited times out 60s",
			verdict:     verdict(models.VerdictRateLimited, 1.0),
			outcome:     models.FilterOutcome{Decision: models.FilterRateLimited},
			wantKind:    models.ActionTimeout,
			wantSev:     models.SeverityHigh,
			wantTimeout: 60 * time.Second,
			wantNotify:  true, // severity >= high escalates
		},
		{
			name:       "confident PII flagged with notification",
			verdict:    verdict(models.VerdictPII, 0.8),
			outcome:    passOutcome(),
			wantKind:   models.ActionFlag,
			wantSev:    models.SeverityMedium,
			wantNotify: true,
		},
		{
			name:     "low-confidence PII logged",
			verdict:  verdict(models.VerdictPII, 0.5),
			outcome:  passOutcome(),
			wantKind: models.ActionLog,
			wantSev:  models.SeverityLow,
		},
		{
			name:        "repeat spammer timed out 300s",
			verdict:     verdict(models.VerdictSpam, 0.9),
			outcome:     passOutcome(),
			history:     models.UserHistory{Spam24h: 3},
			wantKind:    models.ActionTimeout,
			wantSev:     models.SeverityHigh,
			wantTimeout: 300 * time.Second,
			wantNotify:  true,
		},
		{
			name:     "first-time spam logged",
			verdict:  verdict(models.VerdictSpam, 0.9),
			outcome:  passOutcome(),
			wantKind: models.ActionLog,
			wantSev:  models.SeverityLow,
		},
		{
			name:       "toxic repeat offender banned",
			verdict:    verdict(models.VerdictToxic, 0.95),
			outcome:    passOutcome(),
			history:    models.UserHistory{Critical30d: 2},
			wantKind:   models.ActionBan,
			wantSev:    models.SeverityCritical,
			wantNotify: true,
		},
		{
			name:        "high-confidence toxic timed out 600s",
			verdict:     verdict(models.VerdictToxic, 0.95),
			outcome:     passOutcome(),
			wantKind:    models.ActionTimeout,
			wantSev:     models.SeverityHigh,
			wantTimeout: 600 * time.Second,
			wantNotify:  true,
		},
		{
			name:       "harassment 0.9 treated like toxic",
			verdict:    verdict(models.VerdictHarassment, 0.92),
			outcome:    passOutcome(),
			wantKind:   models.ActionTimeout,
			wantSev:    models.SeverityHigh,
			wantTimeout: 600 * time.Second,
			wantNotify: true,
		},
		{
			name:       "medium-confidence toxic flagged",
			verdict:    verdict(models.VerdictToxic, 0.75),
			outcome:    passOutcome(),
			wantKind:   models.ActionFlag,
			wantSev:    models.SeverityMedium,
			wantNotify: true,
		},
		{
			name:     "low-confidence toxic logged",
			verdict:  verdict(models.VerdictToxic, 0.5),
			outcome:  passOutcome(),
			wantKind: models.ActionLog,
			wantSev:  models.SeverityLow,
		},
		{
			name:     "non-toxic verdict but filter flagged falls through to log",
			verdict:  verdict(models.VerdictNonToxic, 0.9),
			outcome:  models.FilterOutcome{ShouldProcess: true, Decision: models.FilterFlagged},
			wantKind: models.ActionLog,
			wantSev:  models.SeverityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := Decide(tt.verdict, tt.outcome, tt.history)
			assert.Equal(t, tt.wantKind, action.Kind)
			assert.Equal(t, tt.wantSev, action.Severity)
			assert.Equal(t, tt.wantNotify, action.NotifyModerators)
			assert.Equal(t, tt.wantTimeout, action.TimeoutDuration)
			assert.Equal(t, tt.wantReview, action.NeedsReview)
			if action.Kind == models.ActionTimeout {
				assert.Greater(t, action.TimeoutDuration, time.Duration(0),
					"timeout actions must carry a positive duration")
			}
		})
	}
}

func TestDecide_Pure(t *testing.T) {
	v := verdict(models.VerdictToxic, 0.95)
	o := passOutcome()
	h := models.UserHistory{Spam24h: 1, Critical30d: 1}

	first := Decide(v, o, h)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Decide(v, o, h), "Decide must be deterministic")
	}
}

func TestDecide_UnknownBeatsHistory(t *testing.T) {
	// Unknown is evaluated before history-based escalation: infrastructure
	// failure never bans anyone.
	action := Decide(verdict(models.VerdictUnknown, 0), passOutcome(),
		models.UserHistory{Critical30d: 10})
	assert.Equal(t, models.ActionLog, action.Kind)
	assert.True(t, action.NeedsReview)
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, models.SeverityCritical.AtLeast(models.SeverityHigh))
	assert.True(t, models.SeverityMedium.AtLeast(models.SeverityMedium))
	assert.False(t, models.SeverityLow.AtLeast(models.SeverityMedium))
}
