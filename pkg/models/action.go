package models

import "time"

// Severity is the enforcement intensity of an action or violation.
type Severity string

// Severity levels, ordered low to critical.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// ActionKind is the enforcement outcome applied to a message/user.
type ActionKind string

// Action kinds.
const (
	ActionAllow    ActionKind = "allow"
	ActionLog      ActionKind = "log"
	ActionFlag     ActionKind = "flag"
	ActionEscalate ActionKind = "escalate"
	ActionTimeout  ActionKind = "timeout"
	ActionBan      ActionKind = "ban"
)

// Action is the policy engine's enforcement decision.
// Invariants: Kind == timeout implies TimeoutDuration > 0; Kind == ban leaves
// ExpiresAt nil (permanent); there is no ban-duration setting.
type Action struct {
	Kind             ActionKind    `json:"kind"`
	Severity         Severity      `json:"severity"`
	Reason           string        `json:"reason"`
	NotifyModerators bool          `json:"notify_moderators"`
	TimeoutDuration  time.Duration `json:"timeout_duration_ns,omitempty"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	NeedsReview      bool          `json:"needs_review,omitempty"`
}

// UserViolation is a persisted record of a non-benign moderation outcome.
type UserViolation struct {
	ViolationID string          `json:"violation_id"`
	UserID      string          `json:"user_id"`
	ChannelID   string          `json:"channel_id"`
	MessageID   string          `json:"message_id"`
	Decision    VerdictDecision `json:"decision"`
	Severity    Severity        `json:"severity"`
	ActionKind  ActionKind      `json:"action_taken"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// ViolationCounts summarizes a user's violations inside a query window.
type ViolationCounts struct {
	Total      int                     `json:"total"`
	BySeverity map[Severity]int        `json:"by_severity"`
	ByDecision map[VerdictDecision]int `json:"by_decision"`
}

// UserHistory is the policy engine's view of a user's recent record.
type UserHistory struct {
	Spam24h     int `json:"spam_24h"`
	Critical30d int `json:"critical_30d"`
}
