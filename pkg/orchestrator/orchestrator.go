// Package orchestrator coordinates the moderation pipeline for one message:
// lightweight filter, prompt templating, the upstream LLM call, and the
// decision stage. Every accepted message produces a ProcessedEvent within
// the deadline, whatever state the optional dependencies are in.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/streamguard/moderator/pkg/filter"
	"github.com/streamguard/moderator/pkg/llm"
	"github.com/streamguard/moderator/pkg/metrics"
	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/templates"
	"github.com/streamguard/moderator/pkg/violations"
)

// Defaults.
const (
	DefaultTemplateName = "moderation_prompt"
	DefaultDeadline     = 10 * time.Second
	DefaultDedupWindow  = 2 * time.Minute
)

// truncationMarker is appended to bodies cut at the size cap.
const truncationMarker = "...[truncated]"

// strictJSONSuffix reinforces the output format on the single re-ask after
// an unparseable response.
const strictJSONSuffix = "\n\nIMPORTANT: Respond with ONLY a single valid JSON object. No prose, no code fences, no explanation outside the JSON."

// DecisionHandler is the downstream stage consuming verdicts.
type DecisionHandler interface {
	Handle(ctx context.Context, msg *models.IncomingMessage, outcome models.FilterOutcome, verdict models.ModerationVerdict, startedAt time.Time) *models.ProcessedEvent
}

// Config tunes the orchestrator.
type Config struct {
	DefaultTemplate string
	Deadline        time.Duration
	DedupWindow     time.Duration
	MaxTokens       int
	Temperature     float64
}

func (c Config) withDefaults() Config {
	if c.DefaultTemplate == "" {
		c.DefaultTemplate = DefaultTemplateName
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 512
	}
	return c
}

// Orchestrator drives the four-stage pipeline.
type Orchestrator struct {
	cfg       Config
	filter    *filter.Filter
	templates *templates.Registry
	completer llm.Completer
	history   violations.Store
	decisions DecisionHandler
	dedup     *dedupCache
	metrics   *metrics.Registry
	logger    *slog.Logger
}

// New wires an orchestrator. history is used only for high-safety template
// context; metrics may be nil.
func New(cfg Config, f *filter.Filter, reg *templates.Registry, completer llm.Completer, history violations.Store, decisions DecisionHandler, m *metrics.Registry) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:       cfg,
		filter:    f,
		templates: reg,
		completer: completer,
		history:   history,
		decisions: decisions,
		dedup:     newDedupCache(cfg.DedupWindow),
		metrics:   m,
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

// Options carries per-call parameters for Moderate.
type Options struct {
	// TemplateName selects the prompt template. Must be in the registry's
	// allowlist; empty selects the configured default.
	TemplateName string
	// Deadline bounds the whole pipeline run. Zero selects the configured
	// default.
	Deadline time.Duration
}

// Moderate runs the full pipeline for one message and returns its
// ProcessedEvent. The only error paths are boundary validation and the
// template bug class; every infrastructure failure degrades to a fallback
// verdict instead.
func (o *Orchestrator) Moderate(ctx context.Context, msg *models.IncomingMessage, opts Options) (*models.ProcessedEvent, error) {
	start := time.Now()

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	templateName := opts.TemplateName
	if templateName == "" {
		templateName = o.cfg.DefaultTemplate
	}
	// Template selection is allowlist-only; unknown names are a request
	// error at the boundary and a bug class past it.
	tpl, err := o.templates.Get(templateName)
	if err != nil {
		return nil, err
	}

	// Single-flight per message_id: the first call reserves the id and runs
	// the pipeline; duplicates — concurrent or later, inside the window —
	// get that call's event, so at most one violation row is ever written
	// per message_id. The reservation comes after every error return above,
	// so the owning path always concludes it.
	entry, owner := o.dedup.begin(msg.MessageID, start)
	if !owner {
		// The owning call is deadline-bounded, so this wait is too.
		<-entry.done
		o.metrics.IncDedupHits()
		return entry.event, nil
	}

	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = o.cfg.Deadline
	}
	ctx, cancel := context.WithDeadline(ctx, start.Add(deadline))
	defer cancel()

	if len(msg.Body) > models.MaxBodySize {
		truncated := *msg
		truncated.Body = msg.Body[:models.MaxBodySize-len(truncationMarker)] + truncationMarker
		msg = &truncated
	}

	outcome := o.filter.Evaluate(ctx, msg)

	var verdict models.ModerationVerdict
	switch {
	// A terminal filter outcome wins over the empty-body fast path: a
	// rate-limited user sending an empty body is still rate limited, not
	// Non-Toxic.
	case !outcome.ShouldProcess:
		o.metrics.IncFilterShortCircuits()
		verdict = verdictFromFilter(outcome)
	case strings.TrimSpace(msg.Body) == "":
		verdict = models.ModerationVerdict{
			Decision:        models.VerdictNonToxic,
			Confidence:      1.0,
			Reasoning:       "empty message body",
			TemplateVersion: models.FilterTemplateVersion,
		}
	default:
		verdict = o.moderateWithLLM(ctx, msg, tpl, start.Add(deadline))
	}

	event := o.decisions.Handle(ctx, msg, outcome, verdict, start)
	o.dedup.complete(entry, event, time.Now())
	o.metrics.IncMessagesProcessed()
	return event, nil
}

// verdictFromFilter synthesizes a verdict from a terminal filter outcome.
func verdictFromFilter(outcome models.FilterOutcome) models.ModerationVerdict {
	verdict := models.ModerationVerdict{
		Confidence:      outcome.Confidence,
		TemplateVersion: models.FilterTemplateVersion,
		Categories:      outcome.MatchedPatterns,
	}
	switch {
	case outcome.Decision == models.FilterRateLimited:
		verdict.Decision = models.VerdictRateLimited
		verdict.Reasoning = "user exceeded message rate limit"
	case outcome.PatternType == filter.PatternTypePII:
		verdict.Decision = models.VerdictPII
		verdict.Reasoning = "PII pattern matched"
	default:
		verdict.Decision = models.VerdictToxic
		verdict.Reasoning = "hard pattern matched: " + strings.Join(outcome.MatchedPatterns, ", ")
	}
	return verdict
}

// moderateWithLLM renders the prompt, calls the upstream oracle, and parses
// its answer. On an unparseable response it re-asks once with a strict JSON
// reinforcement; on terminal failure it returns the fallback Unknown verdict
// — infrastructure failure alone never blocks a user.
func (o *Orchestrator) moderateWithLLM(ctx context.Context, msg *models.IncomingMessage, tpl *templates.Template, deadline time.Time) models.ModerationVerdict {
	prompt, err := o.renderPrompt(ctx, msg, tpl)
	if err != nil {
		o.logger.Error("Prompt render failed",
			"template", tpl.Name, "message_id", msg.MessageID, "error", err)
		return o.fallbackVerdict(tpl, 0, fmt.Sprintf("template failure: %v", err))
	}

	llmOpts := llm.Options{
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
		Deadline:    deadline,
	}

	completion, err := o.completer.Complete(ctx, prompt, llmOpts)
	if err != nil {
		return o.fallbackVerdict(tpl, 0, "upstream failure: "+string(llm.KindOf(err)))
	}

	verdict, parseErr := llm.ParseVerdict(completion.Text)
	if parseErr != nil && llm.IsKind(parseErr, llm.KindUnparseable) {
		// One strict-format retry, then give up to the fallback.
		retry, retryErr := o.completer.Complete(ctx, prompt+strictJSONSuffix, llmOpts)
		if retryErr != nil {
			return o.fallbackVerdict(tpl, completion.Duration, "upstream failure: "+string(llm.KindOf(retryErr)))
		}
		completion = retry
		verdict, parseErr = llm.ParseVerdict(completion.Text)
	}
	if parseErr != nil {
		return o.fallbackVerdict(tpl, completion.Duration, "upstream failure: "+string(llm.KindUnparseable))
	}

	verdict.TemplateVersion = tpl.Version
	verdict.Processing = completion.Duration
	return *verdict
}

// renderPrompt builds the template variables and renders. High-safety
// templates additionally receive a summary of the user's recent record.
func (o *Orchestrator) renderPrompt(ctx context.Context, msg *models.IncomingMessage, tpl *templates.Template) (string, error) {
	vars := map[string]string{
		"chat_message": msg.Body,
		"channel_id":   msg.ChannelID,
		"user_id":      msg.UserID,
	}
	if tpl.SafetyLevel == templates.SafetyHigh {
		vars["history_summary"] = o.historySummary(ctx, msg.UserID)
	}
	return o.templates.Render(tpl, vars)
}

// historySummary condenses the user's 30-day record for the prompt. Store
// failures yield a neutral summary.
func (o *Orchestrator) historySummary(ctx context.Context, userID string) string {
	if o.history == nil {
		return "no history available"
	}
	counts, err := o.history.Counts(ctx, userID, 30*24*time.Hour)
	if err != nil || counts.Total == 0 {
		return "no prior violations"
	}
	return fmt.Sprintf("%d violations in the last 30 days (%d critical, %d high)",
		counts.Total,
		counts.BySeverity[models.SeverityCritical],
		counts.BySeverity[models.SeverityHigh])
}

// fallbackVerdict is the Unknown verdict used when the upstream could not
// answer. Confidence zero and decision Unknown by invariant; the policy
// engine treats it conservatively (log with needs_review).
func (o *Orchestrator) fallbackVerdict(tpl *templates.Template, processing time.Duration, reasoning string) models.ModerationVerdict {
	o.metrics.IncLLMFallbacks()
	return models.ModerationVerdict{
		Decision:        models.VerdictUnknown,
		Confidence:      0,
		Reasoning:       reasoning,
		TemplateVersion: tpl.Version,
		Processing:      processing,
	}
}
