// Package filter implements the lightweight pre-LLM screen: rate limiting
// plus deterministic pattern matching. It is both a cost control (obvious
// cases never reach the LLM) and a safety net (the LLM may time out).
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/patterns"
	"github.com/streamguard/moderator/pkg/ratelimit"
)

// Pattern type labels reported on filter outcomes.
const (
	PatternTypeBanned = "banned_word"
	PatternTypeToxic  = "toxic_pattern"
	PatternTypePII    = "pii"
)

// Filter combines the rate-limit store and pattern matcher into the
// pipeline's pre-screen stage.
type Filter struct {
	limiter ratelimit.Store
	matcher *patterns.Matcher
	enabled bool
	logger  *slog.Logger
}

// New creates a filter. When enabled is false, Evaluate always passes.
func New(limiter ratelimit.Store, matcher *patterns.Matcher, enabled bool) *Filter {
	return &Filter{
		limiter: limiter,
		matcher: matcher,
		enabled: enabled,
		logger:  slog.Default().With("component", "filter"),
	}
}

// Evaluate runs the pre-screen policy for one message:
//
//  1. rate-limited user        → rate_limited, do not process
//  2. banned word / toxic hit  → flagged, do not process (LLM skipped)
//  3. PII-only hit             → flagged, still process (LLM adjudicates severity)
//  4. otherwise                → pass
//
// Matcher-engine faults fail open to pass: the system prefers LLM
// adjudication over silent blocks.
func (f *Filter) Evaluate(ctx context.Context, msg *models.IncomingMessage) models.FilterOutcome {
	start := time.Now()

	if !f.enabled {
		return models.FilterOutcome{
			ShouldProcess: true,
			Decision:      models.FilterPass,
			Latency:       time.Since(start),
		}
	}

	res, err := f.limiter.CheckAndRecord(ctx, msg.UserID, msg.Timestamp)
	if err != nil {
		// Rate-limit backing failure is not a reason to block or to skip
		// moderation; log and continue to pattern matching.
		f.logger.Warn("Rate limit check failed, continuing",
			"user_id", msg.UserID, "error", err)
		res = ratelimit.Result{Allowed: true}
	}
	if !res.Allowed {
		return models.FilterOutcome{
			ShouldProcess: false,
			Decision:      models.FilterRateLimited,
			Confidence:    1.0,
			Latency:       time.Since(start),
			RetryAfter:    res.RetryAfter,
		}
	}

	match, err := f.match(msg.Body)
	if err != nil {
		f.logger.Error("Pattern matcher fault, failing open", "error", err)
		return models.FilterOutcome{
			ShouldProcess: true,
			Decision:      models.FilterPass,
			Latency:       time.Since(start),
		}
	}

	switch {
	case len(match.Banned) > 0:
		return models.FilterOutcome{
			ShouldProcess:   false,
			Decision:        models.FilterFlagged,
			Confidence:      1.0,
			MatchedPatterns: match.All(),
			PatternType:     PatternTypeBanned,
			Latency:         time.Since(start),
		}
	case len(match.Toxic) > 0:
		return models.FilterOutcome{
			ShouldProcess:   false,
			Decision:        models.FilterFlagged,
			Confidence:      0.9,
			MatchedPatterns: match.All(),
			PatternType:     PatternTypeToxic,
			Latency:         time.Since(start),
		}
	case len(match.PII) > 0:
		// PII alone is flagged but still sent upstream for severity.
		return models.FilterOutcome{
			ShouldProcess:   true,
			Decision:        models.FilterFlagged,
			Confidence:      0.8,
			MatchedPatterns: match.All(),
			PatternType:     PatternTypePII,
			Latency:         time.Since(start),
		}
	default:
		return models.FilterOutcome{
			ShouldProcess: true,
			Decision:      models.FilterPass,
			Latency:       time.Since(start),
		}
	}
}

// match wraps the matcher call so an engine panic surfaces as an error
// instead of taking down the request goroutine.
func (f *Filter) match(body string) (res patterns.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern matcher panic: %v", r)
		}
	}()
	return f.matcher.Match(body), nil
}
