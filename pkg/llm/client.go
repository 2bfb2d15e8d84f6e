// Package llm implements the bounded HTTP client for the upstream moderation
// oracle: absolute deadlines, jittered retries, a circuit breaker, and
// overload-aware backoff behind a concurrency semaphore.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/streamguard/moderator/pkg/metrics"
	"github.com/streamguard/moderator/pkg/version"
)

// Default client tunables.
const (
	DefaultHardCap     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryBase   = time.Second
	DefaultConcurrency = 8

	maxResponseBody = 1 << 20 // 1 MiB
)

// Config holds LLM client configuration.
type Config struct {
	Endpoint    string
	Model       string
	APIKey      string        // bearer token; empty disables auth header
	HardCap     time.Duration // per-request timeout ceiling
	MaxRetries  int
	RetryBase   time.Duration
	Concurrency int64

	Breaker  BreakerConfig
	Overload OverloadConfig
}

func (c Config) withDefaults() Config {
	if c.HardCap <= 0 {
		c.HardCap = DefaultHardCap
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Options carries per-call parameters.
type Options struct {
	MaxTokens   int
	Temperature float64
	// Deadline is the absolute completion deadline, derived from the
	// orchestrator's deadline. Zero means now + HardCap.
	Deadline time.Time
}

// Completion is a successful upstream response.
type Completion struct {
	Text     string
	Duration time.Duration
}

// Completer is the upstream oracle interface consumed by the orchestrator.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (*Completion, error)
}

// Client is the HTTP client for the upstream LLM. Safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	sem      *semaphore.Weighted
	breaker  *Breaker
	overload *overloadTracker
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewClient creates a client. metrics may be nil.
func NewClient(cfg Config, m *metrics.Registry) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		http: &http.Client{
			// Per-request timeouts come from the context; the client-level
			// timeout is only a backstop against context bugs.
			Timeout: cfg.HardCap + 5*time.Second,
		},
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		breaker:  NewBreaker(cfg.Breaker),
		overload: newOverloadTracker(cfg.Overload),
		metrics:  m,
		logger:   slog.Default().With("component", "llm-client"),
	}
}

// BreakerState exposes the breaker state for health reporting and tests.
func (c *Client) BreakerState() State {
	return c.breaker.CurrentState()
}

// chatRequest is the upstream request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends the prompt upstream and returns the extracted response
// text. All failures carry a Kind; the breaker records every outcome except
// circuit rejections and overload-delay or permit-wait timeouts (neither
// reached upstream) and bad-request failures (a caller bug, not upstream
// health).
func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (*Completion, error) {
	start := time.Now()

	deadline := opts.Deadline
	if deadline.IsZero() {
		deadline = start.Add(c.cfg.HardCap)
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, newError(KindDeadlineExceeded, "deadline already expired")
	}
	// HTTP timeout is min(deadline remaining, hard cap).
	if remaining > c.cfg.HardCap {
		remaining = c.cfg.HardCap
	}
	reqCtx, cancel := context.WithDeadline(ctx, start.Add(remaining))
	defer cancel()

	if !c.breaker.Allow(start) {
		c.metrics.IncLLMCircuitRejections()
		return nil, newError(KindCircuitOpen, "circuit breaker open")
	}

	// Overload-aware backoff: while the upstream looks saturated, each
	// request waits a bounded extra delay and holds a double-weight permit,
	// halving effective concurrency. Bailing out here never reached
	// upstream, so the admission is cancelled rather than recorded — a
	// probe slot must not leak (§5: cancellation must not leak permits).
	if delay := c.overload.Delay(start); delay > 0 {
		select {
		case <-time.After(delay):
		case <-reqCtx.Done():
			c.breaker.CancelProbe()
			return nil, wrapError(KindDeadlineExceeded, reqCtx.Err())
		}
	}
	weight := int64(1)
	if c.overload.Pressured(time.Now()) && c.cfg.Concurrency >= 2 {
		weight = 2
	}
	if err := c.sem.Acquire(reqCtx, weight); err != nil {
		c.breaker.CancelProbe()
		return nil, wrapError(KindDeadlineExceeded, err)
	}
	defer c.sem.Release(weight)

	text, err := c.completeWithRetry(reqCtx, prompt, opts)
	duration := time.Since(start)

	if err != nil {
		c.metrics.IncLLMFailures()
		if KindOf(err) == KindBadRequest {
			// Caller bug, not upstream health — but the admission must
			// still be concluded.
			c.breaker.CancelProbe()
		} else {
			c.breaker.RecordFailure(time.Now())
		}
		return nil, err
	}

	c.breaker.RecordSuccess(time.Now())
	return &Completion{Text: text, Duration: duration}, nil
}

// completeWithRetry runs the attempt loop: exponential backoff base×2^k
// jittered ±25%, up to MaxRetries retries, all inside the caller's deadline.
func (c *Client) completeWithRetry(ctx context.Context, prompt string, opts Options) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBase
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)

	text, err := backoff.RetryWithData(func() (string, error) {
		return c.attempt(ctx, prompt, opts)
	}, policy)
	if err != nil {
		// Context expiry surfaces from the backoff policy as the raw
		// context error when it interrupts a wait.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", wrapError(KindDeadlineExceeded, err)
		}
		return "", err
	}
	return text, nil
}

// attempt performs a single upstream HTTP exchange. Retryable failures are
// returned plain; terminal ones are wrapped in backoff.Permanent.
func (c *Client) attempt(ctx context.Context, prompt string, opts Options) (string, error) {
	c.metrics.IncLLMCalls()
	attemptStart := time.Now()

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", backoff.Permanent(wrapError(KindBadRequest, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(wrapError(KindBadRequest, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Deadline reached mid-flight: the request is aborted and
			// pending retries are abandoned.
			return "", backoff.Permanent(wrapError(KindDeadlineExceeded, ctxErr))
		}
		c.overload.Observe(time.Now(), time.Since(attemptStart), false)
		return "", wrapError(KindTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", wrapError(KindTransient, err)
	}

	overloaded := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		strings.Contains(string(respBody), c.overload.cfg.PendingMarker)
	c.overload.Observe(time.Now(), time.Since(attemptStart), overloaded)

	switch {
	case resp.StatusCode == http.StatusOK:
		return extractContent(respBody), nil
	case resp.StatusCode >= 500:
		return "", newError(KindTransient, "upstream %d: %s", resp.StatusCode, truncate(respBody, 200))
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == 425: // Too Early
		return "", newError(KindTransient, "upstream %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", backoff.Permanent(newError(KindBadRequest, "upstream %d: %s", resp.StatusCode, truncate(respBody, 200)))
	default:
		return "", newError(KindUpstreamError, "unexpected status %d", resp.StatusCode)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
