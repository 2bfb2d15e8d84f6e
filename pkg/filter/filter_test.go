package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/patterns"
	"github.com/streamguard/moderator/pkg/ratelimit"
)

func testPatterns(t *testing.T) *patterns.Matcher {
	t.Helper()
	m, err := patterns.NewFromRules(&patterns.RuleFile{
		BannedWords: patterns.BannedWordRules{Words: []string{"idiot"}},
		ToxicPatterns: patterns.RegexRules{
			Patterns: []patterns.RegexRule{
				{ID: "toxic_kys", Pattern: `(?i)\bkys\b`},
			},
		},
	})
	require.NoError(t, err)
	return m
}

func msg(body string) *models.IncomingMessage {
	return &models.IncomingMessage{
		MessageID: models.NewMessageID(),
		UserID:    "u1",
		ChannelID: "general",
		Body:      body,
		Timestamp: time.Now(),
	}
}

func TestEvaluate_Pass(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 10), testPatterns(t), true)

	outcome := f.Evaluate(context.Background(), msg("hello there"))
	assert.Equal(t, models.FilterPass, outcome.Decision)
	assert.True(t, outcome.ShouldProcess)
}

func TestEvaluate_BannedWordShortCircuits(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 10), testPatterns(t), true)

	outcome := f.Evaluate(context.Background(), msg("you idiot"))
	assert.Equal(t, models.FilterFlagged, outcome.Decision)
	assert.False(t, outcome.ShouldProcess, "hard pattern hits skip the LLM")
	assert.Equal(t, PatternTypeBanned, outcome.PatternType)
	assert.Equal(t, 1.0, outcome.Confidence)
	assert.Contains(t, outcome.MatchedPatterns, "banned:idiot")
}

func TestEvaluate_ToxicPatternShortCircuits(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 10), testPatterns(t), true)

	outcome := f.Evaluate(context.Background(), msg("kys"))
	assert.Equal(t, models.FilterFlagged, outcome.Decision)
	assert.False(t, outcome.ShouldProcess)
	assert.Equal(t, PatternTypeToxic, outcome.PatternType)
}

func TestEvaluate_PIIStillProcessed(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 10), testPatterns(t), true)

	outcome := f.Evaluate(context.Background(), msg("mail me: a@b.example"))
	assert.Equal(t, models.FilterFlagged, outcome.Decision)
	assert.True(t, outcome.ShouldProcess, "PII-only hits still go to the LLM for severity")
	assert.Equal(t, PatternTypePII, outcome.PatternType)
}

func TestEvaluate_RateLimited(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 2), testPatterns(t), true)
	now := time.Now()

	for i := 0; i < 2; i++ {
		m := msg("hello")
		m.Timestamp = now
		outcome := f.Evaluate(context.Background(), m)
		require.Equal(t, models.FilterPass, outcome.Decision)
	}

	m := msg("hello")
	m.Timestamp = now.Add(time.Second)
	outcome := f.Evaluate(context.Background(), m)
	assert.Equal(t, models.FilterRateLimited, outcome.Decision)
	assert.False(t, outcome.ShouldProcess)
	assert.Equal(t, 1.0, outcome.Confidence)
	assert.Greater(t, outcome.RetryAfter, time.Duration(0))
}

func TestEvaluate_RateLimitCheckedBeforePatterns(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 1), testPatterns(t), true)
	now := time.Now()

	m := msg("idiot")
	m.Timestamp = now
	require.Equal(t, models.FilterFlagged, f.Evaluate(context.Background(), m).Decision)

	m = msg("idiot")
	m.Timestamp = now.Add(time.Second)
	outcome := f.Evaluate(context.Background(), m)
	assert.Equal(t, models.FilterRateLimited, outcome.Decision,
		"rate limit wins over pattern match")
}

func TestEvaluate_Disabled(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 1), testPatterns(t), false)

	for i := 0; i < 5; i++ {
		outcome := f.Evaluate(context.Background(), msg("idiot"))
		assert.Equal(t, models.FilterPass, outcome.Decision)
		assert.True(t, outcome.ShouldProcess)
	}
}

// failingStore simulates a rate-limit backing outage.
type failingStore struct{}

func (failingStore) CheckAndRecord(context.Context, string, time.Time) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("backing store down")
}

func TestEvaluate_RateLimitFailureFailsOpen(t *testing.T) {
	f := New(failingStore{}, testPatterns(t), true)

	outcome := f.Evaluate(context.Background(), msg("hello"))
	assert.Equal(t, models.FilterPass, outcome.Decision)
	assert.True(t, outcome.ShouldProcess)
}

func TestEvaluate_MatcherPanicFailsOpen(t *testing.T) {
	// A nil matcher panics on Match; the filter must degrade to pass.
	f := New(ratelimit.NewMemoryStore(time.Minute, 10), nil, true)

	outcome := f.Evaluate(context.Background(), msg("anything"))
	assert.Equal(t, models.FilterPass, outcome.Decision)
	assert.True(t, outcome.ShouldProcess, "matcher faults fail open")
}

func TestEvaluate_Deterministic(t *testing.T) {
	f := New(ratelimit.NewMemoryStore(time.Minute, 1000), testPatterns(t), true)

	m := msg("you idiot")
	first := f.Evaluate(context.Background(), m)
	for i := 0; i < 5; i++ {
		next := f.Evaluate(context.Background(), m)
		assert.Equal(t, first.Decision, next.Decision)
		assert.Equal(t, first.MatchedPatterns, next.MatchedPatterns)
	}
}
