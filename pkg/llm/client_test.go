package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upstream is a scriptable fake LLM server.
type upstream struct {
	*httptest.Server
	calls   atomic.Int64
	handler atomic.Value // func(w http.ResponseWriter, r *http.Request)
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.respond(http.StatusOK, `{"choices":[{"message":{"content":"{\"decision\":\"Non-Toxic\",\"confidence\":0.98}"}}]}`)
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.handler.Load().(func(http.ResponseWriter, *http.Request))(w, r)
	}))
	t.Cleanup(u.Server.Close)
	return u
}

func (u *upstream) respond(status int, body string) {
	u.handler.Store(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func testClient(u *upstream, mutate func(*Config)) *Client {
	cfg := Config{
		Endpoint:    u.URL,
		Model:       "test-model",
		HardCap:     5 * time.Second,
		MaxRetries:  3,
		RetryBase:   5 * time.Millisecond,
		Concurrency: 4,
		Breaker: BreakerConfig{
			ConsecutiveFailures: 3,
			Cooldown:            50 * time.Millisecond,
			ProbeMax:            2,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewClient(cfg, nil)
}

func TestComplete_Success(t *testing.T) {
	u := newUpstream(t)
	c := testClient(u, nil)

	completion, err := c.Complete(context.Background(), "classify this", Options{MaxTokens: 128})
	require.NoError(t, err)
	assert.Contains(t, completion.Text, "Non-Toxic")
	assert.Greater(t, completion.Duration, time.Duration(0))
	assert.Equal(t, int64(1), u.calls.Load())
}

func TestComplete_SendsRequestContract(t *testing.T) {
	u := newUpstream(t)
	var got chatRequest
	var auth string
	u.handler.Store(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"content":"ok"}`))
	})
	c := testClient(u, func(cfg *Config) { cfg.APIKey = "secret-token" })

	_, err := c.Complete(context.Background(), "the prompt", Options{MaxTokens: 64, Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "the prompt", got.Messages[0].Content)
	assert.Equal(t, 64, got.MaxTokens)
	assert.Equal(t, "Bearer secret-token", auth)
}

func TestComplete_RetriesTransient(t *testing.T) {
	u := newUpstream(t)
	var n atomic.Int64
	u.handler.Store(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"content":"recovered"}`))
	})
	c := testClient(u, nil)

	completion, err := c.Complete(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", completion.Text)
	assert.Equal(t, int64(3), u.calls.Load())
}

func TestComplete_RetriesExhausted(t *testing.T) {
	u := newUpstream(t)
	u.respond(http.StatusInternalServerError, "boom")
	c := testClient(u, nil)

	_, err := c.Complete(context.Background(), "p", Options{})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	// 1 initial attempt + 3 retries.
	assert.Equal(t, int64(4), u.calls.Load())
}

func TestComplete_BadRequestNotRetried(t *testing.T) {
	u := newUpstream(t)
	u.respond(http.StatusUnprocessableEntity, "bad schema")
	c := testClient(u, nil)

	_, err := c.Complete(context.Background(), "p", Options{})
	require.Error(t, err)
	assert.Equal(t, KindBadRequest, KindOf(err))
	assert.Equal(t, int64(1), u.calls.Load(), "4xx other than 408/425/429 is terminal")
}

func TestComplete_DeadlineExceeded(t *testing.T) {
	u := newUpstream(t)
	u.handler.Store(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := testClient(u, nil)

	start := time.Now()
	_, err := c.Complete(context.Background(), "p", Options{Deadline: time.Now().Add(100 * time.Millisecond)})
	require.Error(t, err)
	assert.Equal(t, KindDeadlineExceeded, KindOf(err))
	assert.Less(t, time.Since(start), time.Second, "call returns promptly at the deadline")
}

func TestComplete_ExpiredDeadline(t *testing.T) {
	u := newUpstream(t)
	c := testClient(u, nil)

	_, err := c.Complete(context.Background(), "p", Options{Deadline: time.Now().Add(-time.Second)})
	require.Error(t, err)
	assert.Equal(t, KindDeadlineExceeded, KindOf(err))
	assert.Equal(t, int64(0), u.calls.Load())
}

func TestComplete_CircuitOpenShortCircuits(t *testing.T) {
	u := newUpstream(t)
	u.respond(http.StatusInternalServerError, "down")
	c := testClient(u, func(cfg *Config) { cfg.MaxRetries = 0 })

	// Trip the breaker with consecutive failures.
	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), "p", Options{})
		require.Error(t, err)
	}
	require.Equal(t, StateOpen, c.BreakerState())

	// While open, calls are rejected with zero HTTP traffic.
	before := u.calls.Load()
	for i := 0; i < 10; i++ {
		_, err := c.Complete(context.Background(), "p", Options{})
		require.Error(t, err)
		assert.Equal(t, KindCircuitOpen, KindOf(err))
	}
	assert.Equal(t, before, u.calls.Load())
}

func TestComplete_CircuitRecoversViaProbes(t *testing.T) {
	u := newUpstream(t)
	u.respond(http.StatusInternalServerError, "down")
	c := testClient(u, func(cfg *Config) { cfg.MaxRetries = 0 })

	for i := 0; i < 3; i++ {
		_, _ = c.Complete(context.Background(), "p", Options{})
	}
	require.Equal(t, StateOpen, c.BreakerState())

	// Upstream recovers; after the cooldown, probes succeed and close the
	// circuit.
	u.respond(http.StatusOK, `{"content":"back"}`)
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		completion, err := c.Complete(context.Background(), "p", Options{})
		require.NoError(t, err)
		assert.Equal(t, "back", completion.Text)
	}
	assert.Equal(t, StateClosed, c.BreakerState())
}

func TestComplete_429Retried(t *testing.T) {
	u := newUpstream(t)
	var n atomic.Int64
	u.handler.Store(func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"content":"ok"}`))
	})
	c := testClient(u, nil)

	_, err := c.Complete(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.calls.Load())
}

func TestComplete_OverloadInjectsDelay(t *testing.T) {
	u := newUpstream(t)
	u.respond(http.StatusServiceUnavailable, "overloaded")
	c := testClient(u, func(cfg *Config) {
		cfg.MaxRetries = 0
		cfg.Breaker.ConsecutiveFailures = 100 // keep the breaker out of the way
		cfg.Overload = OverloadConfig{
			OverloadMin: 3,
			BaseDelay:   20 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
		}
	})

	// Accumulate overload signals.
	for i := 0; i < 3; i++ {
		_, _ = c.Complete(context.Background(), "p", Options{})
	}

	// Next request should see a non-zero injected delay.
	assert.True(t, c.overload.Pressured(time.Now()))
	assert.Greater(t, c.overload.Delay(time.Now()), time.Duration(0))
}
