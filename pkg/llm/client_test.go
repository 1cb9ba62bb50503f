package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-hq/foreman/pkg/models"
)

// recordingUsage captures usage rows in memory.
type recordingUsage struct {
	mu   sync.Mutex
	rows []*models.LLMUsage
}

func (r *recordingUsage) RecordUsage(_ context.Context, u *models.LLMUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, u)
	return nil
}

func chatCompletionBody(content string) string {
	return `{
		"model": "test-model",
		"choices": [{"message": {"content": ` + jsonQuote(content) + `}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5}
	}`
}

func jsonQuote(s string) string { return `"` + s + `"` }

func newTestClient(t *testing.T, serverURL string, opts ...Option) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Endpoints = map[models.ModelTier]Endpoint{
		models.TierCheap:  {Provider: "openai", Model: "cheap-model", BaseURL: serverURL},
		models.TierMedium: {Provider: "openai", Model: "medium-model", BaseURL: serverURL},
	}
	cfg.Retry = RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1.0, MaxBackoff: time.Millisecond}
	return NewClient(cfg, opts...)
}

func TestCall_RoutesByTier(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel = body.Model
		_, _ = w.Write([]byte(chatCompletionBody("hello")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Call(context.Background(), Request{
		UserMessage: "hi",
		AgentID:     "system",
		ForceTier:   models.TierMedium,
	})
	require.NoError(t, err)
	assert.Equal(t, "medium-model", gotModel)
	assert.Equal(t, models.TierMedium, resp.Tier)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(chatCompletionBody("recovered")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Call(context.Background(), Request{
		UserMessage: "hi",
		ForceTier:   models.TierCheap,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "recovered", resp.Content)
}

func TestCall_FatalErrorStopsRetrying(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Call(context.Background(), Request{
		UserMessage: "hi",
		ForceTier:   models.TierCheap,
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, calls, "auth failures must not be retried")
}

func TestCall_UnknownTierIsFatal(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	_, err := c.Call(context.Background(), Request{
		UserMessage: "hi",
		ForceTier:   models.TierExpensive, // not configured in newTestClient
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestCall_RecordsSanitizedUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatCompletionBody("ok")))
	}))
	defer srv.Close()

	rec := &recordingUsage{}
	c := newTestClient(t, srv.URL, WithUsageRecorder(rec))

	_, err := c.Call(context.Background(), Request{
		UserMessage: "hi",
		AgentID:     "agent-42",
		ForceTier:   models.TierCheap,
	})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), Request{
		UserMessage: "hi",
		AgentID:     "system",
		ForceTier:   models.TierCheap,
	})
	require.NoError(t, err)

	require.Len(t, rec.rows, 2)
	require.NotNil(t, rec.rows[0].AgentID)
	assert.Equal(t, "agent-42", *rec.rows[0].AgentID)
	assert.Nil(t, rec.rows[1].AgentID, "system caller must be sanitized to nil")
	assert.Equal(t, 5, rec.rows[0].CompletionTokens)
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{name: "rate limit", status: http.StatusTooManyRequests, transient: true},
		{name: "bad gateway", status: http.StatusBadGateway, transient: true},
		{name: "internal", status: http.StatusInternalServerError, transient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: false},
		{name: "bad request", status: http.StatusBadRequest, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyHTTPError(tt.status, []byte("boom"))
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsFatal(err))
		})
	}
}
