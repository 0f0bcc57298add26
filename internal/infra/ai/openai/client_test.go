package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-audit/internal/domain/ai"
)

func fakeAPI(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const completion = `{
  "id": "c1", "object": "chat.completion", "model": "gpt-4o",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"findings\":[]}"}, "finish_reason": "%s"}],
  "usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
}`

func TestCall_MapsUsageAndStopReason(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, http.StatusOK, fmt.Sprintf(completion, "stop"), &seen)
	c := NewClient("k", srv.URL, "gpt-4o")

	resp, err := c.Call(context.Background(), ai.Request{System: "sys", User: "usr", MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, `{"findings":[]}`, resp.Content)
	assert.Equal(t, 120, resp.InputTokens)
	assert.Equal(t, 30, resp.OutputTokens)
	assert.False(t, resp.Truncated())

	assert.Equal(t, "gpt-4o", seen["model"])
	assert.EqualValues(t, 500, seen["max_tokens"])
	assert.Nil(t, seen["max_completion_tokens"])
	msgs := seen["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestCall_ReasoningModelAndTruncation(t *testing.T) {
	var seen map[string]any
	srv := fakeAPI(t, http.StatusOK, fmt.Sprintf(completion, "length"), &seen)
	c := NewClient("k", srv.URL, "gpt-4o")

	resp, err := c.Call(context.Background(), ai.Request{System: "s", User: "u", Model: "o3-mini", MaxTokens: 64000})
	require.NoError(t, err)
	assert.True(t, resp.Truncated())
	assert.EqualValues(t, 64000, seen["max_completion_tokens"])
	assert.Nil(t, seen["max_tokens"])
}

func TestCall_QuotaExceeded(t *testing.T) {
	srv := fakeAPI(t, http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`, nil)
	c := NewClient("k", srv.URL, "gpt-4o")

	_, err := c.Call(context.Background(), ai.Request{System: "s", User: "u"})
	assert.ErrorIs(t, err, ai.ErrQuotaExceeded)
}

func TestCall_ServerError(t *testing.T) {
	srv := fakeAPI(t, http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, nil)
	c := NewClient("k", srv.URL, "gpt-4o")

	_, err := c.Call(context.Background(), ai.Request{System: "s", User: "u"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ai.ErrQuotaExceeded)
}

func TestCountTokens_UnknownModelEstimates(t *testing.T) {
	c := NewClient("k", "", "local-llama-3")
	assert.Equal(t, 8, c.CountTokens("", ""))
	assert.Equal(t, 1+2+8, c.CountTokens("abcd", "abcdefgh"))
}

func TestCountTokens_Tokenizer(t *testing.T) {
	c := NewClient("k", "", "gpt-4o")
	c.encMu.Lock()
	enc := c.encodingLocked("gpt-4o")
	c.encMu.Unlock()
	if enc == nil {
		t.Skip("gpt-4o encoding not available offline")
	}

	assert.Equal(t, 8, c.CountTokens("", ""))
	assert.Equal(t, 2+8, c.CountTokens("hello world", ""))
	// repeated characters merge into few tokens, unlike the len/4 estimate
	long := strings.Repeat("a", 400)
	assert.Less(t, c.CountTokens(long, ""), ai.EstimateTokens(long)+8)
}
