package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studio-ai/studio/llm"
	_ "github.com/studio-ai/studio/llm/providers" // register providers
)

// completionBody builds an OpenAI-format completion response.
func completionBody(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
	}
}

func fastRetry() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func newClient(t *testing.T, url string) *llm.Client {
	t.Helper()
	c, err := llm.NewClient("openai", "test-model", url, llm.WithRetryConfig(fastRetry()))
	require.NoError(t, err)
	return c
}

func TestClientInvokeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionBody("Hello! How can I help?"))
	}))
	defer server.Close()

	client := newClient(t, server.URL)

	result, err := client.Invoke(context.Background(), llm.InvokeRequest{
		SystemPrompt: "You are helpful.",
		UserPrompt:   "Say hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", result.Text)
	assert.Equal(t, "stop", result.FinishReason)
	assert.NotEmpty(t, result.SessionID)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestClientRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionBody("recovered"))
	}))
	defer server.Close()

	client := newClient(t, server.URL)

	result, err := client.Invoke(context.Background(), llm.InvokeRequest{UserPrompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryFatalErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	client := newClient(t, server.URL)

	_, err := client.Invoke(context.Background(), llm.InvokeRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newClient(t, server.URL)

	_, err := client.Invoke(context.Background(), llm.InvokeRequest{UserPrompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRequiresUserPrompt(t *testing.T) {
	client := newClient(t, "http://localhost:1")

	_, err := client.Invoke(context.Background(), llm.InvokeRequest{})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}

func TestClientReplaysSessionHistory(t *testing.T) {
	var lastMessages []llm.Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lastMessages = req.Messages

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionBody("answer"))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	ctx := context.Background()

	first, err := client.Invoke(ctx, llm.InvokeRequest{SystemPrompt: "sys", UserPrompt: "first question"})
	require.NoError(t, err)
	require.Len(t, lastMessages, 2) // system + user

	_, err = client.Invoke(ctx, llm.InvokeRequest{
		SystemPrompt: "sys",
		UserPrompt:   "follow-up",
		SessionID:    first.SessionID,
	})
	require.NoError(t, err)

	// system + first exchange + new user prompt
	require.Len(t, lastMessages, 4)
	assert.Equal(t, "first question", lastMessages[1].Content)
	assert.Equal(t, "answer", lastMessages[2].Content)
	assert.Equal(t, "follow-up", lastMessages[3].Content)
}

func TestClientStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"choices\": [{\"delta\": {\"content\": %q}}]}\n\n", tok)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\": [{\"delta\": {}, \"finish_reason\": \"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newClient(t, server.URL)

	var tokens []string
	result, err := client.Invoke(context.Background(), llm.InvokeRequest{
		UserPrompt: "hi",
		OnToken:    func(tok string) { tokens = append(tokens, tok) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
	assert.Equal(t, "stop", result.FinishReason)
}

func TestClientUnknownProvider(t *testing.T) {
	_, err := llm.NewClient("carrier-pigeon", "m", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}
