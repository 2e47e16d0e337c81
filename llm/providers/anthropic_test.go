package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studio-ai/studio/llm"
)

func TestAnthropicProviderBuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"empty uses default", "", "https://api.anthropic.com/v1/messages"},
		{"custom base URL", "https://custom.api.com", "https://custom.api.com/v1/messages"},
		{"trailing slash handled", "https://custom.api.com/", "https://custom.api.com/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProviderSetHeaders(t *testing.T) {
	p := &AnthropicProvider{}

	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	req, _ := http.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	p.SetHeaders(req)
	assert.Equal(t, "test-key", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicProviderBuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-sonnet-4-5", []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "continue"},
	}, llm.RequestOptions{})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))

	// The system message is lifted out of the messages array.
	assert.Equal(t, "be terse", req["system"])
	assert.Len(t, req["messages"], 3)
	// MaxTokens is mandatory for the messages API; 0 gets a default.
	assert.Equal(t, float64(4096), req["max_tokens"])
}

func TestAnthropicProviderParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	t.Run("concatenates text blocks", func(t *testing.T) {
		body := `{
			"model": "claude-sonnet-4-5",
			"content": [
				{"type": "text", "text": "part one, "},
				{"type": "tool_use", "text": "ignored"},
				{"type": "text", "text": "part two"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 7, "output_tokens": 3}
		}`
		resp, err := p.ParseResponse([]byte(body), "fallback")
		require.NoError(t, err)
		assert.Equal(t, "part one, part two", resp.Content)
		assert.Equal(t, 10, resp.Usage.TotalTokens)
		assert.Equal(t, "end_turn", resp.FinishReason)
	})

	t.Run("api error is fatal", func(t *testing.T) {
		_, err := p.ParseResponse([]byte(`{"error": {"type": "invalid_request_error", "message": "bad"}}`), "m")
		require.Error(t, err)
		assert.True(t, llm.IsFatal(err))
	})
}

func TestAnthropicProviderParseStreamEvent(t *testing.T) {
	p := &AnthropicProvider{}

	ev, err := p.ParseStreamEvent([]byte(`{"type": "content_block_delta", "delta": {"type": "text_delta", "text": "tok"}}`))
	require.NoError(t, err)
	assert.Equal(t, "tok", ev.Token)

	ev, err = p.ParseStreamEvent([]byte(`{"type": "message_delta", "delta": {"stop_reason": "end_turn"}}`))
	require.NoError(t, err)
	assert.Equal(t, "end_turn", ev.FinishReason)

	ev, err = p.ParseStreamEvent([]byte(`{"type": "message_stop"}`))
	require.NoError(t, err)
	assert.True(t, ev.Done)

	ev, err = p.ParseStreamEvent([]byte(`{"type": "ping"}`))
	require.NoError(t, err)
	assert.Empty(t, ev.Token)
}
