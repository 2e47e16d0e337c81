package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProviderName(t *testing.T) {
	p := &OllamaProvider{}
	assert.Equal(t, "ollama", p.Name())
}

func TestOllamaProviderBuildURL(t *testing.T) {
	p := &OllamaProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"empty uses local default", "", "http://localhost:11434/v1/chat/completions"},
		{"custom endpoint", "http://gpu-box:8000/v1", "http://gpu-box:8000/v1/chat/completions"},
		{"full path passes through", "http://gpu-box:8000/v1/chat/completions", "http://gpu-box:8000/v1/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOllamaProviderParseResponse(t *testing.T) {
	p := &OllamaProvider{}

	body := `{
		"model": "qwen2.5-coder:32b",
		"choices": [{"message": {"role": "assistant", "content": "done"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
	}`
	resp, err := p.ParseResponse([]byte(body), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "qwen2.5-coder:32b", resp.Model)
}

func TestOllamaProviderSetHeaders(t *testing.T) {
	p := &OllamaProvider{}

	t.Run("local needs no auth", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		req, _ := http.NewRequest("POST", "http://localhost:11434/v1/chat/completions", nil)
		p.SetHeaders(req)
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("bearer token when configured", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "vllm-key")
		req, _ := http.NewRequest("POST", "http://gpu-box:8000/v1/chat/completions", nil)
		p.SetHeaders(req)
		assert.Equal(t, "Bearer vllm-key", req.Header.Get("Authorization"))
	})
}

func TestOllamaProviderStream(t *testing.T) {
	p := &OllamaProvider{}

	ev, err := p.ParseStreamEvent([]byte(`{"choices": [{"delta": {"content": "x"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Token)
}
