package providers

import (
	"net/http"
	"os"
	"strings"

	"github.com/studio-ai/studio/llm"
)

// OllamaProvider speaks the OpenAI-compatible API exposed by Ollama, vLLM,
// and similar local inference servers. The wire format is identical to the
// openai provider; only the default endpoint and authentication differ.
type OllamaProvider struct {
	openai OpenAIProvider
}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat-completions endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds a bearer token when one is configured. Local Ollama needs
// none; OpenRouter and hosted vLLM deployments do.
func (o *OllamaProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// BuildRequestBody creates the OpenAI-compatible request body.
func (o *OllamaProvider) BuildRequestBody(model string, messages []llm.Message, opts llm.RequestOptions) ([]byte, error) {
	return o.openai.BuildRequestBody(model, messages, opts)
}

// ParseResponse extracts the completion from the response body.
func (o *OllamaProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	return o.openai.ParseResponse(body, model)
}

// ParseStreamEvent decodes one SSE data payload.
func (o *OllamaProvider) ParseStreamEvent(data []byte) (llm.StreamEvent, error) {
	return o.openai.ParseStreamEvent(data)
}
