package llm

import (
	"net/http"
	"sync"
)

// RequestOptions carries the per-call knobs passed through to providers.
type RequestOptions struct {
	// Temperature is nil to use the provider default.
	Temperature *float64

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int

	// Stream requests token-by-token SSE delivery.
	Stream bool
}

// StreamEvent is one decoded server-sent chunk from a streaming response.
type StreamEvent struct {
	// Token is the text delta, possibly empty for control events.
	Token string

	// Done marks the end of the stream.
	Done bool

	// FinishReason is set on the final event when the provider reports it.
	FinishReason string
}

// Provider defines the interface for LLM provider implementations.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body.
	BuildRequestBody(model string, messages []Message, opts RequestOptions) ([]byte, error)

	// ParseResponse extracts the completion from a non-streaming response.
	ParseResponse(body []byte, model string) (*Response, error)

	// ParseStreamEvent decodes one SSE data payload from a streaming
	// response.
	ParseStreamEvent(data []byte) (StreamEvent, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
