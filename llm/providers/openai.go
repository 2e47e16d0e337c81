// Package providers implements LLM provider adapters.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/studio-ai/studio/llm"
)

// OpenAIProvider implements the OpenAI chat-completions API. It also covers
// any OpenAI-compatible endpoint (OpenRouter, Ollama, the mock-llm server)
// via a custom base URL.
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the chat-completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds OpenAI authentication headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// openaiRequest is the chat-completions request format.
type openaiRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// BuildRequestBody creates the chat-completions request body.
func (o *OpenAIProvider) BuildRequestBody(model string, messages []llm.Message, opts llm.RequestOptions) ([]byte, error) {
	return json.Marshal(openaiRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      opts.Stream,
	})
}

// openaiResponse is the non-streaming response format.
type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// ParseResponse extracts the completion from the response body.
func (o *OpenAIProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("parse openai response: %w", err))
	}
	if resp.Error != nil {
		return nil, llm.NewFatalError(fmt.Errorf("openai error: %s", resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewFatalError(fmt.Errorf("openai response has no choices"))
	}

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}
	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   usedModel,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

// openaiStreamChunk is one streaming delta.
type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// ParseStreamEvent decodes one SSE data payload.
func (o *OpenAIProvider) ParseStreamEvent(data []byte) (llm.StreamEvent, error) {
	var chunk openaiStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return llm.StreamEvent{}, fmt.Errorf("parse stream chunk: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return llm.StreamEvent{}, nil
	}

	choice := chunk.Choices[0]
	return llm.StreamEvent{
		Token:        choice.Delta.Content,
		Done:         choice.FinishReason != "",
		FinishReason: choice.FinishReason,
	}, nil
}
