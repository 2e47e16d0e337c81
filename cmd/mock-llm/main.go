// Package main implements a mock LLM endpoint for workflow testing.
// It serves OpenAI-compatible /v1/chat/completions responses from fixture
// files, routing by the "model" field, so agent workflows can run fast,
// deterministic, and offline. Both plain and streaming (SSE) completions
// are supported, matching what the studio client sends.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// A fixture file is named by model: "planner.json" answers model "planner".
// Numbered files ("reviewer.1.json", "reviewer.2.json") form a sequence: the
// Nth call to that model returns the Nth fixture, with the base file as a
// repeating fallback. Sequences make it possible to script loops that reject
// first and approve later.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type server struct {
	fixtures map[string][]string // model name to ordered fixture contents

	mu    sync.Mutex
	calls map[string]int // per-model call count, selects the sequence entry
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures: fixtures,
		calls:    make(map[string]int),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d model(s) from %s", len(fixtures), *fixtureDir)

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// nextFixture picks the response for a model's next call. The model name is
// matched exactly, then with a "mock-" prefix stripped.
func (s *server) nextFixture(model string) (string, bool) {
	seq, ok := s.fixtures[model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(model, "mock-")]
	}
	if !ok {
		return "", false
	}

	s.mu.Lock()
	idx := s.calls[model]
	s.calls[model]++
	s.mu.Unlock()

	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	content, ok := s.nextFixture(req.Model)
	if !ok {
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}
	log.Printf("model=%s messages=%d stream=%v bytes=%d", req.Model, len(req.Messages), req.Stream, len(content))

	if req.Stream {
		s.streamCompletion(w, req.Model, content)
		return
	}

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// streamChunkSize is the token granularity of streamed fixtures. Small
// enough that clients exercise multi-chunk assembly.
const streamChunkSize = 16

// streamCompletion delivers the fixture as OpenAI-format SSE chunks.
func (s *server) streamCompletion(w http.ResponseWriter, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	writeChunk := func(delta, finish string) {
		chunk := map[string]any{
			"object": "chat.completion.chunk",
			"model":  model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{"content": delta},
			}},
		}
		if finish != "" {
			chunk["choices"].([]map[string]any)[0]["finish_reason"] = finish
			chunk["choices"].([]map[string]any)[0]["delta"] = map[string]string{}
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for i := 0; i < len(content); i += streamChunkSize {
		end := i + streamChunkSize
		if end > len(content) {
			end = len(content)
		}
		writeChunk(content[i:end], "")
	}
	writeChunk("", "stop")
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleStats returns per-model call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byModel := make(map[string]int, len(s.calls))
	total := 0
	for model, n := range s.calls {
		byModel[model] = n
		total += n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    total,
		"calls_by_model": byModel,
	})
}

// numberedFileRe matches sequence files like "reviewer.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir into per-model sequences: numbered
// files in numeric order, then the base file as the repeating fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		if m := numberedFileRe.FindStringSubmatch(info.Name()); m != nil {
			model := m[1]
			index, _ := strconv.Atoi(m[2])
			if numberedFiles[model] == nil {
				numberedFiles[model] = make(map[int]string)
			}
			numberedFiles[model][index] = string(data)
			return nil
		}

		baseFiles[strings.TrimSuffix(info.Name(), ".json")] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for model, numbered := range numberedFiles {
		indices := make([]int, 0, len(numbered))
		for idx := range numbered {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], numbered[idx])
		}
	}
	for model, content := range baseFiles {
		fixtures[model] = append(fixtures[model], content)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
