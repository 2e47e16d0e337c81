package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":[{"role":"user","content":"test"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		t.Fatal("no choices in response")
	}
	return resp.Choices[0].Message.Content
}

func TestLoadFixturesBaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "planner.json", `{"goal":"test plan"}`)
	writeFixture(t, dir, "reviewer.json", `{"verdict":"approved"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(fixtures) != 2 {
		t.Fatalf("models = %d, want 2", len(fixtures))
	}
	for model, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("model %q: fixtures = %d, want 1", model, len(seq))
		}
	}
}

func TestLoadFixturesSequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "reviewer.1.json", `{"verdict":"needs_changes"}`)
	writeFixture(t, dir, "reviewer.2.json", `{"verdict":"approved","summary":"fixed"}`)
	writeFixture(t, dir, "reviewer.json", `{"verdict":"approved","summary":"fallback"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["reviewer"]
	if len(seq) != 3 {
		t.Fatalf("reviewer fixtures = %d, want 3", len(seq))
	}
	// Numbered first in order, base last.
	if !strings.Contains(seq[0], "needs_changes") || !strings.Contains(seq[1], "fixed") || !strings.Contains(seq[2], "fallback") {
		t.Errorf("sequence out of order: %v", seq)
	}
}

func TestLoadFixturesEmptyDir(t *testing.T) {
	if _, err := loadFixtures(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	s := newServer(map[string][]string{
		"reviewer": {`{"verdict":"needs_changes"}`, `{"verdict":"approved"}`},
	})

	if got := doCompletion(t, s, "reviewer"); !strings.Contains(got, "needs_changes") {
		t.Errorf("call 1 = %s", got)
	}
	if got := doCompletion(t, s, "reviewer"); !strings.Contains(got, "approved") {
		t.Errorf("call 2 = %s", got)
	}
	// Past the end of the sequence the last fixture repeats.
	if got := doCompletion(t, s, "reviewer"); !strings.Contains(got, "approved") {
		t.Errorf("call 3 = %s", got)
	}
}

func TestStripMockPrefix(t *testing.T) {
	s := newServer(map[string][]string{"planner": {`{"goal":"test"}`}})

	if got := doCompletion(t, s, "mock-planner"); !strings.Contains(got, "test") {
		t.Errorf("prefix stripping failed: %s", got)
	}
}

func TestUnknownModel(t *testing.T) {
	s := newServer(map[string][]string{"planner": {`{}`}})

	body := strings.NewReader(`{"model":"ghost","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newServer(map[string][]string{
		"reviewer": {`{"verdict":"approved"}`},
		"planner":  {`{"goal":"test"}`},
	})

	doCompletion(t, s, "reviewer")
	doCompletion(t, s, "reviewer")
	doCompletion(t, s, "planner")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats struct {
		TotalCalls   int            `json:"total_calls"`
		CallsByModel map[string]int `json:"calls_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalCalls != 3 || stats.CallsByModel["reviewer"] != 2 || stats.CallsByModel["planner"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStreamingCompletion(t *testing.T) {
	long := strings.Repeat("streamed content ", 10)
	s := newServer(map[string][]string{"planner": {long}})

	body := strings.NewReader(`{"model":"planner","messages":[{"role":"user","content":"go"}],"stream":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var assembled strings.Builder
	var sawStop, sawDone bool
	for _, line := range strings.Split(w.Body.String(), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			sawDone = true
			break
		}
		var chunk struct {
			Choices []struct {
				Delta        map[string]string `json:"delta"`
				FinishReason string            `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		assembled.WriteString(chunk.Choices[0].Delta["content"])
		if chunk.Choices[0].FinishReason == "stop" {
			sawStop = true
		}
	}

	if assembled.String() != long {
		t.Errorf("assembled %d bytes, want %d", assembled.Len(), len(long))
	}
	if !sawStop || !sawDone {
		t.Errorf("sawStop=%v sawDone=%v", sawStop, sawDone)
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		filename string
		wantBase string
		match    bool
	}{
		{"reviewer.1.json", "reviewer", true},
		{"reviewer.10.json", "reviewer", true},
		{"reviewer.json", "", false},
		{"fast.json", "", false},
	}
	for _, tt := range tests {
		m := numberedFileRe.FindStringSubmatch(tt.filename)
		if tt.match != (m != nil) {
			t.Errorf("%s: match = %v, want %v", tt.filename, m != nil, tt.match)
			continue
		}
		if tt.match && m[1] != tt.wantBase {
			t.Errorf("%s: base = %q, want %q", tt.filename, m[1], tt.wantBase)
		}
	}
}
