package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/studio-ai/studio/workflow"
)

func newTestServer(t *testing.T) (*httptest.Server, *Orchestrator) {
	t.Helper()
	o, _ := newOrchestrator()

	mux := http.NewServeMux()
	NewHTTPHandler(o, nil).RegisterHTTPHandlers("/api", mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, o
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func invokeMockChain(t *testing.T, srv *httptest.Server) Response {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/invoke", InvokeRequest{
		ProjectID: "p1",
		Workflow: rawSteps(t, []workflow.Step{
			{ID: "a", Type: workflow.StepTypeMock, Config: map[string]any{"response": "alpha"}},
			{ID: "b", Type: workflow.StepTypeMock, Deps: []string{"a"}, Task: "then {a.output}"},
		}),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke status = %d", resp.StatusCode)
	}
	return decode[Response](t, resp)
}

func TestHTTPInvoke(t *testing.T) {
	srv, _ := newTestServer(t)

	out := invokeMockChain(t, srv)
	if out.Status != workflow.RunCompleted {
		t.Errorf("status = %q, want completed", out.Status)
	}
	if out.Results["b"] != "then alpha" {
		t.Errorf("result b = %q", out.Results["b"])
	}
	if out.ThreadID == "" {
		t.Error("no thread id in response")
	}
}

func TestHTTPInvokeErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/invoke", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/invoke", InvokeRequest{
		Workflow: rawSteps(t, []workflow.Step{
			{ID: "x", Type: workflow.StepTypeMock},
			{ID: "x", Type: workflow.StepTypeMock},
		}),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate ids status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/invoke", InvokeRequest{
		Workflow: rawSteps(t, []workflow.Step{
			{ID: "t", Type: workflow.StepTypeTask, Role: "ghost", Task: "x"},
		}),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	out := invokeMockChain(t, srv)

	resp, err := http.Get(srv.URL + "/api/invoke/status/" + out.ThreadID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	st := decode[StatusResponse](t, resp)
	if st.ThreadID != out.ThreadID || st.Status != workflow.RunCompleted {
		t.Errorf("status projection = %+v", st)
	}
	if st.StepStatus["a"] != workflow.StepSuccess {
		t.Errorf("step a status = %q", st.StepStatus["a"])
	}
	if st.Live {
		t.Error("finished thread reported live")
	}

	resp, err = http.Get(srv.URL + "/api/invoke/status/wf-missing")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing thread status = %d, want 404", resp.StatusCode)
	}
}

// TestHTTPWireFieldNames drives the API with raw camelCase JSON, the way an
// external client writes it, and checks the response keys match.
func TestHTTPWireFieldNames(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{
		"projectId": "p9",
		"workflow": [
			{"id": "a", "type": "mock", "config": {"response": "alpha"}},
			{"id": "gate", "type": "conditional", "deps": ["a"],
			 "condition": "{a.output} === \"alpha\"",
			 "trueBranch": "yes", "falseBranch": "no"},
			{"id": "yes", "type": "mock", "config": {"response": "took true"}},
			{"id": "no", "type": "mock", "config": {"response": "took false"}}
		]
	}`)
	resp, err := http.Post(srv.URL+"/api/invoke", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST invoke: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke status = %d", resp.StatusCode)
	}
	raw := decode[map[string]json.RawMessage](t, resp)
	if _, ok := raw["threadId"]; !ok {
		t.Fatalf("response keys = %v, want threadId", keys(raw))
	}
	if _, ok := raw["thread_id"]; ok {
		t.Error("response still carries snake_case thread_id")
	}

	var threadID string
	if err := json.Unmarshal(raw["threadId"], &threadID); err != nil {
		t.Fatalf("threadId: %v", err)
	}

	var results map[string]string
	if err := json.Unmarshal(raw["results"], &results); err != nil {
		t.Fatalf("results: %v", err)
	}
	// trueBranch/falseBranch parsed from the wire, so the gate routed.
	if results["yes"] != "took true" {
		t.Errorf("yes = %q, want branch taken", results["yes"])
	}
	if _, ran := results["no"]; ran {
		t.Error("false branch executed")
	}

	// The documented status method is POST.
	resp = postJSON(t, srv.URL+"/api/invoke/status/"+threadID, struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
	stRaw := decode[map[string]json.RawMessage](t, resp)
	for _, key := range []string{"threadId", "stepStatus", "lastHeartbeat"} {
		if _, ok := stRaw[key]; !ok {
			t.Errorf("status keys = %v, missing %q", keys(stRaw), key)
		}
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestHTTPGraph(t *testing.T) {
	srv, _ := newTestServer(t)
	out := invokeMockChain(t, srv)

	resp, err := http.Get(srv.URL + "/api/workflow-graph/" + out.ThreadID)
	if err != nil {
		t.Fatalf("GET graph: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("graph status = %d", resp.StatusCode)
	}

	var view struct {
		ThreadID string `json:"threadId"`
		Graph    struct {
			Nodes []json.RawMessage `json:"nodes"`
			Edges []json.RawMessage `json:"edges"`
		} `json:"graph"`
		Metadata struct {
			TotalSteps     int `json:"totalSteps"`
			CompletedSteps int `json:"completedSteps"`
		} `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode graph: %v", err)
	}
	resp.Body.Close()

	if len(view.Graph.Nodes) != 2 || len(view.Graph.Edges) != 1 {
		t.Errorf("graph shape = %d nodes, %d edges", len(view.Graph.Nodes), len(view.Graph.Edges))
	}
	if view.Metadata.TotalSteps != 2 || view.Metadata.CompletedSteps != 2 {
		t.Errorf("metadata = %+v", view.Metadata)
	}

	resp, err = http.Get(srv.URL + "/api/workflow-graph/wf-missing")
	if err != nil {
		t.Fatalf("GET graph: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing thread status = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPThreads(t *testing.T) {
	srv, _ := newTestServer(t)
	out := invokeMockChain(t, srv)

	resp, err := http.Get(srv.URL + "/api/threads?projectId=p1")
	if err != nil {
		t.Fatalf("GET threads: %v", err)
	}
	listing := decode[struct {
		Threads []json.RawMessage `json:"threads"`
		Total   int               `json:"total"`
	}](t, resp)
	if listing.Total != 1 {
		t.Errorf("total = %d, want 1", listing.Total)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/threads/"+out.ThreadID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE thread: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", delResp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/invoke/status/" + out.ThreadID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPAbortNotRunning(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/threads/wf-idle/abort", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("abort status = %d, want 409", resp.StatusCode)
	}
}

func TestHTTPResume(t *testing.T) {
	srv, _ := newTestServer(t)
	out := invokeMockChain(t, srv)

	resp := postJSON(t, srv.URL+"/api/threads/"+out.ThreadID+"/resume", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	resumed := decode[Response](t, resp)
	if resumed.ThreadID != out.ThreadID || resumed.Status != workflow.RunCompleted {
		t.Errorf("resume response = %+v", resumed)
	}

	resp = postJSON(t, srv.URL+"/api/threads/wf-missing/resume", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing resume status = %d, want 404", resp.StatusCode)
	}
}
