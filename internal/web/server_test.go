package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudsage/cloud-sage/internal/llm"
	"github.com/cloudsage/cloud-sage/internal/mcp"
	"github.com/cloudsage/cloud-sage/internal/orchestrator"
	"github.com/cloudsage/cloud-sage/internal/policy"
	"github.com/cloudsage/cloud-sage/internal/session"
)

// textOracle answers every plan with a fixed final turn.
type textOracle struct{ text string }

func (o *textOracle) Plan(ctx context.Context, req llm.PlanRequest) (llm.Turn, error) {
	return llm.Turn{Text: o.text}, nil
}

func (o *textOracle) StreamPlan(ctx context.Context, req llm.PlanRequest, onChunk llm.StreamCallback) (llm.Turn, error) {
	if onChunk != nil {
		onChunk(o.text)
	}
	return llm.Turn{Text: o.text}, nil
}

func newTestServer(t *testing.T) (*Server, *mcp.Manager, *session.Store) {
	t.Helper()
	mgr := mcp.NewManager(1, time.Second)
	store := session.NewStore(time.Minute, 0)
	sanitizer := policy.NewSanitizer(nil, map[string][]string{
		orchestrator.ModeBrainstorm: {"awsdocs_"},
	})
	orc := orchestrator.New(&textOracle{text: "Lambda is serverless compute."}, mgr, store, sanitizer, nil, orchestrator.Options{})
	health := NewHealthHandler(HealthInfo{
		LLMModel:     "gpt-4o",
		ServerCount:  0,
		PoolStats:    mgr.Stats,
		SessionCount: store.Count,
	})
	srv := NewServer(NewOrchestrateHandler(orc), health, nil)
	t.Cleanup(func() {
		mgr.Shutdown()
		store.Close()
	})
	return srv, mgr, store
}

func TestOrchestrate_StreamsTerminalEvent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := strings.NewReader(`{"mode":"brainstorm","input":"what is lambda?"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/orchestrate", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) == 0 {
		t.Fatal("empty stream")
	}
	terminals := 0
	for _, line := range lines {
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line is not JSON: %q (%v)", line, err)
		}
		typ, _ := ev["type"].(string)
		if typ == "complete" || typ == "failed" {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("stream has %d terminal events, want 1", terminals)
	}
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatal(err)
	}
	if last["type"] != "complete" {
		t.Errorf("last event = %v", last)
	}
}

func TestOrchestrate_RejectsBadEnvelope(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/orchestrate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOrchestrate_RejectsGet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/orchestrate", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestOrchestrate_EmptyInputFails(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/orchestrate", strings.NewReader(`{"mode":"brainstorm","input":""}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatal(err)
	}
	if last["type"] != "failed" || last["kind"] != "internal" {
		t.Errorf("last event = %v", last)
	}
}

func TestHealth(t *testing.T) {
	srv, _, store := newTestServer(t)
	store.GetOrCreate("s1")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status     string `json:"status"`
		Components struct {
			Sessions struct {
				Active int `json:"active"`
			} `json:"sessions"`
			LLM struct {
				Model string `json:"model"`
			} `json:"llm"`
		} `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Components.Sessions.Active != 1 {
		t.Errorf("active sessions = %d", resp.Components.Sessions.Active)
	}
	if resp.Components.LLM.Model != "gpt-4o" {
		t.Errorf("model = %q", resp.Components.LLM.Model)
	}

	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/api/health", nil))
	if rec2.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST health status = %d", rec2.Code)
	}
}
