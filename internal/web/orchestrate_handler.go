package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/cloudsage/cloud-sage/internal/orchestrator"
)

// OrchestrateHandler serves POST /api/orchestrate: it decodes the request
// envelope, runs the orchestrator, and streams the event sequence back as
// NDJSON.
type OrchestrateHandler struct {
	orc *orchestrator.Orchestrator
}

// NewOrchestrateHandler wires the handler to an orchestrator.
func NewOrchestrateHandler(orc *orchestrator.Orchestrator) *OrchestrateHandler {
	return &OrchestrateHandler{orc: orc}
}

// ServeHTTP handles one orchestration request end to end. The stream
// always terminates with exactly one complete or failed event; envelope
// errors are reported before streaming starts.
func (h *OrchestrateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	out := newNDJSONWriter(w, r)
	if out == nil {
		return
	}

	sessionID := h.orc.Run(r.Context(), req, out)
	log.Printf("[Web] Orchestrate done (session=%s mode=%s)", sessionID, req.Mode)
}
