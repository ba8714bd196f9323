// Package web is the thin HTTP surface over the orchestrator core:
// the orchestrate endpoint with its NDJSON event stream, and health.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/cloudsage/cloud-sage/internal/orchestrator"
)

// ndjsonWriter streams orchestrator events as newline-delimited JSON with
// client disconnect detection. It implements orchestrator.Emitter.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// newNDJSONWriter prepares streaming headers and returns a writer.
// Returns nil if streaming is not supported.
func newNDJSONWriter(w http.ResponseWriter, r *http.Request) *ndjsonWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	return &ndjsonWriter{w: w, flusher: flusher, ctx: r.Context()}
}

// Emit writes one event line. Returns false if the client has disconnected,
// which the orchestrator treats as cancellation.
func (n *ndjsonWriter) Emit(ev orchestrator.Event) bool {
	select {
	case <-n.ctx.Done():
		return false
	default:
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[NDJSON] Marshal error: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(n.w, "%s\n", data); err != nil {
		log.Printf("[NDJSON] Write error (client disconnected?): %v", err)
		return false
	}
	n.flusher.Flush()
	return true
}
