package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cloudsage/cloud-sage/internal/mcp"
)

// HealthInfo holds runtime status callbacks for the health endpoint.
type HealthInfo struct {
	LLMModel     string                          // from config
	ServerCount  int                             // configured MCP servers
	PoolStats    func() map[string]mcp.PoolStats // from pool manager
	SessionCount func() int                      // from session store
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	info      HealthInfo
	startTime time.Time
}

// NewHealthHandler creates a health handler recording the server start time.
func NewHealthHandler(info HealthInfo) *HealthHandler {
	return &HealthHandler{info: info, startTime: time.Now()}
}

type healthResponse struct {
	Status     string           `json:"status"`
	UptimeSecs int64            `json:"uptime_seconds"`
	Components healthComponents `json:"components"`
}

type healthComponents struct {
	LLM      healthLLM             `json:"llm"`
	MCP      healthMCP             `json:"mcp"`
	Sessions healthSessions        `json:"sessions"`
	Pools    map[string]healthPool `json:"pools"`
}

type healthLLM struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}
type healthMCP struct {
	Servers int `json:"servers"`
}
type healthSessions struct {
	Active int `json:"active"`
}
type healthPool struct {
	Created   int     `json:"created"`
	Reused    uint64  `json:"reused"`
	InUse     int     `json:"in_use"`
	Available int     `json:"available"`
	ReuseRate float64 `json:"reuse_rate"`
}

// ServeHTTP handles GET /api/health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	llmStatus := "ok"
	if h.info.LLMModel == "" {
		llmStatus = "degraded"
	}

	sessionCount := 0
	if h.info.SessionCount != nil {
		sessionCount = h.info.SessionCount()
	}

	pools := map[string]healthPool{}
	if h.info.PoolStats != nil {
		for key, s := range h.info.PoolStats() {
			pools[key] = healthPool{
				Created:   s.Created,
				Reused:    s.Reused,
				InUse:     s.InUse,
				Available: s.Available,
				ReuseRate: s.ReuseRate(),
			}
		}
	}

	status := "ok"
	if llmStatus == "degraded" {
		status = "degraded"
	}

	resp := healthResponse{
		Status:     status,
		UptimeSecs: int64(time.Since(h.startTime).Seconds()),
		Components: healthComponents{
			LLM:      healthLLM{Status: llmStatus, Model: h.info.LLMModel},
			MCP:      healthMCP{Servers: h.info.ServerCount},
			Sessions: healthSessions{Active: sessionCount},
			Pools:    pools,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
