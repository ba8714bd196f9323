// cloud-sage is a multi-tenant orchestration server: it brokers MCP
// tool-servers behind warm client pools and fuses their output with an
// LLM planning loop to answer cloud-infrastructure requests.
package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/cloudsage/cloud-sage/internal/config"
	"github.com/cloudsage/cloud-sage/internal/llm/openai"
	"github.com/cloudsage/cloud-sage/internal/mcp"
	"github.com/cloudsage/cloud-sage/internal/orchestrator"
	"github.com/cloudsage/cloud-sage/internal/policy"
	"github.com/cloudsage/cloud-sage/internal/session"
	"github.com/cloudsage/cloud-sage/internal/web"
)

func main() {
	config.LoadEnv()

	oracle, err := openai.NewClientFromEnv()
	if err != nil {
		log.Fatalf("[Main] LLM config error: %v", err)
	}
	log.Printf("[Main] Oracle: %s", oracle.GetName())

	serversPath := config.GetString("SERVERS_CONFIG", "servers.yaml")
	servers, err := mcp.LoadServers(serversPath)
	if err != nil {
		log.Fatalf("[Main] Server config error: %v", err)
	}
	applyTimeoutDefaults(servers)
	log.Printf("[Main] Loaded %d MCP server configs from %s", len(servers), serversPath)

	poolSize := config.GetInt("POOL_SIZE", mcp.DefaultPoolSize)
	maxWait := config.GetSeconds("POOL_MAX_WAIT_SECONDS", mcp.DefaultMaxWait)
	manager := mcp.NewManager(poolSize, maxWait)

	ttl := config.GetSeconds("SESSION_IDLE_TTL_SECONDS", session.DefaultIdleTTL)
	budget := config.GetInt("CONTEXT_BUDGET_CHARS", session.DefaultContextBudget)
	store := session.NewStore(ttl, budget)

	orc := orchestrator.New(oracle, manager, store, buildSanitizer(servers), servers, orchestrator.Options{})

	if n := config.GetInt("POOL_PREWARM", 0); n > 0 {
		log.Printf("[Main] Prewarming %d clients per pool...", n)
		warmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		manager.Prewarm(warmCtx, servers, n)
		cancel()
	}

	health := web.NewHealthHandler(web.HealthInfo{
		LLMModel:     oracle.GetConfig().Model,
		ServerCount:  len(servers),
		PoolStats:    manager.Stats,
		SessionCount: store.Count,
	})
	server := web.NewServer(web.NewOrchestrateHandler(orc), health, func() {
		manager.Shutdown()
		store.Close()
	})

	if err := server.Start(); err != nil {
		log.Fatalf("[Main] Server error: %v", err)
	}
}

// applyTimeoutDefaults fills per-server timeout budgets from the
// environment for entries that do not set their own.
func applyTimeoutDefaults(servers []mcp.ServerConfig) {
	startup := config.GetInt("MCP_STARTUP_TIMEOUT_SECONDS", 0)
	invoke := config.GetInt("MCP_TOOL_TIMEOUT_SECONDS", 0)
	for i := range servers {
		if servers[i].StartupTimeoutSeconds == 0 && startup > 0 {
			servers[i].StartupTimeoutSeconds = startup
		}
		if servers[i].InvokeTimeoutSeconds == 0 && invoke > 0 {
			servers[i].InvokeTimeoutSeconds = invoke
		}
	}
}

// buildSanitizer merges the global denylist with per-server extras and
// derives each mode's allowlist from the configured tool prefixes:
// brainstorm sees documentation search only, analyze adds diagrams and
// pricing, generate adds template tools.
func buildSanitizer(servers []mcp.ServerConfig) *policy.Sanitizer {
	deny := append([]string(nil), policy.DefaultDenySubstrings...)
	allow := map[string][]string{
		orchestrator.ModeBrainstorm: {},
		orchestrator.ModeAnalyze:    {},
		orchestrator.ModeGenerate:   {},
	}
	grant := func(prefixes []string, modes ...string) {
		for _, m := range modes {
			allow[m] = append(allow[m], prefixes...)
		}
	}

	for _, cfg := range servers {
		deny = append(deny, cfg.DenySubstrings...)

		prefixes := cfg.AllowPrefixes
		if len(prefixes) == 0 && cfg.ToolPrefix != "" {
			prefixes = []string{cfg.ToolPrefix}
		}
		switch {
		case strings.HasPrefix(cfg.ToolPrefix, "awsdocs"):
			grant(prefixes, orchestrator.ModeBrainstorm, orchestrator.ModeAnalyze, orchestrator.ModeGenerate)
		case strings.HasPrefix(cfg.ToolPrefix, "diagram"),
			strings.HasPrefix(cfg.ToolPrefix, "pricing"):
			grant(prefixes, orchestrator.ModeAnalyze, orchestrator.ModeGenerate)
		case strings.HasPrefix(cfg.ToolPrefix, "cfn"):
			grant(prefixes, orchestrator.ModeGenerate)
		default:
			// Unknown families stay out of brainstorm's docs-only surface.
			grant(prefixes, orchestrator.ModeAnalyze, orchestrator.ModeGenerate)
		}
	}
	return policy.NewSanitizer(deny, allow)
}
