// ABOUTME: HTTP route table for the gateway
// ABOUTME: /api is behind bearer auth (or local mode); health, catalog and cron have their own gates

package gateway

import (
	"net/http"

	"github.com/2389/forge-gateway/internal/auth"
)

// authMiddleware returns bearer auth when a jwt secret is configured, else local mode.
func (g *Gateway) authMiddleware() func(http.Handler) http.Handler {
	if g.verifier != nil {
		return auth.HTTPAuthMiddleware(g.verifier)
	}
	return auth.AnonymousMiddleware(LocalUserID)
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and catalog endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /api/mcp-tools", g.handleListTools)

	mux.Handle("GET /api/cron/cleanup", auth.CronMiddleware(g.config.Auth.CronSecret)(http.HandlerFunc(g.handleCleanup)))

	api := http.NewServeMux()
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("POST /api/agents", g.handleCreateAgent)
	api.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	api.HandleFunc("PATCH /api/agents/{id}", g.handleUpdateAgent)
	api.HandleFunc("DELETE /api/agents/{id}", g.handleDeleteAgent)
	api.HandleFunc("POST /api/agents/{id}/sandbox", g.handleStartSandbox)
	api.HandleFunc("DELETE /api/agents/{id}/sandbox", g.handleStopSandbox)
	api.HandleFunc("GET /api/agents/{id}/chat", g.handleListSessions)
	api.HandleFunc("POST /api/agents/{id}/chat", g.handleChat)
	api.HandleFunc("GET /api/agents/{id}/events", g.handleAgentEvents)

	mux.Handle("/api/", g.authMiddleware()(api))
	return mux
}
