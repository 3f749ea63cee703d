// Package gateway serves the forge-gateway HTTP API and gRPC health service.
//
// # Overview
//
// The gateway owns every long-lived component: the store, the sandbox
// orchestrator, the stale sandbox reaper, the chat relay bridge, the MCP
// catalog, the per-user chat rate limiter and the lifecycle event
// broadcaster. New builds them from configuration; NewWithDeps accepts
// pre-built collaborators for tests and embedding.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (database ping)
//   - GET /api/mcp-tools - MCP tool catalog
//   - GET, POST /api/agents - List and create agents
//   - GET, PATCH, DELETE /api/agents/{id} - Agent detail, update, delete
//   - POST, DELETE /api/agents/{id}/sandbox - Start or stop the sandbox
//   - GET /api/agents/{id}/chat - Chat sessions with messages
//   - POST /api/agents/{id}/chat - Send a message, reply streamed as SSE
//   - GET /api/agents/{id}/events - Sandbox lifecycle events as SSE
//   - GET /api/cron/cleanup - Reap stale sandboxes
//
// Every /api route except the catalog and the cron endpoint requires a
// bearer token when auth.jwt_secret is set. Without a secret all requests act
// as LocalUserID.
//
// # SSE Streaming
//
// The chat endpoint passes the sandbox relay's frames through byte for byte:
//
//	data: {"type":"delta","content":"Hel"}
//
//	data: {"type":"delta","content":"lo"}
//
//	data: {"type":"done"}
//
// The session id is returned in the X-Session-Id header before the first frame.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run serves until ctx is canceled and then shuts down gracefully. When
// reaper.enabled is set it also sweeps stale sandboxes every reaper.interval.
package gateway
