// ABOUTME: HTTP API handlers for agents, tool attachments, sandboxes, catalog and cleanup
// ABOUTME: Maps domain errors to status codes with {"error": msg} bodies

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/forge-gateway/internal/auth"
	"github.com/2389/forge-gateway/internal/reaper"
	"github.com/2389/forge-gateway/internal/relay"
	"github.com/2389/forge-gateway/internal/sandbox"
	"github.com/2389/forge-gateway/internal/store"
)

const (
	// DefaultModel is used when an agent is created without one.
	DefaultModel = "gpt-4o-mini"

	maxNameLength         = 100
	maxDescriptionLength  = 500
	maxInstructionsLength = 10000
	maxBodyBytes          = 1 << 20
)

// AvailableModels lists the models an agent may run.
var AvailableModels = []string{"gpt-4o-mini", "gpt-4o"}

// apiError is an error with a fixed status and client-facing message.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

var (
	errAgentNotFound = &apiError{status: http.StatusNotFound, message: "Agent not found"}
	errUnauthorized  = &apiError{status: http.StatusUnauthorized, message: "Unauthorized"}
	errInvalidJSON   = &apiError{status: http.StatusBadRequest, message: "Invalid JSON body"}
	errRateLimited   = &apiError{status: http.StatusTooManyRequests, message: "Rate limit exceeded"}
)

// ToolResponse is an attached MCP tool.
type ToolResponse struct {
	ID        string           `json:"id"`
	ToolName  string           `json:"toolName"`
	Enabled   bool             `json:"enabled"`
	Config    store.ToolConfig `json:"config"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// SandboxResponse is the sandbox currently backing an agent.
type SandboxResponse struct {
	SandboxID  string              `json:"sandboxId"`
	Status     store.SandboxStatus `json:"status"`
	Host       string              `json:"host,omitempty"`
	Port       int                 `json:"port"`
	LastActive time.Time           `json:"lastActive"`
}

// AgentResponse is the JSON form of an agent with its tools and sandbox.
type AgentResponse struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Instructions string            `json:"instructions"`
	Model        string            `json:"model"`
	Status       store.AgentStatus `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	MCPTools     []ToolResponse    `json:"mcpTools"`
	Sandbox      *SandboxResponse  `json:"sandbox"`
}

// CreateAgentRequest is the body of POST /api/agents.
type CreateAgentRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Model        string `json:"model,omitempty"`
}

// ToolUpdate upserts one attachment. Enabled defaults to true.
type ToolUpdate struct {
	ToolName string            `json:"toolName"`
	Enabled  *bool             `json:"enabled,omitempty"`
	Config   *store.ToolConfig `json:"config,omitempty"`
}

// UpdateAgentRequest is the body of PATCH /api/agents/{id}. Absent fields are unchanged.
type UpdateAgentRequest struct {
	Name         *string      `json:"name,omitempty"`
	Description  *string      `json:"description,omitempty"`
	Instructions *string      `json:"instructions,omitempty"`
	Model        *string      `json:"model,omitempty"`
	MCPTools     []ToolUpdate `json:"mcpTools,omitempty"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendError maps err to a status code and client-facing message.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr        *apiError
		validationErr *relay.ValidationError
	)
	switch {
	case errors.As(err, &apiErr):
		g.sendJSONError(w, apiErr.status, apiErr.message)
	case errors.As(err, &validationErr):
		g.sendJSONError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, relay.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, relay.ErrUpstreamChat):
		g.logger.Warn("sandbox chat call failed", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "Failed to connect to agent sandbox")
	case errors.Is(err, sandbox.ErrProvisioning),
		errors.Is(err, sandbox.ErrHealthTimeout),
		errors.Is(err, sandbox.ErrConnection):
		g.logger.Warn("sandbox unavailable", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeBody parses a JSON request body of at most maxBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errInvalidJSON
	}
	return nil
}

// loadAgent fetches the agent named in the path and checks that the caller owns it.
func (g *Gateway) loadAgent(r *http.Request) (*store.Agent, error) {
	agent, err := g.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if agent.UserID != auth.UserFromContext(r.Context()) {
		return nil, errUnauthorized
	}
	return agent, nil
}

// agentView assembles the response for one agent.
func (g *Gateway) agentView(ctx context.Context, agent *store.Agent) (*AgentResponse, error) {
	tools, err := g.store.ListToolAttachments(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("loading tools: %w", err)
	}

	resp := &AgentResponse{
		ID:           agent.ID,
		UserID:       agent.UserID,
		Name:         agent.Name,
		Description:  agent.Description,
		Instructions: agent.Instructions,
		Model:        agent.Model,
		Status:       agent.Status,
		CreatedAt:    agent.CreatedAt,
		UpdatedAt:    agent.UpdatedAt,
		MCPTools:     make([]ToolResponse, 0, len(tools)),
	}
	for _, t := range tools {
		resp.MCPTools = append(resp.MCPTools, ToolResponse{
			ID:        t.ID,
			ToolName:  t.ToolName,
			Enabled:   t.Enabled,
			Config:    t.Config,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}

	sb, err := g.store.GetSandbox(ctx, agent.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading sandbox: %w", err)
	default:
		resp.Sandbox = &SandboxResponse{
			SandboxID:  sb.RemoteID,
			Status:     sb.Status,
			Host:       sb.Host,
			Port:       sb.Port,
			LastActive: sb.LastActive,
		}
	}
	return resp, nil
}

func validateLength(field string, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return badRequest("%s must be %d characters or less", field, max)
	}
	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return badRequest("Name is required")
	}
	return validateLength("Name", name, maxNameLength)
}

func validateModel(model string) error {
	if !slices.Contains(AvailableModels, model) {
		return badRequest("Model must be one of %s", strings.Join(AvailableModels, ", "))
	}
	return nil
}

// Validate checks a create request and fills in the default model.
func (req *CreateAgentRequest) Validate() error {
	if err := validateName(req.Name); err != nil {
		return err
	}
	if err := validateLength("Description", req.Description, maxDescriptionLength); err != nil {
		return err
	}
	if err := validateLength("Instructions", req.Instructions, maxInstructionsLength); err != nil {
		return err
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}
	return validateModel(req.Model)
}

// Validate checks the fields present in an update request.
func (req *UpdateAgentRequest) Validate() error {
	if req.Name != nil {
		if err := validateName(*req.Name); err != nil {
			return err
		}
	}
	if req.Description != nil {
		if err := validateLength("Description", *req.Description, maxDescriptionLength); err != nil {
			return err
		}
	}
	if req.Instructions != nil {
		if err := validateLength("Instructions", *req.Instructions, maxInstructionsLength); err != nil {
			return err
		}
	}
	if req.Model != nil {
		if err := validateModel(*req.Model); err != nil {
			return err
		}
	}
	for _, t := range req.MCPTools {
		if t.ToolName == "" {
			return badRequest("toolName is required")
		}
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleListTools handles GET /api/mcp-tools.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.catalog.List())
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context(), auth.UserFromContext(r.Context()))
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	resp := make([]*AgentResponse, 0, len(agents))
	for _, a := range agents {
		view, err := g.agentView(r.Context(), a)
		if err != nil {
			g.sendError(w, r, err)
			return
		}
		resp = append(resp, view)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleCreateAgent handles POST /api/agents.
func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		g.sendError(w, r, err)
		return
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:           uuid.New().String(),
		UserID:       auth.UserFromContext(r.Context()),
		Name:         req.Name,
		Description:  req.Description,
		Instructions: req.Instructions,
		Model:        req.Model,
		Status:       store.AgentStatusIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("agent created", "agent_id", agent.ID, "user_id", agent.UserID)

	view, err := g.agentView(r.Context(), agent)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, view)
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	view, err := g.agentView(r.Context(), agent)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

// handleUpdateAgent handles PATCH /api/agents/{id}: a partial update plus
// an upsert of each listed tool attachment.
func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	var req UpdateAgentRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		g.sendError(w, r, err)
		return
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.Instructions != nil {
		agent.Instructions = *req.Instructions
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	now := time.Now().UTC()
	agent.UpdatedAt = now
	if err := g.store.UpdateAgent(r.Context(), agent); err != nil {
		g.sendError(w, r, err)
		return
	}

	for _, t := range req.MCPTools {
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		var cfg store.ToolConfig
		if t.Config != nil {
			cfg = *t.Config
		}
		attachment := &store.ToolAttachment{
			ID:        uuid.New().String(),
			AgentID:   agent.ID,
			ToolName:  t.ToolName,
			Enabled:   enabled,
			Config:    g.catalog.Defaults(t.ToolName, cfg),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := g.store.UpsertToolAttachment(r.Context(), attachment); err != nil {
			g.sendError(w, r, err)
			return
		}
	}

	view, err := g.agentView(r.Context(), agent)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, view)
}

// handleDeleteAgent handles DELETE /api/agents/{id}. The sandbox is stopped
// first so no remote instance outlives its agent.
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	if err := g.orchestrator.Stop(r.Context(), agent.ID); err != nil {
		g.logger.Warn("failed to stop sandbox before delete", "agent_id", agent.ID, "error", err)
	}
	if err := g.store.DeleteAgent(r.Context(), agent.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.sendError(w, r, err)
		return
	}
	g.logger.Info("agent deleted", "agent_id", agent.ID)
	g.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleStartSandbox handles POST /api/agents/{id}/sandbox.
func (g *Gateway) handleStartSandbox(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	tools, err := g.store.ListToolAttachments(r.Context(), agent.ID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	handle, err := g.orchestrator.GetOrCreate(r.Context(), agent, tools)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "running", "host": handle.Host})
}

// handleStopSandbox handles DELETE /api/agents/{id}/sandbox.
func (g *Gateway) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	if err := g.orchestrator.Stop(r.Context(), agent.ID); err != nil {
		g.sendError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// cleanupResponse is the body of a successful cron sweep.
type cleanupResponse struct {
	Success bool `json:"success"`
	reaper.Result
}

// handleCleanup handles GET /api/cron/cleanup.
func (g *Gateway) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := g.reaper.Sweep(r.Context())
	if err != nil {
		g.logger.Error("cleanup sweep failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Cleanup failed")
		return
	}
	g.sendJSON(w, http.StatusOK, cleanupResponse{Success: true, Result: result})
}
