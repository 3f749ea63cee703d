// ABOUTME: Chat endpoints: session history, the streaming chat relay and the lifecycle event feed
// ABOUTME: Both streams are SSE and flush after every frame

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/forge-gateway/internal/auth"
	"github.com/2389/forge-gateway/internal/relay"
	"github.com/2389/forge-gateway/internal/store"
)

// eventKeepalive spaces comment frames on an idle event feed.
const eventKeepalive = 15 * time.Second

// ChatRequest is the body of POST /api/agents/{id}/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// MessageResponse is one stored chat message.
type MessageResponse struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Role      store.Role `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
}

// SessionResponse is a chat session with its messages in order.
type SessionResponse struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agentId"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Messages  []MessageResponse `json:"messages"`
}

// setSSEHeaders prepares w for an event stream.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// handleListSessions handles GET /api/agents/{id}/chat.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	sessions, err := g.store.ListSessions(r.Context(), agent.ID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		msgs, err := g.store.ListMessages(r.Context(), s.ID)
		if err != nil {
			g.sendError(w, r, err)
			return
		}
		view := SessionResponse{
			ID:        s.ID,
			AgentID:   s.AgentID,
			Title:     s.Title,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			Messages:  make([]MessageResponse, 0, len(msgs)),
		}
		for _, m := range msgs {
			view.Messages = append(view.Messages, MessageResponse{
				ID:        m.ID,
				SessionID: m.SessionID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
			})
		}
		resp = append(resp, view)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleChat handles POST /api/agents/{id}/chat. Errors before the stream
// opens are JSON; after that the relay's frames pass through unchanged.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	userID := auth.UserFromContext(r.Context())
	if !g.limiter.Allow(userID) {
		g.logger.Info("chat rate limited", "user_id", userID, "agent_id", agent.ID)
		g.sendError(w, r, errRateLimited)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var req ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendError(w, r, err)
		return
	}
	// Reject bad input before listing tools or touching the sandbox
	if err := g.bridge.Validate(req.Message); err != nil {
		g.sendError(w, r, err)
		return
	}

	tools, err := g.store.ListToolAttachments(r.Context(), agent.ID)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	turn, err := g.bridge.Open(r.Context(), relay.TurnRequest{
		Agent:     agent,
		Tools:     tools,
		SessionID: req.SessionID,
		Message:   req.Message,
	})
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	setSSEHeaders(w)
	w.Header().Set("X-Session-Id", turn.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	result := turn.Relay(r.Context(), w, flusher.Flush)
	g.logger.Debug("chat turn finished",
		"agent_id", agent.ID,
		"session_id", turn.SessionID,
		"outcome", result.Outcome,
		"chars", len(result.Text),
	)
}

// writeSSEEvent writes a single named SSE event with a JSON payload.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

// handleAgentEvents handles GET /api/agents/{id}/events, streaming the
// agent's sandbox lifecycle events until the client goes away.
func (g *Gateway) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	agent, err := g.loadAgent(r)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := g.broadcaster.Subscribe(r.Context(), agent.ID)

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(eventKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, string(ev.Kind), ev); err != nil {
				g.logger.Debug("event stream write failed", "agent_id", agent.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
