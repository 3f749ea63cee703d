// ABOUTME: Streams one chat turn between a caller and the agent's sandbox relay
// ABOUTME: Persists the user message up front and the assistant reply once the stream ends

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/forge-gateway/internal/sandbox"
	"github.com/2389/forge-gateway/internal/store"
)

const (
	// DefaultMaxMessageLength bounds a user message in characters.
	DefaultMaxMessageLength = 10000

	// sessionTitleLength is how many characters of the first message title a new session.
	sessionTitleLength = 50

	// persistTimeout bounds the writes made after the stream ends.
	persistTimeout = 5 * time.Second
)

// Sandboxes is what the bridge needs from the orchestrator.
type Sandboxes interface {
	GetOrCreate(ctx context.Context, agent *store.Agent, tools []*store.ToolAttachment) (*sandbox.Handle, error)
	Touch(ctx context.Context, agentID, remoteID string) error
}

// Config holds bridge limits.
type Config struct {
	MaxMessageLength int
	// HTTPClient makes the call to the sandbox relay. It must not set a
	// total timeout since the response streams. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Bridge opens chat turns against sandbox relays.
type Bridge struct {
	store     store.Store
	sandboxes Sandboxes
	client    *http.Client
	maxLen    int
	logger    *slog.Logger
}

// New creates a bridge. Pass nil logger for default.
func New(cfg Config, s store.Store, sandboxes Sandboxes, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Bridge{
		store:     s,
		sandboxes: sandboxes,
		client:    client,
		maxLen:    cfg.MaxMessageLength,
		logger:    logger.With("component", "relay"),
	}
}

// TurnRequest is one user message for an agent.
type TurnRequest struct {
	Agent *store.Agent
	Tools []*store.ToolAttachment
	// SessionID continues an existing session. Empty starts a new one.
	SessionID string
	Message   string
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message string         `json:"message"`
	History []historyEntry `json:"history"`
}

// Validate checks the message before any sandbox work.
func (b *Bridge) Validate(message string) error {
	if message == "" {
		return &ValidationError{Message: "message is required"}
	}
	if utf8.RuneCountInString(message) > b.maxLen {
		return &ValidationError{Message: "Message too long"}
	}
	return nil
}

// Open validates the request, ensures a sandbox, records the user message and
// starts the relay's chat stream. The returned Turn must be relayed or closed.
func (b *Bridge) Open(ctx context.Context, req TurnRequest) (*Turn, error) {
	if err := b.Validate(req.Message); err != nil {
		return nil, err
	}

	handle, err := b.sandboxes.GetOrCreate(ctx, req.Agent, req.Tools)
	if err != nil {
		return nil, err
	}

	session, history, err := b.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	// Record the user message before calling the sandbox so it survives any failure below
	userMsg := &store.ChatMessage{SessionID: session.ID, Role: store.RoleUser, Content: req.Message}
	if err := b.store.AddMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	body, err := b.startChat(ctx, handle.Host, chatRequest{Message: req.Message, History: history})
	if err != nil {
		b.logger.Warn("relay chat call failed", "agent_id", req.Agent.ID, "host", handle.Host, "error", err)
		return nil, err
	}

	b.logger.Debug("turn opened", "agent_id", req.Agent.ID, "session_id", session.ID)
	return &Turn{
		SessionID: session.ID,
		bridge:    b,
		body:      body,
		agentID:   req.Agent.ID,
		remoteID:  handle.Instance.ID(),
	}, nil
}

// resolveSession loads the requested session or creates a new one, and
// returns the history of messages already in it.
func (b *Bridge) resolveSession(ctx context.Context, req TurnRequest) (*store.ChatSession, []historyEntry, error) {
	if req.SessionID == "" {
		session := &store.ChatSession{AgentID: req.Agent.ID, Title: title(req.Message)}
		if err := b.store.CreateSession(ctx, session); err != nil {
			return nil, nil, fmt.Errorf("creating session: %w", err)
		}
		return session, []historyEntry{}, nil
	}

	session, err := b.store.GetSession(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading session: %w", err)
	}
	if session.AgentID != req.Agent.ID {
		return nil, nil, ErrSessionNotFound
	}

	msgs, err := b.store.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading history: %w", err)
	}
	history := make([]historyEntry, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, historyEntry{Role: strings.ToLower(string(m.Role)), Content: m.Content})
	}
	return session, history, nil
}

func title(message string) string {
	if utf8.RuneCountInString(message) <= sessionTitleLength {
		return message
	}
	return string([]rune(message)[:sessionTitleLength])
}

func (b *Bridge) startChat(ctx context.Context, host string, payload chatRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+host+"/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamChat, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamChat, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamChat, resp.StatusCode)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%w: empty response body", ErrUpstreamChat)
	}
	return resp.Body, nil
}
