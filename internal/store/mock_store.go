// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject per-method failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	tools     map[string][]*ToolAttachment // keyed by agentID, creation order
	sandboxes map[string]*Sandbox          // keyed by agentID
	sessions  map[string]*ChatSession
	messages  map[string][]*ChatMessage // keyed by sessionID
	failures  map[string]error          // keyed by method name

	seq int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:    make(map[string]*Agent),
		tools:     make(map[string][]*ToolAttachment),
		sandboxes: make(map[string]*Sandbox),
		sessions:  make(map[string]*ChatSession),
		messages:  make(map[string][]*ChatMessage),
		failures:  make(map[string]error),
	}
}

// FailOn makes every subsequent call to method return err. A nil err clears it.
func (m *MockStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MockStore) failure(method string) error {
	return m.failures[method]
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateAgent"); err != nil {
		return err
	}
	if _, exists := m.agents[agent.ID]; exists {
		return ErrDuplicate
	}
	if agent.Status == "" {
		agent.Status = AgentStatusIdle
	}
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetAgent"); err != nil {
		return nil, err
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns the user's agents newest first.
func (m *MockStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListAgents"); err != nil {
		return nil, err
	}
	var result []*Agent
	for _, a := range m.agents {
		if a.UserID == userID {
			c := *a
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateAgent replaces the editable fields of an agent.
func (m *MockStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpdateAgent"); err != nil {
		return err
	}
	a, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	a.Name = agent.Name
	a.Description = agent.Description
	a.Instructions = agent.Instructions
	a.Model = agent.Model
	a.UpdatedAt = agent.UpdatedAt
	return nil
}

// DeleteAgent removes an agent and cascades to its dependents.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteAgent"); err != nil {
		return err
	}
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	delete(m.tools, id)
	delete(m.sandboxes, id)
	for sid, s := range m.sessions {
		if s.AgentID == id {
			delete(m.sessions, sid)
			delete(m.messages, sid)
		}
	}
	return nil
}

// SetAgentStatus changes an agent's status.
func (m *MockStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SetAgentStatus"); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

// UpsertToolAttachment creates or replaces an attachment.
func (m *MockStore) UpsertToolAttachment(ctx context.Context, tool *ToolAttachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertToolAttachment"); err != nil {
		return err
	}
	t := *tool
	list := m.tools[t.AgentID]
	for i, existing := range list {
		if existing.ToolName == t.ToolName {
			t.ID = existing.ID
			t.CreatedAt = existing.CreatedAt
			list[i] = &t
			return nil
		}
	}
	m.tools[t.AgentID] = append(list, &t)
	return nil
}

// ListToolAttachments returns an agent's attachments in creation order.
func (m *MockStore) ListToolAttachments(ctx context.Context, agentID string) ([]*ToolAttachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListToolAttachments"); err != nil {
		return nil, err
	}
	var result []*ToolAttachment
	for _, t := range m.tools[agentID] {
		c := *t
		result = append(result, &c)
	}
	return result, nil
}

// GetSandbox returns the agent's sandbox record.
func (m *MockStore) GetSandbox(ctx context.Context, agentID string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetSandbox"); err != nil {
		return nil, err
	}
	sb, ok := m.sandboxes[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *sb
	return &result, nil
}

// UpsertSandbox inserts or replaces the agent's sandbox record, clearing its host.
func (m *MockStore) UpsertSandbox(ctx context.Context, sb *Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertSandbox"); err != nil {
		return err
	}
	if sb.ID == "" {
		sb.ID = uuid.New().String()
	}
	now := time.Now()
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now
	}
	if sb.UpdatedAt.IsZero() {
		sb.UpdatedAt = now
	}
	if existing, ok := m.sandboxes[sb.AgentID]; ok {
		sb.ID = existing.ID
		sb.CreatedAt = existing.CreatedAt
	}
	c := *sb
	m.sandboxes[c.AgentID] = &c
	return nil
}

// UpdateSandbox changes the record only while it still refers to remoteID.
func (m *MockStore) UpdateSandbox(ctx context.Context, agentID, remoteID string, update SandboxUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpdateSandbox"); err != nil {
		return err
	}
	sb, ok := m.sandboxes[agentID]
	if !ok || sb.RemoteID != remoteID {
		return ErrNotFound
	}
	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("invalid sandbox status %q", *update.Status)
		}
		sb.Status = *update.Status
	}
	if update.Host != nil {
		sb.Host = *update.Host
	}
	if update.LastActive != nil {
		sb.LastActive = *update.LastActive
	}
	sb.UpdatedAt = time.Now()
	return nil
}

// DeleteSandbox removes the record only while it still refers to remoteID.
func (m *MockStore) DeleteSandbox(ctx context.Context, agentID, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteSandbox"); err != nil {
		return err
	}
	sb, ok := m.sandboxes[agentID]
	if !ok || sb.RemoteID != remoteID {
		return ErrNotFound
	}
	delete(m.sandboxes, agentID)
	return nil
}

// ListStaleSandboxes returns RUNNING records idle since before the cutoff.
func (m *MockStore) ListStaleSandboxes(ctx context.Context, before time.Time) ([]*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListStaleSandboxes"); err != nil {
		return nil, err
	}
	var result []*Sandbox
	for _, sb := range m.sandboxes {
		if sb.Status == SandboxStatusRunning && sb.LastActive.Before(before) {
			c := *sb
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActive.Before(result[j].LastActive)
	})
	return result, nil
}

// CreateSession stores a new chat session.
func (m *MockStore) CreateSession(ctx context.Context, session *ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateSession"); err != nil {
		return err
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicate
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	c := *session
	m.sessions[c.ID] = &c
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetSession"); err != nil {
		return nil, err
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions returns an agent's sessions, most recently active first.
func (m *MockStore) ListSessions(ctx context.Context, agentID string) ([]*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListSessions"); err != nil {
		return nil, err
	}
	var result []*ChatSession
	for _, s := range m.sessions {
		if s.AgentID == agentID {
			c := *s
			result = append(result, &c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// TouchSession bumps a session's UpdatedAt.
func (m *MockStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("TouchSession"); err != nil {
		return err
	}
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.UpdatedAt = at
	return nil
}

// AddMessage appends a message to a session.
func (m *MockStore) AddMessage(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("AddMessage"); err != nil {
		return err
	}
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return fmt.Errorf("inserting chat message: session %s does not exist", msg.SessionID)
	}
	if msg.ID == "" {
		m.seq++
		msg.ID = fmt.Sprintf("msg-%d", m.seq)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c := *msg
	m.messages[c.SessionID] = append(m.messages[c.SessionID], &c)
	return nil
}

// ListMessages returns a session's messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListMessages"); err != nil {
		return nil, err
	}
	var result []*ChatMessage
	for _, msg := range m.messages[sessionID] {
		c := *msg
		result = append(result, &c)
	}
	return result, nil
}

// Ping always succeeds unless a failure is injected.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure("Ping")
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
