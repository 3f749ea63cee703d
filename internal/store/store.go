// ABOUTME: Store interface and data types for forge-gateway persistence
// ABOUTME: Defines Agent, ToolAttachment, Sandbox, ChatSession and ChatMessage records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint
var ErrDuplicate = errors.New("already exists")

// AgentStatus is the lifecycle state of an agent as seen by users.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "IDLE"
	AgentStatusRunning AgentStatus = "RUNNING"
	AgentStatusError   AgentStatus = "ERROR"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusError:
		return true
	default:
		return false
	}
}

// SandboxStatus is the lifecycle state of a sandbox record.
type SandboxStatus string

const (
	SandboxStatusStarting SandboxStatus = "STARTING"
	SandboxStatusRunning  SandboxStatus = "RUNNING"
	SandboxStatusError    SandboxStatus = "ERROR"
	SandboxStatusStopped  SandboxStatus = "STOPPED"
)

// Valid reports whether s is one of the known sandbox statuses.
func (s SandboxStatus) Valid() bool {
	switch s {
	case SandboxStatusStarting, SandboxStatusRunning, SandboxStatusError, SandboxStatusStopped:
		return true
	default:
		return false
	}
}

// Role tags a chat message with its author.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Agent is a user-defined assistant whose runtime lives in a sandbox.
type Agent struct {
	ID           string
	UserID       string
	Name         string
	Description  string
	Instructions string
	Model        string
	Status       AgentStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ToolConfig is the materialization recipe for an MCP tool server.
type ToolConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ToolAttachment links an MCP tool to an agent. (AgentID, ToolName) is unique.
type ToolAttachment struct {
	ID        string
	AgentID   string
	ToolName  string
	Enabled   bool
	Config    ToolConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sandbox describes the remote instance backing an agent.
// Host is empty until the sandbox is RUNNING.
type Sandbox struct {
	ID         string
	AgentID    string
	RemoteID   string
	Status     SandboxStatus
	Host       string
	Port       int
	LastActive time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SandboxUpdate lists the fields to change on a sandbox record. Nil fields are left alone.
type SandboxUpdate struct {
	Status     *SandboxStatus
	Host       *string
	LastActive *time.Time
}

// ChatSession groups the messages of one conversation with an agent.
type ChatSession struct {
	ID        string
	AgentID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is a single message within a session.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Store defines the interface for gateway persistence
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error
	SetAgentStatus(ctx context.Context, id string, status AgentStatus) error

	// Tool attachments
	UpsertToolAttachment(ctx context.Context, tool *ToolAttachment) error
	ListToolAttachments(ctx context.Context, agentID string) ([]*ToolAttachment, error)

	// Sandboxes
	GetSandbox(ctx context.Context, agentID string) (*Sandbox, error)
	UpsertSandbox(ctx context.Context, sandbox *Sandbox) error
	UpdateSandbox(ctx context.Context, agentID, remoteID string, update SandboxUpdate) error
	DeleteSandbox(ctx context.Context, agentID, remoteID string) error
	ListStaleSandboxes(ctx context.Context, before time.Time) ([]*Sandbox, error)

	// Chat sessions and messages
	CreateSession(ctx context.Context, session *ChatSession) error
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	ListSessions(ctx context.Context, agentID string) ([]*ChatSession, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	AddMessage(ctx context.Context, msg *ChatMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error)

	// Ping checks that the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
