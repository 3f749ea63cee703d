// ABOUTME: Agent and tool attachment persistence for SQLiteStore
// ABOUTME: Agents own their attachments, sandbox row and chat sessions via cascading deletes

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const agentColumns = `id, user_id, name, description, instructions, model, status, created_at, updated_at`

// CreateAgent inserts a new agent
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.Status == "" {
		agent.Status = AgentStatusIdle
	}

	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.UserID,
		agent.Name,
		agent.Description,
		agent.Instructions,
		agent.Model,
		string(agent.Status),
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "user_id", agent.UserID)
	return nil
}

// GetAgent retrieves an agent by ID
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns the agents owned by userID, newest first
func (s *SQLiteStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgent updates the user-editable fields of an agent
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	query := `
		UPDATE agents
		SET name = ?, description = ?, instructions = ?, model = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		agent.Name,
		agent.Description,
		agent.Instructions,
		agent.Model,
		formatTime(agent.UpdatedAt),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return expectAffected(res, "updating agent")
}

// DeleteAgent removes an agent together with everything that references it
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return expectAffected(res, "deleting agent")
}

// SetAgentStatus changes an agent's lifecycle status
func (s *SQLiteStore) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return expectAffected(res, "updating agent status")
}

// UpsertToolAttachment creates or replaces the attachment for (AgentID, ToolName)
func (s *SQLiteStore) UpsertToolAttachment(ctx context.Context, tool *ToolAttachment) error {
	configJSON, err := json.Marshal(tool.Config)
	if err != nil {
		return fmt.Errorf("encoding tool config: %w", err)
	}

	query := `
		INSERT INTO tool_attachments (id, agent_id, tool_name, enabled, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, tool_name) DO UPDATE SET
			enabled = excluded.enabled,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		tool.ID,
		tool.AgentID,
		tool.ToolName,
		tool.Enabled,
		string(configJSON),
		formatTime(tool.CreatedAt),
		formatTime(tool.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting tool attachment: %w", err)
	}
	return nil
}

// ListToolAttachments returns an agent's attachments in creation order
func (s *SQLiteStore) ListToolAttachments(ctx context.Context, agentID string) ([]*ToolAttachment, error) {
	query := `
		SELECT id, agent_id, tool_name, enabled, config_json, created_at, updated_at
		FROM tool_attachments
		WHERE agent_id = ?
		ORDER BY created_at ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying tool attachments: %w", err)
	}
	defer rows.Close()

	var tools []*ToolAttachment
	for rows.Next() {
		var tool ToolAttachment
		var configJSON, createdAtStr, updatedAtStr string
		if err := rows.Scan(&tool.ID, &tool.AgentID, &tool.ToolName, &tool.Enabled, &configJSON, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning tool attachment row: %w", err)
		}
		if err := json.Unmarshal([]byte(configJSON), &tool.Config); err != nil {
			return nil, fmt.Errorf("decoding config of tool %s: %w", tool.ToolName, err)
		}
		if tool.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
			return nil, err
		}
		if tool.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
			return nil, err
		}
		tools = append(tools, &tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool attachment rows: %w", err)
	}
	return tools, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var status, createdAtStr, updatedAtStr string
	err := row.Scan(
		&agent.ID,
		&agent.UserID,
		&agent.Name,
		&agent.Description,
		&agent.Instructions,
		&agent.Model,
		&status,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}
	agent.Status = AgentStatus(status)
	if agent.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if agent.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &agent, nil
}
