// ABOUTME: Sandbox record persistence for SQLiteStore
// ABOUTME: Rows are keyed by agent id; updates and deletes are conditional on the remote id

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sandboxColumns = `id, agent_id, remote_id, status, host, port, last_active, created_at, updated_at`

// GetSandbox returns the sandbox record for an agent
func (s *SQLiteStore) GetSandbox(ctx context.Context, agentID string) (*Sandbox, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes WHERE agent_id = ?`, agentID)
	sb, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying sandbox: %w", err)
	}
	return sb, nil
}

// UpsertSandbox inserts the sandbox record for sandbox.AgentID or replaces a leftover one.
// The host is always reset: a replaced row describes a new remote instance.
// A replaced row keeps its id and created_at, which are copied back into sb.
func (s *SQLiteStore) UpsertSandbox(ctx context.Context, sb *Sandbox) error {
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

	query := `
		INSERT INTO sandboxes (` + sandboxColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			status = excluded.status,
			host = excluded.host,
			port = excluded.port,
			last_active = excluded.last_active,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query,
		sb.ID,
		sb.AgentID,
		sb.RemoteID,
		string(sb.Status),
		nullString(sb.Host),
		sb.Port,
		formatTime(sb.LastActive),
		formatTime(sb.CreatedAt),
		formatTime(sb.UpdatedAt),
	).Scan(&sb.ID, &createdAtStr)
	if err != nil {
		return fmt.Errorf("upserting sandbox: %w", err)
	}
	if sb.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return err
	}

	s.logger.Debug("upserted sandbox", "agent_id", sb.AgentID, "remote_id", sb.RemoteID, "status", sb.Status)
	return nil
}

// UpdateSandbox applies update to the agent's sandbox row if it still refers to remoteID.
// Returns ErrNotFound when the row is gone or now describes another instance.
func (s *SQLiteStore) UpdateSandbox(ctx context.Context, agentID, remoteID string, update SandboxUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}

	if update.Status != nil {
		if !update.Status.Valid() {
			return fmt.Errorf("invalid sandbox status %q", *update.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Host != nil {
		sets = append(sets, "host = ?")
		args = append(args, nullString(*update.Host))
	}
	if update.LastActive != nil {
		sets = append(sets, "last_active = ?")
		args = append(args, formatTime(*update.LastActive))
	}

	query := `UPDATE sandboxes SET ` + strings.Join(sets, ", ") + ` WHERE agent_id = ? AND remote_id = ?`
	args = append(args, agentID, remoteID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating sandbox: %w", err)
	}
	return expectAffected(res, "updating sandbox")
}

// DeleteSandbox removes the agent's sandbox row if it still refers to remoteID
func (s *SQLiteStore) DeleteSandbox(ctx context.Context, agentID, remoteID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sandboxes WHERE agent_id = ? AND remote_id = ?`, agentID, remoteID)
	if err != nil {
		return fmt.Errorf("deleting sandbox: %w", err)
	}
	return expectAffected(res, "deleting sandbox")
}

// ListStaleSandboxes returns RUNNING sandboxes whose last activity is before the cutoff
func (s *SQLiteStore) ListStaleSandboxes(ctx context.Context, before time.Time) ([]*Sandbox, error) {
	query := `
		SELECT ` + sandboxColumns + `
		FROM sandboxes
		WHERE status = ? AND last_active < ?
		ORDER BY last_active ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(SandboxStatusRunning), formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("querying stale sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sandbox row: %w", err)
		}
		sandboxes = append(sandboxes, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sandbox rows: %w", err)
	}
	return sandboxes, nil
}

func scanSandbox(row rowScanner) (*Sandbox, error) {
	var sb Sandbox
	var status, lastActiveStr, createdAtStr, updatedAtStr string
	var host sql.NullString
	err := row.Scan(
		&sb.ID,
		&sb.AgentID,
		&sb.RemoteID,
		&status,
		&host,
		&sb.Port,
		&lastActiveStr,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}
	sb.Status = SandboxStatus(status)
	sb.Host = host.String
	if sb.LastActive, err = parseTime("last_active", lastActiveStr); err != nil {
		return nil, err
	}
	if sb.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if sb.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &sb, nil
}
