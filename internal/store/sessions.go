// ABOUTME: Chat session and message persistence for SQLiteStore
// ABOUTME: Messages are returned in insertion order for history reconstruction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a new chat session
func (s *SQLiteStore) CreateSession(ctx context.Context, session *ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, agent_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID,
		session.AgentID,
		session.Title,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting chat session: %w", err)
	}
	return nil
}

// GetSession retrieves a chat session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, title, created_at, updated_at FROM chat_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat session: %w", err)
	}
	return session, nil
}

// ListSessions returns an agent's sessions, most recently active first
func (s *SQLiteStore) ListSessions(ctx context.Context, agentID string) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, title, created_at, updated_at
		FROM chat_sessions
		WHERE agent_id = ?
		ORDER BY updated_at DESC, rowid DESC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying chat sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat session rows: %w", err)
	}
	return sessions, nil
}

// TouchSession bumps a session's updated_at
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching chat session: %w", err)
	}
	return expectAffected(res, "touching chat session")
}

// AddMessage appends a message to a session
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID,
		msg.SessionID,
		string(msg.Role),
		msg.Content,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting chat message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages oldest first
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var role, createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning chat message row: %w", err)
		}
		msg.Role = Role(role)
		if msg.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat message rows: %w", err)
	}
	return messages, nil
}

func scanSession(row rowScanner) (*ChatSession, error) {
	var session ChatSession
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&session.ID, &session.AgentID, &session.Title, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	var err error
	if session.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &session, nil
}
