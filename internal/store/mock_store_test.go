// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on conditional sandbox writes, cascades and failure injection

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateAgent_Duplicate(t *testing.T) {
	store := NewMockStore()
	seedAgent(t, store, "agent-1", "user-1")

	err := store.CreateAgent(context.Background(), &Agent{ID: "agent-1", UserID: "user-2"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMockStore_SandboxConditionalOnRemoteID(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	seedAgent(t, store, "agent-1", "user-1")

	require.NoError(t, store.UpsertSandbox(ctx, &Sandbox{
		AgentID: "agent-1", RemoteID: "r2", Status: SandboxStatusRunning, LastActive: time.Now(),
	}))

	failed := SandboxStatusError
	assert.ErrorIs(t, store.UpdateSandbox(ctx, "agent-1", "r1", SandboxUpdate{Status: &failed}), ErrNotFound)
	assert.ErrorIs(t, store.DeleteSandbox(ctx, "agent-1", "r1"), ErrNotFound)

	sb, err := store.GetSandbox(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, SandboxStatusRunning, sb.Status)
}

func TestMockStore_UpsertSandboxKeepsRowID(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	first := &Sandbox{AgentID: "agent-1", RemoteID: "r1", Status: SandboxStatusStarting}
	require.NoError(t, store.UpsertSandbox(ctx, first))
	second := &Sandbox{AgentID: "agent-1", RemoteID: "r2", Status: SandboxStatusStarting}
	require.NoError(t, store.UpsertSandbox(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	sb, err := store.GetSandbox(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, sb.ID)
	assert.Equal(t, "r2", sb.RemoteID)
}

func TestMockStore_ListStaleSandboxes(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.UpsertSandbox(ctx, &Sandbox{AgentID: "a", RemoteID: "ra", Status: SandboxStatusRunning, LastActive: now.Add(-time.Hour)}))
	require.NoError(t, store.UpsertSandbox(ctx, &Sandbox{AgentID: "b", RemoteID: "rb", Status: SandboxStatusRunning, LastActive: now}))
	require.NoError(t, store.UpsertSandbox(ctx, &Sandbox{AgentID: "c", RemoteID: "rc", Status: SandboxStatusStopped, LastActive: now.Add(-time.Hour)}))

	stale, err := store.ListStaleSandboxes(ctx, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].AgentID)
}

func TestMockStore_DeleteAgentCascades(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	seedAgent(t, store, "agent-1", "user-1")

	session := &ChatSession{AgentID: "agent-1", Title: "t"}
	require.NoError(t, store.CreateSession(ctx, session))
	require.NoError(t, store.AddMessage(ctx, &ChatMessage{SessionID: session.ID, Role: RoleUser, Content: "hi"}))
	require.NoError(t, store.UpsertSandbox(ctx, &Sandbox{AgentID: "agent-1", RemoteID: "r1", Status: SandboxStatusRunning}))

	require.NoError(t, store.DeleteAgent(ctx, "agent-1"))

	_, err := store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSandbox(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_AddMessageRequiresSession(t *testing.T) {
	store := NewMockStore()

	err := store.AddMessage(context.Background(), &ChatMessage{SessionID: "missing", Role: RoleUser, Content: "hi"})
	assert.Error(t, err)
}

func TestMockStore_FailOn(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	boom := errors.New("boom")

	store.FailOn("Ping", boom)
	assert.ErrorIs(t, store.Ping(ctx), boom)

	store.FailOn("Ping", nil)
	assert.NoError(t, store.Ping(ctx))
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	seedAgent(t, store, "agent-1", "user-1")

	got, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Agent agent-1", again.Name)
}
