// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Agent: a user-owned assistant definition with a lifecycle status
//   - ToolAttachment: an MCP tool enabled on an agent, unique per (agent, tool name)
//   - Sandbox: the remote instance backing an agent, at most one per agent
//   - ChatSession and ChatMessage: persisted conversation history
//
// Deleting an agent cascades to its attachments, sandbox record and sessions.
//
// # Sandbox records
//
// A sandbox row always names the remote instance it describes. UpdateSandbox
// and DeleteSandbox take that remote id and only touch the row while it still
// matches, so a slow caller working on an old instance cannot overwrite the
// record of a newer one. Both return ErrNotFound when nothing matched.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text, which keeps lexical and
// chronological order identical for range queries such as ListStaleSandboxes.
//
// # Testing
//
// MockStore is an in-memory implementation with per-method failure injection
// via FailOn, for packages that need a Store without SQLite.
package store
