// ABOUTME: Capability interfaces the orchestrator needs from a sandbox provider
// ABOUTME: Implemented by internal/e2b in production and by fakes in tests

package sandbox

import (
	"context"
	"time"
)

// CommandResult is the outcome of a command that ran to completion.
// A non-zero ExitCode is a result, not an error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stderr, or stdout when stderr is empty.
func (r *CommandResult) Output() string {
	if r.Stderr != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Instance is a handle to one live remote sandbox.
type Instance interface {
	// ID is the provider-assigned remote identifier.
	ID() string

	// Host returns the public hostname that routes to port inside the sandbox.
	Host(port int) string

	// Kill destroys the sandbox. Killing an already-gone sandbox is not an error.
	Kill(ctx context.Context) error

	// Run executes cmd through a login shell and waits up to timeout.
	Run(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error)

	// RunBackground starts cmd detached and returns once it is launched.
	RunBackground(ctx context.Context, cmd string) error

	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
}

// Provisioner creates and reattaches to remote sandboxes.
type Provisioner interface {
	// Create starts a new sandbox that the provider will destroy after lifetime.
	Create(ctx context.Context, lifetime time.Duration) (Instance, error)

	// Connect reattaches to an existing sandbox by remote id.
	Connect(ctx context.Context, remoteID string) (Instance, error)
}
