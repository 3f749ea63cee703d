// ABOUTME: Error kinds returned by the chat relay bridge
// ABOUTME: ValidationError is raised before any sandbox is touched

package relay

import "errors"

var (
	// ErrUpstreamChat means the sandbox relay rejected or never answered the chat call.
	ErrUpstreamChat = errors.New("failed to connect to agent sandbox")

	// ErrSessionNotFound means the session is missing or belongs to another agent.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamInterrupted means reading the relay stream failed mid-turn.
	ErrStreamInterrupted = errors.New("stream interrupted")
)

// ValidationError describes a rejected chat request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
