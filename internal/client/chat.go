// ABOUTME: Streams one chat turn from the gateway and reports how it ended
// ABOUTME: Distinguishes a caller stop from a network or upstream failure

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/forge-gateway/internal/sse"
)

// State is how a chat turn ended.
type State string

const (
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// stoppedPlaceholder is the reply recorded when a turn is stopped before any text arrives.
const stoppedPlaceholder = "(stopped)"

// Turn is the outcome of one Chat call.
type Turn struct {
	// SessionID comes from the X-Session-Id header. It is set even when the
	// stream later fails, so the caller can continue the session.
	SessionID string
	State     State
	Text      string
	Err       error
}

type chatBody struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// Chat sends message to the agent and streams the reply. sessionID continues
// an existing session; empty starts a new one. onDelta may be nil.
func (c *Client) Chat(ctx context.Context, agentID, sessionID, message string, onDelta func(string)) *Turn {
	turn := &Turn{SessionID: sessionID}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/agents/"+agentID+"/chat", chatBody{Message: message, SessionID: sessionID})
	if err != nil {
		return turn.failed(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return turn.stopped("")
		}
		return turn.failed(fmt.Errorf("sending message: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return turn.failed(decodeAPIError(resp))
	}
	if id := resp.Header.Get("X-Session-Id"); id != "" {
		turn.SessionID = id
	}

	var text strings.Builder
	dec := sse.NewDecoder(resp.Body)
	for {
		frame, err := dec.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return turn.stopped(text.String())
			case errors.Is(err, io.EOF):
				turn.State = StateCompleted
				turn.Text = text.String()
				return turn
			default:
				return turn.failed(fmt.Errorf("reading reply: %w", err))
			}
		}

		ev, err := sse.ParseChatEvent(frame)
		if err != nil {
			continue
		}
		switch ev.Type {
		case sse.TypeDelta:
			text.WriteString(ev.Content)
			if onDelta != nil && ev.Content != "" {
				onDelta(ev.Content)
			}
		case sse.TypeDone:
			turn.State = StateCompleted
			turn.Text = text.String()
			return turn
		case sse.TypeError:
			return turn.failed(errors.New(ev.Error))
		}
	}
}

func (t *Turn) stopped(partial string) *Turn {
	t.State = StateStopped
	t.Text = partial
	if t.Text == "" {
		t.Text = stoppedPlaceholder
	}
	return t
}

func (t *Turn) failed(err error) *Turn {
	t.State = StateFailed
	t.Text = ""
	t.Err = err
	return t
}
