// ABOUTME: Relays the sandbox's event stream to the caller while accumulating the reply
// ABOUTME: Each decoded frame goes to a forwarder and an accumulator; the reply is saved once

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/2389/forge-gateway/internal/sse"
	"github.com/2389/forge-gateway/internal/store"
)

// Outcome is how a relayed stream ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeInterrupted   Outcome = "interrupted"
	OutcomeCancelled     Outcome = "cancelled"
)

// interruptedFrame is written to the caller when the upstream read fails.
const interruptedFrame = "data: {\"type\":\"error\",\"error\":\"Stream interrupted\"}\n\n"

// Result summarizes a relayed turn.
type Result struct {
	Outcome Outcome
	// Text is the accumulated assistant reply, possibly partial.
	Text string
	// Err explains any outcome other than completed.
	Err error
}

// Turn is an open chat stream from a sandbox relay.
type Turn struct {
	// SessionID is known before any frame is relayed.
	SessionID string

	bridge   *Bridge
	body     io.ReadCloser
	agentID  string
	remoteID string

	once sync.Once
}

// frameConsumer observes every decoded frame.
type frameConsumer interface {
	consume(frame sse.Frame) error
}

// forwarder copies frames to the caller byte for byte.
type forwarder struct {
	w     io.Writer
	flush func()
}

func (f *forwarder) consume(frame sse.Frame) error {
	if _, err := io.WriteString(f.w, frame.Raw); err != nil {
		return err
	}
	if f.flush != nil {
		f.flush()
	}
	return nil
}

// accumulator collects delta content and notes terminal frames.
type accumulator struct {
	text     strings.Builder
	done     bool
	upstream error
}

func (a *accumulator) consume(frame sse.Frame) error {
	ev, err := sse.ParseChatEvent(frame)
	if err != nil {
		// malformed frames are skipped
		return nil
	}
	switch ev.Type {
	case sse.TypeDelta:
		a.text.WriteString(ev.Content)
	case sse.TypeDone:
		a.done = true
	case sse.TypeError:
		if a.upstream == nil {
			a.upstream = errors.New(ev.Error)
		}
	}
	return nil
}

// outcome is the result of a stream that ended cleanly. Any error frame
// seen along the way wins over completion.
func (a *accumulator) outcome() Result {
	if a.upstream != nil {
		return Result{Outcome: OutcomeUpstreamError, Err: a.upstream}
	}
	return Result{Outcome: OutcomeCompleted}
}

// Relay streams the turn to w, calling flush after each frame, and saves
// the assistant reply when the stream ends however it ends. Relay may be
// called once; later calls report an error.
func (t *Turn) Relay(ctx context.Context, w io.Writer, flush func()) Result {
	result := Result{Err: errors.New("turn already relayed")}
	t.once.Do(func() {
		result = t.relay(ctx, w, flush)
	})
	return result
}

// Close abandons a turn that will not be relayed.
func (t *Turn) Close() error {
	var err error
	t.once.Do(func() {
		err = t.body.Close()
	})
	return err
}

func (t *Turn) relay(ctx context.Context, w io.Writer, flush func()) Result {
	defer t.body.Close()

	fwd := &forwarder{w: w, flush: flush}
	acc := &accumulator{}
	consumers := []frameConsumer{fwd, acc}

	result := t.stream(ctx, sse.NewDecoder(t.body), fwd, acc, consumers)
	result.Text = acc.text.String()

	t.finish(ctx, result)
	return result
}

func (t *Turn) stream(ctx context.Context, dec *sse.Decoder, fwd *forwarder, acc *accumulator, consumers []frameConsumer) Result {
	for {
		frame, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return acc.outcome()
			case ctx.Err() != nil:
				return Result{Outcome: OutcomeCancelled, Err: ctx.Err()}
			default:
				// A partial frame is not forwarded; the synthetic frame must start on a clean line.
				fwd.consume(sse.Frame{Raw: interruptedFrame})
				return Result{Outcome: OutcomeInterrupted, Err: fmt.Errorf("%w: %w", ErrStreamInterrupted, err)}
			}
		}

		for _, c := range consumers {
			if err := c.consume(frame); err != nil {
				return Result{Outcome: OutcomeCancelled, Err: fmt.Errorf("writing to caller: %w", err)}
			}
		}

		if acc.done {
			return acc.outcome()
		}
	}
}

// finish saves the reply and refreshes session and sandbox activity. It
// runs on a detached context so a cancelled caller still gets its partial reply saved.
func (t *Turn) finish(ctx context.Context, result Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	logger := t.bridge.logger.With("agent_id", t.agentID, "session_id", t.SessionID, "outcome", result.Outcome)

	if result.Text != "" {
		msg := &store.ChatMessage{SessionID: t.SessionID, Role: store.RoleAssistant, Content: result.Text}
		if err := t.bridge.store.AddMessage(ctx, msg); err != nil {
			logger.Error("failed to save assistant message", "error", err)
		}
		if err := t.bridge.store.TouchSession(ctx, t.SessionID, time.Now()); err != nil {
			logger.Warn("failed to touch session", "error", err)
		}
	}

	if err := t.bridge.sandboxes.Touch(ctx, t.agentID, t.remoteID); err != nil {
		logger.Debug("failed to touch sandbox", "error", err)
	}

	if result.Err != nil {
		logger.Info("turn ended early", "error", result.Err, "chars", len(result.Text))
	} else {
		logger.Debug("turn completed", "chars", len(result.Text))
	}
}
