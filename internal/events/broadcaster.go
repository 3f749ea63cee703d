// ABOUTME: In-memory fan-out of lifecycle events to per-agent subscribers
// ABOUTME: Backs the agent status stream so clients need not poll sandbox state

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 16

// Broadcaster is a Publisher that hands each event to every subscriber of
// the event's agent. Sends never block; slow subscribers miss events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // agentID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events about agentID. The channel is closed when
// ctx ends or the broadcaster is closed.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) <-chan Event {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan Event)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.unsubscribe(agentID, subID)
	}()

	return ch
}

// Publish delivers ev to the subscribers of ev.AgentID.
func (b *Broadcaster) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[ev.AgentID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "agent_id", ev.AgentID, "sub_id", subID, "kind", ev.Kind)
		}
	}
	return nil
}

func (b *Broadcaster) unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, agentID)
	}
	b.closed = true
	return nil
}

var _ Publisher = (*Broadcaster)(nil)
