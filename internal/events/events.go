// ABOUTME: Sandbox lifecycle events and the Publisher interface
// ABOUTME: Publishing is best-effort; Fanout combines several publishers

package events

import (
	"context"
	"errors"
	"time"
)

// Kind names a lifecycle transition.
type Kind string

const (
	KindProvisioned     Kind = "sandbox.provisioned"
	KindProvisionFailed Kind = "sandbox.provision_failed"
	KindStopped         Kind = "sandbox.stopped"
	KindReclaimed       Kind = "sandbox.reclaimed"
)

// Event describes one lifecycle transition of an agent's sandbox.
type Event struct {
	Kind     Kind      `json:"kind"`
	AgentID  string    `json:"agentId"`
	RemoteID string    `json:"remoteId,omitempty"`
	Host     string    `json:"host,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers lifecycle events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Fanout publishes each event to every wrapped publisher.
type Fanout []Publisher

// Publish delivers ev to all publishers and joins their errors.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers and joins their errors.
func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = Fanout(nil)
)
