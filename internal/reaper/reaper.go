// ABOUTME: Reclaims sandboxes that have been idle past the staleness window
// ABOUTME: Sweeps run on a ticker, from the cron endpoint or from the CLI

package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/forge-gateway/internal/events"
	"github.com/2389/forge-gateway/internal/lock"
	"github.com/2389/forge-gateway/internal/sandbox"
	"github.com/2389/forge-gateway/internal/store"
)

// DefaultStaleAfter is how long a RUNNING sandbox may sit unused.
const DefaultStaleAfter = 30 * time.Minute

// Result reports one sweep.
type Result struct {
	Reclaimed int `json:"reclaimed"`
	Total     int `json:"total"`
	// Skipped is set when another sweep held the lock.
	Skipped bool `json:"skipped,omitempty"`
}

// Reaper tears down stale sandboxes.
type Reaper struct {
	store       store.Store
	provisioner sandbox.Provisioner
	locker      lock.Locker
	events      events.Publisher
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a reaper. A nil locker serializes sweeps within this process only.
func New(s store.Store, p sandbox.Provisioner, locker lock.Locker, pub events.Publisher, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = &lock.Local{}
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reaper{
		store:       s,
		provisioner: p,
		locker:      locker,
		events:      pub,
		staleAfter:  staleAfter,
		logger:      logger.With("component", "reaper"),
		now:         time.Now,
	}
}

// Sweep reclaims every RUNNING sandbox idle since before now minus the
// staleness window. Failures on one sandbox are logged and do not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	release, ok, err := r.locker.TryLock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("taking sweep lock: %w", err)
	}
	if !ok {
		r.logger.Info("sweep already in progress elsewhere, skipping")
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release sweep lock", "error", err)
		}
	}()

	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.store.ListStaleSandboxes(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("listing stale sandboxes: %w", err)
	}

	result := Result{Total: len(stale)}
	for _, sb := range stale {
		if r.reclaim(ctx, sb) {
			result.Reclaimed++
		}
	}

	if result.Total > 0 {
		r.logger.Info("sweep finished", "reclaimed", result.Reclaimed, "total", result.Total)
	}
	return result, nil
}

func (r *Reaper) reclaim(ctx context.Context, sb *store.Sandbox) bool {
	logger := r.logger.With("agent_id", sb.AgentID, "remote_id", sb.RemoteID, "last_active", sb.LastActive)

	if inst, err := r.provisioner.Connect(ctx, sb.RemoteID); err != nil {
		logger.Debug("stale sandbox already gone", "error", err)
	} else if err := inst.Kill(ctx); err != nil {
		logger.Warn("failed to kill stale sandbox", "error", err)
	}

	if err := r.store.DeleteSandbox(ctx, sb.AgentID, sb.RemoteID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Debug("sandbox record changed during sweep, leaving it")
		} else {
			logger.Warn("failed to delete stale sandbox record", "error", err)
		}
		return false
	}

	if err := r.store.SetAgentStatus(ctx, sb.AgentID, store.AgentStatusIdle); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to mark agent idle", "error", err)
	}

	if err := r.events.Publish(ctx, events.Event{
		Kind:     events.KindReclaimed,
		AgentID:  sb.AgentID,
		RemoteID: sb.RemoteID,
		At:       r.now(),
	}); err != nil {
		logger.Warn("failed to publish event", "error", err)
	}

	logger.Info("reclaimed stale sandbox")
	return true
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", interval, "stale_after", r.staleAfter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
