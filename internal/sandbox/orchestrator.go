// ABOUTME: Reconciles an agent's sandbox record with its remote instance
// ABOUTME: Reuses, reconnects, tears down or provisions so callers always get a reachable host

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/forge-gateway/internal/events"
	"github.com/2389/forge-gateway/internal/store"
)

const (
	// cleanupTimeout bounds best-effort teardown that must outlive the caller.
	cleanupTimeout = 15 * time.Second
	// maxSupersededRetries bounds how often GetOrCreate re-reads a record
	// replaced by a concurrent provision.
	maxSupersededRetries = 3
)

// errSuperseded means the agent's record now names another instance.
var errSuperseded = errors.New("sandbox record superseded")

// Config holds the orchestrator's lifecycle settings.
type Config struct {
	// Port is the relay port inside the sandbox.
	Port int
	// Lifetime is how long the provider keeps a new sandbox alive.
	Lifetime time.Duration
	// StartGrace is the pause between launching the relay and checking for its process.
	StartGrace time.Duration
	// OpenAIAPIKey is injected into the relay's environment.
	OpenAIAPIKey string
	// SerializePerAgent makes GetOrCreate and Stop mutually exclusive per agent.
	SerializePerAgent bool

	Prober ProberConfig
}

// Handle is a ready sandbox and the host its relay answers on.
type Handle struct {
	Instance Instance
	Host     string
}

// Orchestrator owns the sandbox lifecycle for every agent.
type Orchestrator struct {
	cfg         Config
	store       store.Store
	provisioner Provisioner
	prober      *Prober
	workflow    *Workflow
	events      events.Publisher
	locks       *keyedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an orchestrator. A nil publisher discards events; a nil logger uses the default.
func New(cfg Config, s store.Store, p Provisioner, pub events.Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	o := &Orchestrator{
		cfg:         cfg,
		store:       s,
		provisioner: p,
		prober:      NewProber(cfg.Prober, logger),
		workflow:    NewWorkflow(cfg.Port, cfg.StartGrace, cfg.OpenAIAPIKey, logger),
		events:      pub,
		logger:      logger.With("component", "orchestrator"),
		now:         time.Now,
	}
	if cfg.SerializePerAgent {
		o.locks = newKeyedMutex()
	}
	return o
}

func (o *Orchestrator) lock(agentID string) func() {
	if o.locks == nil {
		return func() {}
	}
	return o.locks.Lock(agentID)
}

// GetOrCreate returns a reachable sandbox for agent, provisioning one when
// the recorded sandbox is missing or unusable. Dead sandboxes are replaced
// silently; only a failed provision is returned as an error.
func (o *Orchestrator) GetOrCreate(ctx context.Context, agent *store.Agent, tools []*store.ToolAttachment) (*Handle, error) {
	unlock := o.lock(agent.ID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		retry := attempt < maxSupersededRetries

		rec, err := o.store.GetSandbox(ctx, agent.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec = nil
		case err != nil:
			return nil, fmt.Errorf("loading sandbox record: %w", err)
		}

		if rec != nil {
			h, superseded := o.reconcile(ctx, agent, rec)
			if h != nil {
				return h, nil
			}
			if superseded && retry {
				continue
			}
		}

		h, err := o.provision(ctx, agent, tools)
		if errors.Is(err, errSuperseded) && retry {
			continue
		}
		return h, err
	}
}

// reconcile tries to reuse rec and tears it down when that fails.
// A nil handle means the caller must provision, or re-read the record when
// superseded is set because another call replaced it meanwhile.
func (o *Orchestrator) reconcile(ctx context.Context, agent *store.Agent, rec *store.Sandbox) (h *Handle, superseded bool) {
	logger := o.logger.With("agent_id", agent.ID, "remote_id", rec.RemoteID, "status", rec.Status)

	var (
		inst Instance
		err  error
	)
	switch rec.Status {
	case store.SandboxStatusStarting:
		logger.Info("sandbox still starting, waiting for it")
		h, inst, err = o.resume(ctx, agent, rec)
	case store.SandboxStatusRunning:
		h, inst, err = o.reuse(ctx, rec)
	case store.SandboxStatusError, store.SandboxStatusStopped:
		err = fmt.Errorf("sandbox is %s", rec.Status)
	default:
		err = fmt.Errorf("unknown sandbox status %q", rec.Status)
	}
	switch {
	case err == nil:
		return h, false
	case errors.Is(err, errSuperseded):
		logger.Info("sandbox replaced by a concurrent provision")
		if inst != nil {
			o.release(ctx, inst)
		}
		return nil, true
	}

	logger.Info("discarding sandbox", "reason", err)
	o.teardown(ctx, rec, inst)
	return nil, false
}

// resume finishes the health wait for a sandbox another call was provisioning.
func (o *Orchestrator) resume(ctx context.Context, agent *store.Agent, rec *store.Sandbox) (*Handle, Instance, error) {
	inst, err := o.provisioner.Connect(ctx, rec.RemoteID)
	if err != nil {
		return nil, nil, fmt.Errorf("reconnecting: %w", err)
	}
	host := inst.Host(o.cfg.Port)
	if err := o.prober.WaitReady(ctx, host); err != nil {
		return nil, inst, err
	}
	if err := o.markRunning(ctx, agent.ID, rec.RemoteID, host); err != nil {
		return nil, inst, err
	}
	return &Handle{Instance: inst, Host: host}, inst, nil
}

// reuse is the fast path for a RUNNING sandbox: one liveness probe, no readiness wait.
func (o *Orchestrator) reuse(ctx context.Context, rec *store.Sandbox) (*Handle, Instance, error) {
	inst, err := o.provisioner.Connect(ctx, rec.RemoteID)
	if err != nil {
		return nil, nil, fmt.Errorf("reconnecting: %w", err)
	}
	host := inst.Host(o.cfg.Port)
	if err := o.prober.Alive(ctx, host); err != nil {
		return nil, inst, err
	}
	now := o.now()
	err = o.store.UpdateSandbox(ctx, rec.AgentID, rec.RemoteID, store.SandboxUpdate{LastActive: &now})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, inst, errSuperseded
	case err != nil:
		return nil, inst, fmt.Errorf("refreshing last active: %w", err)
	}
	return &Handle{Instance: inst, Host: host}, inst, nil
}

// provision creates a sandbox, records it as STARTING and runs the workflow.
// On failure the record and agent are marked ERROR and the instance is killed.
// When a concurrent provision replaced the record first, only the instance is
// killed and errSuperseded is returned.
func (o *Orchestrator) provision(ctx context.Context, agent *store.Agent, tools []*store.ToolAttachment) (*Handle, error) {
	logger := o.logger.With("agent_id", agent.ID)
	logger.Info("creating sandbox")

	inst, err := o.provisioner.Create(ctx, o.cfg.Lifetime)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	logger = logger.With("remote_id", inst.ID())
	logger.Info("sandbox created")

	rec := &store.Sandbox{
		AgentID:    agent.ID,
		RemoteID:   inst.ID(),
		Status:     store.SandboxStatusStarting,
		Port:       o.cfg.Port,
		LastActive: o.now(),
	}
	if err := o.store.UpsertSandbox(ctx, rec); err != nil {
		o.kill(ctx, inst)
		return nil, fmt.Errorf("recording sandbox: %w", err)
	}

	host, err := o.bringUp(ctx, inst, agent, tools)
	if errors.Is(err, errSuperseded) {
		logger.Info("sandbox replaced by a concurrent provision, discarding it")
		o.release(ctx, inst)
		return nil, err
	}
	if err != nil {
		logger.Error("sandbox provisioning failed", "error", err)
		o.fail(ctx, agent.ID, inst, err)
		return nil, err
	}

	logger.Info("sandbox ready", "host", host)
	o.publish(ctx, events.Event{Kind: events.KindProvisioned, AgentID: agent.ID, RemoteID: inst.ID(), Host: host})
	return &Handle{Instance: inst, Host: host}, nil
}

func (o *Orchestrator) bringUp(ctx context.Context, inst Instance, agent *store.Agent, tools []*store.ToolAttachment) (string, error) {
	if err := o.workflow.Run(ctx, inst, agent, tools); err != nil {
		return "", err
	}
	host := inst.Host(o.cfg.Port)
	o.logger.Info("waiting for relay", "agent_id", agent.ID, "url", "https://"+host+"/health")
	if err := o.prober.WaitReady(ctx, host); err != nil {
		return "", err
	}
	if err := o.markRunning(ctx, agent.ID, inst.ID(), host); err != nil {
		return "", err
	}
	return host, nil
}

func (o *Orchestrator) markRunning(ctx context.Context, agentID, remoteID, host string) error {
	status := store.SandboxStatusRunning
	now := o.now()
	update := store.SandboxUpdate{Status: &status, Host: &host, LastActive: &now}
	err := o.store.UpdateSandbox(ctx, agentID, remoteID, update)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errSuperseded
	case err != nil:
		return fmt.Errorf("marking sandbox running: %w", err)
	}
	if err := o.store.SetAgentStatus(ctx, agentID, store.AgentStatusRunning); err != nil {
		return fmt.Errorf("marking agent running: %w", err)
	}
	return nil
}

// fail records a failed provision. Records deleted concurrently are not an error.
func (o *Orchestrator) fail(ctx context.Context, agentID string, inst Instance, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	logger := o.logger.With("agent_id", agentID, "remote_id", inst.ID())

	status := store.SandboxStatusError
	if err := o.store.UpdateSandbox(ctx, agentID, inst.ID(), store.SandboxUpdate{Status: &status}); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to mark sandbox errored", "error", err)
	}
	if err := o.store.SetAgentStatus(ctx, agentID, store.AgentStatusError); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to mark agent errored", "error", err)
	}
	o.kill(ctx, inst)

	o.publish(ctx, events.Event{Kind: events.KindProvisionFailed, AgentID: agentID, RemoteID: inst.ID(), Error: cause.Error()})
}

// teardown kills the remote instance behind rec and deletes the record.
// Every step is best-effort. inst may be nil, in which case a reconnect is attempted.
func (o *Orchestrator) teardown(ctx context.Context, rec *store.Sandbox, inst Instance) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	logger := o.logger.With("agent_id", rec.AgentID, "remote_id", rec.RemoteID)

	if inst == nil {
		var err error
		inst, err = o.provisioner.Connect(ctx, rec.RemoteID)
		if err != nil {
			logger.Debug("sandbox unreachable, assuming gone", "error", err)
		}
	}
	if inst != nil {
		o.kill(ctx, inst)
	}

	if err := o.store.DeleteSandbox(ctx, rec.AgentID, rec.RemoteID); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to delete sandbox record", "error", err)
	}
}

// release kills an instance no record points at any more.
func (o *Orchestrator) release(ctx context.Context, inst Instance) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	o.kill(ctx, inst)
}

func (o *Orchestrator) kill(ctx context.Context, inst Instance) {
	if err := inst.Kill(ctx); err != nil {
		o.logger.Warn("failed to kill sandbox", "remote_id", inst.ID(), "error", err)
	}
}

// Stop tears down the agent's sandbox, if any, and returns the agent to IDLE.
// A missing agent is not an error.
func (o *Orchestrator) Stop(ctx context.Context, agentID string) error {
	unlock := o.lock(agentID)
	defer unlock()

	rec, err := o.store.GetSandbox(ctx, agentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	case err != nil:
		return fmt.Errorf("loading sandbox record: %w", err)
	}

	if rec != nil {
		o.teardown(ctx, rec, nil)
		o.publish(ctx, events.Event{Kind: events.KindStopped, AgentID: agentID, RemoteID: rec.RemoteID})
	}

	if err := o.store.SetAgentStatus(ctx, agentID, store.AgentStatusIdle); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("failed to mark agent idle", "agent_id", agentID, "error", err)
	}
	return nil
}

// Touch records activity on the agent's sandbox after a completed turn.
func (o *Orchestrator) Touch(ctx context.Context, agentID, remoteID string) error {
	now := o.now()
	if err := o.store.UpdateSandbox(ctx, agentID, remoteID, store.SandboxUpdate{LastActive: &now}); err != nil {
		return fmt.Errorf("touching sandbox: %w", err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = o.now()
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish event", "kind", ev.Kind, "agent_id", ev.AgentID, "error", err)
	}
}
