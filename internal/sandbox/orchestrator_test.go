// ABOUTME: Tests for sandbox reconciliation, provisioning and teardown
// ABOUTME: Uses MockStore, FakeProvisioner and a TLS httptest relay

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/forge-gateway/internal/events"
	"github.com/2389/forge-gateway/internal/store"
)

// fakeRelay serves /health over TLS.
type fakeRelay struct {
	srv      *httptest.Server
	ready    atomic.Bool
	failNext atomic.Int32 // respond 503 to this many requests first
	hits     atomic.Int32
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{}
	fr.ready.Store(true)
	fr.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fr.hits.Add(1)
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		if fr.failNext.Load() > 0 {
			fr.failNext.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "agent_ready": fr.ready.Load()})
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeRelay) host() string {
	return fr.srv.Listener.Addr().String()
}

type harness struct {
	store *store.MockStore
	prov  *FakeProvisioner
	relay *fakeRelay
	orch  *Orchestrator
	agent *store.Agent
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	relay := newFakeRelay(t)
	s := store.NewMockStore()
	prov := NewFakeProvisioner(relay.host())

	cfg := Config{
		Port:         8080,
		Lifetime:     10 * time.Minute,
		OpenAIAPIKey: "sk-test",
		Prober: ProberConfig{
			Attempts:        3,
			Interval:        10 * time.Millisecond,
			AttemptTimeout:  time.Second,
			LivenessTimeout: time.Second,
			HTTPClient:      relay.srv.Client(),
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	agent := &store.Agent{ID: "agent-1", UserID: "user-1", Name: "Helper", Instructions: "Be brief.", Model: "gpt-4o-mini"}
	require.NoError(t, s.CreateAgent(context.Background(), agent))

	return &harness{
		store: s,
		prov:  prov,
		relay: relay,
		orch:  New(cfg, s, prov, nil, nil),
		agent: agent,
	}
}

func (h *harness) agentStatus(t *testing.T) store.AgentStatus {
	t.Helper()
	a, err := h.store.GetAgent(context.Background(), h.agent.ID)
	require.NoError(t, err)
	return a.Status
}

func (h *harness) seedSandbox(t *testing.T, remoteID string, status store.SandboxStatus) {
	t.Helper()
	require.NoError(t, h.store.UpsertSandbox(context.Background(), &store.Sandbox{
		AgentID:    h.agent.ID,
		RemoteID:   remoteID,
		Status:     status,
		Port:       8080,
		LastActive: time.Now().Add(-time.Minute),
	}))
}

func TestGetOrCreate_ProvisionsWhenNoRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tools := []*store.ToolAttachment{{AgentID: h.agent.ID, ToolName: "memory", Enabled: true}}

	handle, err := h.orch.GetOrCreate(ctx, h.agent, tools)
	require.NoError(t, err)
	assert.Equal(t, h.relay.host(), handle.Host)
	assert.Equal(t, "sbx-1", handle.Instance.ID())
	assert.Equal(t, 1, h.prov.Created())

	rec, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusRunning, rec.Status)
	assert.Equal(t, h.relay.host(), rec.Host)
	assert.Equal(t, "sbx-1", rec.RemoteID)
	assert.Equal(t, store.AgentStatusRunning, h.agentStatus(t))

	inst := h.prov.Instance("sbx-1")
	assert.Equal(t, 10*time.Minute, inst.Lifetime())
	assert.Equal(t, []string{nodeCheckCmd, pipInstallCmd, relayCheckCmd}, inst.Commands())

	require.Len(t, inst.Background(), 1)
	assert.Contains(t, inst.Background()[0], "OPENAI_API_KEY=sk-test ")
	assert.Contains(t, inst.Background()[0], "AGENT_CONFIG_PATH=/home/user/agent_config.json")
	assert.Contains(t, inst.Background()[0], "> /home/user/relay.log 2>&1")

	for _, path := range []string{RelayServerPath, AgentRunnerPath} {
		content, ok := inst.File(path)
		require.True(t, ok, path)
		assert.NotEmpty(t, content)
	}
	config, ok := inst.File(AgentConfigPath)
	require.True(t, ok)
	assert.Contains(t, config, `"name": "memory"`)
}

func TestGetOrCreate_RunningFastPathIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.NoError(t, err)
	before, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)

	second, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.NoError(t, err)

	assert.Equal(t, first.Host, second.Host)
	assert.Equal(t, first.Instance.ID(), second.Instance.ID())
	assert.Equal(t, 1, h.prov.Created(), "fast path must not create a new instance")

	after, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.False(t, after.LastActive.Before(before.LastActive))
}

func TestGetOrCreate_FastPathIgnoresAgentReady(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.Adopt("sbx-old")
	h.seedSandbox(t, "sbx-old", store.SandboxStatusRunning)
	h.relay.ready.Store(false)

	handle, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t, "sbx-old", handle.Instance.ID())
	assert.Equal(t, 0, h.prov.Created())
}

func TestGetOrCreate_RunningUnreachableReprovisions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	// The record names an instance the provider no longer knows about.
	h.seedSandbox(t, "sbx-gone", store.SandboxStatusRunning)

	handle, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t, h.relay.host(), handle.Host)
	assert.Equal(t, 1, h.prov.Created())

	rec, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", rec.RemoteID)
	assert.Equal(t, store.SandboxStatusRunning, rec.Status)
}

func TestGetOrCreate_RunningUnhealthyKillsAndReprovisions(t *testing.T) {
	h := newHarness(t, nil)
	old := h.prov.Adopt("sbx-old")
	h.seedSandbox(t, "sbx-old", store.SandboxStatusRunning)
	h.relay.failNext.Store(1)

	handle, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", handle.Instance.ID())
	assert.True(t, old.Killed())
}

func TestGetOrCreate_StartingResumes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.prov.Adopt("sbx-starting")
	h.seedSandbox(t, "sbx-starting", store.SandboxStatusStarting)

	handle, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t, "sbx-starting", handle.Instance.ID())
	assert.Equal(t, 0, h.prov.Created())

	rec, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusRunning, rec.Status)
	assert.Equal(t, h.relay.host(), rec.Host)
	assert.Equal(t, store.AgentStatusRunning, h.agentStatus(t))
}

func TestGetOrCreate_StartingNeverReadyIsReplaced(t *testing.T) {
	h := newHarness(t, nil)
	stuck := h.prov.Adopt("sbx-stuck")
	h.seedSandbox(t, "sbx-stuck", store.SandboxStatusStarting)
	// Three failed probes exhaust the resume wait, then the new sandbox is healthy.
	h.relay.failNext.Store(3)

	handle, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", handle.Instance.ID())
	assert.True(t, stuck.Killed())
}

func TestGetOrCreate_ErrorAndStoppedAreReplaced(t *testing.T) {
	for _, status := range []store.SandboxStatus{store.SandboxStatusError, store.SandboxStatusStopped, store.SandboxStatus("WEIRD")} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, nil)
			old := h.prov.Adopt("sbx-old")
			h.seedSandbox(t, "sbx-old", status)

			handle, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
			require.NoError(t, err)
			assert.Equal(t, "sbx-1", handle.Instance.ID())
			assert.True(t, old.Killed())
		})
	}
}

func TestGetOrCreate_InstallsNodeWhenMissing(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.OnRun(func(cmd string) *CommandResult {
		if cmd == nodeCheckCmd {
			return &CommandResult{ExitCode: 1}
		}
		return nil
	})

	handle, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{nodeCheckCmd, nodeInstallCmd, pipInstallCmd, relayCheckCmd},
		h.prov.Instance(handle.Instance.ID()).Commands())
}

func TestGetOrCreate_NodeInstallFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.OnRun(func(cmd string) *CommandResult {
		switch cmd {
		case nodeCheckCmd:
			return &CommandResult{ExitCode: 1}
		case nodeInstallCmd:
			return &CommandResult{ExitCode: 100, Stderr: "E: unable to locate package"}
		}
		return nil
	})

	_, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StepInstallNode, perr.Step)
	assert.Contains(t, err.Error(), "unable to locate package")
}

func TestGetOrCreate_PipFailureMarksError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.prov.OnRun(func(cmd string) *CommandResult {
		if cmd == pipInstallCmd {
			return &CommandResult{ExitCode: 1, Stdout: "Collecting openai-agents\nERROR: no matching distribution"}
		}
		return nil
	})

	_, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisioning)

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StepInstallPython, perr.Step)
	assert.Equal(t, 1, perr.ExitCode)
	assert.Contains(t, perr.Output, "no matching distribution", "stdout is used when stderr is empty")

	rec, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusError, rec.Status)
	assert.Equal(t, store.AgentStatusError, h.agentStatus(t))
	assert.True(t, h.prov.Instance("sbx-1").Killed())
}

func TestGetOrCreate_RelayNotRunningIncludesLog(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.OnRun(func(cmd string) *CommandResult {
		if cmd == relayCheckCmd {
			return &CommandResult{ExitCode: 1}
		}
		return nil
	})

	_, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StepVerifyRelay, perr.Step)
	assert.Contains(t, perr.Output, "no log file")
}

func TestGetOrCreate_HealthTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.ready.Store(false)

	_, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthTimeout)
	assert.Equal(t,
		"relay health check failed after 3 attempts at https://"+h.relay.host()+"/health",
		err.Error())
	assert.Equal(t, store.AgentStatusError, h.agentStatus(t))
	assert.True(t, h.prov.Instance("sbx-1").Killed())
}

func TestGetOrCreate_CreateFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.prov.FailCreate(errors.New("quota exceeded"))

	_, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "quota exceeded")

	_, err = h.store.GetSandbox(ctx, h.agent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetOrCreate_FailureToleratesDeletedRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.ready.Store(false)
	h.store.FailOn("UpdateSandbox", store.ErrNotFound)

	_, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	assert.ErrorIs(t, err, ErrHealthTimeout, "the provisioning error is surfaced, not the cleanup error")
	assert.Equal(t, store.AgentStatusError, h.agentStatus(t))
}

func TestGetOrCreate_SerializedPerAgent(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SerializePerAgent = true })

	var wg sync.WaitGroup
	hosts := make([]string, 5)
	errs := make([]error, 5)
	for i := range hosts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
			errs[i] = err
			if err == nil {
				hosts[i] = handle.Host
			}
		}(i)
	}
	wg.Wait()

	for i := range hosts {
		require.NoError(t, errs[i])
		assert.Equal(t, h.relay.host(), hosts[i])
	}
	assert.Equal(t, 1, h.prov.Created())
	assert.Equal(t, 0, h.orch.locks.size())
}

func TestGetOrCreate_ConcurrentProvisionAdoptsWinner(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// While this call verifies its relay, another request records its own
	// sandbox and finishes first.
	var once sync.Once
	h.prov.OnRun(func(cmd string) *CommandResult {
		if cmd == relayCheckCmd {
			once.Do(func() {
				h.prov.Adopt("sbx-other")
				h.seedSandbox(t, "sbx-other", store.SandboxStatusRunning)
				require.NoError(t, h.store.SetAgentStatus(ctx, h.agent.ID, store.AgentStatusRunning))
			})
		}
		return nil
	})

	handle, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t, "sbx-other", handle.Instance.ID())
	assert.Equal(t, h.relay.host(), handle.Host)

	assert.True(t, h.prov.Instance("sbx-1").Killed(), "the superseded instance is released")
	assert.False(t, h.prov.Instance("sbx-other").Killed())
	assert.Equal(t, 1, h.prov.Created())

	rec, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "sbx-other", rec.RemoteID)
	assert.Equal(t, store.SandboxStatusRunning, rec.Status)
	assert.Equal(t, store.AgentStatusRunning, h.agentStatus(t))
}

func TestGetOrCreate_ReplacedWhileStartingResumesWinner(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// The other request has recorded its sandbox but not yet marked it running.
	var once sync.Once
	h.prov.OnRun(func(cmd string) *CommandResult {
		if cmd == relayCheckCmd {
			once.Do(func() {
				h.prov.Adopt("sbx-other")
				h.seedSandbox(t, "sbx-other", store.SandboxStatusStarting)
			})
		}
		return nil
	})

	handle, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.NoError(t, err)
	assert.Equal(t, "sbx-other", handle.Instance.ID())

	rec, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusRunning, rec.Status)
	assert.Equal(t, h.relay.host(), rec.Host)
	assert.Equal(t, store.AgentStatusRunning, h.agentStatus(t))
	assert.True(t, h.prov.Instance("sbx-1").Killed())
}

func TestGetOrCreate_UnserializedConcurrentCallsSucceed(t *testing.T) {
	h := newHarness(t, nil)
	require.Nil(t, h.orch.locks)

	// Hold every call at the relay check until both have recorded a sandbox.
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()
	h.prov.OnRun(func(cmd string) *CommandResult {
		if cmd == relayCheckCmd {
			select {
			case <-release:
			default:
				arrived.Done()
				<-release
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	hosts := make([]string, 2)
	errs := make([]error, 2)
	for i := range hosts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
			errs[i] = err
			if err == nil {
				hosts[i] = handle.Host
			}
		}(i)
	}
	wg.Wait()

	for i := range hosts {
		require.NoError(t, errs[i])
		assert.Equal(t, h.relay.host(), hosts[i])
	}
	assert.Equal(t, 2, h.prov.Created())
	assert.Equal(t, store.AgentStatusRunning, h.agentStatus(t))

	rec, err := h.store.GetSandbox(context.Background(), h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SandboxStatusRunning, rec.Status)
	assert.False(t, h.prov.Instance(rec.RemoteID).Killed(), "the recorded sandbox stays alive")
}

func TestGetOrCreate_PublishesEvents(t *testing.T) {
	h := newHarness(t, nil)
	b := events.NewBroadcaster(nil)
	defer b.Close()
	h.orch.events = b
	ch := b.Subscribe(t.Context(), h.agent.ID)

	_, err := h.orch.GetOrCreate(context.Background(), h.agent, nil)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindProvisioned, ev.Kind)
		assert.Equal(t, "sbx-1", ev.RemoteID)
		assert.Equal(t, h.relay.host(), ev.Host)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	handle, err := h.orch.GetOrCreate(ctx, h.agent, nil)
	require.NoError(t, err)

	require.NoError(t, h.orch.Stop(ctx, h.agent.ID))
	assert.True(t, h.prov.Instance(handle.Instance.ID()).Killed())
	_, err = h.store.GetSandbox(ctx, h.agent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.AgentStatusIdle, h.agentStatus(t))
}

func TestStop_MissingAgentAndSandbox(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.orch.Stop(context.Background(), "no-such-agent"))
}

func TestStop_RecordOfDeadInstance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedSandbox(t, "sbx-gone", store.SandboxStatusRunning)

	require.NoError(t, h.orch.Stop(ctx, h.agent.ID))
	_, err := h.store.GetSandbox(ctx, h.agent.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedSandbox(t, "sbx-1", store.SandboxStatusRunning)
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time { return fixed }

	require.NoError(t, h.orch.Touch(ctx, h.agent.ID, "sbx-1"))
	rec, err := h.store.GetSandbox(ctx, h.agent.ID)
	require.NoError(t, err)
	assert.True(t, rec.LastActive.Equal(fixed))

	err = h.orch.Touch(ctx, h.agent.ID, "sbx-other")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLaunchCommandQuotesKey(t *testing.T) {
	w := NewWorkflow(8080, 0, "sk-'odd' key", nil)
	cmd := w.launchCommand()
	assert.True(t, strings.HasPrefix(cmd, "cd /home/user && OPENAI_API_KEY="))
	assert.NotContains(t, cmd, "sk-'odd' key")
	assert.Contains(t, cmd, "PORT=8080 python relay_server.py")
}
