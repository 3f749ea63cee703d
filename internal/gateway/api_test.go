// ABOUTME: Tests for the HTTP API against MockStore, FakeProvisioner and a TLS fake sandbox relay
// ABOUTME: Exercises agent CRUD, ownership, sandbox control, chat streaming, rate limits and cleanup

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/forge-gateway/internal/auth"
	"github.com/2389/forge-gateway/internal/config"
	"github.com/2389/forge-gateway/internal/sandbox"
	"github.com/2389/forge-gateway/internal/sse"
	"github.com/2389/forge-gateway/internal/store"
)

const (
	frameHi    = "data: {\"type\":\"delta\",\"content\":\"Hi\"}\n\n"
	frameThere = "data: {\"type\":\"delta\",\"content\":\" there\"}\n\n"
	frameDone  = "data: {\"type\":\"done\"}\n\n"

	testJWTSecret = "test-secret-key-for-jwt-signing-0123"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSandboxRelay plays the relay inside a sandbox: /health and /chat over TLS.
type fakeSandboxRelay struct {
	srv        *httptest.Server
	chatStatus atomic.Int32
	chats      atomic.Int32
}

func newFakeSandboxRelay(t *testing.T) *fakeSandboxRelay {
	t.Helper()
	fr := &fakeSandboxRelay{}
	fr.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(map[string]any{"status": "ok", "agent_ready": true})
		case "/chat":
			fr.chats.Add(1)
			if status := fr.chatStatus.Load(); status != 0 {
				w.WriteHeader(int(status))
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for _, frame := range []string{frameHi, frameThere, frameDone} {
				fmt.Fprint(w, frame)
				flusher.Flush()
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fr.srv.Close)
	return fr
}

func (fr *fakeSandboxRelay) host() string {
	return fr.srv.Listener.Addr().String()
}

type testEnv struct {
	cfg    *config.Config
	gw     *Gateway
	store  *store.MockStore
	prov   *sandbox.FakeProvisioner
	relay  *fakeSandboxRelay
	server *httptest.Server
}

func testAPIConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			Port:            8080,
			Lifetime:        10 * time.Minute,
			HealthAttempts:  3,
			HealthInterval:  10 * time.Millisecond,
			HealthTimeout:   time.Second,
			LivenessTimeout: time.Second,
		},
		Reaper: config.ReaperConfig{
			Interval:   time.Minute,
			StaleAfter: 30 * time.Minute,
		},
		Chat: config.ChatConfig{
			MaxMessageLength: 10000,
			RateLimit:        20,
		},
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testAPIConfig()
	if mutate != nil {
		mutate(cfg)
	}

	relay := newFakeSandboxRelay(t)
	s := store.NewMockStore()
	prov := sandbox.NewFakeProvisioner(relay.host())

	gw, err := NewWithDeps(cfg, Deps{
		Store:         s,
		Provisioner:   prov,
		SandboxClient: relay.srv.Client(),
	}, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		gw.Shutdown(context.Background())
	})

	return &testEnv{cfg: cfg, gw: gw, store: s, prov: prov, relay: relay, server: srv}
}

// do sends a request with an optional JSON body and bearer token.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			reader = strings.NewReader(s)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decodeResponse[map[string]string](t, resp)["error"]
}

func (e *testEnv) createAgent(t *testing.T, token string, req CreateAgentRequest) *AgentResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/agents", token, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeResponse[*AgentResponse](t, resp)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))

	resp = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.store.FailOn("Ping", errors.New("database is closed"))
	resp = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestListMCPTools_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.JWTSecret = testJWTSecret })

	resp := env.do(t, http.MethodGet, "/api/mcp-tools", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tools []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tools))
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "github")
	assert.Contains(t, names, "memory")
}

func TestCreateAgent_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{"invalid json", "{not json", "Invalid JSON body"},
		{"missing name", CreateAgentRequest{}, "Name is required"},
		{"long name", CreateAgentRequest{Name: strings.Repeat("n", 101)}, "Name must be 100 characters or less"},
		{"long description", CreateAgentRequest{Name: "a", Description: strings.Repeat("d", 501)}, "Description must be 500 characters or less"},
		{"long instructions", CreateAgentRequest{Name: "a", Instructions: strings.Repeat("i", 10001)}, "Instructions must be 10000 characters or less"},
		{"unknown model", CreateAgentRequest{Name: "a", Model: "gpt-2"}, "Model must be one of gpt-4o-mini, gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/agents", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.wantMsg, errorMessage(t, resp))
		})
	}

	// Limits count characters, not bytes
	resp := env.do(t, http.MethodPost, "/api/agents", "", CreateAgentRequest{Name: strings.Repeat("é", 100)})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAgentCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	created := env.createAgent(t, "", CreateAgentRequest{Name: "Scout", Instructions: "Find things."})
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, LocalUserID, created.UserID)
	assert.Equal(t, DefaultModel, created.Model)
	assert.Equal(t, store.AgentStatusIdle, created.Status)
	assert.Empty(t, created.MCPTools)
	assert.Nil(t, created.Sandbox)

	resp := env.do(t, http.MethodGet, "/api/agents", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeResponse[[]AgentResponse](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	disabled := false
	resp = env.do(t, http.MethodPatch, "/api/agents/"+created.ID, "", UpdateAgentRequest{
		Name: ptr("Scout II"),
		MCPTools: []ToolUpdate{
			{ToolName: "github", Config: &store.ToolConfig{Env: map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": "ghp_x"}}},
			{ToolName: "memory", Enabled: &disabled},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeResponse[*AgentResponse](t, resp)
	assert.Equal(t, "Scout II", updated.Name)
	assert.Equal(t, "Find things.", updated.Instructions, "absent fields are unchanged")
	require.Len(t, updated.MCPTools, 2)

	github := updated.MCPTools[0]
	assert.Equal(t, "github", github.ToolName)
	assert.True(t, github.Enabled, "enabled defaults to true")
	assert.Equal(t, "npx", github.Config.Command)
	assert.Equal(t, []string{"-y", "@modelcontextprotocol/server-github"}, github.Config.Args)
	assert.Equal(t, "ghp_x", github.Config.Env["GITHUB_PERSONAL_ACCESS_TOKEN"])
	assert.False(t, updated.MCPTools[1].Enabled)

	// Upserting the same tool replaces it rather than adding another
	resp = env.do(t, http.MethodPatch, "/api/agents/"+created.ID, "", UpdateAgentRequest{
		MCPTools: []ToolUpdate{{ToolName: "memory"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated = decodeResponse[*AgentResponse](t, resp)
	require.Len(t, updated.MCPTools, 2)
	assert.True(t, updated.MCPTools[1].Enabled)

	resp = env.do(t, http.MethodPatch, "/api/agents/"+created.ID, "", UpdateAgentRequest{Model: ptr("gpt-3")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/agents/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"success": true}, decodeResponse[map[string]bool](t, resp))

	resp = env.do(t, http.MethodGet, "/api/agents/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Agent not found", errorMessage(t, resp))
}

func ptr[T any](v T) *T { return &v }

func TestAgentOwnership(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.JWTSecret = testJWTSecret })
	verifier := auth.NewJWTVerifier([]byte(testJWTSecret))
	alice, err := verifier.Generate("alice", time.Hour)
	require.NoError(t, err)
	bob, err := verifier.Generate("bob", time.Hour)
	require.NoError(t, err)

	agent := env.createAgent(t, alice, CreateAgentRequest{Name: "Private"})
	assert.Equal(t, "alice", agent.UserID)

	resp := env.do(t, http.MethodGet, "/api/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/agents/" + agent.ID},
		{http.MethodDelete, "/api/agents/" + agent.ID},
		{http.MethodPost, "/api/agents/" + agent.ID + "/sandbox"},
		{http.MethodGet, "/api/agents/" + agent.ID + "/chat"},
	}
	for _, p := range paths {
		resp := env.do(t, p.method, p.path, bob, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, p.method+" "+p.path)
		assert.Equal(t, "Unauthorized", errorMessage(t, resp))
	}

	resp = env.do(t, http.MethodGet, "/api/agents", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeResponse[[]AgentResponse](t, resp))

	assert.Equal(t, 0, env.prov.Created(), "a foreign caller never reaches the sandbox")
}

func TestSandboxStartAndStop(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Runner"})

	resp := env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/sandbox", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "running", "host": env.relay.host()}, decodeResponse[map[string]string](t, resp))

	resp = env.do(t, http.MethodGet, "/api/agents/"+agent.ID, "", nil)
	view := decodeResponse[*AgentResponse](t, resp)
	assert.Equal(t, store.AgentStatusRunning, view.Status)
	require.NotNil(t, view.Sandbox)
	assert.Equal(t, store.SandboxStatusRunning, view.Sandbox.Status)
	assert.Equal(t, "sbx-1", view.Sandbox.SandboxID)

	// A second start reuses the running sandbox
	resp = env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/sandbox", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.prov.Created())

	resp = env.do(t, http.MethodDelete, "/api/agents/"+agent.ID+"/sandbox", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "stopped"}, decodeResponse[map[string]string](t, resp))
	assert.True(t, env.prov.Instance("sbx-1").Killed())

	resp = env.do(t, http.MethodGet, "/api/agents/"+agent.ID, "", nil)
	view = decodeResponse[*AgentResponse](t, resp)
	assert.Equal(t, store.AgentStatusIdle, view.Status)
	assert.Nil(t, view.Sandbox)
}

func TestSandboxStart_ProviderFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Runner"})
	env.prov.FailCreate(errors.New("quota exceeded"))

	resp := env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/sandbox", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "quota exceeded")
}

func TestSandboxStart_ProvisioningFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Runner"})
	env.prov.OnRun(func(cmd string) *sandbox.CommandResult {
		if strings.HasPrefix(cmd, "pip install") {
			return &sandbox.CommandResult{ExitCode: 1, Stderr: "no matching distribution"}
		}
		return nil
	})

	resp := env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/sandbox", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "no matching distribution")

	a, err := env.store.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusError, a.Status)
	assert.True(t, env.prov.Instance("sbx-1").Killed())
}

func TestDeleteAgent_StopsSandbox(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Runner"})

	resp := env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/sandbox", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/agents/"+agent.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.prov.Instance("sbx-1").Killed())
}

func TestChat_StreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Talker"})

	resp := env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/chat", "", ChatRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))
	sessionID := resp.Header.Get("X-Session-Id")
	require.NotEmpty(t, sessionID)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, frameHi+frameThere+frameDone, string(body), "relay frames pass through unchanged")

	// Continue the same session
	resp = env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/chat", "", ChatRequest{Message: "again", SessionID: sessionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, resp.Header.Get("X-Session-Id"))
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	resp = env.do(t, http.MethodGet, "/api/agents/"+agent.ID+"/chat", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decodeResponse[[]SessionResponse](t, resp)
	require.Len(t, sessions, 1)
	assert.Equal(t, "hello", sessions[0].Title)

	var transcript []string
	for _, m := range sessions[0].Messages {
		transcript = append(transcript, string(m.Role)+":"+m.Content)
	}
	assert.Equal(t, []string{"USER:hello", "ASSISTANT:Hi there", "USER:again", "ASSISTANT:Hi there"}, transcript)
	assert.Equal(t, 1, env.prov.Created())
}

func TestChat_Errors(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Chat.MaxMessageLength = 10 })
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Talker"})
	path := "/api/agents/" + agent.ID + "/chat"

	resp := env.do(t, http.MethodPost, path, "", ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "message is required", errorMessage(t, resp))

	resp = env.do(t, http.MethodPost, path, "", ChatRequest{Message: strings.Repeat("x", 11)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Message too long", errorMessage(t, resp))

	assert.Equal(t, 0, env.prov.Created(), "validation happens before any sandbox work")

	resp = env.do(t, http.MethodPost, path, "", ChatRequest{Message: "hi", SessionID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Session not found", errorMessage(t, resp))

	env.relay.chatStatus.Store(http.StatusInternalServerError)
	resp = env.do(t, http.MethodPost, path, "", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "Failed to connect to agent sandbox", errorMessage(t, resp))

	resp = env.do(t, http.MethodPost, "/api/agents/nope/chat", "", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChat_RateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Talker"})
	path := "/api/agents/" + agent.ID + "/chat"

	for i := range 20 {
		resp := env.do(t, http.MethodPost, path, "", ChatRequest{})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "request %d", i+1)
	}

	resp := env.do(t, http.MethodPost, path, "", ChatRequest{Message: "one more"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "Rate limit exceeded", errorMessage(t, resp))
	assert.Equal(t, int32(0), env.relay.chats.Load())
}

func seedStaleSandbox(t *testing.T, env *testEnv, agentID string) *sandbox.FakeInstance {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.CreateAgent(ctx, &store.Agent{ID: agentID, UserID: LocalUserID, Name: agentID, Status: store.AgentStatusRunning}))
	require.NoError(t, env.store.UpsertSandbox(ctx, &store.Sandbox{
		AgentID:    agentID,
		RemoteID:   "sbx-" + agentID,
		Status:     store.SandboxStatusRunning,
		Host:       env.relay.host(),
		Port:       8080,
		LastActive: time.Now().Add(-time.Hour),
	}))
	return env.prov.Adopt("sbx-" + agentID)
}

func TestCronCleanup(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.CronSecret = "s3cret" })
	inst := seedStaleSandbox(t, env, "idle-agent")

	resp := env.do(t, http.MethodGet, "/api/cron/cleanup", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, inst.Killed())

	resp = env.do(t, http.MethodGet, "/api/cron/cleanup", "s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":true,"reclaimed":1,"total":1}`, readBody(t, resp))
	assert.True(t, inst.Killed())

	a, err := env.store.GetAgent(context.Background(), "idle-agent")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusIdle, a.Status)

	env.store.FailOn("ListStaleSandboxes", errors.New("disk I/O error"))
	resp = env.do(t, http.MethodGet, "/api/cron/cleanup", "s3cret", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Cleanup failed", errorMessage(t, resp))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestAgentEvents_StreamsLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := env.createAgent(t, "", CreateAgentRequest{Name: "Watched"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/agents/"+agent.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	dec := sse.NewDecoder(resp.Body)
	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ": connected\n\n", first.Raw)

	start := env.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/sandbox", "", nil)
	require.Equal(t, http.StatusOK, start.StatusCode)

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "sandbox.provisioned", frame.Event)

	var ev struct {
		Kind     string `json:"kind"`
		AgentID  string `json:"agentId"`
		RemoteID string `json:"remoteId"`
		Host     string `json:"host"`
	}
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &ev))
	assert.Equal(t, agent.ID, ev.AgentID)
	assert.Equal(t, "sbx-1", ev.RemoteID)
	assert.Equal(t, env.relay.host(), ev.Host)
}
