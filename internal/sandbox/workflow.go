// ABOUTME: Provisioning steps run inside a freshly created sandbox
// ABOUTME: Installs runtimes, uploads the relay and its config, then starts and verifies it

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/2389/forge-gateway/internal/store"
)

const (
	nodeCheckCmd   = "which node && node --version && which npx 2>&1"
	nodeInstallCmd = "curl -fsSL https://deb.nodesource.com/setup_20.x | bash - && apt-get install -y nodejs 2>&1"
	pipInstallCmd  = "pip install openai-agents fastapi uvicorn 2>&1"
	relayCheckCmd  = "pgrep -f " + relayProcessName

	nodeCheckTimeout   = 10 * time.Second
	nodeInstallTimeout = 120 * time.Second
	pipInstallTimeout  = 180 * time.Second
	relayCheckTimeout  = 5 * time.Second
)

// Workflow prepares a sandbox to serve one agent.
type Workflow struct {
	port       int
	startGrace time.Duration
	openAIKey  string
	logger     *slog.Logger
}

// NewWorkflow creates a workflow. startGrace is the pause between launching
// the relay and checking its process.
func NewWorkflow(port int, startGrace time.Duration, openAIKey string, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		port:       port,
		startGrace: startGrace,
		openAIKey:  openAIKey,
		logger:     logger.With("component", "workflow"),
	}
}

// Run executes every step in order and stops at the first failure.
// Failures are *ProvisioningError values.
func (w *Workflow) Run(ctx context.Context, inst Instance, agent *store.Agent, tools []*store.ToolAttachment) error {
	logger := w.logger.With("agent_id", agent.ID, "remote_id", inst.ID())

	steps := []struct {
		name string
		fn   func(context.Context, Instance, *store.Agent, []*store.ToolAttachment) error
	}{
		{StepInstallNode, w.ensureNode},
		{StepInstallPython, w.installPython},
		{StepWriteFiles, w.writeFiles},
		{StepLaunchRelay, w.launchRelay},
		{StepVerifyRelay, w.verifyRelay},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.fn(ctx, inst, agent, tools); err != nil {
			logger.Error("provisioning step failed", "step", step.name, "error", err)
			return err
		}
		logger.Info("provisioning step done", "step", step.name, "duration", time.Since(start))
	}
	return nil
}

func (w *Workflow) ensureNode(ctx context.Context, inst Instance, _ *store.Agent, _ []*store.ToolAttachment) error {
	check, err := inst.Run(ctx, nodeCheckCmd, nodeCheckTimeout)
	if err != nil {
		return &ProvisioningError{Step: StepInstallNode, Err: err}
	}
	if check.ExitCode == 0 {
		w.logger.Debug("node present", "output", strings.TrimSpace(check.Stdout))
		return nil
	}

	w.logger.Info("installing node", "remote_id", inst.ID())
	install, err := inst.Run(ctx, nodeInstallCmd, nodeInstallTimeout)
	if err != nil {
		return &ProvisioningError{Step: StepInstallNode, Err: err}
	}
	if install.ExitCode != 0 {
		return &ProvisioningError{Step: StepInstallNode, ExitCode: install.ExitCode, Output: install.Stderr}
	}
	return nil
}

func (w *Workflow) installPython(ctx context.Context, inst Instance, _ *store.Agent, _ []*store.ToolAttachment) error {
	result, err := inst.Run(ctx, pipInstallCmd, pipInstallTimeout)
	if err != nil {
		return &ProvisioningError{Step: StepInstallPython, Err: err}
	}
	if result.ExitCode != 0 {
		return &ProvisioningError{Step: StepInstallPython, ExitCode: result.ExitCode, Output: result.Output()}
	}
	return nil
}

func (w *Workflow) writeFiles(ctx context.Context, inst Instance, agent *store.Agent, tools []*store.ToolAttachment) error {
	config, err := BuildAgentConfig(agent, tools).Marshal()
	if err != nil {
		return &ProvisioningError{Step: StepWriteFiles, Err: err}
	}

	files := []struct{ path, content string }{
		{RelayServerPath, relayServerSource},
		{AgentRunnerPath, agentRunnerSource},
		{AgentConfigPath, config},
	}
	for _, f := range files {
		if err := inst.WriteFile(ctx, f.path, f.content); err != nil {
			return &ProvisioningError{Step: StepWriteFiles, Err: fmt.Errorf("writing %s: %w", f.path, err)}
		}
	}
	w.logger.Debug("agent config written", "agent_id", agent.ID, "config", config)
	return nil
}

// launchCommand builds the detached relay start command. Secrets are shell-quoted.
func (w *Workflow) launchCommand() string {
	return fmt.Sprintf("cd %s && OPENAI_API_KEY=%s AGENT_CONFIG_PATH=%s PORT=%d python %s > %s 2>&1",
		HomeDir,
		shellquote.Join(w.openAIKey),
		AgentConfigPath,
		w.port,
		relayProcessName,
		RelayLogPath,
	)
}

func (w *Workflow) launchRelay(ctx context.Context, inst Instance, _ *store.Agent, _ []*store.ToolAttachment) error {
	if err := inst.RunBackground(ctx, w.launchCommand()); err != nil {
		return &ProvisioningError{Step: StepLaunchRelay, Err: err}
	}
	return nil
}

func (w *Workflow) verifyRelay(ctx context.Context, inst Instance, _ *store.Agent, _ []*store.ToolAttachment) error {
	if w.startGrace > 0 {
		timer := time.NewTimer(w.startGrace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ProvisioningError{Step: StepVerifyRelay, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	result, err := inst.Run(ctx, relayCheckCmd, relayCheckTimeout)
	if err == nil && result.ExitCode == 0 {
		return nil
	}

	exitCode := -1
	if result != nil {
		exitCode = result.ExitCode
	}
	relayLog, readErr := inst.ReadFile(ctx, RelayLogPath)
	if readErr != nil {
		relayLog = "no log file"
	}
	return &ProvisioningError{
		Step:     StepVerifyRelay,
		ExitCode: exitCode,
		Output:   "relay server not running, log: " + relayLog,
	}
}
