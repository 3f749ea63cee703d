// ABOUTME: Builds the agent_config.json document read by the in-sandbox runner
// ABOUTME: Only enabled tool attachments become MCP server specs

package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/2389/forge-gateway/internal/store"
)

// AgentConfig is the runner's view of an agent.
type AgentConfig struct {
	Name         string     `json:"name"`
	Instructions string     `json:"instructions"`
	Model        string     `json:"model"`
	MCPTools     []ToolSpec `json:"mcp_tools"`
}

// ToolSpec tells the runner how to start one MCP server subprocess.
type ToolSpec struct {
	Name    string            `json:"name"`
	Enabled bool              `json:"enabled"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// BuildAgentConfig derives the runner config from an agent and its attachments.
// A tool without a configured command runs as its own name.
func BuildAgentConfig(agent *store.Agent, tools []*store.ToolAttachment) AgentConfig {
	cfg := AgentConfig{
		Name:         agent.Name,
		Instructions: agent.Instructions,
		Model:        agent.Model,
		MCPTools:     make([]ToolSpec, 0, len(tools)),
	}
	for _, t := range tools {
		if !t.Enabled {
			continue
		}
		spec := ToolSpec{
			Name:    t.ToolName,
			Enabled: true,
			Command: t.Config.Command,
			Args:    t.Config.Args,
			Env:     t.Config.Env,
		}
		if spec.Command == "" {
			spec.Command = t.ToolName
		}
		if spec.Args == nil {
			spec.Args = []string{}
		}
		if spec.Env == nil {
			spec.Env = map[string]string{}
		}
		cfg.MCPTools = append(cfg.MCPTools, spec)
	}
	return cfg
}

// Marshal renders the config as 2-space indented JSON.
func (c AgentConfig) Marshal() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding agent config: %w", err)
	}
	return string(data), nil
}
