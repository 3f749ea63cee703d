// ABOUTME: Embedded relay programs uploaded into every new sandbox
// ABOUTME: The Python sources live in artifacts/ and ship inside the binary

package sandbox

import (
	_ "embed"
)

// Paths inside the sandbox.
const (
	HomeDir          = "/home/user"
	RelayServerPath  = HomeDir + "/relay_server.py"
	AgentRunnerPath  = HomeDir + "/agent_runner.py"
	AgentConfigPath  = HomeDir + "/agent_config.json"
	RelayLogPath     = HomeDir + "/relay.log"
	relayProcessName = "relay_server.py"
)

//go:embed artifacts/relay_server.py
var relayServerSource string

//go:embed artifacts/agent_runner.py
var agentRunnerSource string
