// ABOUTME: MCP tool catalog offered to agents, with optional TOML overrides
// ABOUTME: Seeds attachment command, args and env when callers leave them out

package catalog

import (
	"fmt"
	"maps"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/2389/forge-gateway/internal/store"
)

// FieldType is the input kind of a configuration field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldPassword FieldType = "password"
	FieldSelect   FieldType = "select"
	FieldBoolean  FieldType = "boolean"
)

// Option is one choice of a select field.
type Option struct {
	Label string `json:"label" toml:"label"`
	Value string `json:"value" toml:"value"`
}

// ConfigField describes one user-supplied setting of a tool.
type ConfigField struct {
	Name        string    `json:"name" toml:"name"`
	Label       string    `json:"label" toml:"label"`
	Type        FieldType `json:"type" toml:"type"`
	Required    bool      `json:"required,omitempty" toml:"required"`
	Placeholder string    `json:"placeholder,omitempty" toml:"placeholder"`
	Options     []Option  `json:"options,omitempty" toml:"options"`
	Description string    `json:"description,omitempty" toml:"description"`
}

// Tool is a catalog entry.
type Tool struct {
	Name         string            `json:"name" toml:"name"`
	DisplayName  string            `json:"displayName" toml:"display_name"`
	Description  string            `json:"description" toml:"description"`
	Category     string            `json:"category" toml:"category"`
	Command      string            `json:"command" toml:"command"`
	Args         []string          `json:"args" toml:"args"`
	ConfigSchema []ConfigField     `json:"configSchema" toml:"config_schema"`
	EnvVars      map[string]string `json:"envVars,omitempty" toml:"env_vars"`
}

// Catalog is an ordered, name-indexed set of tools. It is read-only after construction.
type Catalog struct {
	tools []Tool
	index map[string]int
}

// New returns a catalog of the built-in tools.
func New() *Catalog {
	c := &Catalog{index: make(map[string]int)}
	for _, t := range builtinTools() {
		c.put(t)
	}
	return c
}

// overrideFile is the TOML layout accepted by Load.
type overrideFile struct {
	Tools []Tool `toml:"tool"`
}

// Load returns the built-in catalog with entries from the TOML file at path
// added or replaced by name. An empty path yields the built-ins.
func Load(path string) (*Catalog, error) {
	c := New()
	if path == "" {
		return c, nil
	}

	var file overrideFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}

	for i, t := range file.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("catalog tool %d: name is required", i)
		}
		if t.Command == "" {
			return nil, fmt.Errorf("catalog tool %s: command is required", t.Name)
		}
		if t.DisplayName == "" {
			t.DisplayName = t.Name
		}
		if t.Args == nil {
			t.Args = []string{}
		}
		if t.ConfigSchema == nil {
			t.ConfigSchema = []ConfigField{}
		}
		c.put(t)
	}
	return c, nil
}

func (c *Catalog) put(t Tool) {
	if i, ok := c.index[t.Name]; ok {
		c.tools[i] = t
		return
	}
	c.index[t.Name] = len(c.tools)
	c.tools = append(c.tools, t)
}

// List returns every tool in catalog order.
func (c *Catalog) List() []Tool {
	return slices.Clone(c.tools)
}

// Lookup finds a tool by name.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	i, ok := c.index[name]
	if !ok {
		return Tool{}, false
	}
	return c.tools[i], true
}

// Defaults fills the empty parts of cfg from the named tool's entry.
// Caller-supplied env values win over the catalog's placeholders.
func (c *Catalog) Defaults(name string, cfg store.ToolConfig) store.ToolConfig {
	t, ok := c.Lookup(name)
	if !ok {
		return cfg
	}
	if cfg.Command == "" {
		cfg.Command = t.Command
	}
	if cfg.Args == nil {
		cfg.Args = slices.Clone(t.Args)
	}
	if len(t.EnvVars) > 0 {
		env := maps.Clone(t.EnvVars)
		maps.Copy(env, cfg.Env)
		cfg.Env = env
	}
	return cfg
}

func builtinTools() []Tool {
	return []Tool{
		{
			Name:        "hubspot",
			DisplayName: "HubSpot",
			Description: "Interact with HubSpot CRM: manage contacts, companies, deals and tickets through the HubSpot API.",
			Category:    "CRM",
			Command:     "npx",
			Args:        []string{"-y", "@hubspot/mcp-server"},
			ConfigSchema: []ConfigField{{
				Name:        "PRIVATE_APP_ACCESS_TOKEN",
				Label:       "Private App Access Token",
				Type:        FieldPassword,
				Required:    true,
				Placeholder: "pat-na1-...",
				Description: "HubSpot Private App access token. Create one under Settings, Integrations, Private Apps.",
			}},
			EnvVars: map[string]string{"PRIVATE_APP_ACCESS_TOKEN": ""},
		},
		{
			Name:        "filesystem",
			DisplayName: "Filesystem",
			Description: "Read, write and manage files within the sandbox workspace.",
			Category:    "System",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "/home/user/workspace"},
			ConfigSchema: []ConfigField{{
				Name:        "rootPath",
				Label:       "Root Path",
				Type:        FieldText,
				Placeholder: "/home/user/workspace",
				Description: "The root directory the agent can access",
			}},
		},
		{
			Name:        "brave-search",
			DisplayName: "Brave Search",
			Description: "Search the web using the Brave Search API so the agent can find current information.",
			Category:    "Search",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-brave-search"},
			ConfigSchema: []ConfigField{{
				Name:        "BRAVE_API_KEY",
				Label:       "Brave API Key",
				Type:        FieldPassword,
				Required:    true,
				Placeholder: "BSA...",
				Description: "Your Brave Search API key",
			}},
			EnvVars: map[string]string{"BRAVE_API_KEY": ""},
		},
		{
			Name:        "github",
			DisplayName: "GitHub",
			Description: "Work with GitHub repositories: issues, pull requests and code search.",
			Category:    "Development",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-github"},
			ConfigSchema: []ConfigField{{
				Name:        "GITHUB_PERSONAL_ACCESS_TOKEN",
				Label:       "GitHub Token",
				Type:        FieldPassword,
				Required:    true,
				Placeholder: "ghp_...",
				Description: "Personal access token with repo permissions",
			}},
			EnvVars: map[string]string{"GITHUB_PERSONAL_ACCESS_TOKEN": ""},
		},
		{
			Name:        "sqlite",
			DisplayName: "SQLite",
			Description: "Create and query SQLite databases for analysis and structured storage.",
			Category:    "Database",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-sqlite", "/home/user/data.db"},
			ConfigSchema: []ConfigField{{
				Name:        "dbPath",
				Label:       "Database Path",
				Type:        FieldText,
				Placeholder: "/home/user/data.db",
				Description: "Path to the SQLite database file",
			}},
		},
		{
			Name:         "memory",
			DisplayName:  "Memory",
			Description:  "Persistent key-value memory the agent keeps across conversations.",
			Category:     "Utility",
			Command:      "npx",
			Args:         []string{"-y", "@modelcontextprotocol/server-memory"},
			ConfigSchema: []ConfigField{},
		},
		{
			Name:        "custom",
			DisplayName: "Custom MCP Server",
			Description: "Run any MCP server by npm package or command, for servers not in the catalog.",
			Category:    "Custom",
			Command:     "npx",
			Args:        []string{"-y"},
			ConfigSchema: []ConfigField{
				{Name: "package", Label: "NPM Package", Type: FieldText, Required: true, Placeholder: "@company/mcp-server", Description: "The npm package name"},
				{Name: "extraArgs", Label: "Extra Arguments", Type: FieldText, Placeholder: "--port 3000", Description: "Additional CLI arguments (optional)"},
				{Name: "envKey1", Label: "Env Variable Name", Type: FieldText, Placeholder: "API_KEY", Description: "Environment variable name (optional)"},
				{Name: "envValue1", Label: "Env Variable Value", Type: FieldPassword, Placeholder: "sk-...", Description: "Environment variable value (optional)"},
			},
		},
	}
}
