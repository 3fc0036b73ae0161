// Package config decodes conductor's TOML runtime configuration and its
// JSON/TOML agent/worker documents, following the shape of
// nevindra-oasis's config.go: plain structs with `toml` tags, a Default(),
// and a Validate() that field-checks and defaults rather than panicking.
package config

import (
	"fmt"
	"sort"

	"github.com/loomwork/conductor/pkg/schema"
)

// ProxyConfig is the [proxy] section.
type ProxyConfig struct {
	URL         string `json:"url" toml:"url"`
	NoSSLVerify bool   `json:"no_ssl_verify" toml:"no_ssl_verify"`
}

// MCPServerConfig is one entry of the [mcp] section's server table.
type MCPServerConfig struct {
	Command string            `json:"command" toml:"command"`
	Args    []string          `json:"args" toml:"args"`
	Env     map[string]string `json:"env" toml:"env"`
	URL     string            `json:"url" toml:"url"`
}

// LSPServerConfig is one entry of the [lsp] section's language table.
type LSPServerConfig struct {
	Command string   `json:"command" toml:"command"`
	Args    []string `json:"args" toml:"args"`
}

// RuntimeConfig is the top-level TOML configuration file.
type RuntimeConfig struct {
	Workspace     string `toml:"workspace"`
	CopilotBinary string `toml:"copilot_binary"`
	AppsJSON      string `toml:"apps_json"`
	DefaultModel  string `toml:"default_model"`

	Proxy ProxyConfig                `toml:"proxy"`
	MCP   map[string]MCPServerConfig `toml:"mcp"`
	LSP   map[string]LSPServerConfig `toml:"lsp"`
}

// Default returns a RuntimeConfig with every optional field at its
// documented default.
func Default() RuntimeConfig {
	return RuntimeConfig{
		CopilotBinary: "copilot",
		DefaultModel:  "gpt-4o",
	}
}

// Validate field-checks a RuntimeConfig, defaulting optional fields and
// returning an error for the first problem found; later problems are not
// reported.
func (c *RuntimeConfig) Validate() error {
	if c.CopilotBinary == "" {
		c.CopilotBinary = "copilot"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-4o"
	}
	for name, srv := range c.MCP {
		if srv.Command == "" && srv.URL == "" {
			return NewError("RuntimeConfig", "Validate", fmt.Sprintf("mcp server %q needs a command or a url", name), nil)
		}
	}
	for lang, srv := range c.LSP {
		if srv.Command == "" {
			return NewError("RuntimeConfig", "Validate", fmt.Sprintf("lsp server %q needs a command", lang), nil)
		}
	}
	return nil
}

// ToolsConfig is the tools.enabled list of an AgentConfig; "__ALL__" means
// every registered tool is enabled.
type ToolsConfig struct {
	Enabled []string `json:"enabled" toml:"enabled"`
}

// HasAll reports whether the tools list is the "__ALL__" sentinel.
func (t ToolsConfig) HasAll() bool {
	return len(t.Enabled) == 1 && t.Enabled[0] == "__ALL__"
}

// FieldConfig is one compact-schema field of a worker's question or
// answer schema, keyed by field name in the enclosing map.
type FieldConfig struct {
	Type        string         `json:"type" toml:"type"`
	Description string         `json:"description" toml:"description"`
	Items       map[string]any `json:"items" toml:"items"`
	Default     any            `json:"default" toml:"default"`
	Required    bool           `json:"required" toml:"required"`
}

// WorkerConfig is one worker entry of an orchestrator AgentConfig, or a
// standalone subprocess worker's whole configuration document. Fields that
// also exist on AgentConfig (workspace root, proxy, MCP/LSP servers)
// override the orchestrator's defaults when present.
type WorkerConfig struct {
	Name         string      `json:"name" toml:"name"`
	Role         string      `json:"role" toml:"role"`
	Description  string      `json:"description" toml:"description"`
	Model        string      `json:"model" toml:"model"`
	AgentMode    bool        `json:"agent_mode" toml:"agent_mode"`
	SystemPrompt string      `json:"system_prompt" toml:"system_prompt"`
	Tools        ToolsConfig `json:"tools" toml:"tools"`

	WorkspaceRoot string                     `json:"workspace_root" toml:"workspace_root"`
	Proxy         ProxyConfig                `json:"proxy" toml:"proxy"`
	MCPServers    map[string]MCPServerConfig `json:"mcp_servers" toml:"mcp_servers"`
	LSPServers    map[string]LSPServerConfig `json:"lsp_servers" toml:"lsp_servers"`

	QuestionSchema map[string]FieldConfig `json:"question_schema" toml:"question_schema"`
	AnswerSchema   map[string]FieldConfig `json:"answer_schema" toml:"answer_schema"`
}

// Validate field-checks a standalone WorkerConfig document.
func (w *WorkerConfig) Validate() error {
	if w.Role == "" {
		return NewError("WorkerConfig", "Validate", "role cannot be empty", nil)
	}
	return nil
}

// CompactFields converts a name-keyed compact-schema map into the ordered
// field list pkg/schema works with. Names are sorted so the rendered
// schema and parameter descriptions are deterministic across runs.
func CompactFields(m map[string]FieldConfig) []schema.Field {
	if len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]schema.Field, 0, len(names))
	for _, name := range names {
		f := m[name]
		fields = append(fields, schema.Field{
			Name:        name,
			Type:        f.Type,
			Description: f.Description,
			Items:       f.Items,
			Default:     f.Default,
			Required:    f.Required,
		})
	}
	return fields
}

// AgentConfig is the agent/orchestrator configuration document. A
// non-empty Workers list distinguishes an orchestrator config from a
// single-agent config.
type AgentConfig struct {
	Name         string `json:"name" toml:"name"`
	Description  string `json:"description" toml:"description"`
	Model        string `json:"model" toml:"model"`
	AgentMode    bool   `json:"agent_mode" toml:"agent_mode"`
	SystemPrompt string `json:"system_prompt" toml:"system_prompt"`

	WorkspaceRoot string                     `json:"workspace_root" toml:"workspace_root"`
	Tools         ToolsConfig                `json:"tools" toml:"tools"`
	MCPServers    map[string]MCPServerConfig `json:"mcp_servers" toml:"mcp_servers"`
	LSPServers    map[string]LSPServerConfig `json:"lsp_servers" toml:"lsp_servers"`
	Proxy         ProxyConfig                `json:"proxy" toml:"proxy"`

	Workers []WorkerConfig `json:"workers" toml:"workers"`
}

// IsOrchestrator reports whether this document configures an orchestrator
// (non-empty Workers) rather than a single agent.
func (a AgentConfig) IsOrchestrator() bool {
	return len(a.Workers) > 0
}

// Validate field-checks an AgentConfig.
func (a *AgentConfig) Validate() error {
	if a.Name == "" {
		return NewError("AgentConfig", "Validate", "name cannot be empty", nil)
	}
	if a.Model == "" {
		return NewError("AgentConfig", "Validate", "model cannot be empty", nil)
	}
	seen := make(map[string]bool, len(a.Workers))
	for i, w := range a.Workers {
		if w.Role == "" {
			return NewError("AgentConfig", "Validate", fmt.Sprintf("worker %d: role cannot be empty", i), nil)
		}
		if seen[w.Role] {
			return NewError("AgentConfig", "Validate", fmt.Sprintf("worker %d: duplicate role %q", i, w.Role), nil)
		}
		seen[w.Role] = true
	}
	return nil
}
