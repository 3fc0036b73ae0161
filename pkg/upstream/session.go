// Package upstream implements the client side of the upstream coding
// assistant's LSP-framed JSON-RPC session: handshake, agent-mode
// preparation, conversation create/turn, progress collection, and
// server-initiated tool-call dispatch.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/conductor/internal/metrics"
	"github.com/loomwork/conductor/internal/registry"
	"github.com/loomwork/conductor/pkg/framing"
	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/lspbridge"
	"github.com/loomwork/conductor/pkg/mcpbridge"
	"github.com/loomwork/conductor/pkg/rpctransport"
)

// ToolInvoker executes a client-side tool on behalf of a server-initiated
// `conversation/invokeClientTool` request. pkg/toolregistry.Registry
// implements this; Session only depends on the interface so it never needs
// to import the registry package.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// ProxyConfig configures an outbound HTTP proxy the upstream server should
// route model calls through.
type ProxyConfig struct {
	URL          string `json:"url"`
	NoSSLVerify  bool   `json:"noSslVerify,omitempty"`
}

// MCPServerConfig is one entry of the upstream-side MCP server
// configuration pushed during handshake (distinct from conductor's own
// client-side pkg/mcpbridge, which the upstream server knows nothing
// about).
type MCPServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// Config configures a Session.
type Config struct {
	// Command launches the upstream language-server subprocess.
	Command string
	Args    []string
	Env     map[string]string

	EditorInfo    map[string]any
	AuthToken     string
	Capabilities  map[string]any
	WorkspaceRoot string

	Proxy      *ProxyConfig
	MCPServers map[string]MCPServerConfig

	// AgentMode, when true, registers client tools and walks the
	// workspace opening documents during Prepare.
	AgentMode bool
	// DefaultModel is a soft hint validated (not enforced) against
	// ListModels at Prepare time
	DefaultModel string

	Tools ToolInvoker

	// MCPBridge and LSPBridge are cached on the Session during agent-mode
	// preparation so tool handlers reached through ToolInvoker can be
	// handed back a live bridge rather than needing their own
	// separately-threaded reference. Both are optional.
	MCPBridge *mcpbridge.Bridge
	LSPBridge *lspbridge.Bridge

	Logger *slog.Logger
}

// Session is one upstream language-server subprocess connection.
type Session struct {
	cfg Config
	log *slog.Logger

	transport *rpctransport.Transport

	docsMu   sync.Mutex
	docs     map[string]int // uri -> last version sent

	progress *registry.Map[*progressSink]

	conversationsMu sync.Mutex
	conversations   map[string]*Conversation

	agentModeMu sync.Mutex
	agentMode   bool

	// mcpBridge and lspBridge are the handles prepareAgentMode caches
	// from Config.MCPBridge/Config.LSPBridge.
	mcpBridge *mcpbridge.Bridge
	lspBridge *lspbridge.Bridge

	metrics *metrics.Metrics
}

// MCPBridge returns the client-side MCP bridge handle cached during
// agent-mode preparation, or nil if none was configured.
func (s *Session) MCPBridge() *mcpbridge.Bridge {
	return s.mcpBridge
}

// LSPBridge returns the LSP bridge handle cached during agent-mode
// preparation, or nil if none was configured.
func (s *Session) LSPBridge() *lspbridge.Bridge {
	return s.lspBridge
}

// SetMetrics attaches a Metrics instance that collectProgress reports
// stream-drain duration against. A nil Session.metrics (the default) makes
// every recording call a no-op.
func (s *Session) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// New starts the upstream subprocess and performs the full handshake:
// initialize, initialized, setEditorInfo, proxy config, MCP server config,
// checkStatus, and, if Config.AgentMode is set, client tool registration
// and workspace document priming.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("upstream: Config.Command is required")
	}

	s := &Session{
		cfg:           cfg,
		log:           logger.With(cfg.Logger, logger.SubsystemUpstream),
		docs:          make(map[string]int),
		progress:      registry.New[*progressSink](),
		conversations: make(map[string]*Conversation),
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	transport, err := rpctransport.Start(cmd, rpctransport.Options{
		Codec:          framing.LSPCodec{},
		OnRequest:      s.handleServerRequest,
		OnNotification: s.handleNotification,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: start subprocess: %w", err)
	}
	s.transport = transport

	if err := s.handshake(ctx); err != nil {
		_ = transport.Close()
		return nil, err
	}

	if cfg.AgentMode {
		if err := s.prepareAgentMode(ctx); err != nil {
			_ = transport.Close()
			return nil, err
		}
		s.agentMode = true
	}

	return s, nil
}

// EnsureAgentMode lazily escalates a session that was started in chat mode
// to agent mode, for a pooled caller that demands it after the fact. It is
// a no-op if the session is already in agent mode.
func (s *Session) EnsureAgentMode(ctx context.Context) error {
	s.agentModeMu.Lock()
	defer s.agentModeMu.Unlock()
	if s.agentMode {
		return nil
	}
	if err := s.prepareAgentMode(ctx); err != nil {
		return err
	}
	s.agentMode = true
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	initParams := map[string]any{
		"editorInfo":    s.cfg.EditorInfo,
		"authToken":     s.cfg.AuthToken,
		"capabilities":  s.cfg.Capabilities,
		"workspaceRoot": s.cfg.WorkspaceRoot,
	}
	if _, err := s.transport.SendRequest(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("upstream: initialize: %w", err)
	}
	if err := s.transport.SendNotification("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("upstream: initialized: %w", err)
	}

	if s.cfg.EditorInfo != nil {
		if _, err := s.transport.SendRequest(ctx, "setEditorInfo", s.cfg.EditorInfo); err != nil {
			return fmt.Errorf("upstream: setEditorInfo: %w", err)
		}
	}

	if s.cfg.Proxy != nil {
		if err := s.transport.SendNotification("workspace/didChangeConfiguration", map[string]any{
			"settings": map[string]any{"proxy": s.cfg.Proxy},
		}); err != nil {
			return fmt.Errorf("upstream: proxy config: %w", err)
		}
	}

	if len(s.cfg.MCPServers) > 0 {
		if err := s.transport.SendNotification("workspace/didChangeConfiguration", map[string]any{
			"settings": map[string]any{"mcp": s.cfg.MCPServers},
		}); err != nil {
			return fmt.Errorf("upstream: mcp server config: %w", err)
		}
	}

	status, err := s.transport.SendRequest(ctx, "checkStatus", map[string]any{})
	if err != nil {
		return fmt.Errorf("upstream: checkStatus: %w", err)
	}
	s.log.Debug("checkStatus", "result", string(status))

	return nil
}

// ToolSchema is the {name, description, inputSchema} shape registered
// with the upstream server during agent-mode preparation.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// RegisterTools is called once (typically right after New, in agent mode)
// with the union of local and MCP-bridge tool schemas. Tool names must be
// unique; duplicates are rejected before the request is sent so a bad
// registration never partially lands upstream.
func (s *Session) RegisterTools(ctx context.Context, tools []ToolSchema) error {
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if seen[t.Name] {
			return fmt.Errorf("upstream: duplicate tool name %q", t.Name)
		}
		seen[t.Name] = true
	}
	_, err := s.transport.SendRequest(ctx, "conversation/registerTools", map[string]any{"tools": tools})
	if err != nil {
		return fmt.Errorf("upstream: registerTools: %w", err)
	}
	return nil
}

func (s *Session) prepareAgentMode(ctx context.Context) error {
	if s.cfg.Tools != nil {
		// Tool schemas are supplied by the caller via RegisterTools
		// separately once pkg/toolregistry has assembled the union of
		// local + MCP-bridge tools; Session itself has no schema list to
		// build here beyond the hook point.
		s.log.Debug("agent mode: tool invoker attached, awaiting explicit RegisterTools call")
	}

	s.mcpBridge = s.cfg.MCPBridge
	s.lspBridge = s.cfg.LSPBridge

	if s.cfg.WorkspaceRoot != "" {
		if err := s.openWorkspaceDocuments(ctx); err != nil {
			s.log.Warn("agent mode: workspace walk failed", "error", err)
		}
	}

	if s.cfg.DefaultModel != "" {
		s.validateDefaultModel(ctx)
	}
	return nil
}

// openWorkspaceDocuments walks Config.WorkspaceRoot and opens every
// recognised-language file as a document at version 1. A file that fails
// to read is logged and skipped; the walk itself is best-effort and never
// fails agent-mode preparation.
func (s *Session) openWorkspaceDocuments(ctx context.Context) error {
	return filepath.WalkDir(s.cfg.WorkspaceRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		languageID, ok := lspbridge.LanguageFor(path)
		if !ok {
			return nil
		}
		contents, readErr := os.ReadFile(path)
		if readErr != nil {
			s.log.Warn("agent mode: skipping unreadable workspace file", "path", path, "error", readErr)
			return nil
		}
		uri := "file://" + path
		if openErr := s.OpenDocument(ctx, uri, languageID, string(contents)); openErr != nil {
			s.log.Warn("agent mode: could not open workspace document", "uri", uri, "error", openErr)
		}
		return nil
	})
}

// validateDefaultModel checks the configured model hint against what the
// upstream server actually reports via `copilot/models`: a mismatch is
// logged, never fatal.
func (s *Session) validateDefaultModel(ctx context.Context) {
	models, err := s.ListModels(ctx)
	if err != nil {
		s.log.Warn("could not validate default model", "model", s.cfg.DefaultModel, "error", err)
		return
	}
	for _, m := range models {
		if m.ID == s.cfg.DefaultModel {
			return
		}
	}
	s.log.Warn("configured default model not advertised by upstream server",
		"model", s.cfg.DefaultModel)
}

// ModelInfo describes one model the upstream server can route to.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListModels wraps `copilot/models`.
func (s *Session) ListModels(ctx context.Context) ([]ModelInfo, error) {
	result, err := s.transport.SendRequest(ctx, "copilot/models", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("upstream: copilot/models: %w", err)
	}
	var resp struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("upstream: decode copilot/models: %w", err)
	}
	return resp.Models, nil
}

// NewWorkDoneToken mints a fresh token unique to this process; each turn
// gets its own workDoneToken.
func NewWorkDoneToken() string {
	return uuid.New().String()
}

// UpstreamMCPTools asks the upstream server which tools its own MCP
// servers (configured during handshake) currently expose. This is
// distinct from the client-side bridge's Tools: those are conductor's,
// these are the upstream process's.
func (s *Session) UpstreamMCPTools(ctx context.Context) (json.RawMessage, error) {
	result, err := s.transport.SendRequest(ctx, "mcp/getTools", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("upstream: mcp/getTools: %w", err)
	}
	return result, nil
}

// UpstreamMCPServerAction asks the upstream server to start, stop, or
// restart one of its configured MCP servers.
func (s *Session) UpstreamMCPServerAction(ctx context.Context, server, action string) error {
	_, err := s.transport.SendRequest(ctx, "mcp/serverAction", map[string]any{
		"server": server,
		"action": action,
	})
	if err != nil {
		return fmt.Errorf("upstream: mcp/serverAction %s %s: %w", server, action, err)
	}
	return nil
}

// Close destroys any open conversations, asks the server to shut down
// cleanly, and tears down the subprocess. The shutdown/exit exchange is
// best-effort: a server that has already died just falls through to the
// transport close.
func (s *Session) Close(ctx context.Context) error {
	s.conversationsMu.Lock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.conversationsMu.Unlock()

	for _, id := range ids {
		_ = s.DestroyConversation(ctx, id)
	}
	if s.transport == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.transport.SendRequest(shutdownCtx, "shutdown", map[string]any{}); err == nil {
		_ = s.transport.SendNotification("exit", map[string]any{})
	}

	return s.transport.Close()
}

// Closed reports whether the subprocess has exited.
func (s *Session) Closed() <-chan struct{} {
	return s.transport.Closed()
}

const (
	chatTotalTimeout     = 60 * time.Second
	agentTotalTimeout    = 300 * time.Second
	inactivityTimeout    = 60 * time.Second
)
