// Package mcpbridge manages conductor's own outbound connections to
// configured MCP tool servers. This is distinct from
// pkg/upstream's MCPServerConfig, which just forwards server configuration
// to the upstream coding assistant — the bridge here is the client that
// actually calls tools/list and tools/call against those servers so their
// tools can be folded into pkg/toolregistry alongside local tools.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/loomwork/conductor/pkg/logger"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "conductor"
	clientVersion   = "0.1.0"
	callToolTimeout = 120 * time.Second
)

// ServerConfig describes one MCP server to connect to over stdio.
type ServerConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Tool is one tool discovered on a server, already given its prefixed
// name (`mcp_{server}_{tool}`).
type Tool struct {
	PrefixedName string
	ServerName   string
	RawName      string
	Description  string
	InputSchema  map[string]any
}

type serverConn struct {
	name   string
	client *client.Client
	tools  map[string]Tool // rawName -> Tool
}

// Bridge owns a set of named MCP server connections and the union of their
// tools, indexed by prefixed name.
type Bridge struct {
	log *slog.Logger

	mu      sync.RWMutex
	servers map[string]*serverConn
	tools   map[string]Tool // prefixedName -> Tool
}

// New constructs an empty Bridge; call Start to connect configured servers.
func New(baseLogger *slog.Logger) *Bridge {
	return &Bridge{
		log:     logger.With(baseLogger, logger.SubsystemMCPBridge),
		servers: make(map[string]*serverConn),
		tools:   make(map[string]Tool),
	}
}

// Start connects every configured server concurrently (in the style of
// workflowagent.NewParallel's errgroup fan-out) and merges their tool
// lists. A single server failing to connect fails the whole Start call;
// callers that want partial availability should retry with a smaller
// config set.
func (b *Bridge) Start(ctx context.Context, servers map[string]ServerConfig) error {
	g, gctx := errgroup.WithContext(ctx)

	results := make([]*serverConn, len(servers))
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}

	for i, name := range names {
		i, name, cfg := i, name, servers[name]
		g.Go(func() error {
			conn, err := connectStdio(gctx, name, cfg)
			if err != nil {
				return fmt.Errorf("mcpbridge: connect %q: %w", name, err)
			}
			results[i] = conn
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range results {
		b.servers[conn.name] = conn
		for _, t := range conn.tools {
			b.tools[t.PrefixedName] = t
		}
	}
	return nil
}

func connectStdio(ctx context.Context, name string, cfg ServerConfig) (*serverConn, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	conn := &serverConn{name: name, client: c, tools: make(map[string]Tool, len(listResp.Tools))}
	for _, t := range listResp.Tools {
		conn.tools[t.Name] = Tool{
			PrefixedName: prefixedName(name, t.Name),
			ServerName:   name,
			RawName:      t.Name,
			Description:  t.Description,
			InputSchema:  sanitizeSchema(convertSchema(t.InputSchema)),
		}
	}
	return conn, nil
}

func prefixedName(server, tool string) string {
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// Tools returns the full set of bridged tools across all connected
// servers, in no particular order; each Tool carries its prefixed name.
func (b *Bridge) Tools() []Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Tool, 0, len(b.tools))
	for _, t := range b.tools {
		out = append(out, t)
	}
	return out
}

// Has reports whether prefixedName is a known bridged tool.
func (b *Bridge) Has(prefixedName string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.tools[prefixedName]
	return ok
}

// ErrUnknownTool is returned by Call for a name the bridge has no server
// for, mapped to an "unknown tool" reply by the caller.
var ErrUnknownTool = fmt.Errorf("mcpbridge: unknown tool")

// ErrTimedOut is returned by Call when a server does not answer within
// callToolTimeout, mapped to a "timed out" reply by the caller.
var ErrTimedOut = fmt.Errorf("mcpbridge: call timed out")

// Call invokes the bridged tool identified by its prefixed name and
// flattens the MCP result content into a single string: the text of each
// text item, and the JSON encoding of any other content item, joined with
// newlines.
func (b *Bridge) Call(ctx context.Context, prefixedName string, arguments map[string]any) (string, error) {
	b.mu.RLock()
	t, ok := b.tools[prefixedName]
	var conn *serverConn
	if ok {
		conn = b.servers[t.ServerName]
	}
	b.mu.RUnlock()

	if !ok || conn == nil {
		return "", ErrUnknownTool
	}

	callCtx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = t.RawName
	req.Params.Arguments = arguments

	resp, err := conn.client.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil {
			return "", ErrTimedOut
		}
		return "", fmt.Errorf("mcpbridge: call %q: %w", prefixedName, err)
	}

	return flattenContent(resp), nil
}

func flattenContent(resp *mcp.CallToolResult) string {
	var parts []string
	for _, c := range resp.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Close tears down every connected server.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, conn := range b.servers {
		if err := conn.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: close %q: %w", name, err)
		}
	}
	b.servers = make(map[string]*serverConn)
	b.tools = make(map[string]Tool)
	return firstErr
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
