// Command conductor-worker runs one role-specialised worker as a
// standalone MCP server over stdin/stdout, for orchestrators using the
// subprocess transport. It is spawned with a worker configuration document
// on argv, serves execute_task/get_status/get_capabilities until stdin
// closes, then releases its upstream session and exits.
//
// All incidental output goes to stderr; stdout carries only the MCP
// protocol channel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/loomwork/conductor/pkg/config"
	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/lspbridge"
	"github.com/loomwork/conductor/pkg/mcpbridge"
	"github.com/loomwork/conductor/pkg/toolregistry"
	"github.com/loomwork/conductor/pkg/upstream"
	"github.com/loomwork/conductor/pkg/worker"
	"github.com/loomwork/conductor/pkg/worker/subprocessworker"
)

type CLI struct {
	RuntimeConfig string `short:"r" required:"" help:"Path to the TOML runtime config." type:"path"`
	WorkerConfig  string `short:"w" required:"" help:"Path to the worker config (JSON or TOML)." type:"path"`
	LogLevel      string `default:"warn" help:"Log level (debug, info, warn, error)."`
}

func main() {
	cli := CLI{}
	kong.Parse(&cli,
		kong.Name("conductor-worker"),
		kong.Description("Serves one conductor worker as an MCP server on stdin/stdout."),
	)

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	level, _ := logger.ParseLevel(cli.LogLevel)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := config.Load(cli.RuntimeConfig)
	if err != nil {
		return fmt.Errorf("conductor-worker: load runtime config: %w", err)
	}

	wc, err := config.LoadWorkerConfig(cli.WorkerConfig)
	if err != nil {
		return fmt.Errorf("conductor-worker: load worker config: %w", err)
	}

	workspace := wc.WorkspaceRoot
	if workspace == "" {
		workspace = rt.Workspace
	}
	if workspace == "" {
		workspace = "."
	}

	bridge := mcpbridge.New(log)
	if servers := bridgeServers(wc.MCPServers); len(servers) > 0 {
		if err := bridge.Start(ctx, servers); err != nil {
			return fmt.Errorf("conductor-worker: start mcp bridge: %w", err)
		}
	}
	defer bridge.Close()

	lsp := lspbridge.New(lspbridge.Config{
		WorkspaceRoot: workspace,
		Servers:       lspServers(rt.LSP, wc.LSPServers),
		Logger:        log,
	})
	defer lsp.Close()

	registry := toolregistry.New(log, bridge, toolregistry.ToolContext{WorkspaceRoot: workspace, LSPBridge: lsp})

	model := wc.Model
	if model == "" {
		model = rt.DefaultModel
	}

	session, err := upstream.New(ctx, upstream.Config{
		Command:       rt.CopilotBinary,
		WorkspaceRoot: workspace,
		AgentMode:     wc.AgentMode,
		DefaultModel:  model,
		Tools:         registry,
		Proxy:         proxyFor(rt.Proxy, wc.Proxy),
		MCPBridge:     bridge,
		LSPBridge:     lsp,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("conductor-worker: start upstream session: %w", err)
	}
	if wc.AgentMode {
		schemas := registry.Schemas()
		upstreamSchemas := make([]upstream.ToolSchema, len(schemas))
		for i, s := range schemas {
			upstreamSchemas[i] = upstream.ToolSchema{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
		}
		if err := session.RegisterTools(ctx, upstreamSchemas); err != nil {
			_ = session.Close(context.Background())
			return fmt.Errorf("conductor-worker: register tools: %w", err)
		}
	}

	srv := subprocessworker.New(subprocessworker.Config{
		WorkerConfig: worker.Config{
			Role:           wc.Role,
			SystemPrompt:   wc.SystemPrompt,
			Model:          model,
			QuestionSchema: config.CompactFields(wc.QuestionSchema),
			AnswerSchema:   config.CompactFields(wc.AnswerSchema),
			Session:        session,
		},
		Name:         wc.Name,
		Description:  wc.Description,
		ToolsEnabled: wc.Tools.Enabled,
		Session:      session,
		Logger:       log,
	})

	return srv.Serve(ctx)
}

func bridgeServers(servers map[string]config.MCPServerConfig) map[string]mcpbridge.ServerConfig {
	out := make(map[string]mcpbridge.ServerConfig, len(servers))
	for name, srv := range servers {
		if srv.Command == "" {
			continue
		}
		out[name] = mcpbridge.ServerConfig{Command: srv.Command, Args: srv.Args, Env: srv.Env}
	}
	return out
}

func lspServers(base, overlay map[string]config.LSPServerConfig) map[string]lspbridge.ServerConfig {
	merged := make(map[string]lspbridge.ServerConfig, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = lspbridge.ServerConfig{Command: v.Command, Args: v.Args}
	}
	for k, v := range overlay {
		merged[k] = lspbridge.ServerConfig{Command: v.Command, Args: v.Args}
	}
	return merged
}

func proxyFor(runtime, workerProxy config.ProxyConfig) *upstream.ProxyConfig {
	p := workerProxy
	if p.URL == "" {
		p = runtime
	}
	if p.URL == "" {
		return nil
	}
	return &upstream.ProxyConfig{URL: p.URL, NoSSLVerify: p.NoSSLVerify}
}
