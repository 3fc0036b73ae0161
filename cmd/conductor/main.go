// Command conductor is the thin wiring entry point that loads a runtime
// and agent configuration, starts the MCP/LSP bridges they reference, runs
// one goal through a single agent or an orchestrator, and exits. Argument
// parsing itself stays minimal; this file only assembles the packages that
// make up a run.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/loomwork/conductor/internal/metrics"
	"github.com/loomwork/conductor/pkg/config"
	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/lspbridge"
	"github.com/loomwork/conductor/pkg/mcpbridge"
	"github.com/loomwork/conductor/pkg/orchestrator"
	"github.com/loomwork/conductor/pkg/sessionpool"
	"github.com/loomwork/conductor/pkg/toolregistry"
	"github.com/loomwork/conductor/pkg/upstream"
	"github.com/loomwork/conductor/pkg/worker"
	"github.com/loomwork/conductor/pkg/worker/queueworker"
)

// CLI is deliberately small: runtime config, agent config, one goal, and
// the handful of process-level knobs every conductor invocation needs.
type CLI struct {
	RuntimeConfig string `short:"r" required:"" help:"Path to the TOML runtime config." type:"path"`
	AgentConfig   string `short:"a" required:"" help:"Path to the agent or orchestrator config (JSON or TOML)." type:"path"`
	Goal          string `short:"g" required:"" help:"The goal to run."`
	MetricsAddr   string `default:":9090" help:"Address to serve Prometheus metrics on."`
	LogLevel      string `default:"info" help:"Log level (debug, info, warn, error)."`
}

func main() {
	cli := CLI{}
	kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Runs a conductor agent or orchestrator against one goal."),
	)

	if err := run(cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	level, _ := logger.ParseLevel(cli.LogLevel)
	handler := logger.NewQuietHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		slog.LevelWarn,
		"transport", "mcpbridge", "lspbridge",
	)
	log := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	rt, err := config.Load(cli.RuntimeConfig)
	if err != nil {
		return fmt.Errorf("conductor: load runtime config: %w", err)
	}

	agentCfg, err := config.LoadAgentConfig(cli.AgentConfig)
	if err != nil {
		return fmt.Errorf("conductor: load agent config: %w", err)
	}

	m := metrics.New("conductor")
	go serveMetrics(cli.MetricsAddr, m, log)

	workspace := agentCfg.WorkspaceRoot
	if workspace == "" {
		workspace = rt.Workspace
	}
	if workspace == "" {
		workspace = "."
	}

	mcpServers := mergeMCPServers(rt.MCP, agentCfg.MCPServers)
	bridge := mcpbridge.New(log)
	if stdioServers := stdioOnly(mcpServers, log); len(stdioServers) > 0 {
		if err := bridge.Start(ctx, stdioServers); err != nil {
			return fmt.Errorf("conductor: start mcp bridge: %w", err)
		}
	}
	defer bridge.Close()

	lspServers := mergeLSPServers(rt.LSP, agentCfg.LSPServers)
	lsp := lspbridge.New(lspbridge.Config{WorkspaceRoot: workspace, Servers: lspServers, Logger: log})
	defer lsp.Close()

	registry := toolregistry.New(log, bridge, toolregistry.ToolContext{WorkspaceRoot: workspace, LSPBridge: lsp})
	registry.SetMetrics(m)

	pool := sessionpool.New()
	pool.SetMetrics(m)

	defaultModel := agentCfg.Model
	if defaultModel == "" {
		defaultModel = rt.DefaultModel
	}

	startSession := func(ctx context.Context, agentMode bool) (*upstream.Session, error) {
		session, err := upstream.New(ctx, upstream.Config{
			Command:       rt.CopilotBinary,
			WorkspaceRoot: workspace,
			AgentMode:     agentMode,
			DefaultModel:  defaultModel,
			Tools:         registry,
			Proxy:         proxyFor(rt.Proxy, agentCfg.Proxy),
			MCPServers:    upstreamMCPServers(mcpServers),
			MCPBridge:     bridge,
			LSPBridge:     lsp,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		session.SetMetrics(m)
		if agentMode {
			schemas := registry.Schemas()
			upstreamSchemas := make([]upstream.ToolSchema, len(schemas))
			for i, s := range schemas {
				upstreamSchemas[i] = upstream.ToolSchema{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
			}
			if err := session.RegisterTools(ctx, upstreamSchemas); err != nil {
				return nil, fmt.Errorf("conductor: register tools: %w", err)
			}
		}
		return session, nil
	}

	if agentCfg.IsOrchestrator() {
		return runOrchestrator(ctx, cli.Goal, agentCfg, defaultModel, workspace, pool, m, log, startSession)
	}
	return runSingleAgent(ctx, cli.Goal, agentCfg, workspace, pool, startSession)
}

func runSingleAgent(ctx context.Context, goal string, agentCfg *config.AgentConfig, workspace string, pool *sessionpool.Pool, startSession func(context.Context, bool) (*upstream.Session, error)) error {
	session, err := pool.Acquire(ctx, workspace, agentCfg.AgentMode, startSession)
	if err != nil {
		return fmt.Errorf("conductor: acquire session: %w", err)
	}
	defer pool.Release(ctx, workspace)

	w := worker.New(worker.Config{
		Role:         agentCfg.Name,
		SystemPrompt: agentCfg.SystemPrompt,
		Model:        agentCfg.Model,
		Session:      session,
	})

	result, err := w.ExecuteTask(ctx, goal, nil, nil)
	if err != nil {
		return fmt.Errorf("conductor: execute task: %w", err)
	}

	fmt.Printf("status: %s\n\n%s\n", result.Status, result.Reply)
	return nil
}

func runOrchestrator(ctx context.Context, goal string, agentCfg *config.AgentConfig, model, workspace string, pool *sessionpool.Pool, m *metrics.Metrics, log *slog.Logger, startSession func(context.Context, bool) (*upstream.Session, error)) error {
	planningSession, err := pool.Acquire(ctx, workspace, false, startSession)
	if err != nil {
		return fmt.Errorf("conductor: acquire planning session: %w", err)
	}
	defer pool.Release(ctx, workspace)

	outbox := make(chan queueworker.Message, 64)
	inboxes := make(map[string]chan<- queueworker.Message, len(agentCfg.Workers))
	workerInfos := make([]orchestrator.WorkerInfo, 0, len(agentCfg.Workers))

	for _, wc := range agentCfg.Workers {
		workerWorkspace := wc.WorkspaceRoot
		if workerWorkspace == "" {
			workerWorkspace = workspace
		}
		workerSession, err := pool.Acquire(ctx, workerWorkspace, true, startSession)
		if err != nil {
			return fmt.Errorf("conductor: acquire session for worker %q: %w", wc.Role, err)
		}
		defer pool.Release(ctx, workerWorkspace)

		inbox := make(chan queueworker.Message, 16)
		inboxes[wc.Role] = inbox

		qw := queueworker.New(wc.Role, worker.Config{
			Role:           wc.Role,
			SystemPrompt:   wc.SystemPrompt,
			Model:          wc.Model,
			QuestionSchema: config.CompactFields(wc.QuestionSchema),
			AnswerSchema:   config.CompactFields(wc.AnswerSchema),
			Session:        workerSession,
		}, inbox, outbox, log)
		go qw.Run(ctx)

		workerInfos = append(workerInfos, orchestrator.WorkerInfo{Role: wc.Role, SystemPrompt: wc.SystemPrompt})
	}

	o := orchestrator.New(orchestrator.Config{
		Conversation: planningSession,
		Model:        model,
		Workers:      workerInfos,
		Dispatch:     orchestrator.NewQueueDispatch(inboxes, outbox, log),
		Logger:       log,
	})
	o.SetMetrics(m)

	outcome, err := o.Run(ctx, goal)
	if err != nil {
		return fmt.Errorf("conductor: orchestrator run: %w", err)
	}

	for _, inbox := range inboxes {
		inbox <- queueworker.Message{Kind: queueworker.KindShutdown}
	}

	fmt.Println(outcome.Summary)
	for _, r := range outcome.Results {
		fmt.Printf("[%s/%s task %d] %s\n", r.WorkerRole, r.Status, r.TaskIndex, r.Reply)
	}
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server exited", "error", err)
	}
}

func mergeMCPServers(base, overlay map[string]config.MCPServerConfig) map[string]config.MCPServerConfig {
	merged := make(map[string]config.MCPServerConfig, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func mergeLSPServers(base, overlay map[string]config.LSPServerConfig) map[string]lspbridge.ServerConfig {
	merged := make(map[string]lspbridge.ServerConfig, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = lspbridge.ServerConfig{Command: v.Command, Args: v.Args}
	}
	for k, v := range overlay {
		merged[k] = lspbridge.ServerConfig{Command: v.Command, Args: v.Args}
	}
	return merged
}

// stdioOnly drops any server configured with a URL rather than a command:
// pkg/mcpbridge only speaks to servers over stdio.
func stdioOnly(servers map[string]config.MCPServerConfig, log *slog.Logger) map[string]mcpbridge.ServerConfig {
	out := make(map[string]mcpbridge.ServerConfig, len(servers))
	for name, srv := range servers {
		if srv.Command == "" {
			log.Warn("skipping url-configured mcp server, bridge only supports stdio", "server", name)
			continue
		}
		out[name] = mcpbridge.ServerConfig{Command: srv.Command, Args: srv.Args, Env: srv.Env}
	}
	return out
}

func upstreamMCPServers(servers map[string]config.MCPServerConfig) map[string]upstream.MCPServerConfig {
	out := make(map[string]upstream.MCPServerConfig, len(servers))
	for name, srv := range servers {
		out[name] = upstream.MCPServerConfig{Command: srv.Command, Args: srv.Args, Env: srv.Env, URL: srv.URL}
	}
	return out
}

func proxyFor(runtime, agent config.ProxyConfig) *upstream.ProxyConfig {
	p := agent
	if p.URL == "" {
		p = runtime
	}
	if p.URL == "" {
		return nil
	}
	return &upstream.ProxyConfig{URL: p.URL, NoSSLVerify: p.NoSSLVerify}
}
