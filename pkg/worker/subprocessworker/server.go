// Package subprocessworker runs a Worker as a standalone process whose
// stdin/stdout speak MCP framing, exposing execute_task/get_status/
// get_capabilities to whatever process spawned it. All
// incidental logging goes to stderr so the MCP channel on stdout stays
// clean, grounded on mcp-go's own ServeStdio convention.
package subprocessworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/schema"
	"github.com/loomwork/conductor/pkg/upstream"
	"github.com/loomwork/conductor/pkg/worker"
)

// Config configures a subprocess worker server. Name, Description, and
// ToolsEnabled only feed the agent card get_capabilities reports; the
// task-handling behaviour itself comes from WorkerConfig.
type Config struct {
	WorkerConfig worker.Config
	Name         string
	Description  string
	ToolsEnabled []string
	Session      *upstream.Session // released on shutdown
	Logger       *slog.Logger
}

// Server wraps one worker.Worker as an MCP server exposing execute_task,
// get_status, and get_capabilities.
type Server struct {
	cfg    Config
	log    *slog.Logger
	worker *worker.Worker
	mcp    *server.MCPServer

	status string
}

// New builds the MCP server and registers its three tools. Call Serve to
// run it against stdin/stdout.
func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		log:    logger.With(cfg.Logger, logger.SubsystemWorker),
		worker: worker.New(cfg.WorkerConfig),
		status: "idle",
	}

	mcpServer := server.NewMCPServer(
		fmt.Sprintf("conductor-worker-%s", cfg.WorkerConfig.Role),
		"0.1.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.mcp = mcpServer
	return s
}

func (s *Server) registerTools(mcpServer *server.MCPServer) {
	inputSchema, description := executeTaskContract(s.cfg.WorkerConfig)
	mcpServer.AddTool(mcp.Tool{
		Name:        "execute_task",
		Description: description,
		InputSchema: inputSchema,
	}, s.handleExecuteTask)

	mcpServer.AddTool(mcp.Tool{
		Name:        "get_status",
		Description: "Report this worker's current status.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleGetStatus)

	mcpServer.AddTool(mcp.Tool{
		Name:        "get_capabilities",
		Description: "Report this worker's role and schemas.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleGetCapabilities)
}

// executeTaskContract builds execute_task's input schema by merging the
// worker's question-schema fields in as additional properties, and embeds
// the answer schema's fields in the description so the driving model sees
// a typed contract for both directions.
func executeTaskContract(cfg worker.Config) (mcp.ToolInputSchema, string) {
	properties := map[string]any{
		"prompt": map[string]any{
			"type":        "string",
			"description": "the task to execute",
		},
		"context": map[string]any{
			"type":        "object",
			"description": "shared context to make available to the worker",
		},
	}
	required := []string{"prompt"}
	for _, f := range cfg.QuestionSchema {
		properties[f.Name] = map[string]any{"type": typeOrString(f.Type), "description": f.Description}
		if f.Required {
			required = append(required, f.Name)
		}
	}

	description := "Execute one task against this worker's conversation."
	if len(cfg.AnswerSchema) > 0 {
		description += "\n\n" + schema.ToDescription(cfg.AnswerSchema)
	}

	return mcp.ToolInputSchema{Type: "object", Properties: properties, Required: required}, description
}

func typeOrString(t string) string {
	if t == "" {
		return "string"
	}
	return t
}

func (s *Server) handleExecuteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.status = "busy"
	defer func() { s.status = "idle" }()

	args := req.GetArguments()
	prompt, _ := args["prompt"].(string)
	var taskContext map[string]any
	if raw, ok := args["context"].(map[string]any); ok {
		taskContext = raw
	}

	structuredInput := make(map[string]any)
	for _, f := range s.cfg.WorkerConfig.QuestionSchema {
		if v, ok := args[f.Name]; ok {
			structuredInput[f.Name] = v
		}
	}

	result, err := s.worker.ExecuteTask(ctx, prompt, taskContext, structuredInput)
	if err != nil {
		s.log.Error("execute_task failed", "error", err)
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: err.Error()}},
		}, nil
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("subprocessworker: marshal result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}}}, nil
}

func (s *Server) handleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, _ := json.Marshal(map[string]string{"status": s.status})
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}}}, nil
}

// handleGetCapabilities reports this worker's agent card: role, name,
// description, model, a summary of the system prompt, the enabled tools,
// and the question/answer schemas.
func (s *Server) handleGetCapabilities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, _ := json.Marshal(map[string]any{
		"role":                  s.cfg.WorkerConfig.Role,
		"name":                  s.cfg.Name,
		"description":           s.cfg.Description,
		"model":                 s.cfg.WorkerConfig.Model,
		"system_prompt_summary": summarize(s.cfg.WorkerConfig.SystemPrompt, 120),
		"tools_enabled":         s.cfg.ToolsEnabled,
		"question_schema":       s.cfg.WorkerConfig.QuestionSchema,
		"answer_schema":         s.cfg.WorkerConfig.AnswerSchema,
	})
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}}}, nil
}

func summarize(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Serve runs the MCP server against stdin/stdout until stdin hits EOF,
// then destroys any active conversation and releases the upstream
// session.
func (s *Server) Serve(ctx context.Context) error {
	err := server.ServeStdio(s.mcp)

	if s.cfg.Session != nil {
		s.log.Debug("shutting down: releasing upstream session")
		if closeErr := s.cfg.Session.Close(context.Background()); closeErr != nil {
			s.log.Warn("error releasing upstream session", "error", closeErr)
		}
	}
	return err
}
