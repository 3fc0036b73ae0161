package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/mcpbridge"
	"github.com/loomwork/conductor/pkg/worker"
)

// NewMCPDispatch builds a Dispatch that treats every worker as a subprocess
// MCP server already connected through bridge, and calls its execute_task
// tool: one goroutine per ready task, all awaited before the batch is
// recorded. roleToServer maps a planned worker_role to the server name it was
// registered under in bridge; a role with no entry is assumed to match its
// own server name.
func NewMCPDispatch(bridge *mcpbridge.Bridge, roleToServer map[string]string, baseLogger *slog.Logger) Dispatch {
	log := logger.With(baseLogger, logger.SubsystemOrchestrator)

	return func(ctx context.Context, ready []Task, contexts map[int]map[string]any) map[int]Result {
		var mu sync.Mutex
		results := make(map[int]Result, len(ready))

		g, gctx := errgroup.WithContext(ctx)
		for _, t := range ready {
			t := t
			g.Go(func() error {
				r := callExecuteTask(gctx, bridge, roleToServer, t, contexts[t.Index], log)
				mu.Lock()
				results[t.Index] = r
				mu.Unlock()
				return nil
			})
		}
		g.Wait() // per-task errors are captured in each Result, never aborts the batch

		return results
	}
}

func callExecuteTask(ctx context.Context, bridge *mcpbridge.Bridge, roleToServer map[string]string, t Task, taskContext map[string]any, log *slog.Logger) Result {
	server, ok := roleToServer[t.WorkerRole]
	if !ok {
		server = t.WorkerRole
	}
	toolName := fmt.Sprintf("mcp_%s_execute_task", server)

	args := map[string]any{"prompt": t.Task}
	if len(taskContext) > 0 {
		args["context"] = taskContext
	}

	raw, err := bridge.Call(ctx, toolName, args)
	if err != nil {
		log.Warn("execute_task dispatch failed", "role", t.WorkerRole, "task_index", t.Index, "error", err)
		return Result{TaskIndex: t.Index, WorkerRole: t.WorkerRole, Status: "error", Reply: err.Error()}
	}

	return resultFromExecuteTaskReply(t, raw)
}

// resultFromExecuteTaskReply decodes the execute_task tool's raw text reply
// (a marshalled worker.Result, see pkg/worker/subprocessworker) into an
// orchestrator Result, threading StructuredReply/Warnings through. A reply
// that isn't the expected JSON shape is treated as plain text from a
// successful call.
func resultFromExecuteTaskReply(t Task, raw string) Result {
	var parsed worker.Result
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Result{TaskIndex: t.Index, WorkerRole: t.WorkerRole, Status: "success", Reply: raw}
	}
	return Result{
		TaskIndex:       t.Index,
		WorkerRole:      t.WorkerRole,
		Status:          parsed.Status,
		Reply:           parsed.Reply,
		StructuredReply: parsed.StructuredReply,
		Warnings:        parsed.ValidationWarnings,
	}
}
