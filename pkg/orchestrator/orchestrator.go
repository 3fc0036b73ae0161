// Package orchestrator drives the plan -> dispatch -> aggregate -> summarise
// pipeline shared by both worker transports. The dependency-
// ordered scheduler is written once against a transport-agnostic Dispatch
// function; pkg/orchestrator/mcpdispatch.go and queuedispatch.go supply the
// two concrete Dispatch implementations.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomwork/conductor/internal/metrics"
	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/upstream"
	"github.com/loomwork/conductor/pkg/worker"
)

// WorkerInfo describes one available worker for the planning prompt and for
// unknown-role reassignment.
type WorkerInfo struct {
	Role         string
	SystemPrompt string
}

// Task is one planned unit of work.
type Task struct {
	Index      int
	WorkerRole string
	Task       string
	DependsOn  []int
}

// Result is what one task produced, or "skipped" if it was never run.
// StructuredReply and Warnings are populated whenever the dispatched
// worker's answer schema extracted and soft-validated a JSON reply, empty
// otherwise.
type Result struct {
	TaskIndex       int
	WorkerRole      string
	Status          string // success, error, skipped
	Reply           string
	StructuredReply map[string]any
	Warnings        []string
}

// Outcome is the orchestrator's final answer.
type Outcome struct {
	Tasks   []Task
	Results []Result
	Summary string
}

// Dispatch runs one batch of ready tasks and returns their results keyed by
// task index. contexts carries, for each ready task, the
// result_from_{role}_task_{i} keys built from its already-completed
// dependencies. Both transports implement this the same way the scheduler
// calls it; MCP-transport spawns one concurrency unit per task and waits for
// all of them, queue-transport posts task_assign to each role's inbox and
// drains results until the whole batch is accounted for.
type Dispatch func(ctx context.Context, ready []Task, contexts map[int]map[string]any) map[int]Result

// Orchestrator composes planning, scheduling, and summarisation around one
// Dispatch implementation.
type Orchestrator struct {
	log      *slog.Logger
	conv     worker.Conversations
	model    string
	workers  []WorkerInfo
	dispatch Dispatch
	metrics  *metrics.Metrics
}

// SetMetrics attaches a Metrics instance that runSchedule reports per-task
// dispatch duration and terminal status against. A nil Orchestrator.metrics
// (the default) makes every recording call a no-op.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// Config configures an Orchestrator.
type Config struct {
	// Conversation drives the chat-only planning and summary turns.
	Conversation worker.Conversations
	Model        string
	Workers      []WorkerInfo
	Dispatch     Dispatch
	Logger       *slog.Logger
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		log:      logger.With(cfg.Logger, logger.SubsystemOrchestrator),
		conv:     cfg.Conversation,
		model:    cfg.Model,
		workers:  cfg.Workers,
		dispatch: cfg.Dispatch,
	}
}

// Run executes the full plan -> dispatch -> aggregate -> summarise pipeline
// for one goal.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*Outcome, error) {
	tasks, err := o.plan(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: plan: %w", err)
	}

	results := o.runSchedule(ctx, tasks)

	summary := o.summarise(ctx, results)

	return &Outcome{Tasks: tasks, Results: results, Summary: summary}, nil
}

// plan sends the planning prompt on a chat-only turn, extracts the task
// array, and validates/normalises it.
func (o *Orchestrator) plan(ctx context.Context, goal string) ([]Task, error) {
	if len(o.workers) == 0 {
		return nil, fmt.Errorf("orchestrator: no workers configured")
	}

	prompt := BuildPlanPrompt(o.workers, goal)

	_, stream, err := o.conv.CreateConversation(ctx, planTurnRequest(prompt, o.model))
	if err != nil {
		return nil, err
	}

	reply := collectReply(stream)
	return ParsePlan(reply, o.workers, goal), nil
}

// planTurnRequest builds a chat-only (AgentMode: false) turn; planning
// never needs tool access.
func planTurnRequest(message, model string) upstream.TurnRequest {
	return upstream.TurnRequest{Message: message, Model: model, AgentMode: false}
}

// collectReply drains a progress stream into its accumulated text delta,
// the same reply-assembly the task-handling contract uses (pkg/worker).
func collectReply(stream <-chan upstream.ProgressUpdate) string {
	var reply strings.Builder
	for update := range stream {
		if update.Kind == upstream.UpdateDelta {
			reply.WriteString(update.Delta)
		}
	}
	return reply.String()
}

// runSchedule implements the dependency-ordered scheduler. Plans are
// validated before dispatch begins: any depends_on index that is out of
// range, self-referential, or refers to a later index is rejected, and
// that task (plus
// everything transitively depending on it) is immediately reported skipped
// instead of risking a stall waiting for a dependency that can never
// complete.
func (o *Orchestrator) runSchedule(ctx context.Context, tasks []Task) []Result {
	n := len(tasks)
	results := make(map[int]Result, n)

	invalid := validateDependencies(tasks)
	for i := range invalid {
		results[i] = Result{TaskIndex: i, WorkerRole: tasks[i].WorkerRole, Status: "skipped"}
	}

	pending := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		if !invalid[i] {
			pending[i] = true
		}
	}

	for len(pending) > 0 {
		ready := readyTasks(tasks, pending, results)
		if len(ready) == 0 {
			o.log.Warn("no ready tasks but pending remains; marking remainder skipped", "remaining", len(pending))
			for i := range pending {
				results[i] = Result{TaskIndex: i, WorkerRole: tasks[i].WorkerRole, Status: "skipped"}
			}
			break
		}

		contexts := make(map[int]map[string]any, len(ready))
		for _, t := range ready {
			contexts[t.Index] = dependencyContext(t, results)
			delete(pending, t.Index)
		}

		start := time.Now()
		batch := o.dispatch(ctx, ready, contexts)
		duration := time.Since(start)
		for idx, r := range batch {
			results[idx] = r
			o.metrics.RecordTaskDispatch(r.WorkerRole, r.Status, duration)
		}
	}

	ordered := make([]Result, n)
	for i := 0; i < n; i++ {
		if r, ok := results[i]; ok {
			ordered[i] = r
		} else {
			ordered[i] = Result{TaskIndex: i, WorkerRole: tasks[i].WorkerRole, Status: "skipped"}
		}
	}
	return ordered
}

// validateDependencies marks, for each task, whether it must be skipped
// before dispatch begins: its own depends_on is malformed, or it
// transitively depends on a task that is.
func validateDependencies(tasks []Task) map[int]bool {
	n := len(tasks)
	invalid := make(map[int]bool, n)

	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep < 0 || dep >= n || dep >= i {
				invalid[i] = true
				break
			}
		}
	}

	// Propagate transitively: repeat until a fixed point, since a task's
	// own depends_on can be well-formed yet point at an already-invalid
	// earlier task.
	changed := true
	for changed {
		changed = false
		for i, t := range tasks {
			if invalid[i] {
				continue
			}
			for _, dep := range t.DependsOn {
				if invalid[dep] {
					invalid[i] = true
					changed = true
					break
				}
			}
		}
	}

	return invalid
}

func readyTasks(tasks []Task, pending map[int]bool, completed map[int]Result) []Task {
	var ready []Task
	for i := 0; i < len(tasks); i++ {
		if !pending[i] {
			continue
		}
		t := tasks[i]
		allDone := true
		for _, dep := range t.DependsOn {
			if _, ok := completed[dep]; !ok {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, t)
		}
	}
	return ready
}

func dependencyContext(t Task, completed map[int]Result) map[string]any {
	ctx := make(map[string]any, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if r, ok := completed[dep]; ok {
			ctx[fmt.Sprintf("result_from_%s_task_%d", r.WorkerRole, dep)] = r.Reply
		}
	}
	return ctx
}

// summarise joins each result's first 500 chars and asks the orchestrator
// conversation (chat-only) for a concise summary. A summarisation failure
// is caught and reported in-band rather than failing the whole run.
func (o *Orchestrator) summarise(ctx context.Context, results []Result) string {
	var joined strings.Builder
	for _, r := range results {
		snippet := r.Reply
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		joined.WriteString(fmt.Sprintf("[%s/%s] %s\n", r.WorkerRole, r.Status, snippet))
	}

	prompt := "Summarise the following task results concisely for the user:\n\n" + joined.String()

	_, stream, err := o.conv.CreateConversation(ctx, planTurnRequest(prompt, o.model))
	if err != nil {
		return fmt.Sprintf("Summary generation failed: %s", err)
	}
	return collectReply(stream)
}
