// Package worker implements the task-handling contract shared by both
// worker transports: build a prompt from a one-time system
// preamble, optional shared-context and structured-input blocks, the
// free-form task text, and a response-format guidance block, then drive
// it through an upstream conversation (create on the first turn, turn
// thereafter).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomwork/conductor/pkg/schema"
	"github.com/loomwork/conductor/pkg/upstream"
)

// Conversations is the subset of upstream.Session a Worker drives a task
// through. Kept as an interface so tests can exercise the prompt-building
// and result contract without a real upstream subprocess.
type Conversations interface {
	CreateConversation(ctx context.Context, req upstream.TurnRequest) (*upstream.Conversation, <-chan upstream.ProgressUpdate, error)
	Turn(ctx context.Context, conversationID string, req upstream.TurnRequest) (<-chan upstream.ProgressUpdate, error)
}

// Config describes one worker's role.
type Config struct {
	Role           string
	SystemPrompt   string
	QuestionSchema []schema.Field // fields the caller may supply as structured input
	AnswerSchema   []schema.Field // fields the reply is expected to contain
	Model          string
	Session        Conversations
}

// Result is what ExecuteTask returns: the base {status, reply,
// agent_rounds_count} plus structured_reply/validation_warnings when an
// answer schema is defined and extraction succeeds.
type Result struct {
	Status             string         `json:"status"`
	Reply              string         `json:"reply"`
	AgentRoundsCount   int            `json:"agent_rounds_count"`
	StructuredReply    map[string]any `json:"structured_reply,omitempty"`
	ValidationWarnings []string       `json:"validation_warnings,omitempty"`
}

// Worker executes tasks against one upstream conversation, building its
// prompt from Config and the task-handling contract.
type Worker struct {
	cfg Config

	firstTurn    bool
	conversation *upstream.Conversation
}

// New constructs a Worker. The first ExecuteTask call creates the
// conversation; subsequent calls reuse it.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg, firstTurn: true}
}

// DeltaFunc observes each reply text fragment as it streams in from the
// upstream conversation, before the full reply is assembled.
type DeltaFunc func(delta string)

// ExecuteTask runs one task through the worker's conversation and returns
// the base result plus, when cfg.AnswerSchema is non-empty and the reply
// contains extractable JSON, the structured reply and any soft-validation
// warnings.
func (w *Worker) ExecuteTask(ctx context.Context, prompt string, taskContext map[string]any, structuredInput map[string]any) (*Result, error) {
	return w.ExecuteTaskStreaming(ctx, prompt, taskContext, structuredInput, nil)
}

// ExecuteTaskStreaming is ExecuteTask with a delta callback: onDelta is
// invoked for every reply fragment as it arrives, letting callers forward
// streaming progress (the queue worker turns these into task_progress
// messages). A nil onDelta degrades to plain ExecuteTask behaviour.
func (w *Worker) ExecuteTaskStreaming(ctx context.Context, prompt string, taskContext map[string]any, structuredInput map[string]any, onDelta DeltaFunc) (*Result, error) {
	message := w.buildPrompt(prompt, taskContext, structuredInput)

	var stream <-chan upstream.ProgressUpdate
	var err error

	if w.firstTurn {
		w.conversation, stream, err = w.cfg.Session.CreateConversation(ctx, upstream.TurnRequest{
			Message: message, Model: w.cfg.Model, AgentMode: true,
		})
		w.firstTurn = false
	} else {
		stream, err = w.cfg.Session.Turn(ctx, w.conversation.ID, upstream.TurnRequest{
			Message: message, Model: w.cfg.Model, AgentMode: true,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("worker %q: %w", w.cfg.Role, err)
	}

	var reply strings.Builder
	rounds := 0
	status := "success"
	for update := range stream {
		switch update.Kind {
		case upstream.UpdateDelta:
			reply.WriteString(update.Delta)
			if onDelta != nil {
				onDelta(update.Delta)
			}
		case upstream.UpdateAgentRound:
			rounds++
		case upstream.UpdateDone:
			if update.Err != nil {
				status = "error"
				reply.WriteString("\n" + update.Err.Error())
			}
		}
	}

	result := &Result{Status: status, Reply: reply.String(), AgentRoundsCount: rounds}

	if len(w.cfg.AnswerSchema) > 0 {
		if extracted := schema.ExtractJSON(reply.String()); extracted != nil {
			validated := schema.SoftValidate(extracted, w.cfg.AnswerSchema)
			result.StructuredReply = validated.Parsed
			result.ValidationWarnings = validated.Warnings
		}
	}

	return result, nil
}

// buildPrompt joins the prompt blocks in order: system preamble,
// shared context, structured input, the free-form task text, and the
// response-format guidance. The system preamble only appears on the first
// turn.
func (w *Worker) buildPrompt(prompt string, taskContext, structuredInput map[string]any) string {
	var parts []string

	if w.firstTurn && w.cfg.SystemPrompt != "" {
		parts = append(parts, w.cfg.SystemPrompt)
	}

	if len(taskContext) > 0 {
		if raw, err := json.Marshal(taskContext); err == nil {
			parts = append(parts, fmt.Sprintf("<shared_context>%s</shared_context>", raw))
		}
	}

	if len(w.cfg.QuestionSchema) > 0 && len(structuredInput) > 0 {
		if raw, err := json.Marshal(structuredInput); err == nil {
			parts = append(parts, fmt.Sprintf("<structured_input>%s</structured_input>", raw))
		}
	}

	parts = append(parts, prompt)

	if len(w.cfg.AnswerSchema) > 0 {
		parts = append(parts, responseFormatGuidance(w.cfg.AnswerSchema))
	}

	return strings.Join(parts, "\n\n")
}

func responseFormatGuidance(fields []schema.Field) string {
	return "Respond with a JSON object matching this schema when you have a final answer:\n" +
		schema.ToDescription(fields)
}
