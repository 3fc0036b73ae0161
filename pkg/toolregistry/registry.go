// Package toolregistry is the generic {name, description, inputSchema,
// handler} registry the server dispatches `conversation/invokeClientTool`
// requests against. It implements upstream.ToolInvoker so an
// upstream.Session can be configured with a *Registry directly.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomwork/conductor/internal/metrics"
	"github.com/loomwork/conductor/internal/registry"
	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/mcpbridge"
)

// outputCap is the fixed maximum length, in characters, of any tool's
// concatenated text output.
const outputCap = 4000

// TextResult is one piece of a tool handler's output. Handlers return a
// list of these; the registry wraps the list into the tuple shape the
// server expects.
type TextResult struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ToolContext is passed to every local tool handler. It exposes just
// enough of the upstream session and LSP bridge for a handler to sync
// edited files back to the server and query diagnostics/references/hover,
// without handing handlers the session itself.
type ToolContext struct {
	WorkspaceRoot string

	SyncFileToServer func(ctx context.Context, uri, languageID, text string) error
	OpenDocument     func(ctx context.Context, uri, languageID, text string) error

	LSPBridge LSPBridge
}

// LSPBridge is the subset of pkg/lspbridge.Bridge a tool handler needs.
// Kept as an interface so toolregistry never imports lspbridge's
// subprocess-management concerns, only the query surface.
type LSPBridge interface {
	Diagnostics(ctx context.Context, path, text string) []json.RawMessage
	References(ctx context.Context, path string, line, col int) []json.RawMessage
	Hover(ctx context.Context, path string, line, col int) string
}

// Handler executes a local tool against decoded input and returns its
// text results. Returning an error does not fail the whole registry; it
// is reported back to the server as a single "Error: ..." text result.
type Handler func(ctx context.Context, tc ToolContext, input json.RawMessage) ([]TextResult, error)

// Entry is one registered tool.
type Entry struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Registry is the union of local tools and bridged MCP tools, dispatched
// by name with the MCP bridge taking precedence for any name it also
// knows about.
type Registry struct {
	log *slog.Logger

	local  *registry.Map[Entry]
	bridge *mcpbridge.Bridge

	toolCtx ToolContext
	metrics *metrics.Metrics
}

// New constructs an empty Registry. bridge may be nil if no MCP servers
// are configured.
func New(baseLogger *slog.Logger, bridge *mcpbridge.Bridge, toolCtx ToolContext) *Registry {
	return &Registry{
		log:     logger.With(baseLogger, logger.SubsystemToolRegistry),
		local:   registry.New[Entry](),
		bridge:  bridge,
		toolCtx: toolCtx,
	}
}

// SetMetrics attaches a Metrics instance that InvokeTool reports call
// counts, durations, and errors against. A nil Registry.metrics (the
// default) makes every recording call a no-op.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Register adds a local tool. Names must be unique across local tools;
// colliding with a bridged MCP tool name is allowed (the bridge wins at
// dispatch time) but unusual enough to warn about.
func (r *Registry) Register(e Entry) error {
	if r.bridge != nil && r.bridge.Has(e.Name) {
		r.log.Warn("local tool name shadowed by an MCP bridge tool", "name", e.Name)
	}
	return r.local.Put(e.Name, e)
}

// Schemas returns the {name, description, inputSchema} union of every
// local and bridged tool, for RegisterTools upstream.
func (r *Registry) Schemas() []ToolSchema {
	out := make([]ToolSchema, 0, r.local.Len())
	for _, e := range r.local.Items() {
		out = append(out, ToolSchema{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema})
	}
	if r.bridge != nil {
		for _, t := range r.bridge.Tools() {
			out = append(out, ToolSchema{Name: t.PrefixedName, Description: t.Description, InputSchema: t.InputSchema})
		}
	}
	return out
}

// ToolSchema mirrors upstream.ToolSchema so callers can pass Schemas()
// straight to Session.RegisterTools without toolregistry importing
// upstream (which would create an import cycle the other way).
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// invocationResult is the first element of the two-element tuple
// `[{content, status}, null]` the server destructures as [result, error];
// wrap encodes it inside that tuple.
type invocationResult struct {
	Content []contentItem `json:"content"`
	Status  string        `json:"status"`
}

type contentItem struct {
	Value string `json:"value"`
}

// InvokeTool implements upstream.ToolInvoker. The MCP bridge is checked
// first, since a bridged tool's prefixed name always wins over a local
// tool registered under the same name.
func (r *Registry) InvokeTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	if r.bridge != nil && r.bridge.Has(name) {
		return r.invokeBridged(ctx, name, input)
	}

	entry, ok := r.local.Lookup(name)
	if !ok {
		r.metrics.RecordToolCall(name, time.Since(start), true)
		return wrap([]TextResult{{Type: "text", Value: fmt.Sprintf("Error: unknown tool %q", name)}}, "error")
	}

	results, err := r.runHandler(ctx, entry, input)
	r.metrics.RecordToolCall(name, time.Since(start), err != nil)
	if err != nil {
		return wrap([]TextResult{{Type: "text", Value: "Error: " + err.Error()}}, "error")
	}
	return wrap(results, "success")
}

// runHandler recovers from a handler panic (I/O, subprocess, JSON, value,
// or type errors surfacing as one) so a single bad tool call can never
// bring down the session.
func (r *Registry) runHandler(ctx context.Context, entry Entry, input json.RawMessage) (results []TextResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return entry.Handler(ctx, r.toolCtx, input)
}

func (r *Registry) invokeBridged(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			r.metrics.RecordToolCall(name, time.Since(start), true)
			return wrap([]TextResult{{Type: "text", Value: "Error: invalid input: " + err.Error()}}, "error")
		}
	}

	text, err := r.bridge.Call(ctx, name, args)
	r.metrics.RecordToolCall(name, time.Since(start), err != nil)
	if err != nil {
		status := "error"
		msg := err.Error()
		if err == mcpbridge.ErrUnknownTool {
			msg = "unknown tool"
		} else if err == mcpbridge.ErrTimedOut {
			msg = "timed out"
		}
		return wrap([]TextResult{{Type: "text", Value: msg}}, status)
	}
	// The bridge already concatenated the MCP content items into one
	// string, so the wrapper is applied uniformly here with a single
	// pre-flattened TextResult rather than a list of handler results.
	return wrap([]TextResult{{Type: "text", Value: text}}, "success")
}

func wrap(results []TextResult, status string) (json.RawMessage, error) {
	content := make([]contentItem, 0, len(results))
	for _, r := range results {
		content = append(content, contentItem{Value: truncate(r.Value, outputCap)})
	}
	envelope := invocationResult{Content: content, Status: status}
	raw, err := json.Marshal([]any{envelope, nil})
	if err != nil {
		return nil, fmt.Errorf("toolregistry: marshal result: %w", err)
	}
	return raw, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
