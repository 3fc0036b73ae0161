package toolregistry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeResult(t *testing.T, raw json.RawMessage) invocationResult {
	t.Helper()
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		t.Fatalf("invocation result %s is not a two-element tuple: %v", raw, err)
	}
	if string(pair[1]) != "null" {
		t.Fatalf("tuple error element = %s, want null", pair[1])
	}
	var out invocationResult
	if err := json.Unmarshal(pair[0], &out); err != nil {
		t.Fatalf("decode invocation result: %v", err)
	}
	return out
}

func TestInvokeToolUnknownName(t *testing.T) {
	r := New(nil, nil, ToolContext{})
	raw, err := r.InvokeTool(context.Background(), "does_not_exist", nil)
	if err != nil {
		t.Fatalf("InvokeTool returned a Go error, want envelope-wrapped: %v", err)
	}
	result := decodeResult(t, raw)
	if result.Status != "error" {
		t.Fatalf("status = %q, want error", result.Status)
	}
	if !strings.Contains(result.Content[0].Value, "unknown tool") {
		t.Fatalf("content = %+v, want an unknown-tool message", result.Content)
	}
}

func TestInvokeToolSuccess(t *testing.T) {
	r := New(nil, nil, ToolContext{WorkspaceRoot: "/ws"})
	if err := r.Register(Entry{
		Name: "echo",
		Handler: func(ctx context.Context, tc ToolContext, input json.RawMessage) ([]TextResult, error) {
			return []TextResult{{Type: "text", Value: "got: " + string(input)}}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	raw, err := r.InvokeTool(context.Background(), "echo", json.RawMessage(`"hi"`))
	if err != nil {
		t.Fatalf("InvokeTool: %v", err)
	}
	result := decodeResult(t, raw)
	if result.Status != "success" {
		t.Fatalf("status = %q, want success", result.Status)
	}
	if result.Content[0].Value != `got: "hi"` {
		t.Fatalf("content = %+v", result.Content)
	}
}

func TestInvokeToolHandlerErrorBecomesErrorEnvelope(t *testing.T) {
	r := New(nil, nil, ToolContext{})
	if err := r.Register(Entry{
		Name: "boom",
		Handler: func(ctx context.Context, tc ToolContext, input json.RawMessage) ([]TextResult, error) {
			return nil, errors.New("disk on fire")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	raw, err := r.InvokeTool(context.Background(), "boom", nil)
	if err != nil {
		t.Fatalf("InvokeTool returned a Go error: %v", err)
	}
	result := decodeResult(t, raw)
	if result.Status != "error" {
		t.Fatalf("status = %q, want error", result.Status)
	}
	if !strings.Contains(result.Content[0].Value, "disk on fire") {
		t.Fatalf("content = %+v", result.Content)
	}
}

func TestInvokeToolHandlerPanicIsRecovered(t *testing.T) {
	r := New(nil, nil, ToolContext{})
	if err := r.Register(Entry{
		Name: "panics",
		Handler: func(ctx context.Context, tc ToolContext, input json.RawMessage) ([]TextResult, error) {
			panic("kaboom")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	raw, err := r.InvokeTool(context.Background(), "panics", nil)
	if err != nil {
		t.Fatalf("InvokeTool returned a Go error: %v", err)
	}
	result := decodeResult(t, raw)
	if result.Status != "error" {
		t.Fatalf("status = %q, want error", result.Status)
	}
}

func TestOutputIsTruncatedToCap(t *testing.T) {
	r := New(nil, nil, ToolContext{})
	long := strings.Repeat("x", outputCap+500)
	if err := r.Register(Entry{
		Name: "verbose",
		Handler: func(ctx context.Context, tc ToolContext, input json.RawMessage) ([]TextResult, error) {
			return []TextResult{{Type: "text", Value: long}}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	raw, err := r.InvokeTool(context.Background(), "verbose", nil)
	if err != nil {
		t.Fatalf("InvokeTool: %v", err)
	}
	result := decodeResult(t, raw)
	if len(result.Content[0].Value) != outputCap {
		t.Fatalf("output length = %d, want %d", len(result.Content[0].Value), outputCap)
	}
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := New(nil, nil, ToolContext{})
	entry := Entry{Name: "dup", Handler: func(ctx context.Context, tc ToolContext, input json.RawMessage) ([]TextResult, error) {
		return nil, nil
	}}
	if err := r.Register(entry); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(entry); err == nil {
		t.Fatal("expected an error registering a duplicate tool name")
	}
}

func TestSchemasIncludesLocalTools(t *testing.T) {
	r := New(nil, nil, ToolContext{})
	if err := r.Register(Entry{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, tc ToolContext, input json.RawMessage) ([]TextResult, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	schemas := r.Schemas()
	if len(schemas) != 1 || schemas[0].Name != "read_file" {
		t.Fatalf("schemas = %+v", schemas)
	}
}
