package upstream

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomwork/conductor/pkg/lspbridge"
	"github.com/loomwork/conductor/pkg/mcpbridge"
)

func TestRegisterToolsRejectsDuplicateNames(t *testing.T) {
	s := &Session{log: discardLogger()}
	err := s.RegisterTools(context.Background(), []ToolSchema{
		{Name: "read_file"},
		{Name: "read_file"},
	})
	if err == nil {
		t.Fatal("expected an error for duplicate tool names")
	}
}

func TestTurnParamsIncludesAgentModeFlagOnlyWhenSet(t *testing.T) {
	s := &Session{cfg: Config{WorkspaceRoot: "/ws"}}

	chatParams := s.turnParams("tok1", TurnRequest{Message: "hi"}, nil)
	if _, ok := chatParams["needToolCallConfirmation"]; ok {
		t.Fatal("chat-mode turn should not set needToolCallConfirmation")
	}

	agentParams := s.turnParams("tok2", TurnRequest{Message: "hi", AgentMode: true}, nil)
	if v, ok := agentParams["needToolCallConfirmation"]; !ok || v != true {
		t.Fatalf("agent-mode turn params = %+v, want needToolCallConfirmation=true", agentParams)
	}
	if agentParams["chatMode"] != "Agent" {
		t.Fatalf("chatMode = %v, want Agent", agentParams["chatMode"])
	}
}

func TestTotalTimeoutForAgentVsChat(t *testing.T) {
	s := &Session{}
	if got := s.totalTimeoutFor(false); got != chatTotalTimeout {
		t.Fatalf("chat timeout = %v, want %v", got, chatTotalTimeout)
	}
	if got := s.totalTimeoutFor(true); got != agentTotalTimeout {
		t.Fatalf("agent timeout = %v, want %v", got, agentTotalTimeout)
	}
}

// --- subprocess integration test -------------------------------------------------

// fakeUpstreamHelper re-execs this test binary as a minimal LSP-framed
// upstream server: it answers the handshake, then on
// `conversation/create` streams one delta and an end marker, and issues a
// server-initiated `conversation/invokeClientTool` request it expects the
// session to answer.
func TestFakeUpstreamHelper(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)
	runFakeUpstreamServer(os.Stdin, os.Stdout)
}

func TestSessionHandshakeConversationAndToolDispatch(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestFakeUpstreamHelper", "--")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	invoked := make(chan string, 1)
	tools := toolInvokerFunc(func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		invoked <- name
		return json.Marshal(map[string]string{"status": "success"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := newSessionWithCommand(ctx, cmd, tools)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(context.Background())

	conv, stream, err := s.CreateConversation(ctx, TurnRequest{Message: "do the thing", AgentMode: true})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected a conversation id")
	}

	var sawDelta, sawDone bool
	for u := range stream {
		switch u.Kind {
		case UpdateDelta:
			sawDelta = true
		case UpdateDone:
			sawDone = true
		}
	}
	if !sawDelta || !sawDone {
		t.Fatalf("sawDelta=%v sawDone=%v", sawDelta, sawDone)
	}

	select {
	case name := <-invoked:
		if name != "read_file" {
			t.Fatalf("invoked tool = %q, want read_file", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server-initiated tool call was never dispatched")
	}
}

// TestPrepareAgentModeOpensWorkspaceDocumentsAndCachesBridges: every
// recognised-language file under WorkspaceRoot is opened as a document at
// version 1, and the configured MCP/LSP bridge handles are cached on the
// Session.
func TestPrepareAgentModeOpensWorkspaceDocumentsAndCachesBridges(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not recognised\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "ignored.go"), []byte("package ignored\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	bridge := mcpbridge.New(discardLogger())
	lsp := lspbridge.New(lspbridge.Config{WorkspaceRoot: dir})

	s := newBareSession(Config{
		WorkspaceRoot: dir,
		MCPBridge:     bridge,
		LSPBridge:     lsp,
	})

	if err := s.prepareAgentMode(context.Background()); err != nil {
		t.Fatalf("prepareAgentMode: %v", err)
	}

	if s.MCPBridge() != bridge {
		t.Fatal("expected the configured MCP bridge handle to be cached")
	}
	if s.LSPBridge() != lsp {
		t.Fatal("expected the configured LSP bridge handle to be cached")
	}

	goURI := "file://" + filepath.Join(dir, "main.go")
	version, seen := s.DocumentVersion(goURI)
	if !seen || version != 1 {
		t.Fatalf("main.go version = (%d, %v), want (1, true)", version, seen)
	}

	mdURI := "file://" + filepath.Join(dir, "README.md")
	if _, seen := s.DocumentVersion(mdURI); seen {
		t.Fatal("README.md is not a recognised language and should not have been opened")
	}

	ignoredURI := "file://" + filepath.Join(dir, ".git", "ignored.go")
	if _, seen := s.DocumentVersion(ignoredURI); seen {
		t.Fatal("files under a dotdir should be skipped by the workspace walk")
	}
}

func TestDocumentVersionsAreMonotonicPerURI(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestFakeUpstreamHelper", "--")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := newSessionWithCommand(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(context.Background())

	uri := "file:///ws/main.go"
	if err := s.OpenDocument(ctx, uri, "go", "package main"); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	if v, _ := s.DocumentVersion(uri); v != 1 {
		t.Fatalf("version after open = %d, want 1", v)
	}

	for want := 2; want <= 4; want++ {
		if err := s.SyncFile(ctx, uri, "go", "package main // edited"); err != nil {
			t.Fatalf("SyncFile: %v", err)
		}
		if v, _ := s.DocumentVersion(uri); v != want {
			t.Fatalf("version after sync = %d, want %d", v, want)
		}
	}

	other := "file:///ws/other.go"
	if err := s.OpenDocument(ctx, other, "go", "package other"); err != nil {
		t.Fatalf("OpenDocument(other): %v", err)
	}
	if v, _ := s.DocumentVersion(other); v != 1 {
		t.Fatalf("a second URI starts at version %d, want 1", v)
	}
}

type toolInvokerFunc func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)

func (f toolInvokerFunc) InvokeTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, name, input)
}

// newSessionWithCommand is New, minus exec.CommandContext constructing its
// own *exec.Cmd, so the test can supply a helper-process command instead
// of a real upstream binary.
func newSessionWithCommand(ctx context.Context, cmd *exec.Cmd, tools ToolInvoker) (*Session, error) {
	cfg := Config{WorkspaceRoot: "/workspace", Tools: tools}
	s := newBareSession(cfg)
	return startSessionForTest(ctx, s, cmd)
}
