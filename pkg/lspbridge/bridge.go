// Package lspbridge maintains a lazy, per-language-id set of LSP server
// subprocesses and answers diagnostics/references/hover/symbol queries
// against them. Every public method degrades to a sentinel
// value rather than an error when no server is available, since the bridge
// is an optional enrichment, not a dependency the rest of the runtime can
// block on.
package lspbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/loomwork/conductor/pkg/framing"
	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/rpctransport"
)

// extensionToLanguage maps a file extension to its LSP language id.
var extensionToLanguage = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascriptreact",
	".ts":   "typescript",
	".tsx":  "typescriptreact",
	".rs":   "rust",
	".rb":   "ruby",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".cs":   "csharp",
}

// LanguageFor returns the language id for path's extension, and whether it
// is recognised.
func LanguageFor(path string) (string, bool) {
	lang, ok := extensionToLanguage[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// ServerConfig overrides the built-in default command for a language.
type ServerConfig struct {
	Command string
	Args    []string
}

// Config configures a Bridge.
type Config struct {
	WorkspaceRoot string
	// Servers overrides the built-in default command per language id.
	Servers map[string]ServerConfig
	Logger  *slog.Logger
}

type langServer struct {
	transport *rpctransport.Transport

	diagMu sync.Mutex
	diags  map[string][]json.RawMessage // uri -> accumulated diagnostics

	docsMu sync.Mutex
	docs   map[string]int // uri -> version
}

// Bridge is a lazy per-language-id map of LSP server connections.
type Bridge struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	servers map[string]*langServer
}

// New constructs an empty Bridge. Servers are started lazily on first use.
func New(cfg Config) *Bridge {
	return &Bridge{
		cfg:     cfg,
		log:     logger.With(cfg.Logger, logger.SubsystemLSPBridge),
		servers: make(map[string]*langServer),
	}
}

// defaultCommand returns the built-in default LSP server command for a
// language id, or ("", false) if conductor has no opinion for it.
func defaultCommand(language string) (string, []string, bool) {
	switch language {
	case "go":
		return "gopls", nil, true
	case "python":
		return "pylsp", nil, true
	case "typescript", "typescriptreact", "javascript", "javascriptreact":
		return "typescript-language-server", []string{"--stdio"}, true
	case "rust":
		return "rust-analyzer", nil, true
	default:
		return "", nil, false
	}
}

// getOrStart returns the cached server for language, spawning and
// initialising one if this is the first request for that language. It
// returns (nil, false) if no command is configured or available, which
// callers treat as "no server" rather than an error.
func (b *Bridge) getOrStart(ctx context.Context, language string) (*langServer, bool) {
	b.mu.Lock()
	if s, ok := b.servers[language]; ok {
		b.mu.Unlock()
		return s, true
	}
	b.mu.Unlock()

	command, args, ok := "", []string(nil), false
	if override, has := b.cfg.Servers[language]; has {
		command, args, ok = override.Command, override.Args, override.Command != ""
	}
	if !ok {
		command, args, ok = defaultCommand(language)
	}
	if !ok {
		return nil, false
	}
	if _, err := exec.LookPath(command); err != nil {
		b.log.Debug("lsp command not on PATH", "language", language, "command", command)
		return nil, false
	}

	s, err := b.start(ctx, language, command, args)
	if err != nil {
		b.log.Warn("failed to start lsp server", "language", language, "error", err)
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.servers[language]; ok {
		_ = s.transport.Close()
		return existing, true
	}
	b.servers[language] = s
	return s, true
}

func (b *Bridge) start(ctx context.Context, language, command string, args []string) (*langServer, error) {
	s := &langServer{
		diags: make(map[string][]json.RawMessage),
		docs:  make(map[string]int),
	}

	cmd := exec.CommandContext(ctx, command, args...)
	transport, err := rpctransport.Start(cmd, rpctransport.Options{
		Codec:          framing.LSPCodec{},
		OnNotification: s.handleNotification,
		Logger:         b.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("lspbridge: start %q: %w", command, err)
	}
	s.transport = transport

	initParams := map[string]any{
		"rootUri":  "file://" + b.cfg.WorkspaceRoot,
		"rootPath": b.cfg.WorkspaceRoot,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{},
				"hover":              map[string]any{},
				"references":         map[string]any{},
			},
			"workspace": map[string]any{"symbol": map[string]any{}},
		},
	}
	if _, err := transport.SendRequest(ctx, "initialize", initParams); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("lspbridge: initialize %q: %w", language, err)
	}
	if err := transport.SendNotification("initialized", map[string]any{}); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("lspbridge: initialized %q: %w", language, err)
	}

	return s, nil
}

func (s *langServer) handleNotification(n rpctransport.Notification) {
	if n.Method != "textDocument/publishDiagnostics" {
		return
	}
	var params struct {
		URI         string            `json:"uri"`
		Diagnostics []json.RawMessage `json:"diagnostics"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return
	}
	s.diagMu.Lock()
	s.diags[params.URI] = append(s.diags[params.URI], params.Diagnostics...)
	s.diagMu.Unlock()
}

func (s *langServer) syncDocument(ctx context.Context, uri, languageID, text string) error {
	s.docsMu.Lock()
	version, seen := s.docs[uri]
	if !seen {
		version = 1
	} else {
		version++
	}
	s.docs[uri] = version
	s.docsMu.Unlock()

	if !seen {
		return s.transport.SendNotification("textDocument/didOpen", map[string]any{
			"textDocument": map[string]any{"uri": uri, "languageId": languageID, "version": version, "text": text},
		})
	}
	return s.transport.SendNotification("textDocument/didChange", map[string]any{
		"textDocument":   map[string]any{"uri": uri, "version": version},
		"contentChanges": []map[string]any{{"text": text}},
	})
}

// diagnosticsPollTimeout is how long Diagnostics waits for a fresh
// publishDiagnostics push after syncing the document.
const diagnosticsPollTimeout = 10 * time.Second

// Diagnostics syncs path's text to its language server and returns the
// diagnostics accumulated for it so far, polling briefly for a fresh push.
// Returns an empty slice, never an error, when no server is available.
func (b *Bridge) Diagnostics(ctx context.Context, path, text string) []json.RawMessage {
	language, ok := LanguageFor(path)
	if !ok {
		return nil
	}
	s, ok := b.getOrStart(ctx, language)
	if !ok {
		return nil
	}

	uri := "file://" + path
	before := s.countDiagnostics(uri)
	if err := s.syncDocument(ctx, uri, language, text); err != nil {
		return s.snapshotDiagnostics(uri)
	}

	deadline := time.Now().Add(diagnosticsPollTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return s.snapshotDiagnostics(uri)
		case <-ticker.C:
			if s.countDiagnostics(uri) != before {
				return s.snapshotDiagnostics(uri)
			}
		}
	}
	return s.snapshotDiagnostics(uri)
}

func (s *langServer) countDiagnostics(uri string) int {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	return len(s.diags[uri])
}

func (s *langServer) snapshotDiagnostics(uri string) []json.RawMessage {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	out := make([]json.RawMessage, len(s.diags[uri]))
	copy(out, s.diags[uri])
	return out
}

// References returns locations referencing the symbol at path:line:col,
// including the declaration. Returns an empty slice when no server is
// available.
func (b *Bridge) References(ctx context.Context, path string, line, col int) []json.RawMessage {
	language, ok := LanguageFor(path)
	if !ok {
		return nil
	}
	s, ok := b.getOrStart(ctx, language)
	if !ok {
		return nil
	}

	result, err := s.transport.SendRequest(ctx, "textDocument/references", map[string]any{
		"textDocument": map[string]any{"uri": "file://" + path},
		"position":     map[string]any{"line": line, "character": col},
		"context":      map[string]any{"includeDeclaration": true},
	})
	if err != nil {
		return nil
	}
	var locations []json.RawMessage
	_ = json.Unmarshal(result, &locations)
	return locations
}

// symbolPattern matches a definition-like construct followed by a symbol
// name, for the no-server text-search fallback.
var symbolPattern = `(def|class|function|func|fn|const|let|var|type|interface|struct|enum)\s+%s\b`

// Symbols resolves name via workspace/symbol if a server for language is
// available, else falls back to scanning fileText with symbolPattern.
// Returns an empty slice if neither path finds anything.
func (b *Bridge) Symbols(ctx context.Context, language, name, fileText string) []json.RawMessage {
	if s, ok := b.getOrStart(ctx, language); ok {
		result, err := s.transport.SendRequest(ctx, "workspace/symbol", map[string]any{"query": name})
		if err == nil {
			var symbols []json.RawMessage
			if err := json.Unmarshal(result, &symbols); err == nil && len(symbols) > 0 {
				return symbols
			}
		}
	}

	re, err := regexp.Compile(fmt.Sprintf(symbolPattern, regexp.QuoteMeta(name)))
	if err != nil {
		return nil
	}
	var matches []json.RawMessage
	for i, line := range strings.Split(fileText, "\n") {
		if re.MatchString(line) {
			m, _ := json.Marshal(map[string]any{"line": i + 1, "text": strings.TrimSpace(line)})
			matches = append(matches, m)
		}
	}
	return matches
}

// Hover returns the flattened hover text for path:line:col, or "" when no
// server is available or the server has nothing to say.
func (b *Bridge) Hover(ctx context.Context, path string, line, col int) string {
	language, ok := LanguageFor(path)
	if !ok {
		return ""
	}
	s, ok := b.getOrStart(ctx, language)
	if !ok {
		return ""
	}

	result, err := s.transport.SendRequest(ctx, "textDocument/hover", map[string]any{
		"textDocument": map[string]any{"uri": "file://" + path},
		"position":     map[string]any{"line": line, "character": col},
	})
	if err != nil {
		return ""
	}

	var resp struct {
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return ""
	}
	return flattenHoverContents(resp.Contents)
}

// flattenHoverContents collapses the polymorphic LSP hover "contents"
// value (string | {value} | [strings|{value}]) to plain text.
func flattenHoverContents(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		return asString
	}

	var asObject struct {
		Value string `json:"value"`
	}
	if json.Unmarshal(raw, &asObject) == nil && asObject.Value != "" {
		return asObject.Value
	}

	var asArray []json.RawMessage
	if json.Unmarshal(raw, &asArray) == nil {
		parts := make([]string, 0, len(asArray))
		for _, item := range asArray {
			if s := flattenHoverContents(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}

	return ""
}

// Close tears down every started language server, asking each to shut
// down cleanly first; a server that ignores the request is closed anyway.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for lang, s := range b.servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := s.transport.SendRequest(shutdownCtx, "shutdown", map[string]any{}); err == nil {
			_ = s.transport.SendNotification("exit", map[string]any{})
		}
		cancel()
		if err := s.transport.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lspbridge: close %q: %w", lang, err)
		}
	}
	b.servers = make(map[string]*langServer)
	return firstErr
}
