package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/loomwork/conductor/internal/registry"
	"github.com/loomwork/conductor/pkg/framing"
	"github.com/loomwork/conductor/pkg/rpctransport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBareSession builds a Session with all its maps initialized but no
// transport yet, for tests that need to call unexported helpers directly.
func newBareSession(cfg Config) *Session {
	return &Session{
		cfg:           cfg,
		log:           discardLogger(),
		docs:          make(map[string]int),
		progress:      registry.New[*progressSink](),
		conversations: make(map[string]*Conversation),
	}
}

// startSessionForTest runs the same handshake New does, against a
// caller-supplied *exec.Cmd (a helper-process command) instead of one
// built from cfg.Command/Args.
func startSessionForTest(ctx context.Context, s *Session, cmd *exec.Cmd) (*Session, error) {
	transport, err := rpctransport.Start(cmd, rpctransport.Options{
		Codec:          framing.LSPCodec{},
		OnRequest:      s.handleServerRequest,
		OnNotification: s.handleNotification,
	})
	if err != nil {
		return nil, fmt.Errorf("start subprocess: %w", err)
	}
	s.transport = transport

	if err := s.handshake(ctx); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return s, nil
}

// runFakeUpstreamServer implements just enough of the upstream JSON-RPC
// surface, LSP-framed, to exercise Session end to end: handshake,
// conversation/create with a streamed delta + end, and one
// server-initiated conversation/invokeClientTool call.
func runFakeUpstreamServer(in io.Reader, out io.Writer) {
	codec := framing.LSPCodec{}
	reader := bufio.NewReader(in)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	write := func(v any) {
		encoded, _ := json.Marshal(v)
		_, _ = out.Write(codec.Encode(encoded))
	}

	nextServerReqID := 1000

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				payload, consumed, ok, decErr := codec.Decode(buf)
				if decErr != nil || consumed == 0 {
					break
				}
				buf = buf[consumed:]
				if !ok {
					continue
				}

				var msg struct {
					ID     json.RawMessage `json:"id"`
					Method string          `json:"method"`
					Params json.RawMessage `json:"params"`
				}
				_ = json.Unmarshal(payload, &msg)

				switch msg.Method {
				case "initialize":
					write(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]any{}})
				case "checkStatus":
					write(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]any{"status": "ok"}})
				case "shutdown":
					write(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": nil})
				case "exit":
					return
				case "conversation/create":
					convID := "conv-1"
					write(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": map[string]any{"conversationId": convID}})

					var params struct {
						WorkDoneToken string `json:"workDoneToken"`
					}
					_ = json.Unmarshal(msg.Params, &params)

					write(map[string]any{
						"jsonrpc": "2.0", "method": "$/progress",
						"params": map[string]any{
							"token": params.WorkDoneToken,
							"value": map[string]any{"delta": "working on it"},
						},
					})

					// Server-initiated tool call.
					reqID := nextServerReqID
					nextServerReqID++
					write(map[string]any{
						"jsonrpc": "2.0", "id": reqID, "method": "conversation/invokeClientTool",
						"params": map[string]any{"name": "read_file", "input": map[string]any{"path": "a.go"}},
					})

					write(map[string]any{
						"jsonrpc": "2.0", "method": "$/progress",
						"params": map[string]any{
							"token": params.WorkDoneToken,
							"value": map[string]any{"end": true},
						},
					})
				}
			}
		}
		if err != nil {
			return
		}
	}
}
