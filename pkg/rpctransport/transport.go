// Package rpctransport drives one JSON-RPC subprocess: a single child
// process, its stdin as a framed writer, one reader goroutine that
// classifies every decoded frame as a response, a server-initiated
// request, or a notification, and a pending-request correlation map.
//
// It knows nothing about LSP or MCP semantics beyond framing; that's
// pkg/upstream, pkg/mcpbridge, and pkg/lspbridge's job.
package rpctransport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomwork/conductor/internal/registry"
	"github.com/loomwork/conductor/pkg/framing"
	"github.com/loomwork/conductor/pkg/logger"
)

// ErrTransportClosed is returned to every caller waiting on a pending
// request, and from SendRequest calls made after the child process exits.
var ErrTransportClosed = fmt.Errorf("rpctransport: transport closed")

// waiter holds the channel a pending SendRequest call is blocked on. Both
// the read loop (delivering a response) and markClosed (delivering a
// shutdown) can race to be the one that completes it; once ensures exactly
// one of them actually touches the channel.
type waiter struct {
	ch   chan *rawMessage
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan *rawMessage, 1)}
}

func (w *waiter) deliver(msg *rawMessage) {
	w.once.Do(func() {
		w.ch <- msg
	})
}

func (w *waiter) shutdown() {
	w.once.Do(func() {
		close(w.ch)
	})
}

// DefaultRequestTimeout is applied by SendRequest when the caller's
// context has no deadline of its own.
const DefaultRequestTimeout = 120 * time.Second

// RequestHandler answers a server-initiated request. Implementations must
// eventually call req.Reply exactly once; Transport does not enforce a
// timeout on handlers itself (pkg/upstream does).
type RequestHandler func(req *Request)

// NotificationHandler observes a fire-and-forget notification.
type NotificationHandler func(n Notification)

// StderrHandler receives each line written to the child's stderr. The
// default discards it; pass a sink to forward to a log.
type StderrHandler func(line string)

// Options configures a Transport.
type Options struct {
	Codec               framing.Codec
	OnRequest           RequestHandler
	OnNotification      NotificationHandler
	OnStderrLine        StderrHandler
	Logger              *slog.Logger
	ReadBufferInitBytes int
}

// Transport owns one subprocess's stdin/stdout/stderr and multiplexes
// JSON-RPC traffic over it.
type Transport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	codec  framing.Codec
	log    *slog.Logger
	nextID atomic.Int64

	writeMu sync.Mutex

	pending *registry.Map[*waiter]

	onRequest      RequestHandler
	onNotification NotificationHandler

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	closeMu   sync.Mutex
}

// Start spawns cmd and begins the reader and stderr-drain goroutines. The
// caller retains ownership of cmd only for inspecting its Process/Pid; all
// lifecycle management after Start happens through the returned Transport.
func Start(cmd *exec.Cmd, opts Options) (*Transport, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("rpctransport: Options.Codec is required")
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("rpctransport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rpctransport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("rpctransport: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("rpctransport: start %s: %w", cmd.Path, err)
	}

	t := &Transport{
		cmd:            cmd,
		stdin:          stdin,
		codec:          opts.Codec,
		log:            logger.With(opts.Logger, logger.SubsystemTransport),
		pending:        registry.New[*waiter](),
		onRequest:      opts.OnRequest,
		onNotification: opts.OnNotification,
		closed:         make(chan struct{}),
	}

	stderrHandler := opts.OnStderrLine
	if stderrHandler == nil {
		stderrHandler = func(line string) { t.log.Debug("subprocess stderr", "line", line) }
	}

	go t.drainStderr(stderr, stderrHandler)
	go t.readLoop(stdout)
	go t.waitForExit()

	return t, nil
}

// waitForExit blocks on the child process and, once it exits, fails every
// outstanding pending request with ErrTransportClosed.
func (t *Transport) waitForExit() {
	err := t.cmd.Wait()
	closeErr := ErrTransportClosed
	if err != nil {
		closeErr = fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	t.markClosed(closeErr)
}

func (t *Transport) markClosed(err error) {
	t.closeOnce.Do(func() {
		t.closeMu.Lock()
		t.closeErr = err
		t.closeMu.Unlock()
		close(t.closed)

		for _, w := range t.pending.Items() {
			w.shutdown()
		}
	})
}

// Closed returns a channel that is closed once the subprocess has exited.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

// Err returns the reason the transport closed, or nil if it's still alive.
func (t *Transport) Err() error {
	select {
	case <-t.closed:
		t.closeMu.Lock()
		defer t.closeMu.Unlock()
		return t.closeErr
	default:
		return nil
	}
}

func (t *Transport) drainStderr(r io.Reader, handle StderrHandler) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		handle(scanner.Text())
	}
}

func (t *Transport) readLoop(r io.Reader) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = t.drainFrames(buf)
		}
		if err != nil {
			return
		}
	}
}

// drainFrames decodes as many complete frames as buf currently holds and
// dispatches each, returning the undecoded remainder.
func (t *Transport) drainFrames(buf []byte) []byte {
	for {
		payload, consumed, ok, err := t.codec.Decode(buf)
		if err != nil {
			t.log.Warn("dropping malformed frame", "error", err)
		}
		if consumed == 0 {
			return buf
		}
		buf = buf[consumed:]
		if ok {
			t.dispatch(payload)
		}
	}
}

func (t *Transport) dispatch(payload []byte) {
	var msg rawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.log.Warn("dropping unparseable message", "error", err)
		return
	}

	switch {
	case msg.isResponse():
		t.resolveResponse(msg)
	case msg.isServerRequest():
		t.dispatchServerRequest(msg)
	case msg.isNotification():
		if t.onNotification != nil {
			t.onNotification(Notification{Method: msg.Method, Params: msg.Params})
		}
	default:
		t.log.Debug("dropping frame that matched no JSON-RPC shape")
	}
}

func (t *Transport) resolveResponse(msg rawMessage) {
	key := string(msg.ID)
	w, ok := t.pending.Lookup(key)
	if !ok {
		t.log.Debug("response for unknown or already-resolved id", "id", key)
		return
	}
	m := msg
	w.deliver(&m)
}

func (t *Transport) dispatchServerRequest(msg rawMessage) {
	if t.onRequest == nil {
		t.replyRaw(msg.ID, nil, &RPCError{Code: -32601, Message: "no handler registered"})
		return
	}
	req := &Request{
		ID:     msg.ID,
		Method: msg.Method,
		Params: msg.Params,
		reply: func(result json.RawMessage, rpcErr *RPCError) {
			t.replyRaw(msg.ID, result, rpcErr)
		},
	}
	t.onRequest(req)
}

func (t *Transport) replyRaw(id json.RawMessage, result json.RawMessage, rpcErr *RPCError) {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}

	encoded, err := json.Marshal(resp)
	if err != nil {
		t.log.Error("failed to marshal reply", "error", err)
		return
	}
	_ = t.writeFrame(encoded)
}

func (t *Transport) writeFrame(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.stdin.Write(t.codec.Encode(payload))
	return err
}

// SendRequest allocates a fresh request id, writes method/params as a
// JSON-RPC request, and waits for the matching response. If ctx has no
// deadline, DefaultRequestTimeout applies.
func (t *Transport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	if err := t.Err(); err != nil {
		return nil, err
	}

	id := t.nextID.Add(1)
	idJSON, _ := json.Marshal(id)
	key := string(idJSON)

	w := newWaiter()
	if err := t.pending.Put(key, w); err != nil {
		// Ids come from an atomic counter scoped to this Transport's whole
		// lifetime, so a collision here would mean a counter bug, not bad
		// input — surface it rather than silently overwriting a waiter.
		return nil, fmt.Errorf("rpctransport: %w", err)
	}
	defer t.pending.Delete(key)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpctransport: marshal params for %s: %w", method, err)
	}

	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: idJSON, Method: method, Params: paramsJSON}

	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpctransport: marshal request %s: %w", method, err)
	}
	if err := t.writeFrame(encoded); err != nil {
		return nil, fmt.Errorf("rpctransport: write %s: %w", method, err)
	}

	select {
	case resp, ok := <-w.ch:
		if !ok {
			return nil, t.Err()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("rpctransport: %s timed out: %w", method, ctx.Err())
	case <-t.closed:
		return nil, t.Err()
	}
}

// SendNotification writes a method-only message with no id; the server is
// not expected to reply.
func (t *Transport) SendNotification(method string, params any) error {
	if err := t.Err(); err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("rpctransport: marshal params for %s: %w", method, err)
	}
	n := struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: paramsJSON}

	encoded, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("rpctransport: marshal notification %s: %w", method, err)
	}
	return t.writeFrame(encoded)
}

// Close closes stdin (signaling EOF to the child) and waits briefly for it
// to exit on its own before the OS reclaims it.
func (t *Transport) Close() error {
	_ = t.stdin.Close()
	select {
	case <-t.closed:
	case <-time.After(5 * time.Second):
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}
	return nil
}
