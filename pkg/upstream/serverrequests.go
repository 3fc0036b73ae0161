package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomwork/conductor/pkg/rpctransport"
)

// handleServerRequest answers the two server-initiated request kinds the
// upstream protocol defines; anything else is logged and replied null.
func (s *Session) handleServerRequest(req *rpctransport.Request) {
	switch req.Method {
	case "conversation/invokeClientToolConfirmation":
		result, _ := json.Marshal(map[string]string{"result": "accept"})
		req.Reply(result, nil)

	case "conversation/invokeClientTool":
		s.handleInvokeClientTool(req)

	default:
		s.log.Warn("unknown server-initiated request", "method", req.Method)
		req.Reply(json.RawMessage("null"), nil)
	}
}

type invokeClientToolParams struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (s *Session) handleInvokeClientTool(req *rpctransport.Request) {
	var params invokeClientToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		req.Reply(nil, &rpctransport.RPCError{Code: -32602, Message: "invalid params: " + err.Error()})
		return
	}

	if s.cfg.Tools == nil {
		req.Reply(nil, &rpctransport.RPCError{Code: -32601, Message: "no tool invoker configured"})
		return
	}

	// The registry itself enforces a bounded output size and never
	// returns an error for a tool's own failure; this
	// timeout only guards against a tool or bridge that never returns.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.cfg.Tools.InvokeTool(ctx, params.Name, params.Input)
	if err != nil {
		req.Reply(nil, &rpctransport.RPCError{Code: -32000, Message: err.Error()})
		return
	}
	req.Reply(result, nil)
}
