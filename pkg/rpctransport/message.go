package rpctransport

import "encoding/json"

// rawMessage is the shape every JSON-RPC 2.0 frame is first unmarshaled
// into, before it is classified as a response, a server-initiated request,
// or a notification.
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m rawMessage) isResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

func (m rawMessage) isServerRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

func (m rawMessage) isNotification() bool {
	return len(m.ID) == 0 && m.Method != ""
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Request is a server-initiated (reverse) JSON-RPC request the transport's
// caller must answer, such as `conversation/invokeClientTool`.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage

	reply func(result json.RawMessage, rpcErr *RPCError)
}

// Reply sends result (or rpcErr, mutually exclusive) back as the response
// to this server-initiated request. It is safe to call exactly once.
func (r *Request) Reply(result json.RawMessage, rpcErr *RPCError) {
	r.reply(result, rpcErr)
}

// Notification is a method-only message with no id: a fire-and-forget
// event from the server, such as `$/progress` or `featureFlagsNotification`.
type Notification struct {
	Method string
	Params json.RawMessage
}
