package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Conversation is a server-assigned, multi-turn chat session.
type Conversation struct {
	ID    string
	turns int
}

// TurnRequest carries the free-form parts of one conversation turn; the
// structured-prompt assembly (system preamble, <shared_context>,
// <structured_input>, response-format guidance) is pkg/worker's job, not
// upstream's — Session only needs the final message text plus the model
// hint and agent-mode flag.
type TurnRequest struct {
	Message   string
	Model     string
	AgentMode bool
}

func (s *Session) totalTimeoutFor(agentMode bool) time.Duration {
	if agentMode {
		return agentTotalTimeout
	}
	return chatTotalTimeout
}

func streamKind(agentMode bool) string {
	if agentMode {
		return "agent"
	}
	return "chat"
}

// CreateConversation starts a brand-new conversation with one initial
// turn: builds a fresh workDoneToken, sends
// `conversation/create` with `turns=[{request}]`, and begins collecting
// that turn's progress stream concurrently.
func (s *Session) CreateConversation(ctx context.Context, req TurnRequest) (*Conversation, <-chan ProgressUpdate, error) {
	token := NewWorkDoneToken()

	params := s.turnParams(token, req, nil)
	params["turns"] = []map[string]any{{"request": req.Message}}

	stream := s.collectProgress(token, streamKind(req.AgentMode), s.totalTimeoutFor(req.AgentMode), inactivityTimeout)

	result, err := s.transport.SendRequest(ctx, "conversation/create", params)
	if err != nil {
		return nil, nil, &SessionError{Action: "conversation/create", Message: "request failed", Err: err}
	}

	var resp struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, nil, &SessionError{Action: "conversation/create", Message: "decode response", Err: err}
	}

	conv := &Conversation{ID: resp.ConversationID, turns: 1}
	s.conversationsMu.Lock()
	s.conversations[conv.ID] = conv
	s.conversationsMu.Unlock()

	return conv, stream, nil
}

// Turn sends a follow-up message on an existing conversation.
func (s *Session) Turn(ctx context.Context, conversationID string, req TurnRequest) (<-chan ProgressUpdate, error) {
	s.conversationsMu.Lock()
	conv, ok := s.conversations[conversationID]
	s.conversationsMu.Unlock()
	if !ok {
		return nil, &SessionError{Action: "conversation/turn", Message: fmt.Sprintf("unknown conversation %q", conversationID)}
	}

	token := NewWorkDoneToken()
	params := s.turnParams(token, req, &conversationID)
	params["message"] = req.Message

	stream := s.collectProgress(token, streamKind(req.AgentMode), s.totalTimeoutFor(req.AgentMode), inactivityTimeout)

	if _, err := s.transport.SendRequest(ctx, "conversation/turn", params); err != nil {
		return nil, &SessionError{Action: "conversation/turn", Message: "request failed", Err: err}
	}

	conv.turns++
	return stream, nil
}

func (s *Session) turnParams(token string, req TurnRequest, conversationID *string) map[string]any {
	params := map[string]any{
		"workDoneToken": token,
		"workspaceFolder": s.cfg.WorkspaceRoot,
		"chatMode": "Agent",
	}
	if req.AgentMode {
		params["needToolCallConfirmation"] = true
	}
	if req.Model != "" {
		params["model"] = req.Model
	}
	if conversationID != nil {
		params["conversationId"] = *conversationID
	}
	return params
}

// DestroyConversation explicitly ends a conversation.
func (s *Session) DestroyConversation(ctx context.Context, conversationID string) error {
	s.conversationsMu.Lock()
	_, ok := s.conversations[conversationID]
	if ok {
		delete(s.conversations, conversationID)
	}
	s.conversationsMu.Unlock()
	if !ok {
		return &SessionError{Action: "conversation/destroy", Message: fmt.Sprintf("unknown conversation %q", conversationID)}
	}

	_, err := s.transport.SendRequest(ctx, "conversation/destroy", map[string]any{"conversationId": conversationID})
	if err != nil {
		return &SessionError{Action: "conversation/destroy", Message: "request failed", Err: err}
	}
	return nil
}
