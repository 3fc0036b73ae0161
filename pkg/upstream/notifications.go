package upstream

import (
	"encoding/json"

	"github.com/loomwork/conductor/pkg/rpctransport"
)

// handleNotification classifies every method-only message the upstream
// server sends: `$/progress` is routed to the matching progress sink;
// everything else (featureFlagsNotification, copilot/watchedFiles,
// copilot/mcpTools) is just logged at debug, since nothing consumes
// them yet.
func (s *Session) handleNotification(n rpctransport.Notification) {
	switch n.Method {
	case "$/progress":
		s.handleProgressNotification(n.Params)
	default:
		s.log.Debug("notification", "method", n.Method)
	}
}

type progressParams struct {
	Token string          `json:"token"`
	Value json.RawMessage `json:"value"`
}

type progressValue struct {
	Reply       string          `json:"reply,omitempty"`
	Delta       string          `json:"delta,omitempty"`
	AgentRounds []AgentRound    `json:"editAgentRounds,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
	References  json.RawMessage `json:"references,omitempty"`
	End         bool            `json:"end,omitempty"`
}

func (s *Session) handleProgressNotification(raw json.RawMessage) {
	var p progressParams
	if err := json.Unmarshal(raw, &p); err != nil {
		s.log.Warn("malformed $/progress params", "error", err)
		return
	}
	var v progressValue
	if err := json.Unmarshal(p.Value, &v); err != nil {
		s.log.Warn("malformed $/progress value", "error", err)
		return
	}

	if v.End {
		s.routeProgress(p.Token, ProgressUpdate{}, true)
		return
	}

	text := v.Reply
	if text == "" {
		text = v.Delta
	}
	if text != "" {
		s.routeProgress(p.Token, ProgressUpdate{Kind: UpdateDelta, Delta: text}, false)
	}
	for i := range v.AgentRounds {
		round := v.AgentRounds[i]
		s.routeProgress(p.Token, ProgressUpdate{Kind: UpdateAgentRound, AgentRound: &round}, false)
	}
	if len(v.Annotations) > 0 {
		s.routeProgress(p.Token, ProgressUpdate{Kind: UpdateAnnotation, Annotation: v.Annotations}, false)
	}
	if len(v.References) > 0 {
		s.routeProgress(p.Token, ProgressUpdate{Kind: UpdateReference, Reference: v.References}, false)
	}
}
