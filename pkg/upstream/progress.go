package upstream

import (
	"encoding/json"
	"sync"
	"time"
)

// UpdateKind tags the shape of one ProgressUpdate: a text fragment, a
// tool-call round, an annotation, a reference, or the terminal done
// marker.
type UpdateKind string

const (
	UpdateDelta      UpdateKind = "delta"
	UpdateAgentRound UpdateKind = "agent_round"
	UpdateAnnotation UpdateKind = "annotation"
	UpdateReference  UpdateKind = "reference"
	UpdateDone       UpdateKind = "done"
)

// AgentRound describes one tool-call-and-reply pair reported inline in a
// conversation turn's progress (the upstream protocol's `editAgentRounds`).
type AgentRound struct {
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput"`
	Reply     string          `json:"reply"`
}

// ProgressUpdate is one element of a conversation turn's progress stream.
type ProgressUpdate struct {
	Kind       UpdateKind
	Delta      string
	AgentRound *AgentRound
	Annotation json.RawMessage
	Reference  json.RawMessage
	// Err is set when the stream ended abnormally (inactivity timeout,
	// total timeout, or the transport closing underneath it).
	Err error
}

// progressSink is the per-token destination notifications are routed into.
type progressSink struct {
	ch   chan ProgressUpdate
	done chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

func newProgressSink() *progressSink {
	return &progressSink{
		ch:           make(chan ProgressUpdate, 64),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
}

// push delivers one update. The send happens under the mutex so it can
// never race a concurrent closeWith into sending on a closed channel;
// consumers always drain the stream until it closes, so holding the lock
// across the send cannot wedge.
func (p *progressSink) push(u ProgressUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.lastActivity = time.Now()
	p.ch <- u
}

func (p *progressSink) idleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActivity)
}

func (p *progressSink) closeWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.ch <- ProgressUpdate{Kind: UpdateDone, Err: err}
	close(p.ch)
	close(p.done)
}

// collectProgress registers a sink for token and returns a receive-only
// channel of updates. The channel is closed once an `end` marker arrives,
// totalTimeout elapses, or inactivityTimeout passes with no updates —
// whichever comes first. kind labels the stream ("chat" or
// "agent") for RecordProgressStream.
func (s *Session) collectProgress(token, kind string, totalTimeout, inactivityTimeout time.Duration) <-chan ProgressUpdate {
	sink := newProgressSink()
	_ = s.progress.Put(token, sink)

	started := time.Now()
	deadline := started.Add(totalTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)

	go func() {
		defer ticker.Stop()
		defer s.progress.Delete(token)
		defer func() { s.metrics.RecordProgressStream(kind, time.Since(started)) }()

		// A nil channel never fires, so a Session without a transport
		// only ends on the sink or the timeouts.
		var transportClosed <-chan struct{}
		if s.transport != nil {
			transportClosed = s.transport.Closed()
		}

		for {
			select {
			case <-sink.done:
				return
			case <-transportClosed:
				sink.closeWith(s.transport.Err())
				return
			case <-ticker.C:
				if time.Now().After(deadline) {
					sink.closeWith(errTotalTimeout)
					return
				}
				if sink.idleSince() > inactivityTimeout {
					sink.closeWith(errInactivityTimeout)
					return
				}
			}
		}
	}()

	return sink.ch
}

// routeProgress is called from the transport's notification handler for
// `$/progress` messages; it pushes the decoded update to the matching
// sink and, on an `end` marker, closes the stream immediately rather than
// waiting for the poll loop above to notice.
func (s *Session) routeProgress(token string, update ProgressUpdate, isEnd bool) {
	sink, ok := s.progress.Lookup(token)
	if !ok {
		return
	}
	if isEnd {
		sink.closeWith(nil)
		return
	}
	sink.push(update)
}
