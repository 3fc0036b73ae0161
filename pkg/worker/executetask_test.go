package worker

import (
	"context"
	"testing"

	"github.com/loomwork/conductor/pkg/schema"
	"github.com/loomwork/conductor/pkg/upstream"
)

type fakeConversations struct {
	createCalls int
	turnCalls   int
	updates     []upstream.ProgressUpdate
}

func (f *fakeConversations) CreateConversation(ctx context.Context, req upstream.TurnRequest) (*upstream.Conversation, <-chan upstream.ProgressUpdate, error) {
	f.createCalls++
	return &upstream.Conversation{ID: "conv-1"}, f.stream(), nil
}

func (f *fakeConversations) Turn(ctx context.Context, conversationID string, req upstream.TurnRequest) (<-chan upstream.ProgressUpdate, error) {
	f.turnCalls++
	return f.stream(), nil
}

func (f *fakeConversations) stream() <-chan upstream.ProgressUpdate {
	ch := make(chan upstream.ProgressUpdate, len(f.updates))
	for _, u := range f.updates {
		ch <- u
	}
	close(ch)
	return ch
}

func TestExecuteTaskFirstTurnCreatesConversation(t *testing.T) {
	conv := &fakeConversations{updates: []upstream.ProgressUpdate{
		{Kind: upstream.UpdateDelta, Delta: "hello "},
		{Kind: upstream.UpdateDelta, Delta: "world"},
		{Kind: upstream.UpdateDone},
	}}
	w := New(Config{Role: "researcher", Session: conv})

	result, err := w.ExecuteTask(context.Background(), "say hi", nil, nil)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if conv.createCalls != 1 || conv.turnCalls != 0 {
		t.Fatalf("createCalls=%d turnCalls=%d, want 1/0", conv.createCalls, conv.turnCalls)
	}
	if result.Reply != "hello world" {
		t.Fatalf("reply = %q", result.Reply)
	}
	if result.Status != "success" {
		t.Fatalf("status = %q", result.Status)
	}
}

func TestExecuteTaskSecondTurnReusesConversation(t *testing.T) {
	conv := &fakeConversations{updates: []upstream.ProgressUpdate{{Kind: upstream.UpdateDone}}}
	w := New(Config{Role: "researcher", Session: conv})

	if _, err := w.ExecuteTask(context.Background(), "first", nil, nil); err != nil {
		t.Fatalf("first ExecuteTask: %v", err)
	}
	if _, err := w.ExecuteTask(context.Background(), "second", nil, nil); err != nil {
		t.Fatalf("second ExecuteTask: %v", err)
	}
	if conv.createCalls != 1 || conv.turnCalls != 1 {
		t.Fatalf("createCalls=%d turnCalls=%d, want 1/1", conv.createCalls, conv.turnCalls)
	}
}

func TestExecuteTaskCountsAgentRounds(t *testing.T) {
	conv := &fakeConversations{updates: []upstream.ProgressUpdate{
		{Kind: upstream.UpdateAgentRound},
		{Kind: upstream.UpdateAgentRound},
		{Kind: upstream.UpdateDone},
	}}
	w := New(Config{Role: "researcher", Session: conv})

	result, err := w.ExecuteTask(context.Background(), "go", nil, nil)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if result.AgentRoundsCount != 2 {
		t.Fatalf("AgentRoundsCount = %d, want 2", result.AgentRoundsCount)
	}
}

func TestExecuteTaskStreamingForwardsEachDeltaInOrder(t *testing.T) {
	conv := &fakeConversations{updates: []upstream.ProgressUpdate{
		{Kind: upstream.UpdateDelta, Delta: "hello "},
		{Kind: upstream.UpdateAgentRound},
		{Kind: upstream.UpdateDelta, Delta: "world"},
		{Kind: upstream.UpdateDone},
	}}
	w := New(Config{Role: "researcher", Session: conv})

	var deltas []string
	result, err := w.ExecuteTaskStreaming(context.Background(), "say hi", nil, nil, func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("ExecuteTaskStreaming: %v", err)
	}
	if len(deltas) != 2 || deltas[0] != "hello " || deltas[1] != "world" {
		t.Fatalf("deltas = %q, want each fragment in arrival order", deltas)
	}
	if result.Reply != "hello world" {
		t.Fatalf("reply = %q", result.Reply)
	}
}

func TestExecuteTaskErrorUpdateMarksStatusError(t *testing.T) {
	conv := &fakeConversations{updates: []upstream.ProgressUpdate{
		{Kind: upstream.UpdateDone, Err: errBoom},
	}}
	w := New(Config{Role: "researcher", Session: conv})

	result, err := w.ExecuteTask(context.Background(), "go", nil, nil)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if result.Status != "error" {
		t.Fatalf("status = %q, want error", result.Status)
	}
}

func TestExecuteTaskExtractsStructuredReplyWithAnswerSchema(t *testing.T) {
	conv := &fakeConversations{updates: []upstream.ProgressUpdate{
		{Kind: upstream.UpdateDelta, Delta: `Final answer: {"city":"Lyon"}`},
		{Kind: upstream.UpdateDone},
	}}
	w := New(Config{Role: "researcher", Session: conv, AnswerSchema: []schema.Field{{Name: "city"}}})

	result, err := w.ExecuteTask(context.Background(), "go", nil, nil)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if result.StructuredReply["city"] != "Lyon" {
		t.Fatalf("structured reply = %+v", result.StructuredReply)
	}
}

var errBoom = simpleErr("boom")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
