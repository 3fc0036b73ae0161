// Package queueworker is the in-process worker transport: a Worker driven
// by inbox/outbox message passing instead of a subprocess boundary. It
// processes one task at a time, forwarding reply deltas as progress
// messages and posting a terminal task_result.
package queueworker

import (
	"context"
	"log/slog"

	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/worker"
)

// MessageKind tags the variant of a Message.
type MessageKind string

const (
	KindTaskAssign   MessageKind = "task_assign"
	KindTaskResult   MessageKind = "task_result"
	KindTaskProgress MessageKind = "task_progress"
	KindShutdown     MessageKind = "shutdown"
)

// Message is the single envelope type flowing through inbox and outbox
// channels; only the fields relevant to Kind are populated.
type Message struct {
	Kind MessageKind

	TaskID   string
	WorkerID string
	Prompt   string
	Context  map[string]any

	Status      string
	Result      *worker.Result
	AgentRounds int

	Text string // task_progress message text
}

// QueueWorker owns an inbox and a shared outbox and runs one task at a
// time from the inbox until it sees a shutdown message.
type QueueWorker struct {
	id     string
	log    *slog.Logger
	worker *worker.Worker
	inbox  <-chan Message
	outbox chan<- Message
}

// New constructs a QueueWorker. Run blocks consuming inbox until shutdown.
func New(id string, cfg worker.Config, inbox <-chan Message, outbox chan<- Message, baseLogger *slog.Logger) *QueueWorker {
	return &QueueWorker{
		id:     id,
		log:    logger.With(baseLogger, logger.SubsystemWorker),
		worker: worker.New(cfg),
		inbox:  inbox,
		outbox: outbox,
	}
}

// Run processes messages from inbox until a shutdown message arrives or
// ctx is cancelled, whichever comes first.
func (w *QueueWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.inbox:
			if !ok {
				return
			}
			switch msg.Kind {
			case KindShutdown:
				return
			case KindTaskAssign:
				w.handleTaskAssign(ctx, msg)
			default:
				w.log.Warn("unexpected message kind in inbox", "kind", msg.Kind)
			}
		}
	}
}

func (w *QueueWorker) handleTaskAssign(ctx context.Context, msg Message) {
	w.emit(Message{Kind: KindTaskProgress, TaskID: msg.TaskID, WorkerID: w.id, Text: "started"})

	onDelta := func(delta string) {
		w.emit(Message{Kind: KindTaskProgress, TaskID: msg.TaskID, WorkerID: w.id, Text: delta})
	}
	result, err := w.worker.ExecuteTaskStreaming(ctx, msg.Prompt, msg.Context, nil, onDelta)
	if err != nil {
		w.emit(Message{
			Kind: KindTaskResult, TaskID: msg.TaskID, WorkerID: w.id,
			Status: "error", Result: &worker.Result{Status: "error", Reply: err.Error()},
		})
		return
	}

	w.emit(Message{
		Kind: KindTaskResult, TaskID: msg.TaskID, WorkerID: w.id,
		Status: result.Status, Result: result, AgentRounds: result.AgentRoundsCount,
	})
}

func (w *QueueWorker) emit(msg Message) {
	w.outbox <- msg
}
