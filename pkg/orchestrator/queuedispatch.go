package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomwork/conductor/pkg/logger"
	"github.com/loomwork/conductor/pkg/worker/queueworker"
)

// NewQueueDispatch builds a Dispatch for the in-process queue transport:
// each ready task is posted as a task_assign message to its worker role's
// inbox, then the shared result channel is drained until every dispatched
// task in the batch has a matching task_result. Intervening task_progress
// messages (the workers' streamed reply deltas) are forwarded to the
// dispatch logger as they arrive. inboxes maps a worker_role to that
// worker's QueueWorker inbox; outbox is the single channel every
// QueueWorker in the pool posts results and progress onto.
func NewQueueDispatch(inboxes map[string]chan<- queueworker.Message, outbox <-chan queueworker.Message, baseLogger *slog.Logger) Dispatch {
	log := logger.With(baseLogger, logger.SubsystemOrchestrator)

	return func(ctx context.Context, ready []Task, contexts map[int]map[string]any) map[int]Result {
		results := make(map[int]Result, len(ready))
		taskIDToTask := make(map[string]Task, len(ready))

		for _, t := range ready {
			inbox, ok := inboxes[t.WorkerRole]
			if !ok {
				log.Warn("no queue worker registered for role", "role", t.WorkerRole)
				results[t.Index] = Result{TaskIndex: t.Index, WorkerRole: t.WorkerRole, Status: "error", Reply: "no worker registered for role " + t.WorkerRole}
				continue
			}

			taskID := uuid.New().String()
			taskIDToTask[taskID] = t
			inbox <- queueworker.Message{
				Kind:    queueworker.KindTaskAssign,
				TaskID:  taskID,
				Prompt:  t.Task,
				Context: contexts[t.Index],
			}
		}

		remaining := len(taskIDToTask)
		for remaining > 0 {
			select {
			case <-ctx.Done():
				for _, t := range taskIDToTask {
					if _, done := results[t.Index]; !done {
						results[t.Index] = Result{TaskIndex: t.Index, WorkerRole: t.WorkerRole, Status: "error", Reply: ctx.Err().Error()}
					}
				}
				return results

			case msg := <-outbox:
				if msg.Kind == queueworker.KindTaskProgress {
					if t, ok := taskIDToTask[msg.TaskID]; ok {
						log.Debug("task progress",
							"task_index", t.Index, "role", t.WorkerRole,
							"worker", msg.WorkerID, "delta", msg.Text)
					}
					continue
				}
				if msg.Kind != queueworker.KindTaskResult {
					continue
				}
				t, ok := taskIDToTask[msg.TaskID]
				if !ok {
					continue
				}
				var reply string
				var structuredReply map[string]any
				var warnings []string
				if msg.Result != nil {
					reply = msg.Result.Reply
					structuredReply = msg.Result.StructuredReply
					warnings = msg.Result.ValidationWarnings
				}
				results[t.Index] = Result{
					TaskIndex:       t.Index,
					WorkerRole:      t.WorkerRole,
					Status:          msg.Status,
					Reply:           reply,
					StructuredReply: structuredReply,
					Warnings:        warnings,
				}
				remaining--
			}
		}

		return results
	}
}
