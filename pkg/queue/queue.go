package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/cirkelline/localagent/pkg/store"
)

// Queue is the typed front of the pending_tasks collection.
type Queue struct {
	store store.Store
}

func New(s store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue validates and persists a new background task.
func (q *Queue) Enqueue(ctx context.Context, taskType store.TaskType, priority int, payload map[string]string) (store.PendingTask, error) {
	switch taskType {
	case store.TaskGenerateEmbedding, store.TaskTranscribeAudio, store.TaskExtractText,
		store.TaskSyncMemory, store.TaskPreloadKnowledge:
	default:
		return store.PendingTask{}, &store.ValidationError{Field: "task_type", Reason: fmt.Sprintf("unknown type %q", taskType)}
	}
	return q.store.EnqueueTask(ctx, store.PendingTask{
		Type:     taskType,
		Priority: priority,
		Payload:  payload,
	})
}

func (q *Queue) Get(ctx context.Context, id string) (store.PendingTask, error) {
	return q.store.GetTask(ctx, id)
}

func (q *Queue) ListByType(ctx context.Context, taskType store.TaskType, limit int) ([]store.PendingTask, error) {
	return q.store.TasksByType(ctx, taskType, limit)
}

func (q *Queue) ListByState(ctx context.Context, state store.TaskState, limit int) ([]store.PendingTask, error) {
	return q.store.TasksByState(ctx, state, limit)
}

// Cancel moves a task to cancelled. A queued task never runs. A task
// already running keeps running; its result is discarded when the
// handler returns and sees the terminal state.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return &store.ValidationError{Field: "task.state", Reason: fmt.Sprintf("task already %s", t.Status.State)}
	}
	return q.store.UpdateTaskStatus(ctx, id, store.TaskStatus{State: store.TaskCancelled})
}

// RecoverInterrupted returns crashed-while-running tasks to the queue.
// Called once at startup before the runner begins polling.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	return q.store.RequeueRunningTasks(ctx)
}

// Describe renders a short human summary for CLI listings.
func Describe(t store.PendingTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-20s p=%d retries=%d/%d  %s", t.ID, t.Type, t.Priority, t.RetryCount, t.MaxRetries, t.Status.State)
	if t.Status.Error != "" {
		fmt.Fprintf(&b, "  (%s)", t.Status.Error)
	}
	return b.String()
}
