package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cirkelline/localagent/pkg/bus"
	"github.com/cirkelline/localagent/pkg/governor"
	"github.com/cirkelline/localagent/pkg/logger"
	"github.com/cirkelline/localagent/pkg/store"
)

// Handler executes one task. A returned ValidationError fails the task
// outright; any other error counts against max_retries.
type Handler func(ctx context.Context, task store.PendingTask) error

// RunnerConfig tunes the dispatch loop.
type RunnerConfig struct {
	Poll          time.Duration
	MaxConcurrent int
}

// Runner polls the queue and dispatches tasks to registered handlers.
// Admission is checked against the governor before every claim, so a
// settings change or host load spike defers work at the next poll
// without touching tasks already in flight.
type Runner struct {
	store    store.Store
	gov      *governor.Governor
	events   *bus.EventBus
	handlers map[store.TaskType]Handler
	sem      *semaphore.Weighted
	poll     time.Duration

	paused atomic.Bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewRunner(s store.Store, gov *governor.Governor, events *bus.EventBus, cfg RunnerConfig) *Runner {
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Runner{
		store:    s,
		gov:      gov,
		events:   events,
		handlers: make(map[store.TaskType]Handler),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		poll:     cfg.Poll,
		stopCh:   make(chan struct{}),
	}
}

// Register installs the handler for a task type. Must be called before
// Start; the map is not guarded afterwards.
func (r *Runner) Register(taskType store.TaskType, h Handler) {
	r.handlers[taskType] = h
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Runner) Stop() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

// Pause stops new dispatches. Running tasks complete normally.
func (r *Runner) Pause()  { r.paused.Store(true) }
func (r *Runner) Resume() { r.paused.Store(false) }
func (r *Runner) Paused() bool {
	return r.paused.Load()
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	// Dispatch once at startup so recovered tasks begin immediately.
	r.dispatchPending()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.dispatchPending()
		}
	}
}

func (r *Runner) dispatchPending() {
	const maxBatch = 16
	ctx := context.Background()

	for i := 0; i < maxBatch; i++ {
		if r.paused.Load() {
			return
		}

		// Peek before claiming: the admission check needs the cost of
		// the specific task that would run next.
		next, ok, err := r.store.PeekNextTask(ctx)
		if err != nil {
			logger.ErrorCF("queue", "Peek failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if !ok {
			return
		}

		decision, err := r.gov.Check(ctx, governor.CostForTask(next.Type))
		if err != nil {
			logger.WarnCF("queue", "Admission check failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if !decision.Allowed {
			logger.DebugCF("queue", "Work deferred", map[string]interface{}{"reason": decision.Reason})
			r.publish(bus.EventTaskDeferred, map[string]string{"reason": decision.Reason})
			return
		}

		if !r.sem.TryAcquire(1) {
			return
		}
		task, ok, err := r.store.ClaimNextTask(ctx)
		if err != nil || !ok {
			r.sem.Release(1)
			if err != nil {
				logger.ErrorCF("queue", "Claim failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.run(ctx, task)
		}()
	}
}

func (r *Runner) run(ctx context.Context, task store.PendingTask) {
	r.publish(bus.EventTaskStarted, map[string]string{"task_id": task.ID, "type": string(task.Type)})

	handler, ok := r.handlers[task.Type]
	if !ok {
		r.fail(ctx, task, "no handler registered for task type")
		return
	}

	err := handler(ctx, task)
	if err == nil {
		if uerr := r.store.UpdateTaskStatus(ctx, task.ID, store.TaskStatus{State: store.TaskCompleted}); uerr != nil {
			// Cancelled mid-flight: the work finished but the result
			// is discarded and the task stays cancelled.
			var verr *store.ValidationError
			if errors.As(uerr, &verr) {
				logger.InfoCF("queue", "Task finished after cancellation, result discarded", map[string]interface{}{"task_id": task.ID})
				r.publish(bus.EventTaskCancelled, map[string]string{"task_id": task.ID})
				return
			}
			logger.ErrorCF("queue", "Failed to mark task completed", map[string]interface{}{"task_id": task.ID, "error": uerr.Error()})
			return
		}
		r.publish(bus.EventTaskCompleted, map[string]string{"task_id": task.ID, "type": string(task.Type)})
		return
	}

	var verr *store.ValidationError
	if errors.As(err, &verr) {
		// Bad payloads never succeed on retry.
		r.fail(ctx, task, err.Error())
		return
	}

	if task.RetryCount+1 < task.MaxRetries {
		if _, rerr := r.store.RequeueTask(ctx, task.ID); rerr != nil {
			var rverr *store.ValidationError
			if errors.As(rerr, &rverr) {
				// Terminal while running means cancelled; leave it.
				r.publish(bus.EventTaskCancelled, map[string]string{"task_id": task.ID})
				return
			}
			logger.ErrorCF("queue", "Requeue failed", map[string]interface{}{"task_id": task.ID, "error": rerr.Error()})
			return
		}
		logger.WarnCF("queue", "Task failed, requeued", map[string]interface{}{
			"task_id": task.ID,
			"type":    string(task.Type),
			"attempt": task.RetryCount + 1,
			"error":   err.Error(),
		})
		return
	}
	r.fail(ctx, task, err.Error())
}

func (r *Runner) fail(ctx context.Context, task store.PendingTask, msg string) {
	if err := r.store.UpdateTaskStatus(ctx, task.ID, store.StatusFailed(msg)); err != nil {
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			r.publish(bus.EventTaskCancelled, map[string]string{"task_id": task.ID})
			return
		}
		logger.ErrorCF("queue", "Failed to mark task failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return
	}
	logger.ErrorCF("queue", "Task failed permanently", map[string]interface{}{
		"task_id": task.ID,
		"type":    string(task.Type),
		"error":   msg,
	})
	r.publish(bus.EventTaskFailed, map[string]string{"task_id": task.ID, "type": string(task.Type), "error": msg})
}

func (r *Runner) publish(kind bus.EventKind, fields map[string]string) {
	if r.events == nil {
		return
	}
	r.events.Publish(bus.Event{Kind: kind, Fields: fields})
}
