// Package queue runs open/close work off the monitoring loop's critical
// path: a bounded FIFO with N workers, per-type handlers and a bounded retry
// policy. Terminal failures are retained for operator inspection and never
// retried automatically.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// ErrQueueFull is returned by Enqueue when the bounded buffer is at capacity.
var ErrQueueFull = errors.New("task queue full")

// ErrUnknownTaskType is returned when no handler is registered for the type.
var ErrUnknownTaskType = errors.New("unknown task type")

// Task is a unit of asynchronous work.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     TaskStatus      `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// snapshot returns a detached copy. Workers mutate the live task while it
// moves through retries, so anything handed outside the queue must be a copy.
func (t *Task) snapshot() *Task {
	cp := *t
	return &cp
}

// Handler processes one task. A nil return completes the task; an error
// wrapped with Terminal fails it immediately, any other error is retried up
// to the policy bound.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Depth      int   `json:"depth"`
	Workers    int   `json:"workers"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
}

// Queue is a bounded FIFO task queue with worker loops.
type Queue struct {
	tasks   chan *Task
	workers int
	policy  RetryPolicy

	mu       sync.RWMutex
	handlers map[string]Handler
	failed   []*Task

	pending    atomic.Int64
	processing atomic.Int64
	completed  atomic.Int64
	failedN    atomic.Int64
	retried    atomic.Int64

	closed    atomic.Bool
	onFailure func(*Task)
	wg        sync.WaitGroup
	log       zerolog.Logger
}

// New creates a queue with the given worker count, buffer capacity and retry
// policy.
func New(workers, capacity int, policy RetryPolicy, log zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		tasks:    make(chan *Task, capacity),
		workers:  workers,
		policy:   policy,
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "task-queue").Logger(),
	}
}

// Register maps a task type to its handler. Must be called before Start.
func (q *Queue) Register(taskType string, h Handler) {
	q.mu.Lock()
	q.handlers[taskType] = h
	q.mu.Unlock()
}

// OnFailure sets the callback invoked when a task goes terminal. Used to
// surface failed tasks to the alerting path.
func (q *Queue) OnFailure(fn func(*Task)) {
	q.mu.Lock()
	q.onFailure = fn
	q.mu.Unlock()
}

// Enqueue adds a task at the tail and returns a copy of it as accepted. It
// never blocks; a full queue is an error the caller must surface.
func (q *Queue) Enqueue(taskType string, payload interface{}) (*Task, error) {
	q.mu.RLock()
	_, ok := q.handlers[taskType]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Payload:    raw,
		Status:     StatusPending,
		MaxRetries: q.policy.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Copy before handing the task to a worker; from that point on only the
	// queue may touch it.
	accepted := task.snapshot()
	select {
	case q.tasks <- task:
		q.pending.Add(1)
		return accepted, nil
	default:
		return nil, ErrQueueFull
	}
}

// Start launches the worker loops. Workers drain until ctx is cancelled;
// in-flight handlers are allowed to finish.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Stop marks the queue closed and waits for workers to exit. Pending retries
// scheduled after Stop are dropped.
func (q *Queue) Stop() {
	q.closed.Store(true)
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.pending.Add(-1)
			q.process(ctx, task, log)
		}
	}
}

func (q *Queue) process(ctx context.Context, task *Task, log zerolog.Logger) {
	task.Status = StatusProcessing
	task.UpdatedAt = time.Now().UTC()
	q.processing.Add(1)
	defer q.processing.Add(-1)

	q.mu.RLock()
	handler := q.handlers[task.Type]
	q.mu.RUnlock()

	err := handler(ctx, task.Payload)
	if err == nil {
		task.Status = StatusCompleted
		task.UpdatedAt = time.Now().UTC()
		q.completed.Add(1)
		return
	}

	if IsTerminal(err) || task.RetryCount >= task.MaxRetries {
		q.fail(task, err, log)
		return
	}

	task.RetryCount++
	task.Error = err.Error()
	task.Status = StatusPending
	task.UpdatedAt = time.Now().UTC()
	q.retried.Add(1)

	delay := q.policy.Delay(task.RetryCount)
	log.Warn().
		Str("task_id", task.ID).
		Str("type", task.Type).
		Int("retry", task.RetryCount).
		Dur("delay", delay).
		Err(err).
		Msg("task failed, retrying")

	// Requeue at the tail after the backoff without blocking the worker.
	time.AfterFunc(delay, func() {
		if q.closed.Load() {
			return
		}
		select {
		case q.tasks <- task:
			q.pending.Add(1)
		default:
			q.fail(task, fmt.Errorf("requeue after retry %d: %w", task.RetryCount, ErrQueueFull), q.log)
		}
	})
}

func (q *Queue) fail(task *Task, err error, log zerolog.Logger) {
	task.Status = StatusFailed
	task.Error = err.Error()
	task.UpdatedAt = time.Now().UTC()
	q.failedN.Add(1)

	q.mu.Lock()
	q.failed = append(q.failed, task)
	onFailure := q.onFailure
	q.mu.Unlock()

	log.Error().
		Str("task_id", task.ID).
		Str("type", task.Type).
		Int("retries", task.RetryCount).
		Err(err).
		Msg("task failed terminally")

	if onFailure != nil {
		onFailure(task.snapshot())
	}
}

// Failed returns copies of the tasks that exhausted their retries, oldest
// first.
func (q *Queue) Failed() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Task, len(q.failed))
	for i, t := range q.failed {
		out[i] = t.snapshot()
	}
	return out
}

// Stats returns current queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:      len(q.tasks),
		Workers:    q.workers,
		Pending:    q.pending.Load(),
		Processing: q.processing.Load(),
		Completed:  q.completed.Load(),
		Failed:     q.failedN.Load(),
		Retried:    q.retried.Load(),
	}
}
