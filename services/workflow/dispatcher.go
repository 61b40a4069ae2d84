package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull        = errors.New("trigger queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is stopped")
)

// Dispatcher accepts trigger events and runs them on a fixed pool of workers.
// Runs proceed concurrently; each run is serial.
type Dispatcher struct {
	engine     *Engine
	workflows  WorkflowRepo
	executions ExecutionRepo
	workers    int
	queue      chan TriggerEvent

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(engine *Engine, workflows WorkflowRepo, executions ExecutionRepo, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		engine:     engine,
		workflows:  workflows,
		executions: executions,
		workers:    workers,
		queue:      make(chan TriggerEvent, queueSize),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx, i)
	}
}

// Stop stops accepting events, waits for queued runs to finish and returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit validates ev, records a pending execution and queues the run. The
// returned id identifies the execution.
func (d *Dispatcher) Submit(ctx context.Context, ev TriggerEvent) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return "", ErrDispatcherClosed
	}

	wf, err := d.workflows.Get(ctx, ev.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("load workflow: %w", err)
	}
	if wf == nil {
		return "", ErrWorkflowNotFound
	}
	if ev.UserID != "" && ev.UserID != wf.UserID {
		return "", ErrOwnerMismatch
	}

	if ev.RunID == "" {
		ev.RunID = uuid.NewString()
	}
	if d.executions != nil {
		exec := &Execution{ID: ev.RunID, WorkflowID: wf.ID, Status: ExecutionPending, StartedAt: time.Now()}
		if err := d.executions.CreateExecution(ctx, exec); err != nil {
			return "", fmt.Errorf("create execution: %w", err)
		}
	}

	select {
	case d.queue <- ev:
		slog.Debug("Queued workflow run", "run_id", ev.RunID, "workflow_id", ev.WorkflowID)
		return ev.RunID, nil
	default:
		if d.executions != nil {
			if err := d.executions.FinishExecution(ctx, ev.RunID, ExecutionFailed, ErrQueueFull.Error(), time.Now()); err != nil {
				slog.Error("Failed to record rejected execution", "run_id", ev.RunID, "error", err)
			}
		}
		return "", ErrQueueFull
	}
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			slog.Debug("Worker picked up run", "worker", worker, "run_id", ev.RunID)
			d.run(ctx, ev)
		}
	}
}

// run executes one event. A panic outside any executor is logged and the
// worker keeps serving the queue.
func (d *Dispatcher) run(ctx context.Context, ev TriggerEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Workflow run panicked", "run_id", ev.RunID, "panic", r, "stack", string(debug.Stack()))
			if d.executions != nil {
				msg := fmt.Sprintf("internal panic: %v", r)
				if err := d.executions.FinishExecution(context.WithoutCancel(ctx), ev.RunID, ExecutionFailed, msg, time.Now()); err != nil {
					slog.Error("Failed to record panicked execution", "run_id", ev.RunID, "error", err)
				}
			}
		}
	}()
	// Runs are not cancelled mid-flight; only the pool's lifetime is tied to ctx.
	if _, err := d.engine.Execute(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("Workflow run ended with error", "run_id", ev.RunID, "error", err)
	}
}
