package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"connectflow/pkg/ctxlog"
	"connectflow/pkg/realtime"
	"connectflow/pkg/step"
)

// WorkflowRepo abstracts workflow persistence for testability.
type WorkflowRepo interface {
	Get(ctx context.Context, id string) (*Workflow, error)
}

// ExecutionRepo records the lifecycle of runs.
type ExecutionRepo interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	MarkRunning(ctx context.Context, id, workflowID string, startedAt time.Time) error
	FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg string, completedAt time.Time) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]Execution, error)
}

// EngineOptions configures an Engine. Only Workflows is required.
type EngineOptions struct {
	Workflows  WorkflowRepo
	Executions ExecutionRepo
	Steps      step.Store
	Policy     step.Policy
	Publisher  realtime.Publisher
}

// Engine runs a workflow's nodes in dependency order, threading the context
// from each node into the next.
type Engine struct {
	registry   *Registry
	workflows  WorkflowRepo
	executions ExecutionRepo
	steps      step.Store
	policy     step.Policy
	publisher  realtime.Publisher
}

// NewEngine creates an Engine with the given executor registry.
func NewEngine(registry *Registry, opts EngineOptions) *Engine {
	e := &Engine{
		registry:   registry,
		workflows:  opts.Workflows,
		executions: opts.Executions,
		steps:      opts.Steps,
		policy:     opts.Policy,
		publisher:  opts.Publisher,
	}
	if e.steps == nil {
		e.steps = step.NewMemoryStore()
	}
	if e.publisher == nil {
		e.publisher = realtime.Discard
	}
	return e
}

// Execute performs one run for ev. The returned RunResult is non-nil whenever
// a run id could be assigned, including failed runs; err reports why the run
// failed and step.IsNonRetriable tells whether redelivering ev could help.
func (e *Engine) Execute(ctx context.Context, ev TriggerEvent) (*RunResult, error) {
	runID := ev.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := ctxlog.FromContext(ctx).With("run_id", runID, "workflow_id", ev.WorkflowID)
	ctx = ctxlog.WithLogger(ctx, logger)

	res := &RunResult{
		RunID:      runID,
		WorkflowID: ev.WorkflowID,
		Status:     ExecutionRunning,
		StartedAt:  time.Now(),
		Order:      []string{},
		Steps:      []ExecutionStep{},
	}

	if ev.WorkflowID == "" {
		return e.fail(ctx, res, step.NonRetriable(errors.New("workflow id is missing")))
	}

	logger.Debug("Loading workflow")
	wf, err := e.workflows.Get(ctx, ev.WorkflowID)
	if err != nil {
		return e.fail(ctx, res, fmt.Errorf("load workflow: %w", err))
	}
	if wf == nil {
		return e.fail(ctx, res, step.NonRetriable(fmt.Errorf("%w: %s", ErrWorkflowNotFound, ev.WorkflowID)))
	}

	if e.executions != nil {
		if err := e.executions.MarkRunning(ctx, runID, wf.ID, res.StartedAt); err != nil {
			return e.fail(ctx, res, fmt.Errorf("mark execution running: %w", err))
		}
	}

	order, err := Sequence(wf.Nodes, wf.Connections)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	if err := CheckConnected(wf.Nodes, wf.Connections); err != nil {
		return e.fail(ctx, res, err)
	}
	for _, n := range order {
		res.Order = append(res.Order, n.ID)
	}

	owner := wf.UserID
	if ev.UserID != "" && ev.UserID != owner {
		return e.fail(ctx, res, step.NonRetriable(ErrOwnerMismatch))
	}

	runCtx := seedContext(ev)
	runner := step.New(e.steps, runID, e.policy)
	logger.Info("Executing workflow", "nodes", len(order), "seed_keys", runCtx.Keys())

	for i, node := range order {
		exec, err := e.registry.Get(node.Type)
		if err != nil {
			return e.fail(ctx, res, fmt.Errorf("node %s: %w", node.ID, err))
		}

		nodeCtx := ctxlog.WithLogger(ctx, logger.With("node_id", node.ID, "node_type", node.Type))
		req := Request{
			NodeID:   node.ID,
			NodeType: node.Type,
			Data:     node.Data,
			Context:  runCtx,
			UserID:   owner,
			Steps:    runner.Scope(node.ID),
			Status:   NewStatusReporter(e.publisher, node.Type, node.ID),
		}

		stepStart := time.Now()
		next, execErr := safeExecute(nodeCtx, exec, req)
		record := ExecutionStep{
			StepNumber: i + 1,
			NodeID:     node.ID,
			NodeType:   node.Type,
			Status:     "completed",
			Duration:   time.Since(stepStart).Milliseconds(),
		}
		if execErr != nil {
			record.Status = "error"
			record.Error = execErr.Error()
			res.Steps = append(res.Steps, record)
			return e.fail(ctx, res, fmt.Errorf("node %s (%s): %w", node.ID, node.Type, execErr))
		}
		res.Steps = append(res.Steps, record)
		runCtx = next
	}

	res.Context = runCtx
	res.Status = ExecutionSuccess
	res.CompletedAt = time.Now()
	if e.executions != nil {
		if err := e.executions.FinishExecution(ctx, runID, ExecutionSuccess, "", res.CompletedAt); err != nil {
			logger.Error("Failed to record execution result", "error", err)
		}
	}
	logger.Info("Workflow run succeeded", "duration_ms", res.CompletedAt.Sub(res.StartedAt).Milliseconds())
	return res, nil
}

// seedContext builds the initial context. An API payload wins over
// initialData; only one source is used per run.
func seedContext(ev TriggerEvent) Context {
	if len(ev.API) > 0 {
		return NewContext(map[string]any{"api": ev.API})
	}
	if len(ev.InitialData) > 0 {
		return NewContext(ev.InitialData)
	}
	return NewContext(nil)
}

func (e *Engine) fail(ctx context.Context, res *RunResult, err error) (*RunResult, error) {
	res.Status = ExecutionFailed
	res.Error = err.Error()
	res.CompletedAt = time.Now()

	logger := ctxlog.FromContext(ctx)
	logger.Error("Workflow run failed", "error", err, "retriable", !step.IsNonRetriable(err))
	if e.executions != nil {
		if ferr := e.executions.FinishExecution(ctx, res.RunID, ExecutionFailed, res.Error, res.CompletedAt); ferr != nil {
			logger.Error("Failed to record execution result", "error", ferr)
		}
	}
	return res, err
}
