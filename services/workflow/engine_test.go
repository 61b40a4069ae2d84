package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectflow/pkg/realtime"
	"connectflow/pkg/step"
)

// stubRepo implements WorkflowRepo for testing without a database.
type stubRepo struct {
	workflow *Workflow
	err      error
}

func (r *stubRepo) Get(_ context.Context, _ string) (*Workflow, error) {
	return r.workflow, r.err
}

// memExecutions is an in-memory ExecutionRepo.
type memExecutions struct {
	mu    sync.Mutex
	execs map[string]*Execution
}

func newMemExecutions() *memExecutions {
	return &memExecutions{execs: map[string]*Execution{}}
}

func (m *memExecutions) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exec
	m.execs[exec.ID] = &cp
	return nil
}

func (m *memExecutions) MarkRunning(_ context.Context, id, workflowID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		exec = &Execution{ID: id, WorkflowID: workflowID, StartedAt: startedAt}
		m.execs[id] = exec
	}
	exec.Status = ExecutionRunning
	return nil
}

func (m *memExecutions) FinishExecution(_ context.Context, id string, status ExecutionStatus, errMsg string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec, ok := m.execs[id]; ok {
		exec.Status = status
		exec.Error = errMsg
		exec.CompletedAt = &completedAt
	}
	return nil
}

func (m *memExecutions) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, nil
	}
	cp := *exec
	return &cp, nil
}

func (m *memExecutions) ListExecutions(_ context.Context, workflowID string, limit int) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Execution
	for _, exec := range m.execs {
		if exec.WorkflowID == workflowID {
			out = append(out, *exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// callLog records the order executors ran in and what context they saw.
type callLog struct {
	mu    sync.Mutex
	order []string
	seen  map[string][]string
}

func newCallLog() *callLog {
	return &callLog{seen: map[string][]string{}}
}

func (l *callLog) record(req Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, req.NodeID)
	l.seen[req.NodeID] = req.Context.Keys()
}

// testRegistry gives every node type an executor that records the call,
// publishes its status and stores {"ran": true} under the node id.
func testRegistry(t *testing.T, log *callLog, overrides map[NodeType]NodeExecutor) *Registry {
	t.Helper()
	executors := make(map[NodeType]NodeExecutor, len(AllNodeTypes))
	for _, nt := range AllNodeTypes {
		executors[nt] = ExecutorFunc(func(ctx context.Context, req Request) (Context, error) {
			log.record(req)
			req.Status.Report(ctx, realtime.StatusLoading)
			req.Status.Report(ctx, realtime.StatusSuccess)
			return req.Context.With(req.NodeID, map[string]any{"ran": true}), nil
		})
	}
	for nt, exec := range overrides {
		executors[nt] = exec
	}
	registry, err := NewRegistry(executors)
	require.NoError(t, err)
	return registry
}

const testWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

// chainWorkflow is trigger A, then HTTP B, then OpenAI C, with the nodes
// stored out of order.
func chainWorkflow() *Workflow {
	return &Workflow{
		ID:     testWorkflowID,
		UserID: "user-1",
		Name:   "Chain",
		Nodes: []Node{
			node("C", NodeOpenAI),
			node("A", NodeManualTrigger),
			node("B", NodeHTTPRequest),
		},
		Connections: []Connection{conn("A", "B"), conn("B", "C")},
	}
}

type engineFixture struct {
	engine *Engine
	log    *callLog
	execs  *memExecutions
	rec    *realtime.Recorder
	steps  *step.MemoryStore
}

func newEngineFixture(t *testing.T, wf *Workflow, overrides map[NodeType]NodeExecutor) *engineFixture {
	t.Helper()
	f := &engineFixture{
		log:   newCallLog(),
		execs: newMemExecutions(),
		rec:   &realtime.Recorder{},
		steps: step.NewMemoryStore(),
	}
	f.engine = NewEngine(testRegistry(t, f.log, overrides), EngineOptions{
		Workflows:  &stubRepo{workflow: wf},
		Executions: f.execs,
		Steps:      f.steps,
		Publisher:  f.rec,
	})
	return f
}

func TestEngine_RunsInDependencyOrder(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), nil)

	res, err := f.engine.Execute(context.Background(), TriggerEvent{
		WorkflowID:  testWorkflowID,
		InitialData: map[string]any{"postId": 1},
	})

	require.NoError(t, err)
	assert.Equal(t, ExecutionSuccess, res.Status)
	assert.Equal(t, []string{"A", "B", "C"}, res.Order)
	assert.Equal(t, []string{"A", "B", "C"}, f.log.order)
	assert.Equal(t, []string{"postId"}, f.log.seen["A"])
	assert.Equal(t, []string{"A", "postId"}, f.log.seen["B"])
	assert.Equal(t, []string{"A", "B", "postId"}, f.log.seen["C"])
	assert.Equal(t, []string{"A", "B", "C", "postId"}, res.Context.Keys())

	require.Len(t, res.Steps, 3)
	for i, s := range res.Steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.Equal(t, "completed", s.Status)
	}

	exec, err := f.execs.GetExecution(context.Background(), res.RunID)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionSuccess, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
}

func TestEngine_PublishesStatusPerNode(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), nil)

	_, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})
	require.NoError(t, err)

	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, []realtime.Status{realtime.StatusLoading, realtime.StatusSuccess}, f.rec.ForNode(id))
	}
	assert.Equal(t, NodeHTTPRequest.Channel(), f.rec.Messages()[2].Channel)
}

func TestEngine_SeedsAPIPayload(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), nil)

	res, err := f.engine.Execute(context.Background(), TriggerEvent{
		WorkflowID:  testWorkflowID,
		UserID:      "user-1",
		API:         map[string]any{"orderId": "o-1"},
		InitialData: map[string]any{"ignored": true},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, f.log.seen["A"])
	v, ok := res.Context.Get("api")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"orderId": "o-1"}, v)
}

func TestEngine_EmptySeed(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), nil)

	_, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})

	require.NoError(t, err)
	assert.Empty(t, f.log.seen["A"])
}

func TestEngine_StopsAtFirstFailure(t *testing.T) {
	boom := errors.New("upstream exploded")
	f := newEngineFixture(t, chainWorkflow(), map[NodeType]NodeExecutor{
		NodeHTTPRequest: ExecutorFunc(func(ctx context.Context, req Request) (Context, error) {
			req.Status.Report(ctx, realtime.StatusLoading)
			req.Status.Report(ctx, realtime.StatusError)
			return Context{}, boom
		}),
	})

	res, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "node B (HTTP_REQUEST)")
	require.NotNil(t, res)
	assert.Equal(t, ExecutionFailed, res.Status)
	assert.Equal(t, []string{"A"}, f.log.order, "C must not run")
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "error", res.Steps[1].Status)
	assert.Empty(t, f.rec.ForNode("C"))

	exec, _ := f.execs.GetExecution(context.Background(), res.RunID)
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "upstream exploded")
}

func TestEngine_ExecutorPanicFailsRun(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), map[NodeType]NodeExecutor{
		NodeHTTPRequest: ExecutorFunc(func(ctx context.Context, req Request) (Context, error) {
			req.Status.Report(ctx, realtime.StatusLoading)
			var m map[string]int
			m["boom"]++
			return req.Context, nil
		}),
	})

	var (
		res *RunResult
		err error
	)
	require.NotPanics(t, func() {
		res, err = f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})
	})

	require.Error(t, err)
	var perr *ExecutorPanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "B", perr.NodeID)
	assert.True(t, step.IsNonRetriable(err))
	assert.Equal(t, ExecutionFailed, res.Status)
	assert.Equal(t, []string{"A"}, f.log.order)
	assert.Equal(t, []realtime.Status{realtime.StatusLoading, realtime.StatusError}, f.rec.ForNode("B"))
	assert.Empty(t, f.rec.ForNode("C"))

	exec, _ := f.execs.GetExecution(context.Background(), res.RunID)
	require.NotNil(t, exec)
	assert.Equal(t, ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "executor panic in node B")
}

func TestEngine_CycleRunsNothing(t *testing.T) {
	wf := chainWorkflow()
	wf.Connections = append(wf.Connections, conn("C", "B"))
	f := newEngineFixture(t, wf, nil)

	res, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})

	var cycle *CycleDetectedError
	require.ErrorAs(t, err, &cycle)
	assert.True(t, step.IsNonRetriable(err))
	assert.Empty(t, f.log.order)
	assert.Empty(t, f.rec.Messages())
	assert.Equal(t, ExecutionFailed, res.Status)
}

func TestEngine_DisconnectedNodeRunsNothing(t *testing.T) {
	wf := chainWorkflow()
	wf.Nodes = append(wf.Nodes, node("D", NodeDiscord))
	f := newEngineFixture(t, wf, nil)

	_, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})

	var disconnected *DisconnectedNodeError
	require.ErrorAs(t, err, &disconnected)
	assert.Equal(t, "D", disconnected.NodeID)
	assert.Empty(t, f.log.order)
}

func TestEngine_EmptyWorkflowSucceeds(t *testing.T) {
	f := newEngineFixture(t, &Workflow{ID: testWorkflowID, UserID: "user-1"}, nil)

	res, err := f.engine.Execute(context.Background(), TriggerEvent{
		WorkflowID:  testWorkflowID,
		InitialData: map[string]any{"x": "y"},
	})

	require.NoError(t, err)
	assert.Equal(t, ExecutionSuccess, res.Status)
	assert.Empty(t, res.Order)
	assert.Equal(t, []string{"x"}, res.Context.Keys())
}

func TestEngine_WorkflowNotFound(t *testing.T) {
	f := newEngineFixture(t, nil, nil)

	res, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})

	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.True(t, step.IsNonRetriable(err))
	exec, _ := f.execs.GetExecution(context.Background(), res.RunID)
	assert.Nil(t, exec, "no execution record for a missing workflow")
}

func TestEngine_MissingWorkflowID(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), nil)

	_, err := f.engine.Execute(context.Background(), TriggerEvent{})

	require.Error(t, err)
	assert.True(t, step.IsNonRetriable(err))
	assert.Empty(t, f.log.order)
}

func TestEngine_RepositoryErrorIsRetriable(t *testing.T) {
	log := newCallLog()
	engine := NewEngine(testRegistry(t, log, nil), EngineOptions{
		Workflows: &stubRepo{err: errors.New("connection reset")},
	})

	_, err := engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})

	require.Error(t, err)
	assert.False(t, step.IsNonRetriable(err))
}

func TestEngine_OwnerMismatch(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), nil)

	_, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID, UserID: "intruder"})

	assert.ErrorIs(t, err, ErrOwnerMismatch)
	assert.True(t, step.IsNonRetriable(err))
	assert.Empty(t, f.log.order)
}

func TestEngine_ExecutorsActAsOwner(t *testing.T) {
	var users []string
	f := newEngineFixture(t, chainWorkflow(), map[NodeType]NodeExecutor{
		NodeOpenAI: ExecutorFunc(func(_ context.Context, req Request) (Context, error) {
			users = append(users, req.UserID)
			return req.Context, nil
		}),
	})

	_, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})

	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, users)
}

func TestEngine_RedeliveryReplaysCompletedSteps(t *testing.T) {
	var calls int
	failOnce := true
	f := newEngineFixture(t, chainWorkflow(), map[NodeType]NodeExecutor{
		NodeHTTPRequest: ExecutorFunc(func(ctx context.Context, req Request) (Context, error) {
			v, err := step.Do(ctx, req.Steps, "fetch", func(context.Context) (int, error) {
				calls++
				return 42, nil
			})
			if err != nil {
				return Context{}, err
			}
			return req.Context.With("fetched", v), nil
		}),
		NodeOpenAI: ExecutorFunc(func(_ context.Context, req Request) (Context, error) {
			if failOnce {
				failOnce = false
				return Context{}, errors.New("provider timeout")
			}
			return req.Context.With("summary", "ok"), nil
		}),
	})
	ev := TriggerEvent{RunID: "run-fixed", WorkflowID: testWorkflowID}

	_, err := f.engine.Execute(context.Background(), ev)
	require.Error(t, err)
	assert.False(t, step.IsNonRetriable(err))

	res, err := f.engine.Execute(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "run-fixed", res.RunID)
	assert.Equal(t, []string{"B/fetch"}, f.steps.Steps("run-fixed"))
	v, _ := res.Context.Get("fetched")
	assert.Equal(t, 42, v)
}

func TestEngine_DistinctRunsDoNotShareSteps(t *testing.T) {
	var calls int
	f := newEngineFixture(t, chainWorkflow(), map[NodeType]NodeExecutor{
		NodeHTTPRequest: ExecutorFunc(func(ctx context.Context, req Request) (Context, error) {
			_, err := step.Do(ctx, req.Steps, "fetch", func(context.Context) (int, error) {
				calls++
				return calls, nil
			})
			return req.Context, err
		}),
	})

	_, err := f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})
	require.NoError(t, err)
	_, err = f.engine.Execute(context.Background(), TriggerEvent{WorkflowID: testWorkflowID})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestEngine_ConcurrentRuns(t *testing.T) {
	f := newEngineFixture(t, chainWorkflow(), nil)

	var wg sync.WaitGroup
	results := make([]*RunResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Execute(context.Background(), TriggerEvent{
				WorkflowID:  testWorkflowID,
				InitialData: map[string]any{"i": i},
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res)
		v, _ := res.Context.Get("i")
		assert.Equal(t, i, v)
	}
}
