package workflow

import (
	"context"
	"fmt"
	"runtime/debug"

	"connectflow/pkg/ctxlog"
	"connectflow/pkg/realtime"
	"connectflow/pkg/step"
)

// Request is everything an executor receives for one node of one run.
type Request struct {
	NodeID   string
	NodeType NodeType
	Data     map[string]any
	Context  Context
	UserID   string
	Steps    step.Runner
	Status   StatusReporter
}

// NodeExecutor performs the work of one node type. It returns the context it
// received plus the node's own contribution.
type NodeExecutor interface {
	Execute(ctx context.Context, req Request) (Context, error)
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ctx context.Context, req Request) (Context, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Context, error) {
	return f(ctx, req)
}

// safeExecute runs exec and converts a panic into an ExecutorPanicError. The
// node is reported as failed so observers never see it stuck in loading.
func safeExecute(ctx context.Context, exec NodeExecutor, req Request) (out Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &ExecutorPanicError{NodeID: req.NodeID, Value: r, Stack: debug.Stack()}
			ctxlog.FromContext(ctx).Error("Executor panicked", "error", perr, "stack", string(perr.Stack))
			req.Status.Report(ctx, realtime.StatusError)
			out, err = Context{}, perr
		}
	}()
	return exec.Execute(ctx, req)
}

// StatusReporter publishes status transitions of one node. Publish failures
// are logged and never returned.
type StatusReporter struct {
	pub     realtime.Publisher
	channel string
	nodeID  string
}

func NewStatusReporter(pub realtime.Publisher, t NodeType, nodeID string) StatusReporter {
	return StatusReporter{pub: pub, channel: t.Channel(), nodeID: nodeID}
}

func (s StatusReporter) Report(ctx context.Context, status realtime.Status) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, s.channel, realtime.StatusUpdate{NodeID: s.nodeID, Status: status}); err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to publish node status",
			"channel", s.channel, "nodeId", s.nodeID, "status", status, "error", err)
	}
}

// Registry maps every node type to its executor. It is read-only after
// construction.
type Registry struct {
	executors map[NodeType]NodeExecutor
}

// NewRegistry returns a Registry, failing unless executors holds a non-nil
// executor for every type in AllNodeTypes and nothing else.
func NewRegistry(executors map[NodeType]NodeExecutor) (*Registry, error) {
	m := make(map[NodeType]NodeExecutor, len(AllNodeTypes))
	for t, exec := range executors {
		if !t.Valid() {
			return nil, fmt.Errorf("registry: unknown node type %q", string(t))
		}
		if exec == nil {
			return nil, fmt.Errorf("registry: nil executor for node type %q", string(t))
		}
		m[t] = exec
	}
	for _, t := range AllNodeTypes {
		if _, ok := m[t]; !ok {
			return nil, fmt.Errorf("registry: missing executor for node type %q", string(t))
		}
	}
	return &Registry{executors: m}, nil
}

// Get returns the executor for t.
func (r *Registry) Get(t NodeType) (NodeExecutor, error) {
	exec, ok := r.executors[t]
	if !ok {
		return nil, &UnregisteredNodeTypeError{Type: t}
	}
	return exec, nil
}
