package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrOwnerMismatch    = errors.New("trigger user does not own workflow")
)

// ValidationError reports missing or invalid node configuration. It is never
// retried.
type ValidationError struct {
	NodeID   string
	NodeType NodeType
	Field    string
	Msg      string
}

func (e *ValidationError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Field + " is required"
	}
	return fmt.Sprintf("%s node %s: %s", e.NodeType.DisplayName(), e.NodeID, msg)
}

func (e *ValidationError) NonRetriable() bool { return true }

// Required returns a ValidationError for a missing field.
func Required(nodeID string, t NodeType, field string) *ValidationError {
	return &ValidationError{NodeID: nodeID, NodeType: t, Field: field}
}

// Invalid returns a ValidationError for a field with an unusable value.
func Invalid(nodeID string, t NodeType, field, format string, args ...any) *ValidationError {
	return &ValidationError{NodeID: nodeID, NodeType: t, Field: field, Msg: field + " " + fmt.Sprintf(format, args...)}
}

// CycleDetectedError is returned when the connections of a workflow do not
// form a DAG. NodeIDs are the nodes left unordered.
type CycleDetectedError struct {
	NodeIDs []string
}

func (e *CycleDetectedError) Error() string {
	return "workflow contains a cycle through nodes: " + strings.Join(e.NodeIDs, ", ")
}

func (e *CycleDetectedError) NonRetriable() bool { return true }

// UnregisteredNodeTypeError is returned for a node type without an executor.
type UnregisteredNodeTypeError struct {
	Type NodeType
}

func (e *UnregisteredNodeTypeError) Error() string {
	return fmt.Sprintf("no executor registered for node type %q", string(e.Type))
}

func (e *UnregisteredNodeTypeError) NonRetriable() bool { return true }

// DisconnectedNodeError is returned for an action node that has no
// connections at all and therefore can never receive trigger data.
type DisconnectedNodeError struct {
	NodeID string
	Type   NodeType
}

func (e *DisconnectedNodeError) Error() string {
	return fmt.Sprintf("%s node %s is not connected to the workflow", e.Type.DisplayName(), e.NodeID)
}

func (e *DisconnectedNodeError) NonRetriable() bool { return true }

// ExecutorPanicError is returned when an executor panics. The run cannot
// recover from it, so it is never retried.
type ExecutorPanicError struct {
	NodeID string
	Value  any
	Stack  []byte
}

func (e *ExecutorPanicError) Error() string {
	return fmt.Sprintf("executor panic in node %s: %v", e.NodeID, e.Value)
}

func (e *ExecutorPanicError) NonRetriable() bool { return true }
