package workflow

import (
	"strconv"
	"time"
)

// NodeType is the closed set of node kinds a workflow graph may contain.
type NodeType string

const (
	NodeInitial           NodeType = "INITIAL"
	NodeManualTrigger     NodeType = "MANUAL_TRIGGER"
	NodeGoogleFormTrigger NodeType = "GOOGLE_FORM_TRIGGER"
	NodeStripeTrigger     NodeType = "STRIPE_TRIGGER"
	NodeAPI               NodeType = "API"
	NodeHTTPRequest       NodeType = "HTTP_REQUEST"
	NodeOpenAI            NodeType = "OPENAI"
	NodeGemini            NodeType = "GEMINI"
	NodeAnthropic         NodeType = "ANTHROPIC"
	NodeDeepSeek          NodeType = "DEEPSEEK"
	NodePerplexity        NodeType = "PERPLEXITY"
	NodeDiscord           NodeType = "DISCORD"
	NodeGmail             NodeType = "GMAIL"
	NodeCustomMail        NodeType = "CUSTOM_MAIL"
	NodeInstagram         NodeType = "INSTAGRAM"
)

// AllNodeTypes lists every node type. A Registry must cover all of them.
var AllNodeTypes = []NodeType{
	NodeInitial,
	NodeManualTrigger,
	NodeGoogleFormTrigger,
	NodeStripeTrigger,
	NodeAPI,
	NodeHTTPRequest,
	NodeOpenAI,
	NodeGemini,
	NodeAnthropic,
	NodeDeepSeek,
	NodePerplexity,
	NodeDiscord,
	NodeGmail,
	NodeCustomMail,
	NodeInstagram,
}

type nodeTypeInfo struct {
	display string
	channel string
	trigger bool
}

var nodeTypes = map[NodeType]nodeTypeInfo{
	NodeInitial:           {"Initial", "initial-execution", true},
	NodeManualTrigger:     {"Manual Trigger", "manual-trigger-execution", true},
	NodeGoogleFormTrigger: {"Google Form Trigger", "google-form-trigger-execution", true},
	NodeStripeTrigger:     {"Stripe Trigger", "stripe-trigger-execution", true},
	NodeAPI:               {"API Trigger", "api-trigger-execution", true},
	NodeHTTPRequest:       {"HTTP Request", "http-request-execution", false},
	NodeOpenAI:            {"OpenAI", "openai-execution", false},
	NodeGemini:            {"Gemini", "gemini-execution", false},
	NodeAnthropic:         {"Anthropic", "anthropic-execution", false},
	NodeDeepSeek:          {"DeepSeek", "deepseek-execution", false},
	NodePerplexity:        {"Perplexity", "perplexity-execution", false},
	NodeDiscord:           {"Discord", "discord-execution", false},
	NodeGmail:             {"Gmail", "gmail-execution", false},
	NodeCustomMail:        {"Custom Mail", "custom-mail-execution", false},
	NodeInstagram:         {"Instagram", "instagram-execution", false},
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	_, ok := nodeTypes[t]
	return ok
}

// IsTrigger reports whether t starts a run rather than acting on its context.
// Trigger nodes need no variableName.
func (t NodeType) IsTrigger() bool { return nodeTypes[t].trigger }

// Channel is the realtime channel status updates for t are published on.
func (t NodeType) Channel() string {
	if info, ok := nodeTypes[t]; ok {
		return info.channel
	}
	return "unknown-execution"
}

// DisplayName is the human-readable name used in error messages.
func (t NodeType) DisplayName() string {
	if info, ok := nodeTypes[t]; ok {
		return info.display
	}
	return string(t)
}

// Workflow is a persisted workflow definition with its nodes and connections.
type Workflow struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Name        string       `json:"name"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Node is a single unit of work in a workflow graph. Nodes are kept in
// creation order; the sequencer uses that order to break ties.
type Node struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflowId"`
	Type       NodeType       `json:"type"`
	Position   Position       `json:"position"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Connection is a directed dependency between two nodes of one workflow.
type Connection struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflowId"`
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
}

type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// Execution is the persisted record of one run.
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflowId"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// TriggerEvent starts exactly one run of a workflow.
type TriggerEvent struct {
	RunID         string         `json:"runId,omitempty"`
	WorkflowID    string         `json:"workflowId"`
	UserID        string         `json:"userId,omitempty"`
	InitialData   map[string]any `json:"initialData,omitempty"`
	API           map[string]any `json:"api,omitempty"`
	TriggerNodeID string         `json:"triggerNodeId,omitempty"`
}

// ExecuteRequest is the JSON body of a manual execution.
type ExecuteRequest struct {
	InitialData map[string]any `json:"initialData"`
	// UserID, when set, must own the workflow.
	UserID string `json:"userId,omitempty"`
}

// TriggerRequest is the JSON body of an API trigger call.
type TriggerRequest struct {
	Payload map[string]any `json:"payload"`
}

// RunResult is returned by Engine.Execute.
type RunResult struct {
	RunID       string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId"`
	Status      ExecutionStatus `json:"status"`
	Order       []string        `json:"order"`
	Context     Context         `json:"context"`
	Steps       []ExecutionStep `json:"steps"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt"`
}

// ExecutionStep is the outcome of executing a single node.
type ExecutionStep struct {
	StepNumber int      `json:"stepNumber"`
	NodeID     string   `json:"nodeId"`
	NodeType   NodeType `json:"nodeType"`
	Status     string   `json:"status"`
	Duration   int64    `json:"duration"`
	Error      string   `json:"error,omitempty"`
}

// Credential is an owner-scoped secret bundle referenced from node data.
// Value holds the primary secret (usually an API key); Data holds any
// structured fields the credential type needs.
type Credential struct {
	ID     string         `json:"id"`
	UserID string         `json:"userId"`
	Type   NodeType       `json:"type"`
	Name   string         `json:"name"`
	Value  string         `json:"-"`
	Data   map[string]any `json:"-"`
}

// String returns the string field key of the credential data.
func (c *Credential) String(key string) string {
	switch v := c.Data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return toString(v)
	}
}

// Int returns the integer field key of the credential data, or def.
func (c *Credential) Int(key string, def int) int {
	switch v := c.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the boolean field key of the credential data.
func (c *Credential) Bool(key string) bool {
	switch v := c.Data[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
