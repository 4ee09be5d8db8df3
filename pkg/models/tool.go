package models

import (
	"encoding/json"
	"time"
)

// ToolKind identifies how a tool is invoked.
type ToolKind string

const (
	// ToolKindHTTP invokes a URL template over HTTP.
	ToolKindHTTP ToolKind = "http"

	// ToolKindFunction evaluates a declared expression in an isolated
	// sandbox process.
	ToolKindFunction ToolKind = "function"
)

// SessionParam is the parameter name the invoker auto-injects with the
// calling session's ID when the tool declares it and the caller omitted it.
const SessionParam = "session_id"

// ToolDefinition describes a named external capability.
//
// Definitions are read-only to the pipeline; an administrative surface
// owns creation and updates.
type ToolDefinition struct {
	// Name uniquely identifies the tool.
	Name string `json:"name"`

	// Description is shown to the planner's completion provider so it can
	// decide when the tool applies.
	Description string `json:"description"`

	// Kind selects the invocation mechanism: http or function.
	Kind ToolKind `json:"kind"`

	// Method is the HTTP method for http tools (GET, POST, ...).
	Method string `json:"method,omitempty"`

	// URLTemplate is the endpoint with {param} placeholders for http tools.
	URLTemplate string `json:"url_template,omitempty"`

	// BodyParams lists parameter names bound into the request body.
	BodyParams []string `json:"body_params,omitempty"`

	// QueryParams lists parameter names bound into the query string.
	QueryParams []string `json:"query_params,omitempty"`

	// Expression is the sandboxed expression for function tools.
	Expression string `json:"expression,omitempty"`

	// Schema optionally constrains parameters as a JSON Schema document.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Active gates whether the tool may be invoked or planned against.
	Active bool `json:"active"`

	// RateLimit is the per-minute invocation ceiling; 0 means unlimited.
	RateLimit int `json:"rate_limit,omitempty"`
}

// ParamNames returns the parameter names a caller is expected to supply:
// body parameters plus query parameters, minus any parameter the runtime
// injects automatically.
func (t *ToolDefinition) ParamNames() []string {
	names := make([]string, 0, len(t.BodyParams)+len(t.QueryParams))
	seen := map[string]bool{SessionParam: true}
	for _, lists := range [][]string{t.BodyParams, t.QueryParams} {
		for _, name := range lists {
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// ExpectsSessionParam reports whether the tool declares session_id as a
// bound parameter.
func (t *ToolDefinition) ExpectsSessionParam() bool {
	for _, lists := range [][]string{t.BodyParams, t.QueryParams} {
		for _, name := range lists {
			if name == SessionParam {
				return true
			}
		}
	}
	return false
}

// ExecutionStatus is the lifecycle state of a tool execution record.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ToolExecution is the durable audit record for one tool invocation.
//
// Valid status transitions are pending -> running -> completed|failed;
// records are never deleted by the pipeline.
type ToolExecution struct {
	// ID is the unique record identifier.
	ID string `json:"id"`

	// SessionID is the session the invocation ran on behalf of.
	SessionID string `json:"session_id"`

	// ToolName is the invoked tool.
	ToolName string `json:"tool_name"`

	// Input is the parameter map passed to the tool.
	Input map[string]any `json:"input,omitempty"`

	// Output is the raw result on success.
	Output string `json:"output,omitempty"`

	// Error is the failure message on error.
	Error string `json:"error,omitempty"`

	// Status is the lifecycle state.
	Status ExecutionStatus `json:"status"`

	// Duration is wall-clock time from invocation start to settlement.
	Duration time.Duration `json:"duration"`

	// CreatedAt is when the invocation started.
	CreatedAt time.Time `json:"created_at"`

	// CompletedAt is when the record was finalized.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
