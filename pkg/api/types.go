package api

// ToolState describes the lifecycle phase of a tool invocation.
type ToolState string

const (
	ToolStateRunning  ToolState = "running"
	ToolStateDone     ToolState = "done"
	ToolStateFailed   ToolState = "failed"
	ToolStateTimeout  ToolState = "timeout"
	ToolStateCanceled ToolState = "canceled"
)

// ToolInvocation is one tool call observed within a run, identified by its
// req_id. Pointer fields distinguish "not reported yet" from zero values.
type ToolInvocation struct {
	ReqID         string    `json:"req_id"`
	AgentID       string    `json:"agent_id,omitempty"`
	ToolName      string    `json:"tool_name,omitempty"`
	ToolCallID    string    `json:"tool_call_id,omitempty"`
	State         ToolState `json:"state,omitempty"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	OK            *bool     `json:"ok,omitempty"`
	Canceled      *bool     `json:"canceled,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	ResultPreview string    `json:"result_preview,omitempty"`
}

// Terminal reports whether a final outcome has been recorded for the
// invocation. Once terminal, status updates must not modify it.
func (t *ToolInvocation) Terminal() bool {
	if t.OK != nil || t.Canceled != nil || t.ExitCode != nil || t.Error != "" {
		return true
	}
	switch t.State {
	case ToolStateDone, ToolStateFailed, ToolStateTimeout, ToolStateCanceled:
		return true
	}
	return false
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	LastSeq   int64  `json:"last_seq,omitempty"`
}

// Run is the full run detail, including the invocation snapshot the gateway
// knows about at response time.
type Run struct {
	RunSummary
	Invocations []ToolInvocation `json:"invocations,omitempty"`
}

// CreateRunRequest asks the gateway to start a new run.
type CreateRunRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Model   string `json:"model,omitempty"`
	Input   string `json:"input,omitempty"`
}

// ErrorResponse is the error body returned by gateway endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
