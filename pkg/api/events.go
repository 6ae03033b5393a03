package api

import "encoding/json"

// Envelope kinds carried on the run event stream.
const (
	EventKindRunEvent   = "run.event"
	EventKindReplayDone = "replay.done"
	EventKindHeartbeat  = "heartbeat"
)

// Payload kinds carried inside run.event envelopes. Kinds not listed here
// are ignored by consumers.
const (
	PayloadToolStatus = "tool.status"
	PayloadToolResult = "tool.result"
)

// Envelope is the outer JSON wrapper of every message on the event stream.
// Run-scoped fields are only set for run.event envelopes.
type Envelope struct {
	Type      string          `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ToolStatusPayload reports intermediate progress of one tool call.
type ToolStatusPayload struct {
	Type       string    `json:"type"`
	ReqID      string    `json:"req_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	State      ToolState `json:"state,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
}

// ToolResultPayload carries the final outcome of one tool call.
type ToolResultPayload struct {
	Type          string `json:"type"`
	ReqID         string `json:"req_id"`
	OK            *bool  `json:"ok,omitempty"`
	Canceled      *bool  `json:"canceled,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Error         string `json:"error,omitempty"`
	ResultPreview string `json:"result_preview,omitempty"`
	DurationMs    *int64 `json:"duration_ms,omitempty"`
}
