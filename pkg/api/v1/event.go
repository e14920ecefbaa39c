package v1

import (
	"encoding/json"
	"time"
)

// StreamKind identifies one of the three logical observer streams
type StreamKind string

const (
	StreamUI      StreamKind = "ui"
	StreamSession StreamKind = "session"
	StreamLegion  StreamKind = "legion"
)

// StreamEventKind is the closed set of event kinds crossing the observer surface
type StreamEventKind string

const (
	StreamEventMessage            StreamEventKind = "message"
	StreamEventToolUse            StreamEventKind = "tool_use"
	StreamEventToolResult         StreamEventKind = "tool_result"
	StreamEventPermissionRequest  StreamEventKind = "permission_request"
	StreamEventPermissionResponse StreamEventKind = "permission_response"
	StreamEventStateChange        StreamEventKind = "state_change"
	StreamEventQueueUpdate        StreamEventKind = "queue_update"
	StreamEventComm               StreamEventKind = "comm"
	StreamEventMinionCreated      StreamEventKind = "minion_created"
	StreamEventMinionDisposed     StreamEventKind = "minion_disposed"
	StreamEventScheduleUpdated    StreamEventKind = "schedule_updated"
	StreamEventCompactionMarker   StreamEventKind = "compaction_marker"
	StreamEventHeartbeat          StreamEventKind = "heartbeat"
)

// StreamEvent is the envelope delivered to observer-hub subscribers.
// Seq is the resumable cursor position for log-backed streams (0 for
// live-only events such as heartbeats and ui snapshots).
type StreamEvent struct {
	Stream    StreamKind      `json:"stream"`
	SessionID string          `json:"session_id,omitempty"`
	LegionID  string          `json:"legion_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Kind      StreamEventKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ToolCallStatus tracks the lifecycle of one tool invocation
type ToolCallStatus string

const (
	ToolCallPending            ToolCallStatus = "pending"
	ToolCallPermissionRequired ToolCallStatus = "permission_required"
	ToolCallExecuting          ToolCallStatus = "executing"
	ToolCallCompleted          ToolCallStatus = "completed"
	ToolCallCancelled          ToolCallStatus = "cancelled"
	ToolCallError              ToolCallStatus = "error"
)

// ToolCall is the derived projection of one tool invocation within a session
type ToolCall struct {
	ToolUseID           string          `json:"tool_use_id"`
	SessionID           string          `json:"session_id"`
	Name                string          `json:"name"`
	Input               json.RawMessage `json:"input,omitempty"`
	Status              ToolCallStatus  `json:"status"`
	PermissionRequestID string          `json:"permission_request_id,omitempty"`
	PermissionDecision  string          `json:"permission_decision,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	IsError             bool            `json:"is_error"`
	StartedAt           time.Time       `json:"started_at"`
	EndedAt             *time.Time      `json:"ended_at,omitempty"`
}

// PermissionSuggestionType is the closed set of suggestion directives
type PermissionSuggestionType string

const (
	SuggestionAddAllowedTool PermissionSuggestionType = "add_allowed_tool"
	SuggestionSetMode        PermissionSuggestionType = "set_mode"
	SuggestionExtendRule     PermissionSuggestionType = "extend_suggestion_rule"
)

// PermissionSuggestion is a structured directive an agent may attach to a
// permission request; accepted suggestions are applied before the decision
// is forwarded.
type PermissionSuggestion struct {
	Type   PermissionSuggestionType `json:"type"`
	Tool   string                   `json:"tool,omitempty"`
	Mode   PermissionMode           `json:"mode,omitempty"`
	Match  string                   `json:"match,omitempty"`
	Effect string                   `json:"effect,omitempty"`
}

// PermissionRequest is a runtime prompt gating a tool-use on explicit approval
type PermissionRequest struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	ToolUseID   string                 `json:"tool_use_id"`
	ToolName    string                 `json:"tool_name"`
	Input       json.RawMessage        `json:"input,omitempty"`
	Suggestions []PermissionSuggestion `json:"suggestions,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	Decision    string                 `json:"decision,omitempty"` // empty until decided
	Responder   string                 `json:"responder,omitempty"`
}

// Permission decision behaviors
const (
	PermissionAllow = "allow"
	PermissionDeny  = "deny"
)

// PermissionDecision is the caller's answer to a permission request
type PermissionDecision struct {
	Behavior            string                 `json:"behavior"` // allow | deny
	ModifiedInput       map[string]interface{} `json:"modified_input,omitempty"`
	ApplySuggestions    bool                   `json:"apply_suggestions,omitempty"`
	SelectedSuggestions []int                  `json:"selected_suggestions,omitempty"`
	Message             string                 `json:"message,omitempty"` // deny reason
}
