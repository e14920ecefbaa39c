package session

import (
	"encoding/json"

	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Event log record kinds. The set is closed; comm records appear only in
// legion logs (written by the comm router).
const (
	LogUserInput          = "user_input"
	LogAssistantText      = "assistant_text"
	LogAssistantThinking  = "assistant_thinking"
	LogToolUse            = "tool_use"
	LogToolResult         = "tool_result"
	LogPermissionRequest  = "permission_request"
	LogPermissionResponse = "permission_response"
	LogSystemNotice       = "system_notice"
	LogStateChange        = "state_change"
	LogCompactionMarker   = "compaction_marker"
)

// UserInputPayload records one dispatched queue item.
type UserInputPayload struct {
	Text        string          `json:"text"`
	Attachments []v1.Attachment `json:"attachments,omitempty"`
	Origin      string          `json:"origin"`
	QueueItemID string          `json:"queue_item_id,omitempty"`
}

// AssistantTextPayload records one assistant text block.
type AssistantTextPayload struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// AssistantThinkingPayload records one thinking block.
type AssistantThinkingPayload struct {
	Text string `json:"text"`
}

// ToolUsePayload records the agent invoking a tool.
type ToolUsePayload struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload records the terminal outcome of a tool invocation.
// Synthetic results are written by the runtime when the real result can no
// longer arrive, so replays always see a complete tool lifecycle.
type ToolResultPayload struct {
	ToolUseID string          `json:"tool_use_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

// PermissionRequestPayload records a tool-use gated on approval.
type PermissionRequestPayload struct {
	RequestID   string                    `json:"request_id"`
	ToolUseID   string                    `json:"tool_use_id"`
	ToolName    string                    `json:"tool_name"`
	Input       json.RawMessage           `json:"input,omitempty"`
	Suggestions []v1.PermissionSuggestion `json:"suggestions,omitempty"`
}

// PermissionResponsePayload records the decision for a permission request.
// Synthetic denials are written on interrupt, restart, terminate, and driver
// exit.
type PermissionResponsePayload struct {
	RequestID string `json:"request_id"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Behavior  string `json:"behavior"`
	Responder string `json:"responder,omitempty"`
	Message   string `json:"message,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// StateChangePayload records a lifecycle transition, including the
// processing flag edges within active.
type StateChangePayload struct {
	From       v1.SessionState `json:"from"`
	To         v1.SessionState `json:"to"`
	Processing bool            `json:"processing"`
	Reason     string          `json:"reason,omitempty"`
}

// SystemNoticePayload records an operational note surfaced to observers.
type SystemNoticePayload struct {
	Text string `json:"text"`
}

// QueueUpdatePayload is the live-only (never logged) queue change event.
type QueueUpdatePayload struct {
	SessionID string         `json:"session_id"`
	Pending   int            `json:"pending"`
	Paused    bool           `json:"paused"`
	Running   *v1.QueueItem  `json:"running,omitempty"`
	Changed   *v1.QueueItem  `json:"changed,omitempty"`
	Timing    v1.QueueTiming `json:"timing"`
}

// StreamKindFor maps a log record kind onto the observer stream event kind.
func StreamKindFor(logKind string) v1.StreamEventKind {
	switch logKind {
	case LogUserInput, LogAssistantText, LogAssistantThinking, LogSystemNotice:
		return v1.StreamEventMessage
	case LogToolUse:
		return v1.StreamEventToolUse
	case LogToolResult:
		return v1.StreamEventToolResult
	case LogPermissionRequest:
		return v1.StreamEventPermissionRequest
	case LogPermissionResponse:
		return v1.StreamEventPermissionResponse
	case LogStateChange:
		return v1.StreamEventStateChange
	case LogCompactionMarker:
		return v1.StreamEventCompactionMarker
	default:
		return v1.StreamEventMessage
	}
}
