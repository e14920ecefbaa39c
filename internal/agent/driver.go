// Package agent owns communication with external AI agent processes. Each
// session has exactly one Driver; variants are selected by agent kind.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Driver errors
var (
	ErrNotStarted     = errors.New("agent: driver not started")
	ErrAlreadyStarted = errors.New("agent: driver already started")
	ErrStopped        = errors.New("agent: driver stopped")
	ErrUnknownKind    = errors.New("agent: unknown agent kind")
)

// EventKind identifies a typed event surfaced by a driver.
type EventKind string

const (
	// EventSystemInit reports the agent finished its init handshake.
	EventSystemInit EventKind = "system_init"
	// EventAssistantText carries one assistant text block.
	EventAssistantText EventKind = "assistant_text"
	// EventAssistantThinking carries one thinking block.
	EventAssistantThinking EventKind = "assistant_thinking"
	// EventToolUse reports the agent invoking a tool.
	EventToolUse EventKind = "tool_use"
	// EventToolResult reports the outcome of a tool invocation.
	EventToolResult EventKind = "tool_result"
	// EventPermissionRequest asks for approval of a pending tool-use. The
	// driver never blocks on it; the decision arrives via RespondToPermission.
	EventPermissionRequest EventKind = "permission_request"
	// EventResult ends the current turn.
	EventResult EventKind = "result"
	// EventDriverDown reports an unexpected agent exit. Emitted at most once.
	EventDriverDown EventKind = "driver_down"
)

// Event is a typed event emitted by a driver. Payload fields beyond the
// envelope (ids, names, error flags) are opaque to the runtime.
type Event struct {
	Kind EventKind

	// EventSystemInit
	AgentSessionID string

	// EventAssistantText, EventAssistantThinking, EventResult
	Text  string
	Model string

	// EventToolUse, EventToolResult, EventPermissionRequest
	ToolUseID string
	ToolName  string
	Input     json.RawMessage

	// EventToolResult, EventResult
	Result  json.RawMessage
	IsError bool

	// EventPermissionRequest
	RequestID   string
	Suggestions []v1.PermissionSuggestion

	// EventDriverDown
	Err error
}

// StartParams configures one driver start.
type StartParams struct {
	SessionID          string
	WorkingDir         string
	Model              string
	PermissionMode     v1.PermissionMode
	AllowedTools       []string
	SystemPromptAppend string

	// DebugLogDir receives the per-session agent debug log. Empty disables it.
	DebugLogDir string
}

// PermissionResult is the decision forwarded to the agent for one
// permission request.
type PermissionResult struct {
	Behavior     string // v1.PermissionAllow or v1.PermissionDeny
	UpdatedInput json.RawMessage
	AllowedRules []string // extra always-allow rules granted with the decision
	Message      string   // deny reason surfaced to the model
	Interrupt    bool     // deny and abort the turn
}

// Driver encapsulates one external agent process (or simulator). All methods
// are safe for concurrent use. Events are delivered on the Events channel in
// emission order; the channel is closed after the driver has fully stopped.
type Driver interface {
	// Start spawns the agent and begins the init handshake. EventSystemInit
	// signals readiness; EventDriverDown signals failure.
	Start(ctx context.Context, params StartParams) error

	// Events returns the typed event stream.
	Events() <-chan Event

	// Send forwards user input. Sends issued before the driver is ready or
	// while another send is in flight are queued and dispatched FIFO.
	Send(ctx context.Context, text string) error

	// RespondToPermission answers a surfaced permission request.
	RespondToPermission(ctx context.Context, requestID string, result PermissionResult) error

	// SetMode switches the agent permission mode.
	SetMode(ctx context.Context, mode v1.PermissionMode) error

	// Interrupt aborts the in-flight turn.
	Interrupt(ctx context.Context) error

	// Stop terminates the agent: graceful signal, then hard kill after the
	// grace period. Idempotent.
	Stop(ctx context.Context) error
}
