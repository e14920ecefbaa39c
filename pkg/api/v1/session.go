package v1

import "time"

// SessionState represents the lifecycle state of a session
type SessionState string

const (
	SessionStateCreated     SessionState = "created"
	SessionStateStarting    SessionState = "starting"
	SessionStateActive      SessionState = "active"
	SessionStateTerminating SessionState = "terminating"
	SessionStateTerminated  SessionState = "terminated"
	SessionStateError       SessionState = "error"
)

// EffectiveStatus is the UI-facing combination of state and processing flag
type EffectiveStatus string

const (
	EffectiveStatusCreated       EffectiveStatus = "created"
	EffectiveStatusStarting      EffectiveStatus = "starting"
	EffectiveStatusIdle          EffectiveStatus = "idle"
	EffectiveStatusWorking       EffectiveStatus = "working"
	EffectiveStatusWaitingOnUser EffectiveStatus = "waiting_on_user"
	EffectiveStatusTerminating   EffectiveStatus = "terminating"
	EffectiveStatusTerminated    EffectiveStatus = "terminated"
	EffectiveStatusDisposed      EffectiveStatus = "disposed"
	EffectiveStatusError         EffectiveStatus = "error"
)

// PermissionMode mirrors the agent's permission modes
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModePlan        PermissionMode = "plan"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
)

// Session is one long-running conversation with an external agent process.
// A session participating in a legion is a minion.
type Session struct {
	ID                    string          `json:"id"`
	ProjectID             string          `json:"project_id"`
	ParentID              *string         `json:"parent_id,omitempty"`
	ChildIDs              []string        `json:"child_ids,omitempty"`
	Name                  string          `json:"name"`
	Role                  string          `json:"role,omitempty"`
	Model                 string          `json:"model,omitempty"`
	AgentKind             string          `json:"agent_kind"`
	InitialPermissionMode PermissionMode  `json:"initial_permission_mode"`
	CurrentPermissionMode PermissionMode  `json:"current_permission_mode"`
	AllowedTools          []string        `json:"allowed_tools,omitempty"`
	SystemPromptAppend    string          `json:"system_prompt_append,omitempty"`
	State                 SessionState    `json:"state"`
	Processing            bool            `json:"processing"`
	EffectiveStatus       EffectiveStatus `json:"effective_status"`
	Halted                bool            `json:"halted,omitempty"`
	Disposed              bool            `json:"disposed"`
	LastMessage           string          `json:"last_message,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	Timing                QueueTiming     `json:"timing"`
	TemplateID            string          `json:"template_id,omitempty"`
	TemplateRevision      int             `json:"template_revision,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"created_at"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	LastActiveAt          *time.Time      `json:"last_active_at,omitempty"`
}

// CreateSessionRequest for creating a new session
type CreateSessionRequest struct {
	ProjectID          string         `json:"project_id"`
	TemplateID         string         `json:"template_id,omitempty"`
	ParentID           string         `json:"parent_id,omitempty"`
	Name               string         `json:"name"`
	Role               string         `json:"role,omitempty"`
	Model              string         `json:"model,omitempty"`
	AgentKind          string         `json:"agent_kind,omitempty"`
	PermissionMode     PermissionMode `json:"permission_mode,omitempty"`
	AllowedTools       []string       `json:"allowed_tools,omitempty"`
	SystemPromptAppend string         `json:"system_prompt_append,omitempty"`
}

// PatchSessionRequest for partial session updates. Nil fields are untouched.
type PatchSessionRequest struct {
	Role               *string  `json:"role,omitempty"`
	Model              *string  `json:"model,omitempty"`
	AllowedTools       []string `json:"allowed_tools,omitempty"`
	SystemPromptAppend *string  `json:"system_prompt_append,omitempty"`
}

// Attachment accompanies user input (file path or inline content)
type Attachment struct {
	Type    string `json:"type"` // "file" or "image"
	Name    string `json:"name,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"` // base64 when inline
}

// QueueItemStatus tracks a pending-input queue entry
type QueueItemStatus string

const (
	QueueItemPending   QueueItemStatus = "pending"
	QueueItemRunning   QueueItemStatus = "running"
	QueueItemDone      QueueItemStatus = "done"
	QueueItemCancelled QueueItemStatus = "cancelled"
)

// QueueItem is one entry on a session's pending-input queue
type QueueItem struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"session_id"`
	Body        string                 `json:"body"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Origin      string                 `json:"origin"` // "user", "comm", "schedule"
	Status      QueueItemStatus        `json:"status"`
	EnqueuedAt  time.Time              `json:"enqueued_at"`
}

// QueueTiming controls how a session's dispatch loop drains its queue
type QueueTiming struct {
	DispatchDelayMs int  `json:"dispatch_delay_ms"`
	AutoDispatch    bool `json:"auto_dispatch"`
}
