package v1

import "time"

// Template is a reusable seed for a minion. An update bumps the revision in
// place; sessions copy template values at creation and are not affected by
// later revisions.
type Template struct {
	ID             string         `json:"id"`
	Revision       int            `json:"revision"`
	Name           string         `json:"name"`
	AgentKind      string         `json:"agent_kind"`
	PermissionMode PermissionMode `json:"permission_mode"`
	AllowedTools   []string       `json:"allowed_tools,omitempty"`
	Model          string         `json:"model,omitempty"`
	InitContext    string         `json:"init_context,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CreateTemplateRequest for registering a new template
type CreateTemplateRequest struct {
	Name           string         `json:"name"`
	AgentKind      string         `json:"agent_kind,omitempty"`
	PermissionMode PermissionMode `json:"permission_mode,omitempty"`
	AllowedTools   []string       `json:"allowed_tools,omitempty"`
	Model          string         `json:"model,omitempty"`
	InitContext    string         `json:"init_context,omitempty"`
}

// UpdateTemplateRequest produces a new template revision. Nil fields carry
// over from the previous revision.
type UpdateTemplateRequest struct {
	Name           *string         `json:"name,omitempty"`
	AgentKind      *string         `json:"agent_kind,omitempty"`
	PermissionMode *PermissionMode `json:"permission_mode,omitempty"`
	AllowedTools   []string        `json:"allowed_tools,omitempty"`
	Model          *string         `json:"model,omitempty"`
	InitContext    *string         `json:"init_context,omitempty"`
}
