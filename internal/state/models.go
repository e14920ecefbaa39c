// Package state provides durable metadata for projects, sessions, schedules,
// and templates. Entities are JSON files written atomically; reads go through
// copy-on-write snapshots so they never contend with writers.
package state

import (
	"time"

	v1 "github.com/legionhq/legion/pkg/api/v1"
)

// Project groups sessions. A legion project additionally hosts minion comms
// and schedules.
type Project struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	WorkingDir           string    `json:"working_dir"`
	Rank                 int       `json:"rank"`
	Expanded             bool      `json:"expanded"`
	IsLegion             bool      `json:"is_legion"`
	SessionIDs           []string  `json:"session_ids"`
	MaxConcurrentMinions int       `json:"max_concurrent_minions"`
	Version              int64     `json:"version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ToAPI converts the project to its API representation.
func (p *Project) ToAPI() v1.Project {
	return v1.Project{
		ID:                   p.ID,
		Name:                 p.Name,
		WorkingDir:           p.WorkingDir,
		Rank:                 p.Rank,
		Expanded:             p.Expanded,
		IsLegion:             p.IsLegion,
		SessionIDs:           append([]string(nil), p.SessionIDs...),
		MaxConcurrentMinions: p.MaxConcurrentMinions,
		Version:              p.Version,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
}

// Session is the persisted metadata for one agent conversation.
type Session struct {
	ID                    string            `json:"id"`
	ProjectID             string            `json:"project_id"`
	ParentID              string            `json:"parent_id,omitempty"`
	ChildIDs              []string          `json:"child_ids,omitempty"`
	Name                  string            `json:"name"`
	Role                  string            `json:"role,omitempty"`
	Model                 string            `json:"model,omitempty"`
	AgentKind             string            `json:"agent_kind,omitempty"`
	InitialPermissionMode v1.PermissionMode `json:"initial_permission_mode"`
	CurrentPermissionMode v1.PermissionMode `json:"current_permission_mode"`
	AllowedTools          []string          `json:"allowed_tools,omitempty"`
	SystemPromptAppend    string            `json:"system_prompt_append,omitempty"`
	State                 v1.SessionState   `json:"state"`
	Processing            bool              `json:"processing"`
	Halted                bool              `json:"halted,omitempty"`
	Disposed              bool              `json:"disposed,omitempty"`
	LastMessage           string            `json:"last_message,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	Timing                v1.QueueTiming    `json:"timing"`
	TemplateID            string            `json:"template_id,omitempty"`
	TemplateRevision      int               `json:"template_revision,omitempty"`
	Version               int64             `json:"version"`
	CreatedAt             time.Time         `json:"created_at"`
	StartedAt             *time.Time        `json:"started_at,omitempty"`
	LastActiveAt          *time.Time        `json:"last_active_at,omitempty"`
}

// IsTerminal reports whether the session state holds no live agent.
func (s *Session) IsTerminal() bool {
	switch s.State {
	case v1.SessionStateTerminated, v1.SessionStateError:
		return true
	}
	return false
}

// EffectiveStatus derives the UI-facing status from state, processing flag,
// and disposal.
func (s *Session) EffectiveStatus(paused bool) v1.EffectiveStatus {
	switch s.State {
	case v1.SessionStateCreated:
		return v1.EffectiveStatusCreated
	case v1.SessionStateStarting:
		return v1.EffectiveStatusStarting
	case v1.SessionStateActive:
		if paused {
			return v1.EffectiveStatusWaitingOnUser
		}
		if s.Processing {
			return v1.EffectiveStatusWorking
		}
		return v1.EffectiveStatusIdle
	case v1.SessionStateTerminating:
		return v1.EffectiveStatusTerminating
	case v1.SessionStateTerminated:
		if s.Disposed {
			return v1.EffectiveStatusDisposed
		}
		return v1.EffectiveStatusTerminated
	default:
		return v1.EffectiveStatusError
	}
}

// ToAPI converts the session to its API representation. paused reports
// whether the runtime is blocked on a permission prompt, which is runtime
// state rather than metadata.
func (s *Session) ToAPI(paused bool) v1.Session {
	out := v1.Session{
		ID:                    s.ID,
		ProjectID:             s.ProjectID,
		ChildIDs:              append([]string(nil), s.ChildIDs...),
		Name:                  s.Name,
		Role:                  s.Role,
		Model:                 s.Model,
		AgentKind:             s.AgentKind,
		InitialPermissionMode: s.InitialPermissionMode,
		CurrentPermissionMode: s.CurrentPermissionMode,
		AllowedTools:          append([]string(nil), s.AllowedTools...),
		SystemPromptAppend:    s.SystemPromptAppend,
		State:                 s.State,
		Processing:            s.Processing,
		EffectiveStatus:       s.EffectiveStatus(paused),
		Halted:                s.Halted,
		Disposed:              s.Disposed,
		LastMessage:           s.LastMessage,
		ErrorMessage:          s.ErrorMessage,
		Timing:                s.Timing,
		TemplateID:            s.TemplateID,
		TemplateRevision:      s.TemplateRevision,
		Version:               s.Version,
		CreatedAt:             s.CreatedAt,
		StartedAt:             s.StartedAt,
		LastActiveAt:          s.LastActiveAt,
	}
	if s.ParentID != "" {
		parent := s.ParentID
		out.ParentID = &parent
	}
	return out
}

// Schedule is a persisted cron-driven prompt definition.
type Schedule struct {
	ID            string                 `json:"id"`
	LegionID      string                 `json:"legion_id"`
	Minion        string                 `json:"minion"`
	CronExpr      string                 `json:"cron_expr"`
	Prompt        string                 `json:"prompt"`
	ResetSession  bool                   `json:"reset_session"`
	StartIfNeeded bool                   `json:"start_if_needed"`
	MaxRetries    int                    `json:"max_retries"`
	TimeoutSecs   int                    `json:"timeout_seconds"`
	Status        v1.ScheduleStatus      `json:"status"`
	NextRunAt     *time.Time             `json:"next_run_at,omitempty"`
	History       []v1.ScheduleExecution `json:"history,omitempty"`
	Version       int64                  `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ToAPI converts the schedule to its API representation.
func (s *Schedule) ToAPI() v1.Schedule {
	return v1.Schedule{
		ID:            s.ID,
		LegionID:      s.LegionID,
		Minion:        s.Minion,
		CronExpr:      s.CronExpr,
		Prompt:        s.Prompt,
		ResetSession:  s.ResetSession,
		StartIfNeeded: s.StartIfNeeded,
		MaxRetries:    s.MaxRetries,
		TimeoutSecs:   s.TimeoutSecs,
		Status:        s.Status,
		NextRunAt:     s.NextRunAt,
		History:       append([]v1.ScheduleExecution(nil), s.History...),
		Version:       s.Version,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Template is a reusable seed for a minion. Sessions copy template values at
// creation, so bumping the revision never touches existing sessions.
type Template struct {
	ID             string            `json:"id"`
	Revision       int               `json:"revision"`
	Name           string            `json:"name"`
	AgentKind      string            `json:"agent_kind,omitempty"`
	PermissionMode v1.PermissionMode `json:"permission_mode"`
	AllowedTools   []string          `json:"allowed_tools,omitempty"`
	Model          string            `json:"model,omitempty"`
	InitContext    string            `json:"init_context,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ToAPI converts the template to its API representation.
func (t *Template) ToAPI() v1.Template {
	return v1.Template{
		ID:             t.ID,
		Revision:       t.Revision,
		Name:           t.Name,
		AgentKind:      t.AgentKind,
		PermissionMode: t.PermissionMode,
		AllowedTools:   append([]string(nil), t.AllowedTools...),
		Model:          t.Model,
		InitContext:    t.InitContext,
		CreatedAt:      t.CreatedAt,
	}
}
