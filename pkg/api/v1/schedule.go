package v1

import "time"

// ScheduleStatus represents the state of a schedule
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Schedule execution outcomes
const (
	OutcomeOK                = "ok"
	OutcomeTimeout           = "timeout"
	OutcomeError             = "error"
	OutcomeTargetUnavailable = "target-unavailable"
)

// ScheduleExecution is one completed firing of a schedule
type ScheduleExecution struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// Schedule is a cron-driven prompt dispatched to a minion
type Schedule struct {
	ID            string              `json:"id"`
	LegionID      string              `json:"legion_id"`
	Minion        string              `json:"minion"`
	CronExpr      string              `json:"cron_expr"`
	Prompt        string              `json:"prompt"`
	ResetSession  bool                `json:"reset_session"`
	StartIfNeeded bool                `json:"start_if_needed"`
	MaxRetries    int                 `json:"max_retries"`
	TimeoutSecs   int                 `json:"timeout_seconds"`
	Status        ScheduleStatus      `json:"status"`
	NextRunAt     *time.Time          `json:"next_run_at,omitempty"`
	History       []ScheduleExecution `json:"history,omitempty"`
	Version       int64               `json:"version"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// CreateScheduleRequest for registering a new schedule
type CreateScheduleRequest struct {
	LegionID      string `json:"legion_id"`
	Minion        string `json:"minion"`
	CronExpr      string `json:"cron_expr"`
	Prompt        string `json:"prompt"`
	ResetSession  bool   `json:"reset_session,omitempty"`
	StartIfNeeded bool   `json:"start_if_needed,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`
	TimeoutSecs   int    `json:"timeout_seconds,omitempty"`
}

// PatchScheduleRequest for partial schedule updates. Nil fields are untouched.
type PatchScheduleRequest struct {
	CronExpr      *string `json:"cron_expr,omitempty"`
	Prompt        *string `json:"prompt,omitempty"`
	ResetSession  *bool   `json:"reset_session,omitempty"`
	StartIfNeeded *bool   `json:"start_if_needed,omitempty"`
	MaxRetries    *int    `json:"max_retries,omitempty"`
	TimeoutSecs   *int    `json:"timeout_seconds,omitempty"`
}
