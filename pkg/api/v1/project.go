package v1

import "time"

// Project groups sessions. A project flagged as a legion additionally hosts
// minion comms and schedules.
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

// CreateProjectRequest for creating a new project
type CreateProjectRequest struct {
	Name                 string `json:"name"`
	WorkingDir           string `json:"working_dir"`
	IsLegion             bool   `json:"is_legion,omitempty"`
	MaxConcurrentMinions int    `json:"max_concurrent_minions,omitempty"`
}

// PatchProjectRequest for partial project updates. Nil fields are untouched.
type PatchProjectRequest struct {
	Name                 *string `json:"name,omitempty"`
	Expanded             *bool   `json:"expanded,omitempty"`
	MaxConcurrentMinions *int    `json:"max_concurrent_minions,omitempty"`
}
