// Package events provides event types and utilities for the legion event system.
package events

// Event types for projects
const (
	ProjectCreated = "project.created"
	ProjectUpdated = "project.updated"
	ProjectDeleted = "project.deleted"
)

// Event types for sessions
const (
	SessionCreated      = "session.created"
	SessionStateChanged = "session.state_changed"
	SessionDeleted      = "session.deleted"
)

// Event types for session stream fan-out
const (
	SessionStream = "session.stream" // Base subject for persisted session stream events
)

// Event types for legion-scoped stream fan-out
const (
	LegionStream = "legion.stream" // Base subject for comms, minion lifecycle, schedule updates
)

// Subject for global UI state changes (project/session lists, transitions)
const (
	UIStream = "ui.stream"
)

// Payload keys common to lifecycle event data maps
const (
	KeySessionID = "session_id"
	KeyProjectID = "project_id"
	KeyFromState = "from"
	KeyToState   = "to"
	KeyStatus    = "status"
)

// BuildSessionStreamSubject creates a session stream subject for a specific session
func BuildSessionStreamSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionStreamWildcardSubject creates a wildcard subscription for all session stream events
func BuildSessionStreamWildcardSubject() string {
	return SessionStream + ".*"
}

// BuildLegionStreamSubject creates a legion stream subject for a specific legion
func BuildLegionStreamSubject(legionID string) string {
	return LegionStream + "." + legionID
}

// BuildLegionStreamWildcardSubject creates a wildcard subscription for all legion stream events
func BuildLegionStreamWildcardSubject() string {
	return LegionStream + ".*"
}
