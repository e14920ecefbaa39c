package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/legionhq/legion/internal/agent"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/eventlog"
	"github.com/legionhq/legion/internal/legion"
	"github.com/legionhq/legion/internal/schedule"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
)

// Code is the closed set of stable error codes crossing the control surface.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeInvalidState Code = "invalid_state"
	CodeConflict     Code = "conflict"
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized" // reserved
	CodeTimeout      Code = "timeout"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal"
)

// Error is the typed failure every control operation returns. Message is
// human-readable and safe to surface; Code is stable for programmatic
// handling.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *Error) Unwrap() error { return e.err }

// wrap maps service sentinels onto stable codes. A nil error stays nil.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	code := CodeInternal
	switch {
	case errors.Is(err, state.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, state.ErrExists),
		errors.Is(err, state.ErrNameTaken),
		errors.Is(err, state.ErrVersionConflict):
		code = CodeConflict
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, legion.ErrMinionLimit),
		errors.Is(err, legion.ErrParentUnavailable):
		code = CodeInvalidState
	case errors.Is(err, state.ErrBadReorder),
		errors.Is(err, session.ErrInvalidName),
		errors.Is(err, session.ErrQueueFull),
		errors.Is(err, comms.ErrBadKind),
		errors.Is(err, comms.ErrBadPriority),
		errors.Is(err, schedule.ErrBadCron),
		errors.Is(err, agent.ErrUnknownKind):
		code = CodeBadRequest
	case errors.Is(err, comms.ErrUnknownSender),
		errors.Is(err, comms.ErrUnknownRecipient):
		code = CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, eventlog.ErrClosed):
		code = CodeUnavailable
	}
	return &Error{Code: code, Message: err.Error(), err: err}
}
