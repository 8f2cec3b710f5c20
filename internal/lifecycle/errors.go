package lifecycle

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable machine-readable identifier returned to callers so the
// UI can render a precise message instead of a generic failure.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeForbidden         Code = "forbidden"
	CodeNotFound          Code = "not_found"
	CodeIllegalTransition Code = "illegal_transition"
	CodeRideNotOpen       Code = "ride_not_open"
	CodeDuplicateResponse Code = "duplicate_response"
	CodeNoActiveMatch     Code = "no_active_match"
	CodeNotCompleted      Code = "not_completed"
	CodeNotParticipant    Code = "not_participant"
	CodeInvalidStars      Code = "invalid_stars"
	CodeAlreadyRated      Code = "already_rated"
)

// Error is a domain failure with a stable code. Anything that is not an
// *Error is treated as a server error at the boundary.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return string(e.Code)
	}
	return e.msg
}

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain code from err, or empty when err is not a
// domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// HTTPStatus maps a domain code to the HTTP status the API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidStars:
		return http.StatusUnprocessableEntity
	case CodeForbidden, CodeNotParticipant:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIllegalTransition, CodeRideNotOpen, CodeDuplicateResponse,
		CodeNoActiveMatch, CodeNotCompleted, CodeAlreadyRated:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
