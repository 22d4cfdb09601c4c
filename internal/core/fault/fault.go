// Package fault defines the client-visible error taxonomy and the translation
// of backend-reported faults into transport outcomes.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Error Types
// =============================================================================

// Error is a client-visible failure. Type is a stable machine-readable
// identity so downstream tooling can branch on it rather than on the
// human-readable message.
type Error struct {
	Status    int
	Type      string
	Message   string
	Traceback string
}

func (e *Error) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return e.Message
}

// BadRequest creates a locally-detected client input error.
func BadRequest(format string, args ...any) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Type:    "BadRequest",
		Message: fmt.Sprintf(format, args...),
	}
}

// Forbidden creates a policy denial error.
func Forbidden(format string, args ...any) *Error {
	return &Error{
		Status:  http.StatusForbidden,
		Type:    "Forbidden",
		Message: fmt.Sprintf(format, args...),
	}
}

// RemoteError is a fault reported by the backend engine over the RPC channel.
// Type carries the engine's declared origin-type name as a flat string,
// exactly as received on the wire.
type RemoteError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Type, e.Message)
}

// =============================================================================
// Translation Table
// =============================================================================

// statusByType maps backend origin-type names to client outcomes. The table
// is total: any name not present lands on the InternalError default.
var statusByType = map[string]int{
	// Not-found conditions
	"EntityNotFound":        http.StatusNotFound,
	"StackNotFound":         http.StatusNotFound,
	"ResourceNotFound":      http.StatusNotFound,
	"ResourceNotAvailable":  http.StatusNotFound,
	"ResourceTypeNotFound":  http.StatusNotFound,
	"SnapshotNotFound":      http.StatusNotFound,
	"SoftwareConfigMissing": http.StatusNotFound,
	"TemplateNotFound":      http.StatusNotFound,
	"NotFound":              http.StatusNotFound,

	// Already-exists and in-progress conditions
	"StackExists":      http.StatusConflict,
	"ActionInProgress": http.StatusConflict,

	// Validation and parameter conditions
	"StackValidationFailed":      http.StatusBadRequest,
	"InvalidSchemaError":         http.StatusBadRequest,
	"InvalidTemplateReference":   http.StatusBadRequest,
	"InvalidTemplateVersion":     http.StatusBadRequest,
	"InvalidTemplateSection":     http.StatusBadRequest,
	"UnknownUserParameter":       http.StatusBadRequest,
	"UserParameterMissing":       http.StatusBadRequest,
	"MissingCredentialError":     http.StatusBadRequest,
	"RequestLimitExceeded":       http.StatusBadRequest,
	"ResourceActionNotSupported": http.StatusBadRequest,
	"NotSupported":               http.StatusBadRequest,
	"AttributeError":             http.StatusBadRequest,
	"ValueError":                 http.StatusBadRequest,

	// Access conditions
	"Forbidden":     http.StatusForbidden,
	"InvalidTenant": http.StatusForbidden,

	// Disguised HTTP faults re-emit their own code rather than being
	// double-wrapped.
	"HTTPBadRequest":   http.StatusBadRequest,
	"HTTPUnauthorized": http.StatusUnauthorized,
	"HTTPForbidden":    http.StatusForbidden,
	"HTTPNotFound":     http.StatusNotFound,
	"HTTPConflict":     http.StatusConflict,
}

// =============================================================================
// Translation
// =============================================================================

// Translate converts any error into the single client-visible outcome for the
// request. Locally-raised Errors pass through unchanged; backend faults are
// looked up by origin-type name; everything else is an InternalError. The
// traceback is only surfaced when debug is set.
func Translate(err error, debug bool) *Error {
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr
	}

	var rerr *RemoteError
	if errors.As(err, &rerr) {
		status, ok := statusByType[rerr.Type]
		if !ok {
			status = http.StatusInternalServerError
		}
		out := &Error{
			Status:  status,
			Type:    rerr.Type,
			Message: rerr.Message,
		}
		if debug {
			out.Traceback = rerr.Traceback
		}
		return out
	}

	return &Error{
		Status:  http.StatusInternalServerError,
		Type:    "InternalError",
		Message: err.Error(),
	}
}
