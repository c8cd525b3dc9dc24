// Package apierr defines the orchestrator's stable API error codes and
// their HTTP status mapping, translated by pkg/api handlers into the
// {success, data?, error_code?, message?} envelope.
package apierr

import "net/http"

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeVMNotFound         Code = "VM_NOT_FOUND"
	CodeNodeNotFound       Code = "NODE_NOT_FOUND"
	CodeVMNotRunning       Code = "VM_NOT_RUNNING"
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeNoCapacity         Code = "NO_CAPACITY"
	CodeTimeout            Code = "TIMEOUT"
	CodeForbidden          Code = "FORBIDDEN"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeValidation         Code = "VALIDATION"
	CodeInternal           Code = "INTERNAL"
)

// statusByCode maps each stable code to its HTTP status, per spec.md §7
// (409 reserved for INVALID_TRANSITION).
var statusByCode = map[Code]int{
	CodeVMNotFound:        http.StatusNotFound,
	CodeNodeNotFound:      http.StatusNotFound,
	CodeVMNotRunning:      http.StatusBadRequest,
	CodeInvalidTransition: http.StatusConflict,
	CodeNoCapacity:        http.StatusBadRequest,
	CodeTimeout:           http.StatusInternalServerError,
	CodeForbidden:         http.StatusForbidden,
	CodeUnauthenticated:   http.StatusUnauthorized,
	CodeValidation:        http.StatusBadRequest,
	CodeInternal:          http.StatusInternalServerError,
}

// Error is the error type API handlers return and the envelope encoder
// consumes directly.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// HTTPStatus resolves the HTTP status code for e.Code, defaulting to 500
// for an unmapped (programmer-error) code.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func VMNotFound(id string) *Error        { return New(CodeVMNotFound, "vm not found: "+id) }
func NodeNotFound(id string) *Error      { return New(CodeNodeNotFound, "node not found: "+id) }
func VMNotRunning(id string) *Error      { return New(CodeVMNotRunning, "vm not running: "+id) }
func NoCapacity() *Error                 { return New(CodeNoCapacity, "no node has sufficient free capacity") }
func Timeout(message string) *Error      { return New(CodeTimeout, message) }
func Forbidden(message string) *Error    { return New(CodeForbidden, message) }
func Unauthenticated(message string) *Error {
	return New(CodeUnauthenticated, message)
}
func Validation(message string) *Error { return New(CodeValidation, message) }
func Internal(message string) *Error   { return New(CodeInternal, message) }

func InvalidTransition(from, to string) *Error {
	return New(CodeInvalidTransition, "invalid transition from "+from+" to "+to)
}
