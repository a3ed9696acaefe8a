// Package apierr defines the protocol error taxonomy the dispatcher raises
// when a request fails before a handler ever runs. Every protocol error
// carries a dedicated HTTP status and a stable machine-readable code,
// modeled on the RFC 7807 problem-detail shape but folded into the call
// envelope instead of a separate content type.
package apierr

import "fmt"

// Code is one of the fixed protocol error identifiers from the error
// taxonomy. Handlers never construct these directly; they raise a
// dispatcher.DomainError instead.
type Code string

const (
	InvalidEnvelope        Code = "INVALID_ENVELOPE"
	UnknownOperation       Code = "UNKNOWN_OPERATION"
	SchemaValidationFailed Code = "SCHEMA_VALIDATION_FAILED"
	AuthRequired           Code = "AUTH_REQUIRED"
	InsufficientScopes     Code = "INSUFFICIENT_SCOPES"
	OperationNotFound      Code = "OPERATION_NOT_FOUND"
	OperationNotComplete   Code = "OPERATION_NOT_COMPLETE"
	DataNotFound           Code = "DATA_NOT_FOUND"
	MethodNotAllowed       Code = "METHOD_NOT_ALLOWED"
	OpRemoved              Code = "OP_REMOVED"
	InvalidCursor          Code = "INVALID_CURSOR"
	RateLimited            Code = "RATE_LIMITED"
	InternalError          Code = "INTERNAL_ERROR"
	UnknownState           Code = "UNKNOWN_STATE"
)

// statusByCode pins each protocol code to its mandated HTTP status.
var statusByCode = map[Code]int{
	InvalidEnvelope:        400,
	UnknownOperation:       400,
	SchemaValidationFailed: 400,
	AuthRequired:           401,
	InsufficientScopes:     403,
	OperationNotFound:      404,
	OperationNotComplete:   404,
	DataNotFound:           404,
	MethodNotAllowed:       405,
	OpRemoved:              410,
	InvalidCursor:          400,
	RateLimited:            429,
	InternalError:          500,
	UnknownState:           500,
}

// ProtocolError is a fault of the request itself, as opposed to a
// dispatcher.DomainError raised by a handler. It carries the dedicated
// HTTP status for its Code and an optional structured Cause.
type ProtocolError struct {
	Code    Code
	Message string
	Cause   any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status mandated for this error's code.
func (e *ProtocolError) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return 500
}

// New constructs a ProtocolError with no structured cause.
func New(code Code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// WithCause attaches structured context (missing scopes, validation
// issues, replacement op, ...) to a ProtocolError.
func WithCause(code Code, message string, cause any) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Cause: cause}
}

// FieldIssue is one entry of a SCHEMA_VALIDATION_FAILED or
// INVALID_ENVELOPE cause.issues list.
type FieldIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// MissingScopesCause is the cause payload for INSUFFICIENT_SCOPES.
type MissingScopesCause struct {
	Missing []string `json:"missing"`
}

// RemovedOpCause is the cause payload for OP_REMOVED.
type RemovedOpCause struct {
	RemovedOp   string `json:"removedOp"`
	Sunset      string `json:"sunset"`
	Replacement string `json:"replacement,omitempty"`
}

// IssuesCause is the cause payload for SCHEMA_VALIDATION_FAILED and
// INVALID_ENVELOPE.
type IssuesCause struct {
	Issues []FieldIssue `json:"issues"`
}
