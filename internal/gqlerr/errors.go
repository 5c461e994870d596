// Package gqlerr provides the gateway's coded error system and the
// wire-level GraphQL error payloads emitted over the WebSocket transport.
// Transport errors carry a code and category; wire payloads are rendered
// in either the legacy single-object style or the spec-compliant
// {errors:[...]} envelope, fixed per connection at handshake.
package gqlerr

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Category groups transport errors by domain.
type Category string

const (
	CategoryProtocol   Category = "protocol"   // subprotocol violations (duplicate id, bad frame)
	CategoryAuth       Category = "auth"       // authentication / init errors
	CategoryValidation Category = "validation" // parse, allow-list, planning errors
	CategoryExecution  Category = "execution"  // plan step failures
	CategoryInternal   Category = "internal"   // invariant violations
)

// Error codes by category:
// - W1xx: protocol errors
// - A2xx: auth errors
// - V3xx: validation errors
// - E4xx: execution errors
// - I5xx: internal errors
const (
	CodeParseFailed     = "W100"
	CodeDuplicateOpID   = "W101"
	CodeStartBeforeInit = "W102"
	CodeInitFailed      = "W103"
	CodeUnexpectedFrame = "W104"

	CodeAuthFailed   = "A200"
	CodeAccessDenied = "A201"
	CodeJWTExpired   = "A202"

	CodeQueryNotAllowed = "V300"
	CodeInvalidGraphQL  = "V301"
	CodePlanningFailed  = "V302"

	CodeStepFailed   = "E400"
	CodeRemoteFailed = "E401"
	CodeActionFailed = "E402"

	CodeInternal         = "I500"
	CodeMissingActionLog = "I501"
)

// Error is the base error type for the gateway transport. It carries a
// stable code for clients and log correlation, plus a wrapped cause.
type Error struct {
	Code     string
	Category Category
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is compares gateway errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a coded transport error.
func New(code string, category Category, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

// Wrap creates a coded transport error around a cause.
func Wrap(code string, category Category, message string, cause error) *Error {
	return &Error{Code: code, Category: category, Message: message, Cause: cause}
}

// Newf creates a coded transport error with a formatted message.
func Newf(code string, category Category, format string, args ...interface{}) *Error {
	return &Error{Code: code, Category: category, Message: fmt.Sprintf(format, args...)}
}

// Style selects the wire rendering of GraphQL errors for one connection.
type Style int

const (
	// StyleLegacy emits a single error object.
	StyleLegacy Style = iota
	// StyleCompliant wraps errors in {"errors": [...]} per the GraphQL spec.
	StyleCompliant
)

func (s Style) String() string {
	if s == StyleLegacy {
		return "legacy"
	}
	return "compliant"
}

// CompliantPayload is the spec-compliant error envelope.
type CompliantPayload struct {
	Errors gqlerror.List `json:"errors"`
}

// LegacyPayload is the single-object error shape used by the v1alpha1 path.
type LegacyPayload struct {
	Code  string `json:"code"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Render converts an error into the wire payload for the given style.
// The result marshals to the payload of an "error" or "connection_error"
// frame.
func Render(style Style, err error) interface{} {
	code := CodeInternal
	msg := err.Error()
	var ge *Error
	if errors.As(err, &ge) {
		code = ge.Code
		msg = ge.Message
		if ge.Cause != nil {
			msg = fmt.Sprintf("%s: %v", ge.Message, ge.Cause)
		}
	}
	var list gqlerror.List
	if !errors.As(err, &list) {
		list = gqlerror.List{&gqlerror.Error{
			Message:    msg,
			Extensions: map[string]interface{}{"code": code},
		}}
	}
	if style == StyleLegacy {
		return &LegacyPayload{Code: code, Path: "$", Error: list[0].Message}
	}
	return &CompliantPayload{Errors: list}
}
