// Package oerr defines the structured error values that flow through the
// ODIN pipeline. Components surface stable codes; only the gateway maps
// codes to HTTP status.
package oerr

import (
	"fmt"
	"strings"
)

// Violation is a single structured policy or validation failure.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// Error carries a stable machine code, a human message and any violations
// collected along the way. HTTPHint is advisory; the gateway owns the final
// status mapping.
type Error struct {
	Code       string         `json:"error"`
	Message    string         `json:"message"`
	Detail     map[string]any `json:"detail,omitempty"`
	Violations []Violation    `json:"violations,omitempty"`
	HTTPHint   int            `json:"-"`
}

func (e *Error) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Code)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// New builds an Error with a code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithViolations attaches violations and returns the same error.
func (e *Error) WithViolations(vs ...Violation) *Error {
	e.Violations = append(e.Violations, vs...)
	return e
}

// WithDetail attaches one detail key and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// WithHint sets the advisory HTTP status and returns the same error.
func (e *Error) WithHint(status int) *Error {
	e.HTTPHint = status
	return e
}

// As unwraps err into an *Error if it is one.
func As(err error) (*Error, bool) {
	oe, ok := err.(*Error)
	return oe, ok
}
