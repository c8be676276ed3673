package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindPermission
	KindRateLimit
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindRateLimit:
		return "rate_limit"
	case KindUpstream:
		return "upstream"
	}
	return "unknown"
}

// Error is the application error type. Fields carries per-field validation messages.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		msg = msg + " (" + strings.Join(parts, "; ") + ")"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError reports field-level validation failures.
func ValidationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_FAILED", Message: "validation failed", Fields: fields}
}

// FieldError is shorthand for a single invalid field.
func FieldError(field, msg string) *Error {
	return ValidationError(map[string]string{field: msg})
}

func NotFoundError(what string) *Error {
	return &Error{Kind: KindNotFound, Code: strings.ToUpper(what) + "_NOT_FOUND", Message: what + " not found"}
}

func PermissionError(msg string) *Error {
	return &Error{Kind: KindPermission, Code: "PERMISSION_DENIED", Message: msg}
}

func RateLimitError(msg string) *Error {
	return &Error{Kind: KindRateLimit, Code: "RATE_LIMITED", Message: msg}
}

// UpstreamError wraps a failed call to an external service.
func UpstreamError(service string, err error) *Error {
	return &Error{
		Kind:    KindUpstream,
		Code:    "UPSTREAM_" + strings.ToUpper(service) + "_FAILED",
		Message: fmt.Sprintf("%s request failed", service),
		Err:     err,
	}
}

// UnknownError wraps an error outside the taxonomy.
func UnknownError(err error) *Error {
	return &Error{Kind: KindUnknown, Code: "UNKNOWN_ERROR", Message: "unknown error", Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
