package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the mesh. Match them with errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTimeout           = errors.New("timeout")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTranslation       = errors.New("translation failed")
	ErrNotFound          = errors.New("not found")
	ErrInternal          = errors.New("internal error")
)

// MeshError wraps an error kind with the failing operation and an optional cause.
type MeshError struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *MeshError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *MeshError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a MeshError of the given kind.
func NewError(kind error, op, format string, args ...any) *MeshError {
	return &MeshError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a MeshError of the given kind around cause.
func WrapError(kind error, op string, cause error) *MeshError {
	return &MeshError{Kind: kind, Op: op, Err: cause}
}

// CompilationError reports a malformed rule or filter definition.
func CompilationError(id, format string, args ...any) *MeshError {
	return &MeshError{
		Kind:    ErrInvalidArgument,
		Op:      "compile " + id,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsResourceExhausted reports whether err is a ResourceExhausted error.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}
