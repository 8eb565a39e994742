package imaging

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable category of a frame pipeline failure.
type Kind string

const (
	KindMetadataFetch     Kind = "MetadataFetchError"
	KindNoFrames          Kind = "NoFramesError"
	KindFrameFetch        Kind = "FrameFetchError"
	KindDecode            Kind = "DecodeError"
	KindMalformedImage    Kind = "MalformedImageError"
	KindUnsupportedFormat Kind = "UnsupportedFormatError"
	KindRender            Kind = "RenderError"
	KindUnknown           Kind = "UnknownError"
)

// Error carries a Kind plus the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap attaches a kind to err. An error that already carries a kind keeps it.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// KindOf returns the kind of the first typed error in the chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind checks whether any error in the chain matches the provided kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
