// Package apperr classifies errors crossing component boundaries so the HTTP
// layer can map them to status codes without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind labels the failure class of an Error.
type Kind string

const (
	ConfigInvalid    Kind = "config_invalid"
	RetrievalFailed  Kind = "retrieval_failed"
	LLMFailed        Kind = "llm_failed"
	IngestItemFailed Kind = "ingest_item_failed"
	NotFound         Kind = "not_found"
	BadRequest       Kind = "bad_request"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error from a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from anywhere in err's chain. Unclassified errors
// report an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
