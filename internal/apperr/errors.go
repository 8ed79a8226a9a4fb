// Package apperr defines the error taxonomy shared by the ingestion pipeline,
// the query engine and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindDuplicateDocument
	KindExtraction
	KindEmbeddingService
	KindRetrieval
	KindGeneration
	KindNotFound
	KindSessionBusy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindDuplicateDocument:
		return "duplicate_document"
	case KindExtraction:
		return "extraction_error"
	case KindEmbeddingService:
		return "embedding_service_error"
	case KindRetrieval:
		return "retrieval_error"
	case KindGeneration:
		return "generation_error"
	case KindNotFound:
		return "not_found"
	case KindSessionBusy:
		return "session_busy"
	default:
		return "internal_error"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
	// Existing is set on duplicate uploads and carries the stored document.
	Existing any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(entity, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", entity, id))
}

func Duplicate(existing any) *Error {
	return &Error{Kind: KindDuplicateDocument, Message: "document already uploaded", Existing: existing}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}
