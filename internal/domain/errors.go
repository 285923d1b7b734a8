package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a document status change is not allowed.
	ErrInvalidTransition = errors.New("invalid document status transition")
)

// Validation error codes.
const (
	CodeUnsupportedContentType = "unsupported_content_type"
	CodeTooLarge               = "too_large"
	CodeEmptyPayload           = "empty_payload"
	CodeMalformedRow           = "malformed_row"
	CodeBadRequest             = "bad_request"
)

// ValidationError rejects input before any state is created.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%s): %s", e.Code, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Extraction error codes.
const (
	ExtractionTimeout             = "timeout"
	ExtractionBackendFailure      = "backend_failure"
	ExtractionUnreadableOutput    = "unreadable_output"
	ExtractionUnsupportedDocument = "unsupported_document"
)

// ExtractionError is a failure of the OCR/document-AI backend. It is never
// retried automatically.
type ExtractionError struct {
	Code    string
	Message string
	Backend string
	Cause   error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extraction error (%s", e.Code)
	if e.Backend != "" {
		msg += ", " + e.Backend
	}
	msg += "): " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// ClassificationError means the classifier could not produce a label. It is
// logged and degrades the label to unknown; it never fails a document.
type ClassificationError struct {
	Reason string
	Cause  error
}

func (e *ClassificationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("classification error: %s: %v", e.Reason, e.Cause)
	}
	return "classification error: " + e.Reason
}

func (e *ClassificationError) Unwrap() error { return e.Cause }

// StoreError is a persistence failure. Nothing is reported as succeeded when
// one is returned.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }
