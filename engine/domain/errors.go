package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrParse             = errors.New("parse failed")
	ErrEmptyVector       = errors.New("empty embedding vector")
	ErrMissingTenant     = errors.New("missing collection_id")
	ErrMissingID         = errors.New("missing entry id")
	ErrEmptyQuestion     = errors.New("empty question")
)

// UnsupportedFormatError is returned before any parsing is attempted when a
// file extension has no parser.
type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported file type: %q", e.Ext)
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }

// ParseError reports a supported file whose content could not be decoded.
type ParseError struct {
	Filename string
	Wrapped  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Filename, e.Wrapped)
}

func (e *ParseError) Unwrap() error { return e.Wrapped }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
