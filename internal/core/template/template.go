// Package template contains pure functions for decoding stack template and
// environment documents. This is part of the Functional Core - all functions
// are pure with no I/O.
package template

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a decoded template or environment body.
type Document = map[string]any

// =============================================================================
// Error Types
// =============================================================================

// ParseError wraps a decode failure with the caller-supplied context label so
// the client can tell which part of the request failed to parse.
type ParseError struct {
	Context string // e.g. "template", "environment"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Context, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(context, message string, err error) *ParseError {
	return &ParseError{
		Context: context,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Decoding
// =============================================================================

// Decode parses a template or environment payload supplied as a string.
// Strict JSON is attempted first; on failure the permissive YAML form is
// tried. When both fail, the YAML parser's position-annotated message is
// surfaced under the given context label.
func Decode(context, raw string) (Document, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, NewParseError(context, "document is empty", nil)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err == nil {
		return doc, nil
	}

	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, NewParseError(context, err.Error(), err)
	}
	if doc == nil {
		return nil, NewParseError(context, "document is empty", nil)
	}
	return doc, nil
}
