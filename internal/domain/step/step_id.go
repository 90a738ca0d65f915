package step

import (
	"errors"
	"regexp"
	"strings"
)

// ID uniquely and stably identifies a step across runs.
// Format: lowercase words joined by hyphens, optionally namespaced with
// colons (e.g. "install-driver", "verify:service").
type ID string

// Errors for ID validation.
var (
	ErrEmptyID   = errors.New("step ID cannot be empty")
	ErrInvalidID = errors.New("step ID format invalid: must be alphanumeric with hyphens or underscores, optionally separated by colons")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*(?::[a-zA-Z0-9][a-zA-Z0-9_-]*)*$`)

// NewID creates a validated ID.
func NewID(value string) (ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmptyID
	}
	if !idPattern.MatchString(trimmed) {
		return "", ErrInvalidID
	}
	return ID(trimmed), nil
}

// MustID creates an ID, panicking on invalid input.
// Use this for compile-time known values.
func MustID(value string) ID {
	id, err := NewID(value)
	if err != nil {
		panic("invalid step ID: " + value + ": " + err.Error())
	}
	return id
}

// String returns the string representation.
func (id ID) String() string {
	return string(id)
}

// IsZero returns true if this is a zero-value ID.
func (id ID) IsZero() bool {
	return id == ""
}
