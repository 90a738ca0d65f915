package step

import (
	"fmt"
	"strings"
)

// Error codes for configuration problems.
const (
	ErrCodeDuplicateStep     = "DUPLICATE_STEP"
	ErrCodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeInvalidStep       = "INVALID_STEP"
	ErrCodeInvalidManifest   = "INVALID_MANIFEST"
	ErrCodeMissingCreds      = "MISSING_CREDENTIALS"
	ErrCodeUnknownStep       = "UNKNOWN_STEP"
)

// ConfigurationError reports a malformed DAG or configuration. It is never
// retried and maps to exit code 2.
type ConfigurationError struct {
	Code       string // Error code for categorization
	Message    string // User-friendly error message
	StepID     string // Step ID if applicable
	Context    string // File path or field if applicable
	Suggestion string // Actionable suggestion to fix the error
	Underlying error  // Wrapped error for error chain
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.Context != "" {
		parts = append(parts, e.Context)
	}
	if e.StepID != "" {
		parts = append(parts, fmt.Sprintf("step %q", e.StepID))
	}

	msg := e.Message
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s: %s", strings.Join(parts, ", "), e.Message)
	}
	if e.Underlying != nil {
		msg += ": " + e.Underlying.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain support.
func (e *ConfigurationError) Unwrap() error {
	return e.Underlying
}

// Is matches another ConfigurationError by code.
func (e *ConfigurationError) Is(target error) bool {
	t, ok := target.(*ConfigurationError)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(code, message string) *ConfigurationError {
	return &ConfigurationError{Code: code, Message: message}
}

// WithStep returns a copy with the step ID set.
func (e *ConfigurationError) WithStep(id ID) *ConfigurationError {
	c := *e
	c.StepID = id.String()
	return &c
}

// WithContext returns a copy with the context set.
func (e *ConfigurationError) WithContext(ctx string) *ConfigurationError {
	c := *e
	c.Context = ctx
	return &c
}

// WithSuggestion returns a copy with the suggestion set.
func (e *ConfigurationError) WithSuggestion(s string) *ConfigurationError {
	c := *e
	c.Suggestion = s
	return &c
}

// WithUnderlying returns a copy wrapping err.
func (e *ConfigurationError) WithUnderlying(err error) *ConfigurationError {
	c := *e
	c.Underlying = err
	return &c
}

// ErrConfiguration matches any ConfigurationError with errors.Is.
var ErrConfiguration = &ConfigurationError{}
