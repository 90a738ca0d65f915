package step

import (
	"fmt"
	"strings"
)

// FailureKind classifies a failed outcome and selects retry, remediation,
// or fatal handling.
type FailureKind string

const (
	// FailureTransient covers timeouts, network blips and resources that
	// are not ready yet. Retried with backoff.
	FailureTransient FailureKind = "transient"
	// FailureConfiguration covers malformed input and missing credentials.
	// Never retried.
	FailureConfiguration FailureKind = "configuration"
	// FailureEnvironment covers version mismatches, missing libraries and
	// ABI incompatibilities. Remediated when possible, otherwise halts.
	FailureEnvironment FailureKind = "environment"
	// FailureFatal covers provider rejections such as exhausted quota.
	FailureFatal FailureKind = "fatal"
)

// ParseFailureKind parses a kind from manifest text.
func ParseFailureKind(s string) (FailureKind, error) {
	switch k := FailureKind(strings.ToLower(strings.TrimSpace(s))); k {
	case FailureTransient, FailureConfiguration, FailureEnvironment, FailureFatal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown failure kind %q", s)
	}
}

// String returns the string representation.
func (k FailureKind) String() string {
	return string(k)
}

// Retryable reports whether a failure of this kind may be retried without
// a remediation.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}

// Terminal reports whether a failure of this kind fails the run at once.
func (k FailureKind) Terminal() bool {
	return k == FailureFatal || k == FailureConfiguration
}

// Well-known causes produced by built-in classification.
const (
	CauseTimeout     = "timeout"
	CauseUnreachable = "unreachable"
	CauseEmptyResult = "empty-result"
	CauseMissing     = "missing-artifact"
)

// Failure is a classified failed outcome.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Cause   string      `json:"cause,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Error implements error so failures can travel through error returns.
func (f *Failure) Error() string {
	if f.Cause != "" {
		return fmt.Sprintf("%s failure (%s): %s", f.Kind, f.Cause, f.Message)
	}
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
}

// NewFailure creates a Failure.
func NewFailure(kind FailureKind, cause, message string) *Failure {
	return &Failure{Kind: kind, Cause: cause, Message: message}
}
