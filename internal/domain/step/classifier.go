package step

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps a raw failure signal to a FailureKind. A rule matches when its
// pattern matches the combined output (if set) and the exit code is listed
// (if any are listed).
type Rule struct {
	Pattern   *regexp.Regexp
	ExitCodes []int
	Kind      FailureKind
	Cause     string
}

// NewRule compiles a pattern into a Rule.
func NewRule(pattern string, kind FailureKind, cause string, exitCodes ...int) (Rule, error) {
	r := Rule{Kind: kind, Cause: cause, ExitCodes: exitCodes}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid classifier pattern %q: %w", pattern, err)
		}
		r.Pattern = re
	}
	return r, nil
}

// MustRule is NewRule for compile-time known rules.
func MustRule(pattern string, kind FailureKind, cause string, exitCodes ...int) Rule {
	r, err := NewRule(pattern, kind, cause, exitCodes...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Rule) matches(exitCode int, output string) bool {
	if r.Pattern == nil && len(r.ExitCodes) == 0 {
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(output) {
		return false
	}
	if len(r.ExitCodes) > 0 {
		for _, c := range r.ExitCodes {
			if c == exitCode {
				return true
			}
		}
		return false
	}
	return true
}

// Classifier maps a non-zero exit or suspicious output to a Failure.
// Rules are evaluated in order; the first match wins.
type Classifier struct {
	Rules []Rule
	// Default is used for a non-zero exit that no rule matched.
	Default FailureKind
}

// NewClassifier creates a classifier with the environment default.
func NewClassifier(rules ...Rule) Classifier {
	return Classifier{Rules: rules, Default: FailureEnvironment}
}

// Classify inspects an exit status and output. A zero exit only fails when
// a rule with a pattern matches the output (e.g. a tool that prints an
// error but exits 0); it returns nil otherwise.
func (c Classifier) Classify(exitCode int, output string) *Failure {
	for _, r := range c.Rules {
		if r.matches(exitCode, output) {
			return NewFailure(r.Kind, r.Cause, Tail(output))
		}
	}

	if exitCode == 0 {
		return nil
	}

	kind := c.Default
	if kind == "" {
		kind = FailureEnvironment
	}
	return NewFailure(kind, "", fmt.Sprintf("exit status %d: %s", exitCode, Tail(output)))
}

// With returns a classifier with rules prepended, so step-specific rules
// take precedence over shared ones.
func (c Classifier) With(rules ...Rule) Classifier {
	merged := make([]Rule, 0, len(rules)+len(c.Rules))
	merged = append(merged, rules...)
	merged = append(merged, c.Rules...)
	return Classifier{Rules: merged, Default: c.Default}
}

const tailLines = 20

// Tail keeps the last lines of output for diagnostics.
func Tail(output string) string {
	output = strings.TrimSpace(output)
	lines := strings.Split(output, "\n")
	if len(lines) <= tailLines {
		return output
	}
	return strings.Join(lines[len(lines)-tailLines:], "\n")
}
