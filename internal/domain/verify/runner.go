// Package verify runs acceptance checks against a configured target:
// produced artifacts, structured results and a live service endpoint.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
	"github.com/felixgeelhaar/bringup/internal/domain/transport"
	"github.com/felixgeelhaar/bringup/internal/ports"
)

// Causes reported by verification.
const (
	CauseMalformedResult = "malformed-result"
	CauseUnhealthy       = "unhealthy"
)

// Config tunes the runner.
type Config struct {
	// RequestTimeout bounds one health request.
	RequestTimeout time.Duration
	// Poll is the backoff between health requests. MaxAttempts is ignored;
	// polling stops at the service check's timeout.
	Poll step.RetryPolicy
	// DefaultServiceTimeout applies when a service check declares none.
	DefaultServiceTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:        10 * time.Second,
		Poll:                  step.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: 15 * time.Second, Multiplier: 2},
		DefaultServiceTimeout: 5 * time.Minute,
	}
}

// Runner executes verification checks.
type Runner struct {
	config Config
	client *http.Client
	logger ports.Logger
}

// NewRunner creates a Runner.
func NewRunner(config Config, logger ports.Logger) *Runner {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.Poll.InitialBackoff == 0 {
		config.Poll = DefaultConfig().Poll
	}
	if config.DefaultServiceTimeout == 0 {
		config.DefaultServiceTimeout = DefaultConfig().DefaultServiceTimeout
	}
	return &Runner{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
	}
}

// Request is a rendered verify spec together with where to run it.
type Request struct {
	Conn transport.Connection
	// Host is the address the service check connects to.
	Host string
	Spec step.VerifySpec
}

// Verify runs every declared check in order and stops at the first
// failure. It returns a nil Failure when all checks pass. The error is
// reserved for cancellation and channel problems.
func (r *Runner) Verify(ctx context.Context, req Request) (*step.Failure, error) {
	if len(req.Spec.Artifacts) > 0 {
		if f, err := r.CheckArtifacts(ctx, req.Conn, req.Spec.Artifacts); f != nil || err != nil {
			return f, err
		}
	}
	if req.Spec.Result != nil {
		if f, err := r.CheckResult(ctx, req.Conn, *req.Spec.Result); f != nil || err != nil {
			return f, err
		}
	}
	if req.Spec.Service != nil {
		if f, err := r.CheckService(ctx, req.Host, *req.Spec.Service); f != nil || err != nil {
			return f, err
		}
	}
	return nil, nil
}

// CheckArtifacts requires every path to exist on the target and be
// non-empty.
func (r *Runner) CheckArtifacts(ctx context.Context, conn transport.Connection, paths []string) (*step.Failure, error) {
	quoted := make([]string, 0, len(paths))
	for _, p := range paths {
		quoted = append(quoted, transport.ShellQuote(p))
	}
	script := fmt.Sprintf(`rc=0; for f in %s; do if [ ! -s "$f" ]; then echo "missing or empty: $f"; rc=1; fi; done; exit $rc`,
		strings.Join(quoted, " "))

	result, err := conn.Run(ctx, script)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return step.NewFailure(step.FailureEnvironment, step.CauseMissing,
			"expected non-empty artifacts: "+strings.TrimSpace(string(result.CombinedOutput()))), nil
	}
	r.logger.Debug(ctx, "artifacts present", ports.F("count", len(paths)))
	return nil, nil
}

// CheckResult reads a JSON document from the target and requires the
// size of check.SizeField to be greater than zero. An empty result fails
// even when the producing process exited 0.
func (r *Runner) CheckResult(ctx context.Context, conn transport.Connection, check step.ResultCheck) (*step.Failure, error) {
	result, err := conn.Run(ctx, "cat "+transport.ShellQuote(check.Path))
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return step.NewFailure(step.FailureEnvironment, step.CauseMissing,
			fmt.Sprintf("expected result file %s: %s", check.Path, strings.TrimSpace(string(result.Stderr)))), nil
	}

	size, err := ResultSize(result.Stdout, check.SizeField)
	if err != nil {
		return step.NewFailure(step.FailureEnvironment, CauseMalformedResult,
			fmt.Sprintf("result %s: %v", check.Path, err)), nil
	}
	if size <= 0 {
		field := check.SizeField
		if field == "" {
			field = "document"
		}
		return step.NewFailure(step.FailureEnvironment, step.CauseEmptyResult,
			fmt.Sprintf("expected %s in %s to be non-empty, got size %v", field, check.Path, size)), nil
	}
	r.logger.Debug(ctx, "result inspected", ports.F("path", check.Path), ports.F("size", size))
	return nil, nil
}

// ResultSize decodes a JSON document and returns the size of the value at
// the dotted field path: a number's value, or the element count of an
// array, object or string. An empty field means the document root.
func ResultSize(data []byte, field string) (float64, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return 0, fmt.Errorf("invalid JSON: %w", err)
	}

	cur := doc
	if field != "" {
		for _, part := range strings.Split(field, ".") {
			switch v := cur.(type) {
			case map[string]any:
				next, ok := v[part]
				if !ok {
					return 0, fmt.Errorf("field %q not found", field)
				}
				cur = next
			case []any:
				i, err := strconv.Atoi(part)
				if err != nil || i < 0 || i >= len(v) {
					return 0, fmt.Errorf("index %q out of range in %q", part, field)
				}
				cur = v[i]
			default:
				return 0, fmt.Errorf("field %q not found", field)
			}
		}
	}

	switch v := cur.(type) {
	case nil:
		return 0, nil
	case json.Number:
		return v.Float64()
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case string:
		return float64(len(v)), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

// CheckService polls http://host:port/path until it answers 2xx or the
// check's timeout elapses. Timing out is transient.
func (r *Runner) CheckService(ctx context.Context, host string, check step.ServiceCheck) (*step.Failure, error) {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultServiceTimeout
	}
	path := check.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := "http://" + net.JoinHostPort(host, check.Port) + path

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last string
	for attempt := 1; ; attempt++ {
		if err := step.Wait(pollCtx, r.config.Poll.Backoff(attempt)); err != nil {
			break
		}

		status, err := r.get(pollCtx, url)
		if err == nil && status >= 200 && status < 300 {
			r.logger.Debug(ctx, "service healthy", ports.F("url", url), ports.F("attempts", attempt))
			return nil, nil
		}
		if err != nil {
			last = err.Error()
		} else {
			last = fmt.Sprintf("status %d", status)
		}
		r.logger.Debug(ctx, "service not ready", ports.F("url", url), ports.F("observed", last))
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if last == "" {
		last = "no response"
	}
	return step.NewFailure(step.FailureTransient, step.CauseTimeout,
		fmt.Sprintf("expected %s to answer 2xx within %s, last: %s", url, timeout, last)), nil
}

func (r *Runner) get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, fmt.Errorf("request timed out")
		}
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
