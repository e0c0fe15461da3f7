// Package cmdclient wraps invocations of an external CLI binary (C7): a
// single process-wide semaphore serializes calls, results are normalized
// into a success/data/exitCode/error envelope, and crash-signature
// detection on non-zero exits distinguishes a tool panic from an ordinary
// command failure.
package cmdclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/agentworkbench/internal/telemetry"
)

// Error codes returned in Result.Error.Code.
const (
	CodeParseError     = "PARSE_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeSpawnError     = "SPAWN_ERROR"
	CodeBDPanic        = "BD_PANIC"
	CodeCommandFailed  = "COMMAND_FAILED"
)

const defaultTimeout = 15 * time.Second

// crashSignatures are scanned for, in order, against stderr on a non-zero
// exit. Any match reclassifies the failure as a tool crash rather than an
// ordinary command failure.
var crashSignatures = []*regexp.Regexp{
	regexp.MustCompile(`panic:`),
	regexp.MustCompile(`goroutine \d+ \[running\]`),
	regexp.MustCompile(`runtime error:`),
	regexp.MustCompile(`SIGSEGV`),
}

const crashExcerptMaxLen = 2000

// Opts configures a single Exec call.
type Opts struct {
	Cwd       string
	Timeout   time.Duration // defaults to 15s
	ParseJSON bool          // defaults to true; set explicitly via NewOpts
	Stdin     string

	jsonSet bool
}

// NewOpts returns Opts with ParseJSON defaulted to true, matching the
// client's documented default.
func NewOpts() Opts {
	return Opts{ParseJSON: true, jsonSet: true}
}

// WithParseJSON overrides the parseJson default.
func (o Opts) WithParseJSON(v bool) Opts {
	o.ParseJSON = v
	o.jsonSet = true
	return o
}

// ResultError describes a failed Exec call.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the normalized outcome of an Exec call.
type Result struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Raw      string          `json:"-"`
	ExitCode int             `json:"exitCode"`
	Error    *ResultError    `json:"error,omitempty"`
}

// errorCode returns Error.Code, or "" on a successful result.
func (r Result) errorCode() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// Client serializes invocations of a single external binary behind a
// process-wide semaphore of capacity 1; callers queue in FIFO order.
type Client struct {
	bin string
	sem chan struct{}
}

// New returns a Client invoking bin, with a capacity-1 semaphore.
func New(bin string) *Client {
	c := &Client{bin: bin, sem: make(chan struct{}, 1)}
	c.sem <- struct{}{}
	return c
}

// Exec runs the binary with args, waiting its turn on the shared
// semaphore. The semaphore is released on every exit path, so a failing
// call never blocks subsequent callers.
func (c *Client) Exec(ctx context.Context, args []string, opts Opts) Result {
	ctx, span := telemetry.Tracer("agentworkbench/cmdclient").Start(ctx, "cmdclient.Exec",
		trace.WithAttributes(attribute.String("bin", c.bin)))
	defer span.End()

	result := c.exec(ctx, args, opts)
	if !result.Success {
		span.SetStatus(codes.Error, result.errorCode())
	}
	return result
}

func (c *Client) exec(ctx context.Context, args []string, opts Opts) Result {
	select {
	case <-c.sem:
	case <-ctx.Done():
		return Result{Success: false, ExitCode: -1, Error: &ResultError{Code: CodeTimeout, Message: ctx.Err().Error()}}
	}
	defer func() { c.sem <- struct{}{} }()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if !opts.jsonSet {
		opts.ParseJSON = true
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.bin, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Success: false, ExitCode: -1, Error: &ResultError{Code: CodeTimeout, Message: "command timed out after " + timeout.String()}}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode := exitErr.ExitCode()
		if code, excerpt := detectCrash(stderr.String()); code != "" {
			return Result{Success: false, ExitCode: exitCode, Error: &ResultError{Code: code, Message: "bd crashed: " + excerpt}}
		}
		return Result{Success: false, ExitCode: exitCode, Error: &ResultError{Code: CodeCommandFailed, Message: strings.TrimSpace(stderr.String())}}
	}
	if err != nil {
		return Result{Success: false, ExitCode: -1, Error: &ResultError{Code: CodeSpawnError, Message: err.Error()}}
	}

	raw := stdout.String()
	result := Result{Success: true, ExitCode: 0, Raw: raw}
	if !opts.ParseJSON {
		return result
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		result.Data = json.RawMessage("null")
		return result
	}
	if !json.Valid([]byte(trimmed)) {
		return Result{Success: false, ExitCode: 0, Raw: raw, Error: &ResultError{Code: CodeParseError, Message: "stdout is not valid JSON"}}
	}
	result.Data = json.RawMessage(trimmed)
	return result
}

// detectCrash scans stderr for a runtime-crash signature and, if found,
// returns the BD_PANIC code plus a redacted excerpt.
func detectCrash(stderrText string) (code, excerpt string) {
	for _, re := range crashSignatures {
		if re.MatchString(stderrText) {
			return CodeBDPanic, redact(stderrText)
		}
	}
	return "", ""
}

func redact(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > crashExcerptMaxLen {
		s = s[:crashExcerptMaxLen] + "...(truncated)"
	}
	return s
}

// Decode unmarshals Result.Data into v. Callers only reach this after
// checking Success.
func Decode(r Result, v any) error {
	if r.Data == nil {
		return errors.New("cmdclient: result has no data")
	}
	return json.Unmarshal(r.Data, v)
}
