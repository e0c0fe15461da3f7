package cmdclient

import (
	"context"
	"testing"
	"time"
)

func TestExecParsesJSONStdout(t *testing.T) {
	c := New("sh")
	res := c.Exec(context.Background(), []string{"-c", `echo '{"ok":true}'`}, NewOpts())
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := Decode(res, &body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !body.OK {
		t.Fatal("expected ok=true")
	}
}

func TestExecParseErrorOnInvalidJSON(t *testing.T) {
	c := New("sh")
	res := c.Exec(context.Background(), []string{"-c", `echo 'not json'`}, NewOpts())
	if res.Success {
		t.Fatal("expected failure for invalid JSON stdout")
	}
	if res.Error == nil || res.Error.Code != CodeParseError {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestExecSkipsParsingWhenDisabled(t *testing.T) {
	c := New("sh")
	res := c.Exec(context.Background(), []string{"-c", `echo 'plain text'`}, NewOpts().WithParseJSON(false))
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	if res.Raw != "plain text\n" {
		t.Fatalf("Raw = %q", res.Raw)
	}
}

func TestExecTimeoutKillsProcess(t *testing.T) {
	c := New("sh")
	opts := NewOpts()
	opts.Timeout = 20 * time.Millisecond
	res := c.Exec(context.Background(), []string{"-c", "sleep 2"}, opts)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error == nil || res.Error.Code != CodeTimeout {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exitCode = %d, want -1", res.ExitCode)
	}
}

func TestExecSpawnErrorOnMissingBinary(t *testing.T) {
	c := New("this-binary-does-not-exist-xyz")
	res := c.Exec(context.Background(), nil, NewOpts())
	if res.Success {
		t.Fatal("expected spawn failure")
	}
	if res.Error == nil || res.Error.Code != CodeSpawnError {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestExecCommandFailedOnNonZeroExit(t *testing.T) {
	c := New("sh")
	res := c.Exec(context.Background(), []string{"-c", `echo 'boom' >&2; exit 1`}, NewOpts())
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == nil || res.Error.Code != CodeCommandFailed {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.ExitCode != 1 {
		t.Fatalf("exitCode = %d, want 1", res.ExitCode)
	}
}

func TestExecBDPanicOnCrashSignature(t *testing.T) {
	c := New("sh")
	res := c.Exec(context.Background(), []string{"-c", `echo 'panic: runtime error: index out of range' >&2; exit 2`}, NewOpts())
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error == nil || res.Error.Code != CodeBDPanic {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestExecSerializesConcurrentCalls(t *testing.T) {
	c := New("sh")
	const n = 5
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			c.Exec(context.Background(), []string{"-c", "sleep 0.05"}, NewOpts().WithParseJSON(false))
			done <- struct{}{}
		}()
	}
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-deadline:
			t.Fatal("timed out waiting for serialized calls to complete")
		}
	}
	select {
	case c.sem <- struct{}{}:
		t.Fatal("semaphore over-released: more than one slot available")
	default:
	}
	<-c.sem
}

func TestExecEmptyStdoutParsesAsNull(t *testing.T) {
	c := New("sh")
	res := c.Exec(context.Background(), []string{"-c", `true`}, NewOpts())
	if !res.Success {
		t.Fatalf("expected success, got error: %+v", res.Error)
	}
	if string(res.Data) != "null" {
		t.Fatalf("Data = %s, want null", res.Data)
	}
}
