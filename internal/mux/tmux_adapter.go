package mux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentworkbench/internal/core/errkind"
)

const defaultCaptureLines = 2000

// TmuxAdapter implements Adapter by shelling out to a real tmux binary.
// Every call runs under a bounded context timeout and is not retried;
// tmux's own process-table state is the source of truth.
type TmuxAdapter struct {
	bin     string
	timeout time.Duration
}

// NewTmuxAdapter returns a TmuxAdapter invoking the given tmux binary
// (usually "tmux", resolved via PATH) with the given per-call timeout.
func NewTmuxAdapter(bin string, timeout time.Duration) *TmuxAdapter {
	if bin == "" {
		bin = "tmux"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TmuxAdapter{bin: bin, timeout: timeout}
}

func (a *TmuxAdapter) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", errkind.Wrap(errkind.Timeout, fmt.Sprintf("tmux %s timed out", strings.Join(args, " ")), ctx.Err())
	}
	if err != nil {
		return "", errkind.Wrap(errkind.MuxFailure, fmt.Sprintf("tmux %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String())), err)
	}
	return stdout.String(), nil
}

// HasSession reports whether a tmux session with this name exists.
func (a *TmuxAdapter) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := a.run(ctx, "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	if kind, ok := errkind.Of(err); ok && kind == errkind.MuxFailure {
		// tmux has-session exits non-zero when the session is absent; that is
		// not itself a failure worth surfacing.
		return false, nil
	}
	return false, err
}

// NewSession starts a fresh detached tmux session rooted at cwd, optionally
// running initialCommand as the session's first command.
func (a *TmuxAdapter) NewSession(ctx context.Context, name, cwd, initialCommand string) error {
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if initialCommand != "" {
		args = append(args, initialCommand)
	}
	_, err := a.run(ctx, args...)
	return err
}

// KillSession destroys a tmux session. Safe to call on a session that no
// longer exists.
func (a *TmuxAdapter) KillSession(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kill-session", "-t", name)
	if err != nil {
		if kind, ok := errkind.Of(err); ok && kind == errkind.MuxFailure {
			return nil
		}
		return err
	}
	return nil
}

// ListSessions returns the names of every tmux session currently known to
// the server. A missing tmux server is surfaced as an error; discovery
// decides whether that means "no sessions."
func (a *TmuxAdapter) ListSessions(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

// ListPanes returns the panes belonging to a session, one PaneRef per line
// of `list-panes`.
func (a *TmuxAdapter) ListPanes(ctx context.Context, name string) ([]PaneRef, error) {
	out, err := a.run(ctx, "list-panes", "-t", name, "-F", "#{pane_id}")
	if err != nil {
		return nil, err
	}
	lines := splitNonEmptyLines(out)
	panes := make([]PaneRef, 0, len(lines))
	for _, l := range lines {
		panes = append(panes, PaneRef{Session: name, Pane: l})
	}
	return panes, nil
}

// CapturePane returns the last `lines` lines of scrollback for a pane.
func (a *TmuxAdapter) CapturePane(ctx context.Context, ref PaneRef, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultCaptureLines
	}
	return a.run(ctx, "capture-pane", "-p", "-t", ref.Pane, "-S", "-"+strconv.Itoa(lines))
}

// SendKeys writes text verbatim into a pane's input. tmux's send-keys
// interprets its literal argument as keystrokes; -l forces literal mode so
// embedded control sequences in text are not reinterpreted as tmux key
// names.
func (a *TmuxAdapter) SendKeys(ctx context.Context, ref PaneRef, text string, enter bool) error {
	if text != "" {
		if _, err := a.run(ctx, "send-keys", "-t", ref.Pane, "-l", "--", text); err != nil {
			return err
		}
	}
	if enter {
		if _, err := a.run(ctx, "send-keys", "-t", ref.Pane, "Enter"); err != nil {
			return err
		}
	}
	return nil
}

func splitNonEmptyLines(s string) []string {
	raw := strings.Split(s, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
