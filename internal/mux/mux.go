// Package mux abstracts the terminal multiplexer an agent session runs
// inside. Two backends implement Adapter: TmuxAdapter shells out to a real
// tmux binary, and DockerAdapter attaches to per-session Docker containers
// for environments where tmux is unavailable or undesired on the host.
package mux

import (
	"context"
	"regexp"
)

// PaneRef identifies a single addressable pane within a mux session.
type PaneRef struct {
	Session string
	Pane    string
}

// Adapter is the thin abstraction over an external multiplexer every
// lifecycle and session-bridge call goes through. All calls are
// asynchronous, bounded in time, and do not retry; callers translate
// failure into the errkind taxonomy.
type Adapter interface {
	// HasSession reports whether a mux session with this name exists.
	HasSession(ctx context.Context, name string) (bool, error)

	// NewSession creates a fresh mux session rooted at cwd, optionally
	// running initialCommand as the session's first command.
	NewSession(ctx context.Context, name, cwd, initialCommand string) error

	// KillSession destroys a mux session. Safe to call on a session that no
	// longer exists.
	KillSession(ctx context.Context, name string) error

	// ListSessions returns the names of all mux sessions currently known to
	// the backend. A missing mux daemon is reported as an error, not an
	// empty slice — callers that want "no daemon means no sessions"
	// behavior (discovery) must translate that themselves.
	ListSessions(ctx context.Context) ([]string, error)

	// ListPanes returns the panes belonging to a session. Most backends
	// return exactly one pane per session.
	ListPanes(ctx context.Context, name string) ([]PaneRef, error)

	// CapturePane returns the last `lines` lines of scrollback for a pane.
	// lines<=0 requests the backend's default capture depth.
	CapturePane(ctx context.Context, ref PaneRef, lines int) (string, error)

	// SendKeys writes text verbatim to a pane's input, preserving embedded
	// newlines and control characters exactly. If enter is true, a
	// terminating Enter keystroke is sent after the text.
	SendKeys(ctx context.Context, ref PaneRef, text string, enter bool) error
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Sanitize replaces every character outside [A-Za-z0-9_.-] with "-". Used
// to derive mux session names from caller-supplied session names.
func Sanitize(name string) string {
	return sanitizeRe.ReplaceAllString(name, "-")
}
