// Package outputparser implements the output parser (C6): a stateful,
// line-oriented decoder that turns raw agent terminal output into the
// domain.ParsedEvent stream the session bridge and WebSocket/SSE gateways
// consume.
package outputparser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/agentworkbench/internal/domain"
)

// knownTools are the tool names the bullet-marker recognizer accepts. The
// set is representative, not exhaustive — anything else after a bullet
// falls through to message accumulation.
var knownTools = map[string]bool{
	"Read": true, "Edit": true, "Write": true, "Bash": true,
	"Glob": true, "Grep": true, "Task": true,
	"WebSearch": true, "WebFetch": true,
	"MultiEdit": true, "NotebookEdit": true, "TodoWrite": true,
}

var (
	bulletRe      = regexp.MustCompile(`^\s*⏺\s*(.*)$`)
	toolCallRe    = regexp.MustCompile(`^([A-Za-z]+)(?:\(([^)]*)\)|:\s*(.*))?$`)
	continuationRe = regexp.MustCompile(`^\s*⎿`)
	permissionRe  = regexp.MustCompile(`(?i)(do you want to allow|allow\s.+\?|approve\?)`)
	statusRe      = regexp.MustCompile(`(?i)^\s*(thinking|working|processing)\b`)
	barePromptRe  = regexp.MustCompile(`^\s*>\s*$`)
	costRe        = regexp.MustCompile(`(?i)total cost:\s*\$?([\d.]+)|^\s*cost:\s*\$?([\d.]+)`)
	tokensRe      = regexp.MustCompile(`(?i)(input|output|cache_read|cache_write)\s+tokens:\s*(\d+)`)
	errorRe       = regexp.MustCompile(`^(Error:|ERROR:|✗:)\s*(.*)$`)
)

type accState int

const (
	stateNone accState = iota
	stateMessage
)

// Parser is the stateful line-oriented decoder described by C6. It is not
// safe for concurrent use; callers that parse multiple sessions in
// parallel create one Parser per session.
type Parser struct {
	state       accState
	messageBuf  []string
	resultBuf   []string
	resultTrunc bool
	resultOpen  bool // true while a tool_result is still accepting continuation lines
	permCounter int
}

// New creates a Parser with empty state.
func New() *Parser {
	return &Parser{}
}

// ParseLine decodes a single line of raw agent output, returning zero or
// more events. ANSI escape sequences are stripped before recognition runs.
func (p *Parser) ParseLine(raw string) []domain.ParsedEvent {
	line := StripANSI(raw)
	return p.process(line)
}

func (p *Parser) process(line string) []domain.ParsedEvent {
	var events []domain.ParsedEvent

	// 1. Bullet marker begins a new segment.
	if m := bulletRe.FindStringSubmatch(line); m != nil {
		events = append(events, p.flushMessage()...)
		if ev, ok := parseToolUse(m[1]); ok {
			events = append(events, p.flushResult()...)
			events = append(events, ev)
			p.resultOpen = true
			p.state = stateNone
			return events
		}
		events = append(events, p.flushResult()...)
		p.state = stateMessage
		p.messageBuf = append(p.messageBuf, m[1])
		return events
	}

	// 2. Continuation of a tool_result.
	if p.resultOpen {
		if isIndented(line) || continuationRe.MatchString(line) {
			text := strings.TrimPrefix(strings.TrimLeft(line, " \t"), "⎿")
			text = strings.TrimLeft(text, " ")
			p.resultBuf = append(p.resultBuf, text)
			if strings.Contains(line, "(truncated)") {
				p.resultTrunc = true
			}
			return events
		}
		// Non-indented, non-continuation line terminates the result.
		events = append(events, p.flushResult()...)
	}

	// 3. Permission prompts.
	if permissionRe.MatchString(line) {
		events = append(events, p.flushMessage()...)
		p.permCounter++
		events = append(events, domain.ParsedEvent{
			Kind:      domain.ParsedPermissionRequest,
			RequestID: "perm-" + strconv.Itoa(p.permCounter),
			Action:    strings.TrimSpace(line),
			Details:   line,
		})
		return events
	}

	// 4. Status indicators.
	if m := statusRe.FindStringSubmatch(line); m != nil {
		events = append(events, p.flushMessage()...)
		state := strings.ToLower(m[1])
		if state == "processing" {
			state = "working"
		}
		events = append(events, domain.ParsedEvent{Kind: domain.ParsedStatus, State: state})
		return events
	}
	if barePromptRe.MatchString(line) {
		events = append(events, p.flushMessage()...)
		events = append(events, domain.ParsedEvent{Kind: domain.ParsedStatus, State: "working"})
		return events
	}

	// 5. Cost/token lines.
	if ev, ok := parseCostUpdate(line); ok {
		events = append(events, p.flushMessage()...)
		events = append(events, ev)
		return events
	}

	// 6. Error lines.
	if m := errorRe.FindStringSubmatch(line); m != nil {
		events = append(events, p.flushMessage()...)
		events = append(events, domain.ParsedEvent{Kind: domain.ParsedError, Message: strings.TrimSpace(m[2])})
		return events
	}

	// 7/8. Blank lines and catch-all accumulation.
	if strings.TrimSpace(line) == "" {
		if p.state == stateMessage {
			p.messageBuf = append(p.messageBuf, "")
		}
		return events
	}

	p.state = stateMessage
	p.messageBuf = append(p.messageBuf, line)
	return events
}

// Flush emits any pending message or tool_result without waiting for a
// terminating line.
func (p *Parser) Flush() []domain.ParsedEvent {
	var events []domain.ParsedEvent
	events = append(events, p.flushResult()...)
	events = append(events, p.flushMessage()...)
	return events
}

// Reset discards all pending state without emitting anything.
func (p *Parser) Reset() {
	p.state = stateNone
	p.messageBuf = nil
	p.resultBuf = nil
	p.resultTrunc = false
	p.resultOpen = false
}

func (p *Parser) flushMessage() []domain.ParsedEvent {
	if p.state != stateMessage || len(p.messageBuf) == 0 {
		p.state = stateNone
		p.messageBuf = nil
		return nil
	}
	content := strings.TrimRight(strings.Join(p.messageBuf, "\n"), "\n")
	p.state = stateNone
	p.messageBuf = nil
	if content == "" {
		return nil
	}
	return []domain.ParsedEvent{{Kind: domain.ParsedMessage, Content: content}}
}

func (p *Parser) flushResult() []domain.ParsedEvent {
	if !p.resultOpen || len(p.resultBuf) == 0 {
		p.resultOpen = false
		p.resultBuf = nil
		p.resultTrunc = false
		return nil
	}
	output := strings.TrimRight(strings.Join(p.resultBuf, "\n"), "\n")
	ev := domain.ParsedEvent{Kind: domain.ParsedToolResult, Output: output, Truncated: p.resultTrunc}
	p.resultOpen = false
	p.resultBuf = nil
	p.resultTrunc = false
	return []domain.ParsedEvent{ev}
}

func isIndented(line string) bool {
	if line == "" {
		return false
	}
	return line[0] == ' ' || line[0] == '\t'
}

// parseToolUse matches a bullet-marker remainder against the known-tool
// grammar: "Tool(arg)", "Tool: arg", or bare "Tool".
func parseToolUse(remainder string) (domain.ParsedEvent, bool) {
	m := toolCallRe.FindStringSubmatch(strings.TrimSpace(remainder))
	if m == nil || !knownTools[m[1]] {
		return domain.ParsedEvent{}, false
	}
	tool := m[1]
	arg := m[2]
	if arg == "" {
		arg = m[3]
	}
	arg = strings.TrimSpace(arg)

	var in domain.ToolUseInput
	hasArg := arg != ""
	switch tool {
	case "Read", "Edit", "Write", "MultiEdit", "NotebookEdit":
		if hasArg {
			in.FilePath = arg
		}
	case "Bash":
		if hasArg {
			in.Command = arg
		}
	case "Glob", "Grep":
		if hasArg {
			in.Pattern = arg
		}
	case "WebSearch":
		if hasArg {
			in.Query = arg
		}
	case "WebFetch":
		if hasArg {
			in.URL = arg
		}
	case "Task", "TodoWrite":
		if hasArg {
			in.Description = arg
		}
	}

	ev := domain.ParsedEvent{Kind: domain.ParsedToolUse, Tool: tool}
	if hasArg {
		ev.Input = &in
	}
	return ev, true
}

func parseCostUpdate(line string) (domain.ParsedEvent, bool) {
	var ev domain.ParsedEvent
	matched := false

	if m := costRe.FindStringSubmatch(line); m != nil {
		valueStr := m[1]
		if valueStr == "" {
			valueStr = m[2]
		}
		if v, err := strconv.ParseFloat(valueStr, 64); err == nil {
			ev.Cost = &v
			matched = true
		}
	}

	if matches := tokensRe.FindAllStringSubmatch(line, -1); len(matches) > 0 {
		ev.Tokens = make(map[string]int, len(matches))
		for _, m := range matches {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			ev.Tokens[strings.ToLower(m[1])] = n
		}
		matched = true
	}

	if !matched {
		return domain.ParsedEvent{}, false
	}
	ev.Kind = domain.ParsedCostUpdate
	return ev, true
}
