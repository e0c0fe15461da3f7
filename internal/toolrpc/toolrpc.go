// Package toolrpc implements the tool-protocol gateway (C12): a stateful,
// line-delimited JSON RPC transport that lets an agent process invoke
// messaging and status tools against the message store and event bus,
// with identity resolved by the server rather than trusted from the
// caller.
package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/domain"
	"github.com/ashureev/agentworkbench/internal/msgstore"
)

// request is one line of client->server traffic.
type request struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// response is one line of server->client traffic.
type response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PushNotifier is invoked for send_message calls addressed to "user", when
// configured.
type PushNotifier func(body string)

// Gateway dispatches tool-RPC requests and owns the connected-agent table.
type Gateway struct {
	store *msgstore.Store
	bus   *bus.Bus
	log   *slog.Logger
	push  PushNotifier

	mu        sync.Mutex
	connected map[string]domain.ConnectedAgent // transportSessionID -> agent
	statuses  map[string]domain.AgentStatusRecord
}

// New creates a Gateway. push may be nil to disable push notifications.
func New(store *msgstore.Store, b *bus.Bus, push PushNotifier, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		store:     store,
		bus:       b,
		log:       log,
		push:      push,
		connected: make(map[string]domain.ConnectedAgent),
		statuses:  make(map[string]domain.AgentStatusRecord),
	}
}

// ConnectedAgents returns a snapshot of the connected-agent table, for the
// agent-listing enrichment path.
func (g *Gateway) ConnectedAgents() []domain.ConnectedAgent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.ConnectedAgent, 0, len(g.connected))
	for _, a := range g.connected {
		out = append(out, a)
	}
	return out
}

// AgentStatus returns the last self-reported status for agentID, if the
// agent is currently connected; stale records from disconnected agents are
// hidden here rather than left to callers to filter.
func (g *Gateway) AgentStatus(agentID string) (domain.AgentStatusRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.connected {
		if a.AgentID == agentID {
			rec, ok := g.statuses[agentID]
			return rec, ok
		}
	}
	return domain.AgentStatusRecord{}, false
}

// HandleConn runs the tool-RPC loop for one transport connection bound to
// agentID (the orchestrator session this pipe is attached to — the server
// decides this from which session spawned the connection, never from
// anything the client sends). It blocks until rw's reader returns an error,
// then removes the transport session from the connected-agent table. ctx is
// checked only after a line has been read, so a canceled ctx ends the loop
// at the next incoming line, not while a read is blocked.
func (g *Gateway) HandleConn(ctx context.Context, agentID string, rw io.ReadWriter) error {
	transportSessionID := uuid.NewString()
	g.mu.Lock()
	g.connected[transportSessionID] = domain.ConnectedAgent{
		AgentID:            agentID,
		TransportSessionID: transportSessionID,
		ConnectedAt:        time.Now(),
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.connected, transportSessionID)
		g.mu.Unlock()
	}()

	var writeMu sync.Mutex
	writeResp := func(r response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		data, err := json.Marshal(r)
		if err != nil {
			return
		}
		data = append(data, '\n')
		if _, err := rw.Write(data); err != nil {
			g.log.Debug("toolrpc write failed", "error", err)
		}
	}

	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			writeResp(response{Error: "invalid request"})
			continue
		}
		result, err := g.dispatch(ctx, transportSessionID, req.Tool, req.Args)
		if err != nil {
			writeResp(response{ID: req.ID, Error: err.Error()})
			continue
		}
		writeResp(response{ID: req.ID, Result: result})
	}
	return scanner.Err()
}

func (g *Gateway) dispatch(ctx context.Context, transportSessionID, tool string, args json.RawMessage) (any, error) {
	switch tool {
	case "send_message":
		return g.sendMessage(ctx, transportSessionID, args)
	case "read_messages":
		return g.readMessages(ctx, args)
	case "list_threads":
		return g.listThreads(ctx, args)
	case "mark_read":
		return g.markRead(ctx, args)
	case "set_status":
		return g.setStatus(transportSessionID, args)
	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
}

func (g *Gateway) agentForTransport(transportSessionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.connected[transportSessionID]
	if !ok {
		return "", false
	}
	return a.AgentID, true
}

type sendMessageArgs struct {
	To       string `json:"to"`
	Body     string `json:"body"`
	ThreadID string `json:"threadId"`
	Metadata string `json:"metadata"`
}

func (g *Gateway) sendMessage(ctx context.Context, transportSessionID string, raw json.RawMessage) (any, error) {
	agentID, ok := g.agentForTransport(transportSessionID)
	if !ok {
		return nil, fmt.Errorf("Unknown session")
	}
	var args sendMessageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}

	msg, err := g.store.InsertMessage(ctx, domain.Message{
		AgentID:   agentID,
		Recipient: args.To,
		ThreadID:  args.ThreadID,
		Role:      domain.RoleAgent,
		Body:      args.Body,
		Metadata:  args.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if g.bus != nil {
		g.bus.Emit(domain.EventChatMessage, map[string]any{
			"id":   msg.ID,
			"from": agentID,
			"to":   args.To,
			"body": args.Body,
			"ts":   msg.CreatedAt,
		})
	}
	if args.To == "user" && g.push != nil {
		g.push(args.Body)
	}

	return map[string]any{"id": msg.ID}, nil
}

type readMessagesArgs struct {
	AgentID  string     `json:"agentId"`
	ThreadID string     `json:"threadId"`
	Limit    int        `json:"limit"`
	Before   *time.Time `json:"before"`
}

func (g *Gateway) readMessages(ctx context.Context, raw json.RawMessage) (any, error) {
	var args readMessagesArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
	}
	return g.store.GetMessages(ctx, msgstore.Filters{
		AgentID:  args.AgentID,
		ThreadID: args.ThreadID,
		Limit:    args.Limit,
		Before:   args.Before,
	})
}

type listThreadsArgs struct {
	AgentID string `json:"agentId"`
}

func (g *Gateway) listThreads(ctx context.Context, raw json.RawMessage) (any, error) {
	var args listThreadsArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
	}
	return g.store.GetThreads(ctx, args.AgentID)
}

type markReadArgs struct {
	MessageID string `json:"messageId"`
	AgentID   string `json:"agentId"`
}

func (g *Gateway) markRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var args markReadArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	if (args.MessageID == "") == (args.AgentID == "") {
		return nil, fmt.Errorf("Either messageId or agentId is required")
	}
	if args.MessageID != "" {
		if err := g.store.MarkRead(ctx, args.MessageID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}
	n, err := g.store.MarkAllRead(ctx, args.AgentID, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "count": n}, nil
}

type setStatusArgs struct {
	Status string `json:"status"`
	Task   string `json:"task"`
}

func (g *Gateway) setStatus(transportSessionID string, raw json.RawMessage) (any, error) {
	agentID, ok := g.agentForTransport(transportSessionID)
	if !ok {
		return nil, fmt.Errorf("Unknown session")
	}
	var args setStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}

	rec := domain.AgentStatusRecord{
		AgentID:   agentID,
		Status:    args.Status,
		Task:      args.Task,
		UpdatedAt: time.Now(),
	}
	g.mu.Lock()
	g.statuses[agentID] = rec
	g.mu.Unlock()

	if g.bus != nil {
		g.bus.Emit(domain.EventAgentStatus, map[string]any{
			"agentId":   agentID,
			"status":    args.Status,
			"task":      args.Task,
			"updatedAt": rec.UpdatedAt,
		})
	}
	return map[string]any{"ok": true}, nil
}
