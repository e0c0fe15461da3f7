// Package sse implements the SSE gateway (C11): a one-way, reconnect-
// friendly read-only feed over the event bus for clients that don't need
// the WebSocket chat server's bidirectional handshake.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/domain"
)

// publicKind maps an internal bus.EventKind to the public SSE event name
// and, where the wire shape differs from the bus payload, an action label
// the handler folds into the emitted JSON.
var publicKind = map[domain.EventKind]string{
	domain.EventBeadCreated:  "bead_update",
	domain.EventBeadUpdated:  "bead_update",
	domain.EventBeadClosed:   "bead_update",
	domain.EventMailReceived: "mail_received",
	domain.EventAgentStatus:  "agent_status",
	domain.EventPowerState:   "power_state",
	domain.EventModeChanged:  "mode_changed",
	domain.EventStreamStatus: "stream_status",
}

var beadAction = map[domain.EventKind]string{
	domain.EventBeadCreated: "created",
	domain.EventBeadUpdated: "updated",
	domain.EventBeadClosed:  "closed",
}

// Config configures the SSE gateway's keepalive cadence.
type Config struct {
	KeepaliveInterval time.Duration
}

// Gateway serves Server-Sent Events for bus events, translating internal
// event kinds to the public wire vocabulary and supporting Last-Event-ID
// resume.
type Gateway struct {
	bus *bus.Bus
	cfg Config
	log *slog.Logger

	clientCount atomic.Int64
}

// New creates an SSE Gateway.
func New(b *bus.Bus, cfg Config, log *slog.Logger) *Gateway {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{bus: b, cfg: cfg, log: log}
}

// ClientCount reports the number of currently connected SSE clients, for
// the health endpoint.
func (g *Gateway) ClientCount() int64 {
	return g.clientCount.Load()
}

// ServeHTTP streams bus events as text/event-stream. A client reconnecting
// with Last-Event-ID set resumes by suppressing events whose seq is not
// greater than that id until the live stream naturally overtakes it; the
// bus keeps no history buffer of its own; to replay the gap the gateway
// would need to consult C8's durable log, which is out of scope for a
// live status feed.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	var resumeFrom uint64
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseUint(idHeader, 10, 64); err == nil {
			resumeFrom = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	handle, ch := g.bus.Subscribe(nil)
	defer g.bus.Unsubscribe(handle)

	g.clientCount.Add(1)
	defer g.clientCount.Add(-1)

	var writeMu sync.Mutex
	seq := g.bus.CurrentSeq()
	if err := writeSSEWithID(&writeMu, w, seq, "connected", fmt.Sprintf(`{"seq":%d,"serverTime":%q}`, seq, time.Now().Format(time.RFC3339))); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(g.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= resumeFrom {
				continue
			}
			kind, payload, ok := g.translate(ev)
			if !ok {
				continue
			}
			if err := writeSSEWithID(&writeMu, w, ev.Seq, kind, payload); err != nil {
				g.log.Debug("sse write failed", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			writeMu.Lock()
			err := writeSSE(w, "keepalive", `{"status":"alive"}`)
			writeMu.Unlock()
			if err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// translate maps an internal bus event to its public SSE event name and
// JSON payload. Events with no public mapping (e.g. chat/typing, which
// flow over the WebSocket chat server instead) are dropped.
func (g *Gateway) translate(ev domain.Event) (kind string, payload string, ok bool) {
	publicName, known := publicKind[ev.Kind]
	if !known {
		return "", "", false
	}

	fields := map[string]any{"payload": ev.Payload}
	if action, isBead := beadAction[ev.Kind]; isBead {
		fields["action"] = action
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", "", false
	}
	return publicName, string(data), true
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(mu *sync.Mutex, w io.Writer, id uint64, event, data string) error {
	mu.Lock()
	defer mu.Unlock()
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
