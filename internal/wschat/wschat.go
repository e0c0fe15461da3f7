// Package wschat implements the WebSocket chat server (C10): a richer
// relative of the terminal attach socket, with an auth handshake, a
// server-wide sequenced replay buffer, and token-bucket rate limits on
// inbound chat traffic.
package wschat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/ashureev/agentworkbench/internal/bridge"
	"github.com/ashureev/agentworkbench/internal/domain"
	"github.com/ashureev/agentworkbench/internal/msgstore"
	"github.com/ashureev/agentworkbench/internal/telemetry"
)

const (
	closeAuthTimeout = websocket.StatusCode(4002)
	closeAuthFailed  = websocket.StatusCode(4003)

	replayMaxEntries = 1000
	replayMaxAge     = time.Hour
)

// Config configures the chat server's auth and rate-limiting behavior.
type Config struct {
	AuthTimeout       time.Duration
	MessageRatePerMin int
	TypingRatePerMin  int
	APIKeys           []string
}

func (c Config) authRequired() bool {
	return len(c.APIKeys) > 0
}

func (c Config) validKey(key string) bool {
	for _, k := range c.APIKeys {
		if k == key {
			return true
		}
	}
	return false
}

// outbound is one replayable server->client frame.
type outbound struct {
	seq     uint64
	ts      time.Time
	payload any
}

// Server is the WebSocket chat server: it accepts connections, runs each
// through the auth handshake, and fans out chat_message/typing frames to
// every authenticated client.
type Server struct {
	cfg    Config
	bridge *bridge.Bridge
	store  *msgstore.Store
	log    *slog.Logger

	mu      sync.Mutex
	seq     uint64
	replay  []outbound
	clients map[string]*client

	broadcasts metric.Int64Counter
}

// New creates a chat Server.
func New(cfg Config, br *bridge.Bridge, store *msgstore.Store, log *slog.Logger) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.MessageRatePerMin <= 0 {
		cfg.MessageRatePerMin = 60
	}
	if cfg.TypingRatePerMin <= 0 {
		cfg.TypingRatePerMin = 30
	}
	if log == nil {
		log = slog.Default()
	}
	counter, _ := telemetry.Meter("agentworkbench/wschat").Int64Counter(
		"broadcasts_total",
		metric.WithDescription("Chat frames broadcast, by event type and delivery outcome"),
	)
	return &Server{
		cfg:        cfg,
		bridge:     br,
		store:      store,
		log:        log,
		clients:    make(map[string]*client),
		broadcasts: counter,
	}
}

// client is a single connected, possibly-authenticated socket.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu            sync.Mutex
	authenticated bool
	lastSeqSeen   uint64

	messageLim *rate.Limiter
	typingLim  *rate.Limiter

	sendMu sync.Mutex
}

// wire message shapes. Inbound frames are discriminated by Type; outbound
// frames are plain structs marshaled directly (their own "type" field is
// supplied via the wrapper below).
type inboundEnvelope struct {
	Type string `json:"type"`
}

type authResponse struct {
	APIKey string `json:"apiKey"`
}

type chatInbound struct {
	ID   string `json:"id"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type typingInbound struct {
	State string `json:"state"`
}

type ackInbound struct {
	Seq uint64 `json:"seq"`
}

type syncInbound struct {
	LastSeqSeen uint64 `json:"lastSeqSeen"`
}

type missedEntry struct {
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload"`
}

// ServeHTTP upgrades the connection and runs the client's lifecycle:
// handshake, then read loop, until the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("chat accept failed", "error", err)
		return
	}

	c := &client{
		id:         newClientID(),
		conn:       conn,
		server:     s,
		messageLim: rate.NewLimiter(rate.Limit(float64(s.cfg.MessageRatePerMin)/60), s.cfg.MessageRatePerMin),
		typingLim:  rate.NewLimiter(rate.Limit(float64(s.cfg.TypingRatePerMin)/60), s.cfg.TypingRatePerMin),
	}

	ctx := r.Context()
	if !s.handshake(ctx, c) {
		return
	}

	s.addClient(c)
	defer s.removeClient(c)

	s.readLoop(ctx, c)
}

func (s *Server) handshake(ctx context.Context, c *client) bool {
	if !s.cfg.authRequired() {
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		s.sendConnected(c)
		return true
	}

	if err := writeJSON(ctx, c.conn, frame("auth_challenge", struct{}{})); err != nil {
		return false
	}

	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	_, data, err := c.conn.Read(authCtx)
	if err != nil {
		c.conn.Close(closeAuthTimeout, "auth timeout")
		return false
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "auth_response" {
		c.conn.Close(closeAuthFailed, "expected auth_response")
		return false
	}
	var resp authResponse
	_ = json.Unmarshal(data, &resp)

	if !s.cfg.validKey(resp.APIKey) {
		c.conn.Close(closeAuthFailed, "invalid api key")
		return false
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	s.sendConnected(c)
	return true
}

func (s *Server) sendConnected(c *client) {
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()
	c.send(context.Background(), frame("connected", map[string]any{
		"sessionId": c.id,
		"seq":       seq,
	}))
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return
			}
			return
		}
		s.handleFrame(ctx, c, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *client, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.send(ctx, frame("error", map[string]string{"code": "bad_frame"}))
		return
	}

	switch env.Type {
	case "message":
		s.handleMessage(ctx, c, data)
	case "typing":
		s.handleTyping(ctx, c, data)
	case "ack":
		s.handleAck(c, data)
	case "sync":
		s.handleSync(ctx, c, data)
	default:
		c.send(ctx, frame("error", map[string]string{"code": "unknown_type"}))
	}
}

func (s *Server) handleMessage(ctx context.Context, c *client, data []byte) {
	if !c.messageLim.Allow() {
		c.send(ctx, frame("error", map[string]string{"code": "rate_limited"}))
		return
	}

	var in chatInbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.send(ctx, frame("error", map[string]string{"code": "bad_frame"}))
		return
	}

	msg, err := s.store.InsertMessage(ctx, domain.Message{
		ID:        in.ID,
		Recipient: in.To,
		Role:      domain.RoleUser,
		Body:      in.Body,
	})
	if err != nil {
		s.log.Warn("chat message persist failed", "error", err)
		c.send(ctx, frame("error", map[string]string{"code": "store_error"}))
		return
	}

	if in.To != "" && s.bridge != nil {
		s.bridge.SendInput(ctx, in.To, in.Body)
	}

	s.broadcast("chat_message", map[string]any{
		"id":   msg.ID,
		"from": c.id,
		"to":   in.To,
		"body": in.Body,
		"ts":   msg.CreatedAt,
	})

	c.send(ctx, frame("delivered", map[string]string{"clientId": c.id, "messageId": msg.ID}))
}

func (s *Server) handleTyping(ctx context.Context, c *client, data []byte) {
	if !c.typingLim.Allow() {
		return
	}
	var in typingInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	s.broadcast("typing", map[string]any{"from": c.id, "state": in.State})
}

func (s *Server) handleAck(c *client, data []byte) {
	var in ackInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	c.mu.Lock()
	if in.Seq > c.lastSeqSeen {
		c.lastSeqSeen = in.Seq
	}
	c.mu.Unlock()
}

func (s *Server) handleSync(ctx context.Context, c *client, data []byte) {
	var in syncInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}

	s.mu.Lock()
	var missed []missedEntry
	for _, o := range s.replay {
		if o.seq > in.LastSeqSeen {
			missed = append(missed, missedEntry{Seq: o.seq, Payload: o.payload})
		}
	}
	s.mu.Unlock()

	c.send(ctx, frame("sync_response", map[string]any{"missed": missed}))
}

// broadcast assigns the next sequence number, appends to the replay buffer,
// and sends to every authenticated client without blocking on a slow peer.
func (s *Server) broadcast(eventType string, payload map[string]any) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	payload["seq"] = seq
	s.appendReplay(outbound{seq: seq, ts: time.Now(), payload: frame(eventType, payload)})
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	f := frame(eventType, payload)
	for _, c := range targets {
		c.mu.Lock()
		authed := c.authenticated
		c.mu.Unlock()
		if !authed {
			continue
		}
		if c.sendNonBlocking(f) {
			s.recordBroadcast(eventType, "delivered")
		} else {
			_ = c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			s.removeClient(c)
			s.recordBroadcast(eventType, "dropped_slow_consumer")
		}
	}
}

func (s *Server) recordBroadcast(eventType, outcome string) {
	if s.broadcasts == nil {
		return
	}
	s.broadcasts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event_type", eventType), attribute.String("outcome", outcome)))
}

// appendReplay must be called with s.mu held. It enforces both the entry
// count and max-age caps, evicting lazily from the front.
func (s *Server) appendReplay(o outbound) {
	s.replay = append(s.replay, o)
	cutoff := time.Now().Add(-replayMaxAge)
	start := 0
	for start < len(s.replay) && s.replay[start].ts.Before(cutoff) {
		start++
	}
	if over := len(s.replay) - replayMaxEntries; over > start {
		start = over
	}
	if start > 0 {
		s.replay = append([]outbound(nil), s.replay[start:]...)
	}
}

func (c *client) send(ctx context.Context, v any) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = writeJSON(ctx, c.conn, v)
}

// sendNonBlocking writes with a short deadline so one stalled client cannot
// hold up the broadcaster; on failure the caller closes the connection.
func (c *client) sendNonBlocking(v any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writeJSON(ctx, c.conn, v) == nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// frame wraps a payload with its wire "type" discriminator.
func frame(eventType string, payload any) map[string]any {
	data, _ := json.Marshal(payload)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	if m == nil {
		m = make(map[string]any)
	}
	m["type"] = eventType
	return m
}

func newClientID() string {
	return "ws-" + uuid.NewString()
}
