// Package httpapi wires the session bridge, message store, and bus onto
// chi HTTP routes: REST endpoints for session and message operations, the
// WebSocket chat server, the SSE gateway, and a health check.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentworkbench/internal/bridge"
	"github.com/ashureev/agentworkbench/internal/bus"
	"github.com/ashureev/agentworkbench/internal/domain"
	"github.com/ashureev/agentworkbench/internal/msgstore"
	"github.com/ashureev/agentworkbench/internal/sse"
	"github.com/ashureev/agentworkbench/internal/toolrpc"
	"github.com/ashureev/agentworkbench/internal/wschat"
)

// CORS returns middleware that handles CORS headers, allowing the
// configured origins (or "*" for all) and echoing Allow-Credentials only
// for an explicit origin match.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				for _, o := range allowedOrigins {
					if o != "*" && o == origin {
						w.Header().Set("Access-Control-Allow-Credentials", "true")
						break
					}
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Server holds every component httpapi routes dispatch to.
type Server struct {
	bridge *bridge.Bridge
	store  *msgstore.Store
	bus    *bus.Bus
	chat   *wschat.Server
	events *sse.Gateway
	tools  *toolrpc.Gateway
}

// New creates an httpapi Server.
func New(br *bridge.Bridge, store *msgstore.Store, b *bus.Bus, chat *wschat.Server, events *sse.Gateway, tools *toolrpc.Gateway) *Server {
	return &Server{bridge: br, store: store, bus: b, chat: chat, events: events, tools: tools}
}

// Routes mounts every endpoint onto r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.health)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.killSession)
			r.Post("/input", s.sendInput)
			r.Post("/interrupt", s.sendInterrupt)
			r.Post("/permission", s.sendPermissionResponse)
			if s.tools != nil {
				r.Get("/tool-rpc", s.toolRPC)
			}
		})
	})

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", s.getMessages)
		r.Get("/search", s.searchMessages)
		r.Get("/threads", s.getThreads)
		r.Get("/unread", s.getUnreadCounts)
		r.Post("/{messageID}/read", s.markRead)
	})

	if s.chat != nil {
		r.Handle("/ws/chat", s.chat)
	}
	if s.events != nil {
		r.Handle("/events", s.events)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	code := http.StatusOK

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			checks["database"] = "unreachable"
			status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if s.bus != nil {
		checks["bus_subscribers"] = strconv.Itoa(s.bus.SubscriberCount())
	}
	if s.events != nil {
		checks["sse_clients"] = strconv.FormatInt(s.events.ClientCount(), 10)
	}

	JSON(w, code, map[string]any{"status": status, "checks": checks})
}

type createSessionRequest struct {
	Name          string   `json:"name"`
	ProjectPath   string   `json:"projectPath"`
	Mode          string   `json:"mode"`
	WorkspaceType string   `json:"workspaceType"`
	ClaudeArgs    []string `json:"claudeArgs"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.bridge.ListSessions())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.ProjectPath == "" {
		Error(w, http.StatusBadRequest, "name and projectPath are required")
		return
	}

	mode := domain.ModeStandalone
	if req.Mode != "" {
		mode = domain.SessionMode(req.Mode)
	}
	workspace := domain.WorkspacePrimary
	if req.WorkspaceType != "" {
		workspace = domain.WorkspaceType(req.WorkspaceType)
	}

	id, err := s.bridge.CreateSession(r.Context(), domain.Draft{
		Name:          req.Name,
		ProjectPath:   req.ProjectPath,
		Mode:          mode,
		WorkspaceType: workspace,
		ClaudeArgs:    req.ClaudeArgs,
	})
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.bridge.GetSession(id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

func (s *Server) killSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.bridge.KillSession(r.Context(), id) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inputRequest struct {
	Text string `json:"text"`
}

func (s *Server) sendInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.bridge.SendInput(r.Context(), id, req.Text) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sendInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.bridge.SendInterrupt(r.Context(), id) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) sendPermissionResponse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.bridge.SendPermissionResponse(r.Context(), id, req.Approved) {
		Error(w, http.StatusNotFound, "no pending permission request")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toolRPC upgrades the connection to a WebSocket and hands it to the
// tool-protocol gateway (C12), binding agentID to the URL's sessionID
// rather than trusting anything the agent sends. An agent process
// launched inside a session's mux pane dials this endpoint to send and
// read messages and report status.
func (s *Server) toolRPC(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.bridge.GetSession(sessionID); !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("tool-rpc accept failed", "session", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()

	rw := websocket.NetConn(r.Context(), conn, websocket.MessageBinary)
	if err := s.tools.HandleConn(r.Context(), sessionID, rw); err != nil {
		slog.Debug("tool-rpc connection closed", "session", sessionID, "error", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs, err := s.store.GetMessages(r.Context(), msgstore.Filters{
		AgentID:  q.Get("agentId"),
		ThreadID: q.Get("threadId"),
		Role:     domain.MessageRole(q.Get("role")),
	})
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, msgs)
}

func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	msgs, err := s.store.SearchMessages(r.Context(), query, msgstore.Filters{
		AgentID: r.URL.Query().Get("agentId"),
	})
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, msgs)
}

func (s *Server) getThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.GetThreads(r.Context(), r.URL.Query().Get("agentId"))
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, threads)
}

func (s *Server) getUnreadCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GetUnreadCounts(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, counts)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	if err := s.store.MarkRead(r.Context(), id); err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
