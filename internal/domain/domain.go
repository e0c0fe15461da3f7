// Package domain contains the shared data-model types for the orchestrator.
package domain

import "time"

// SessionMode selects how a session's mux name is derived and how its
// workspace is prepared.
type SessionMode string

// Session modes recognized by the lifecycle manager.
const (
	ModeStandalone SessionMode = "standalone"
	ModeSwarm      SessionMode = "swarm"
	ModeExternal   SessionMode = "external"
)

// WorkspaceType describes how a session's project directory relates to the
// repository it was spawned from.
type WorkspaceType string

// Workspace types recognized by the lifecycle manager.
const (
	WorkspacePrimary  WorkspaceType = "primary"
	WorkspaceWorktree WorkspaceType = "worktree"
	WorkspaceCopy     WorkspaceType = "copy"
)

// SessionStatus is the lifecycle state of a registered session.
type SessionStatus string

// Session statuses.
const (
	StatusIdle              SessionStatus = "idle"
	StatusWorking           SessionStatus = "working"
	StatusWaitingPermission SessionStatus = "waiting_permission"
	StatusOffline           SessionStatus = "offline"
)

// Session is a logical agent session backed by a terminal-multiplexer pane.
type Session struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	MuxSession        string        `json:"muxSession"`
	MuxPane           string        `json:"muxPane"`
	ProjectPath       string        `json:"projectPath"`
	Mode              SessionMode   `json:"mode"`
	WorkspaceType     WorkspaceType `json:"workspaceType"`
	Status            SessionStatus `json:"status"`
	ConnectedClients  []string      `json:"-"`
	PipeActive        bool          `json:"pipeActive"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastActivity      time.Time     `json:"lastActivity"`
}

// Draft carries caller-supplied fields for creating a new session; server
// assigns ID, MuxSession, MuxPane, Status, CreatedAt, LastActivity.
type Draft struct {
	Name          string
	ProjectPath   string
	Mode          SessionMode
	WorkspaceType WorkspaceType
	ClaudeArgs    []string
}

// Patch describes a partial update to a Session, applied field-by-field when
// non-nil.
type Patch struct {
	MuxPane          *string
	Status           *SessionStatus
	PipeActive       *bool
	LastActivity     *time.Time
	ConnectedClients []string
}

// EventKind tags the payload carried by a bus Event.
type EventKind string

// Bus event kinds emitted by the core. Additional ad hoc kinds are valid as
// plain strings; this set documents the ones the core itself uses.
const (
	EventSessionUpdated  EventKind = "session:updated"
	EventSessionOutput   EventKind = "session:event"
	EventChatMessage     EventKind = "chat_message"
	EventTyping          EventKind = "typing"
	EventAgentStatus     EventKind = "agent:status_changed"
	EventBeadCreated     EventKind = "bead:created"
	EventBeadUpdated     EventKind = "bead:updated"
	EventBeadClosed      EventKind = "bead:closed"
	EventMailReceived    EventKind = "mail:received"
	EventPowerState      EventKind = "power_state"
	EventModeChanged     EventKind = "mode_changed"
	EventStreamStatus    EventKind = "stream_status"
)

// Event is a single entry on the process-wide event bus.
type Event struct {
	Seq     uint64
	Ts      time.Time
	Kind    EventKind
	Payload any
}

// ParsedEventKind tags the variant of a ParsedEvent produced by the output
// parser.
type ParsedEventKind string

// Parsed event kinds produced by the output parser (C6).
const (
	ParsedToolUse            ParsedEventKind = "tool_use"
	ParsedToolResult         ParsedEventKind = "tool_result"
	ParsedMessage            ParsedEventKind = "message"
	ParsedStatus             ParsedEventKind = "status"
	ParsedCostUpdate         ParsedEventKind = "cost_update"
	ParsedPermissionRequest  ParsedEventKind = "permission_request"
	ParsedError              ParsedEventKind = "error"
)

// ToolUseInput holds the best-effort argument extracted from a recognized
// tool invocation line.
type ToolUseInput struct {
	FilePath    string `json:"file_path,omitempty"`
	Command     string `json:"command,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Query       string `json:"query,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// ParsedEvent is one decoded unit of agent terminal output.
type ParsedEvent struct {
	Kind        ParsedEventKind `json:"kind"`
	Tool        string          `json:"tool,omitempty"`
	Input       *ToolUseInput   `json:"input,omitempty"`
	Output      string          `json:"output,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
	Content     string          `json:"content,omitempty"`
	State       string          `json:"state,omitempty"`
	Cost        *float64        `json:"cost,omitempty"`
	Tokens      map[string]int  `json:"tokens,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Action      string          `json:"action,omitempty"`
	Details     string          `json:"details,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// MessageRole distinguishes who authored a chat message.
type MessageRole string

// Chat message roles.
const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// DeliveryStatus is the monotonic delivery state of a chat message.
type DeliveryStatus string

// Delivery states; transitions only move forward: pending -> delivered -> read.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

// Message is a single durable chat log entry.
type Message struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionId,omitempty"`
	AgentID        string         `json:"agentId,omitempty"`
	Recipient      string         `json:"recipient,omitempty"`
	Role           MessageRole    `json:"role"`
	Body           string         `json:"body"`
	Metadata       string         `json:"metadata,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	EventType      string         `json:"eventType,omitempty"`
	ThreadID       string         `json:"threadId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ThreadSummary aggregates messages sharing a ThreadID.
type ThreadSummary struct {
	ThreadID      string    `json:"threadId"`
	MessageCount  int       `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Participants  []string  `json:"participants"`
}

// UnreadCount is the number of unread messages addressed to an agent.
type UnreadCount struct {
	AgentID string `json:"agentId"`
	Count   int    `json:"count"`
}

// ConnectedAgent records a live tool-RPC transport session bound to an agent
// identity.
type ConnectedAgent struct {
	AgentID           string
	TransportSessionID string
	ConnectedAt       time.Time
}

// AgentStatusRecord is the latest self-reported status for a connected agent.
type AgentStatusRecord struct {
	AgentID   string
	Status    string
	Task      string
	UpdatedAt time.Time
}
