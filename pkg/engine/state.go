// Package engine executes conversation flows: it drives the per-session
// state machine over an immutable flow graph and produces the outbound
// messages for the transport to deliver.
package engine

import "time"

// Status is the lifecycle state of a conversation.
type Status string

const (
	// StatusActive means the session is processing an event.
	StatusActive Status = "active"

	// StatusWaiting means the session is blocked on a user reply.
	StatusWaiting Status = "waiting"

	// StatusCompleted means the flow reached an end node.
	StatusCompleted Status = "completed"

	// StatusError means the session hit an unrecoverable failure.
	StatusError Status = "error"
)

// Terminal reports whether no further events are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// HistoryEntry is one step of the conversation trace kept for operator
// inspection.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	Inbound   string    `json:"inbound,omitempty"`
	Outbound  string    `json:"outbound,omitempty"`
}

// ConversationState is the per-session record mutated exclusively by the
// state machine. The flow version is pinned at session start; republishing
// a flow never upgrades an in-flight conversation.
type ConversationState struct {
	SessionID     string         `json:"session_id"`
	FlowID        string         `json:"flow_id"`
	FlowVersion   string         `json:"flow_version"`
	CurrentNodeID string         `json:"current_node_id,omitempty"`
	Variables     Variables      `json:"variables"`
	Status        Status         `json:"status"`
	InputRetries  map[string]int `json:"input_retries,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
	Diagnostic    string         `json:"diagnostic,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActivity  time.Time      `json:"last_activity"`
}

// NewConversationState creates the state for a brand-new session pinned to
// a flow version.
func NewConversationState(sessionID, flowID, flowVersion string) *ConversationState {
	now := time.Now().UTC()
	return &ConversationState{
		SessionID:    sessionID,
		FlowID:       flowID,
		FlowVersion:  flowVersion,
		Variables:    Variables{},
		Status:       StatusActive,
		InputRetries: map[string]int{},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Clone returns a deep copy of the state. Stores and result snapshots hand
// out clones so readers never alias the maps the state machine mutates.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Variables != nil {
		out.Variables = make(Variables, len(s.Variables))
		for name, value := range s.Variables {
			out.Variables[name] = value
		}
	}
	if s.InputRetries != nil {
		out.InputRetries = make(map[string]int, len(s.InputRetries))
		for nodeID, count := range s.InputRetries {
			out.InputRetries[nodeID] = count
		}
	}
	if s.History != nil {
		out.History = append([]HistoryEntry(nil), s.History...)
	}
	return &out
}

// Event is one inbound occurrence for a session: the first contact or a
// user reply, delivered by the transport collaborator.
type Event struct {
	SessionID string `json:"session_id"`

	// FlowID selects the flow for a brand-new session. Ignored for
	// existing sessions, whose flow is already pinned.
	FlowID string `json:"flow_id,omitempty"`

	UserMessage         string `json:"user_message,omitempty"`
	QuickReplySelection string `json:"quick_reply_selection,omitempty"`
}

// Message returns the effective user utterance of the event.
func (e Event) Message() string {
	if e.QuickReplySelection != "" {
		return e.QuickReplySelection
	}
	return e.UserMessage
}

// SendMessage is one outbound action for the transport. DelayMs is the
// typing-simulation delay the node declared; honoring it is the
// transport's concern.
type SendMessage struct {
	Content      string   `json:"content"`
	QuickReplies []string `json:"quick_replies,omitempty"`
	DelayMs      int      `json:"delay_ms,omitempty"`
}

// ProcessResult is what one processed event produced: the ordered outbound
// messages and a snapshot of the updated conversation state.
type ProcessResult struct {
	Messages []SendMessage     `json:"messages"`
	State    ConversationState `json:"state"`
}
