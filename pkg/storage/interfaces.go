// Package storage provides persistence for flows, conversation state, and
// scheduled broadcasts, with interchangeable backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tcmartin/chatflow/pkg/engine"
)

// ErrFlowNotFound is returned when a flow or flow version does not exist.
var ErrFlowNotFound = errors.New("flow not found")

// ErrBroadcastNotFound is returned when a broadcast does not exist.
var ErrBroadcastNotFound = errors.New("broadcast not found")

// FlowRecord is one stored version of a flow. Source holds the authored
// YAML; compiled graphs are the registry's concern, never persisted.
type FlowRecord struct {
	FlowID      string    `json:"flow_id"`
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	Published   bool      `json:"published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FlowStore persists flow versions. Versions are immutable once published;
// editing always produces a new version.
type FlowStore interface {
	// SaveFlow stores a flow version, overwriting a draft of the same
	// version.
	SaveFlow(ctx context.Context, record FlowRecord) error

	// GetFlow returns one version of a flow. An empty version resolves to
	// the latest published version.
	GetFlow(ctx context.Context, flowID, version string) (FlowRecord, error)

	// ListFlows returns the latest version of every flow.
	ListFlows(ctx context.Context) ([]FlowRecord, error)

	// ListVersions returns every stored version of a flow, oldest first.
	ListVersions(ctx context.Context, flowID string) ([]FlowRecord, error)

	// DeleteFlow removes a flow and all of its versions.
	DeleteFlow(ctx context.Context, flowID string) error
}

// ConversationStore persists per-session conversation state. It satisfies
// the engine's store contract.
type ConversationStore interface {
	GetConversation(ctx context.Context, sessionID string) (*engine.ConversationState, error)
	SaveConversation(ctx context.Context, state *engine.ConversationState) error

	// ListConversations returns the state of every known session. Used by
	// the broadcast scheduler to resolve audiences.
	ListConversations(ctx context.Context) ([]*engine.ConversationState, error)

	// DeleteConversation removes a session.
	DeleteConversation(ctx context.Context, sessionID string) error
}

// Broadcast is a scheduled outbound message sent to an audience of
// sessions outside the normal flow turn cycle.
type Broadcast struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Message  string `json:"message"`
	Schedule string `json:"schedule"` // cron expression

	// FlowID limits the audience to sessions pinned to this flow; empty
	// means every session.
	FlowID string `json:"flow_id,omitempty"`

	// ActiveOnly limits the audience to sessions still in progress.
	ActiveOnly bool `json:"active_only"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BroadcastStore persists broadcast definitions.
type BroadcastStore interface {
	SaveBroadcast(ctx context.Context, broadcast Broadcast) error
	GetBroadcast(ctx context.Context, id string) (Broadcast, error)
	ListBroadcasts(ctx context.Context) ([]Broadcast, error)
	DeleteBroadcast(ctx context.Context, id string) error
}

// Provider bundles the stores of one backend behind a single lifecycle.
type Provider interface {
	// Initialize prepares the backend (connections, tables).
	Initialize(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error

	FlowStore() FlowStore
	ConversationStore() ConversationStore
	BroadcastStore() BroadcastStore
}
