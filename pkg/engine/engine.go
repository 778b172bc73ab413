package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tcmartin/chatflow/pkg/flow"
	"github.com/tcmartin/chatflow/pkg/logging"
)

// GraphProvider resolves a compiled, immutable graph for a flow. When
// version is empty the current published version is returned along with its
// resolved version string; that string is what gets pinned on new sessions.
type GraphProvider interface {
	GraphForFlow(flowID, version string) (*flow.Graph, string, error)
}

// ConversationStore persists per-session conversation state. A miss is
// reported as ErrSessionNotFound.
type ConversationStore interface {
	GetConversation(ctx context.Context, sessionID string) (*ConversationState, error)
	SaveConversation(ctx context.Context, state *ConversationState) error
}

// TranscriptEvent is one processed turn published to transcript sinks.
type TranscriptEvent struct {
	SessionID string        `json:"session_id"`
	FlowID    string        `json:"flow_id"`
	NodeID    string        `json:"node_id,omitempty"`
	Status    Status        `json:"status"`
	Inbound   string        `json:"inbound,omitempty"`
	Outbound  []SendMessage `json:"outbound,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// TranscriptSink receives a copy of every processed turn, for live
// streaming to operators. Publish must not block.
type TranscriptSink interface {
	Publish(event TranscriptEvent)
}

// Options tunes the engine's runtime bounds. Zero values fall back to the
// documented defaults.
type Options struct {
	WebhookTimeout   time.Duration
	WebhookBackoff   time.Duration
	InputRetryBudget int
	MaxStepsPerEvent int
	HistoryLimit     int
}

func (o Options) normalized() Options {
	if o.WebhookTimeout <= 0 {
		o.WebhookTimeout = 10 * time.Second
	}
	if o.WebhookBackoff <= 0 {
		o.WebhookBackoff = time.Second
	}
	if o.InputRetryBudget <= 0 {
		o.InputRetryBudget = 3
	}
	if o.MaxStepsPerEvent <= 0 {
		o.MaxStepsPerEvent = 50
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	return o
}

// Engine processes inbound events against stored conversation state. It is
// safe for concurrent use; events for the same session are serialized so
// each session observes a strict event order.
type Engine struct {
	graphs     GraphProvider
	store      ConversationStore
	dispatcher *WebhookDispatcher
	logger     logging.Logger
	opts       Options

	sink TranscriptSink

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine over a graph provider and a conversation
// store.
func NewEngine(graphs GraphProvider, store ConversationStore, opts Options, logger logging.Logger) *Engine {
	opts = opts.normalized()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{
		graphs:     graphs,
		store:      store,
		dispatcher: NewWebhookDispatcher(opts.WebhookTimeout, opts.WebhookBackoff, logger),
		logger:     logger,
		opts:       opts,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetTranscriptSink attaches a sink for live turn streaming. Call before
// serving events.
func (e *Engine) SetTranscriptSink(sink TranscriptSink) {
	e.sink = sink
}

// Process runs one event to quiescence: the session ends up waiting,
// completed, or errored, and the updated state is persisted before the
// result is returned. Session-level failures (loop bound, webhook
// exhaustion) are reported in the result's state, not as an error; the
// error return covers engine-level problems such as unknown flows, storage
// failures, and events addressed to finished sessions.
func (e *Engine) Process(ctx context.Context, event Event) (*ProcessResult, error) {
	if event.SessionID == "" {
		return nil, errors.New("event requires session_id")
	}

	lock := e.sessionLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.store.GetConversation(ctx, event.SessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		state, err = e.beginConversation(event)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load conversation: %w", err)
	default:
		if state.Status.Terminal() {
			e.dropSessionLock(event.SessionID)
			return nil, ErrConversationFinished
		}
	}

	graph, _, err := e.graphs.GraphForFlow(state.FlowID, state.FlowVersion)
	if err != nil {
		return nil, fmt.Errorf("resolve flow %s version %s: %w", state.FlowID, state.FlowVersion, err)
	}

	m := &machine{
		graph:        graph,
		state:        state,
		dispatcher:   e.dispatcher,
		logger:       e.logger,
		maxSteps:     e.opts.MaxStepsPerEvent,
		retryBudget:  e.opts.InputRetryBudget,
		historyLimit: e.opts.HistoryLimit,
	}
	m.run(ctx, event)

	if err := e.store.SaveConversation(ctx, state); err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}
	if state.Status.Terminal() {
		e.dropSessionLock(event.SessionID)
	}

	// Snapshot the state for the result and the sink. Callers keep these
	// beyond the session lock, so they must not alias the live maps.
	snapshot := state.Clone()

	if e.sink != nil {
		e.sink.Publish(TranscriptEvent{
			SessionID: snapshot.SessionID,
			FlowID:    snapshot.FlowID,
			NodeID:    snapshot.CurrentNodeID,
			Status:    snapshot.Status,
			Inbound:   event.Message(),
			Outbound:  m.messages,
			Timestamp: time.Now().UTC(),
		})
	}

	return &ProcessResult{Messages: m.messages, State: *snapshot}, nil
}

// beginConversation creates state for a first-contact event, pinning the
// flow version resolved now. Later republishes never affect this session.
func (e *Engine) beginConversation(event Event) (*ConversationState, error) {
	if event.FlowID == "" {
		return nil, fmt.Errorf("new session %s: %w", event.SessionID, ErrFlowNotFound)
	}

	graph, version, err := e.graphs.GraphForFlow(event.FlowID, "")
	if err != nil {
		return nil, fmt.Errorf("resolve flow %s: %w", event.FlowID, err)
	}

	state := NewConversationState(event.SessionID, event.FlowID, version)
	for name, value := range graph.Variables {
		state.Variables.Set(name, value)
	}

	e.logger.LogConversationEvent(state.SessionID, state.FlowID, "conversation_started", map[string]interface{}{
		"flow_version": version,
	})
	return state, nil
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[sessionID] = lock
	}
	return lock
}

// dropSessionLock forgets a finished session's mutex so the map does not
// grow without bound. Goroutines already queued on the old mutex reload the
// terminal state and get rejected, so losing the entry is harmless.
func (e *Engine) dropSessionLock(sessionID string) {
	e.mu.Lock()
	delete(e.locks, sessionID)
	e.mu.Unlock()
}
