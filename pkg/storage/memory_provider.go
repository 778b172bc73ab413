package storage

import (
	"context"
	"sync"

	"github.com/tcmartin/chatflow/pkg/engine"
)

// MemoryProvider keeps everything in process memory. It is the default
// backend for development and tests; nothing survives a restart.
type MemoryProvider struct {
	flows         *memoryFlowStore
	conversations *memoryConversationStore
	broadcasts    *memoryBroadcastStore
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		flows: &memoryFlowStore{
			records: make(map[string]map[string]FlowRecord),
			order:   make(map[string][]string),
		},
		conversations: &memoryConversationStore{
			sessions: make(map[string]*engine.ConversationState),
		},
		broadcasts: &memoryBroadcastStore{
			items: make(map[string]Broadcast),
			order: []string{},
		},
	}
}

func (p *MemoryProvider) Initialize(context.Context) error { return nil }

func (p *MemoryProvider) Close() error { return nil }

func (p *MemoryProvider) FlowStore() FlowStore { return p.flows }

func (p *MemoryProvider) ConversationStore() ConversationStore { return p.conversations }

func (p *MemoryProvider) BroadcastStore() BroadcastStore { return p.broadcasts }

type memoryFlowStore struct {
	mu      sync.RWMutex
	records map[string]map[string]FlowRecord
	order   map[string][]string
}

func (s *memoryFlowStore) SaveFlow(_ context.Context, record FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.records[record.FlowID]
	if !ok {
		versions = make(map[string]FlowRecord)
		s.records[record.FlowID] = versions
	}
	if _, exists := versions[record.Version]; !exists {
		s.order[record.FlowID] = append(s.order[record.FlowID], record.Version)
	}
	versions[record.Version] = record
	return nil
}

func (s *memoryFlowStore) GetFlow(_ context.Context, flowID, version string) (FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.records[flowID]
	if !ok {
		return FlowRecord{}, ErrFlowNotFound
	}

	if version != "" {
		record, ok := versions[version]
		if !ok {
			return FlowRecord{}, ErrFlowNotFound
		}
		return record, nil
	}

	// Newest published version wins.
	order := s.order[flowID]
	for i := len(order) - 1; i >= 0; i-- {
		if record := versions[order[i]]; record.Published {
			return record, nil
		}
	}
	return FlowRecord{}, ErrFlowNotFound
}

func (s *memoryFlowStore) ListFlows(_ context.Context) ([]FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FlowRecord, 0, len(s.records))
	for flowID, versions := range s.records {
		order := s.order[flowID]
		if len(order) == 0 {
			continue
		}
		out = append(out, versions[order[len(order)-1]])
	}
	return out, nil
}

func (s *memoryFlowStore) ListVersions(_ context.Context, flowID string) ([]FlowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.records[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	out := make([]FlowRecord, 0, len(versions))
	for _, version := range s.order[flowID] {
		out = append(out, versions[version])
	}
	return out, nil
}

func (s *memoryFlowStore) DeleteFlow(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[flowID]; !ok {
		return ErrFlowNotFound
	}
	delete(s.records, flowID)
	delete(s.order, flowID)
	return nil
}

// memoryConversationStore clones state on every read and write. The other
// providers serialize state across a wire, so callers there already get
// private copies; handing out the live pointer here would let broadcast and
// API readers race with the engine's writes.
type memoryConversationStore struct {
	mu       sync.RWMutex
	sessions map[string]*engine.ConversationState
}

func (s *memoryConversationStore) GetConversation(_ context.Context, sessionID string) (*engine.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	return state.Clone(), nil
}

func (s *memoryConversationStore) SaveConversation(_ context.Context, state *engine.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[state.SessionID] = state.Clone()
	return nil
}

func (s *memoryConversationStore) ListConversations(_ context.Context) ([]*engine.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*engine.ConversationState, 0, len(s.sessions))
	for _, state := range s.sessions {
		out = append(out, state.Clone())
	}
	return out, nil
}

func (s *memoryConversationStore) DeleteConversation(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

type memoryBroadcastStore struct {
	mu    sync.RWMutex
	items map[string]Broadcast
	order []string
}

func (s *memoryBroadcastStore) SaveBroadcast(_ context.Context, broadcast Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[broadcast.ID]; !exists {
		s.order = append(s.order, broadcast.ID)
	}
	s.items[broadcast.ID] = broadcast
	return nil
}

func (s *memoryBroadcastStore) GetBroadcast(_ context.Context, id string) (Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	broadcast, ok := s.items[id]
	if !ok {
		return Broadcast{}, ErrBroadcastNotFound
	}
	return broadcast, nil
}

func (s *memoryBroadcastStore) ListBroadcasts(_ context.Context) ([]Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Broadcast, 0, len(s.items))
	for _, id := range s.order {
		if broadcast, ok := s.items[id]; ok {
			out = append(out, broadcast)
		}
	}
	return out, nil
}

func (s *memoryBroadcastStore) DeleteBroadcast(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrBroadcastNotFound
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
