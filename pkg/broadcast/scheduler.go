// Package broadcast schedules outbound messages to conversation audiences
// outside the normal flow turn cycle.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/tcmartin/chatflow/pkg/engine"
	"github.com/tcmartin/chatflow/pkg/logging"
	"github.com/tcmartin/chatflow/pkg/storage"
)

// Sender delivers one broadcast message to a session. The transport
// collaborator implements it.
type Sender interface {
	SendBroadcast(ctx context.Context, sessionID string, message engine.SendMessage) error
}

// Scheduler runs stored broadcasts on their cron schedules. Each broadcast
// message is interpolated against the receiving conversation's variables,
// so "Hi {{name}}" personalizes per session.
type Scheduler struct {
	cron          *cron.Cron
	broadcasts    storage.BroadcastStore
	conversations storage.ConversationStore
	sender        Sender
	logger        logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler over the given stores and sender.
func NewScheduler(broadcasts storage.BroadcastStore, conversations storage.ConversationStore, sender Sender, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scheduler{
		cron:          cron.New(),
		broadcasts:    broadcasts,
		conversations: conversations,
		sender:        sender,
		logger:        logger,
		entries:       make(map[string]cron.EntryID),
	}
}

// Start loads every stored broadcast, schedules the enabled ones, and
// starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	stored, err := s.broadcasts.ListBroadcasts(ctx)
	if err != nil {
		return fmt.Errorf("list broadcasts: %w", err)
	}
	for _, broadcast := range stored {
		if !broadcast.Enabled {
			continue
		}
		if err := s.schedule(broadcast); err != nil {
			s.logger.Warn("skipping broadcast with bad schedule",
				logging.F("broadcast_id", broadcast.ID),
				logging.F("schedule", broadcast.Schedule),
				logging.F("error", err.Error()),
			)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Upsert stores a broadcast and reschedules it. Disabling a broadcast
// removes its cron entry without deleting it.
func (s *Scheduler) Upsert(ctx context.Context, broadcast storage.Broadcast) error {
	if broadcast.Enabled {
		if _, err := cron.ParseStandard(broadcast.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", broadcast.Schedule, err)
		}
	}
	if err := s.broadcasts.SaveBroadcast(ctx, broadcast); err != nil {
		return err
	}

	s.unschedule(broadcast.ID)
	if broadcast.Enabled {
		return s.schedule(broadcast)
	}
	return nil
}

// Get returns one stored broadcast.
func (s *Scheduler) Get(ctx context.Context, id string) (storage.Broadcast, error) {
	return s.broadcasts.GetBroadcast(ctx, id)
}

// List returns every stored broadcast, enabled or not.
func (s *Scheduler) List(ctx context.Context) ([]storage.Broadcast, error) {
	return s.broadcasts.ListBroadcasts(ctx)
}

// Remove deletes a broadcast and its cron entry.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if err := s.broadcasts.DeleteBroadcast(ctx, id); err != nil {
		return err
	}
	s.unschedule(id)
	return nil
}

func (s *Scheduler) schedule(broadcast storage.Broadcast) error {
	entryID, err := s.cron.AddFunc(broadcast.Schedule, func() {
		s.Run(context.Background(), broadcast.ID)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[broadcast.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// Run executes one broadcast immediately against its audience and returns
// how many sessions received it. The cron entries call this; the API also
// exposes it for manual sends.
func (s *Scheduler) Run(ctx context.Context, id string) int {
	broadcast, err := s.broadcasts.GetBroadcast(ctx, id)
	if err != nil {
		s.logger.Warn("broadcast vanished before run", logging.F("broadcast_id", id))
		return 0
	}

	sessions, err := s.conversations.ListConversations(ctx)
	if err != nil {
		s.logger.Error("broadcast audience lookup failed",
			logging.F("broadcast_id", id),
			logging.F("error", err.Error()),
		)
		return 0
	}

	sent := 0
	for _, state := range sessions {
		if broadcast.FlowID != "" && state.FlowID != broadcast.FlowID {
			continue
		}
		if broadcast.ActiveOnly && state.Status.Terminal() {
			continue
		}

		message := engine.SendMessage{Content: state.Variables.Interpolate(broadcast.Message)}
		if err := s.sender.SendBroadcast(ctx, state.SessionID, message); err != nil {
			s.logger.Warn("broadcast delivery failed",
				logging.F("broadcast_id", id),
				logging.F("session_id", state.SessionID),
				logging.F("error", err.Error()),
			)
			continue
		}
		sent++
	}

	s.logger.Info("broadcast run finished",
		logging.F("broadcast_id", id),
		logging.F("sent", sent),
		logging.F("audience", len(sessions)),
	)
	return sent
}
