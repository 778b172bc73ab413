// Package api exposes the HTTP surface: inbound conversation events, flow
// management, session inspection, broadcasts, and transcript streaming.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tcmartin/chatflow/pkg/broadcast"
	"github.com/tcmartin/chatflow/pkg/config"
	"github.com/tcmartin/chatflow/pkg/engine"
	"github.com/tcmartin/chatflow/pkg/logging"
	"github.com/tcmartin/chatflow/pkg/registry"
	"github.com/tcmartin/chatflow/pkg/storage"
)

// Server is the HTTP API server.
type Server struct {
	config        *config.Config
	router        *mux.Router
	server        *http.Server
	registry      *registry.FlowRegistry
	engine        *engine.Engine
	conversations storage.ConversationStore
	scheduler     *broadcast.Scheduler
	hub           *TranscriptHub
	logger        logging.Logger
}

// NewServer wires the API routes over the given collaborators. The
// transcript hub is registered as the engine's sink.
func NewServer(
	cfg *config.Config,
	flowRegistry *registry.FlowRegistry,
	eng *engine.Engine,
	conversations storage.ConversationStore,
	scheduler *broadcast.Scheduler,
	logger logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Server{
		config:        cfg,
		router:        mux.NewRouter(),
		registry:      flowRegistry,
		engine:        eng,
		conversations: conversations,
		scheduler:     scheduler,
		hub:           NewTranscriptHub(logger),
		logger:        logger,
	}
	eng.SetTranscriptSink(s.hub)
	s.setupRoutes()
	return s
}

// Router returns the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Write timeout must exceed the webhook budget (one timeout, one
		// retry, backoff) or long flows get cut off mid-response.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", logging.F("addr", addr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)

	flows := api.PathPrefix("/flows").Subrouter()
	flows.HandleFunc("", s.handleListFlows).Methods(http.MethodGet)
	flows.HandleFunc("", s.handleCreateFlow).Methods(http.MethodPost)
	flows.HandleFunc("/{id}", s.handleGetFlow).Methods(http.MethodGet)
	flows.HandleFunc("/{id}", s.handleUpdateFlow).Methods(http.MethodPut)
	flows.HandleFunc("/{id}", s.handleDeleteFlow).Methods(http.MethodDelete)
	flows.HandleFunc("/{id}/publish", s.handlePublishFlow).Methods(http.MethodPost)
	flows.HandleFunc("/{id}/versions", s.handleListVersions).Methods(http.MethodGet)

	sessions := api.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("", s.handleListSessions).Methods(http.MethodGet)
	sessions.HandleFunc("/{id}", s.handleGetSession).Methods(http.MethodGet)
	sessions.HandleFunc("/{id}", s.handleDeleteSession).Methods(http.MethodDelete)

	broadcasts := api.PathPrefix("/broadcasts").Subrouter()
	broadcasts.HandleFunc("", s.handleListBroadcasts).Methods(http.MethodGet)
	broadcasts.HandleFunc("", s.handleUpsertBroadcast).Methods(http.MethodPost)
	broadcasts.HandleFunc("/{id}", s.handleGetBroadcast).Methods(http.MethodGet)
	broadcasts.HandleFunc("/{id}", s.handleDeleteBroadcast).Methods(http.MethodDelete)
	broadcasts.HandleFunc("/{id}/send", s.handleSendBroadcast).Methods(http.MethodPost)

	api.HandleFunc("/ws/transcripts", s.hub.HandleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvent is the transport entry point: one inbound user message in,
// the ordered outbound messages and the updated session state out. When a
// brand-new session arrives without a flow id, trigger matching picks one.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event engine.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if event.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if event.FlowID == "" {
		if flowID, ok := s.registry.MatchTrigger(r.Context(), event.Message()); ok {
			event.FlowID = flowID
		}
	}

	result, err := s.engine.Process(r.Context(), event)
	switch {
	case errors.Is(err, engine.ErrConversationFinished):
		writeError(w, http.StatusConflict, "conversation already finished")
	case errors.Is(err, engine.ErrFlowNotFound), errors.Is(err, registry.ErrNotPublished), errors.Is(err, storage.ErrFlowNotFound):
		writeError(w, http.StatusNotFound, "no flow matches this event")
	case err != nil:
		s.logger.Error("event processing failed",
			logging.F("session_id", event.SessionID),
			logging.F("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "event processing failed")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	records, err := s.registry.ListFlows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list flows")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(r.Body)
	if err != nil || len(content) == 0 {
		writeError(w, http.StatusBadRequest, "request body must be flow YAML")
		return
	}

	record, err := s.registry.CreateFlow(r.Context(), content)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["id"]
	version := r.URL.Query().Get("version")

	record, err := s.registry.GetFlow(r.Context(), flowID, version)
	if errors.Is(err, storage.ErrFlowNotFound) {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get flow")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["id"]
	content, err := io.ReadAll(r.Body)
	if err != nil || len(content) == 0 {
		writeError(w, http.StatusBadRequest, "request body must be flow YAML")
		return
	}

	record, err := s.registry.UpdateFlow(r.Context(), flowID, content)
	if errors.Is(err, storage.ErrFlowNotFound) {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["id"]
	err := s.registry.DeleteFlow(r.Context(), flowID)
	if errors.Is(err, storage.ErrFlowNotFound) {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete flow")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublishFlow(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["id"]
	record, err := s.registry.PublishFlow(r.Context(), flowID)
	if errors.Is(err, storage.ErrFlowNotFound) {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	if err != nil {
		// Definition errors from compiling the draft.
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	flowID := mux.Vars(r)["id"]
	records, err := s.registry.ListVersions(r.Context(), flowID)
	if errors.Is(err, storage.ErrFlowNotFound) {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	states, err := s.conversations.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	state, err := s.conversations.GetConversation(r.Context(), sessionID)
	if errors.Is(err, engine.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := s.conversations.DeleteConversation(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	items, err := s.scheduler.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list broadcasts")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleUpsertBroadcast(w http.ResponseWriter, r *http.Request) {
	var item storage.Broadcast
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if item.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = time.Now().UTC()

	if err := s.scheduler.Upsert(r.Context(), item); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	item, err := s.scheduler.Get(r.Context(), id)
	if errors.Is(err, storage.ErrBroadcastNotFound) {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get broadcast")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.scheduler.Remove(r.Context(), id)
	if errors.Is(err, storage.ErrBroadcastNotFound) {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete broadcast")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendBroadcast(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.scheduler.Get(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "broadcast not found")
		return
	}
	sent := s.scheduler.Run(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
