package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tcmartin/chatflow/pkg/engine"
	"github.com/tcmartin/chatflow/pkg/logging"
)

// TranscriptHub streams processed conversation turns to WebSocket clients.
// It implements the engine's transcript sink; clients subscribe to a
// session id or to "*" for everything.
type TranscriptHub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu            sync.RWMutex
	subscriptions map[string]map[*websocket.Conn]bool
	connSessions  map[*websocket.Conn]map[string]bool
	writeLocks    map[*websocket.Conn]*sync.Mutex
}

// transcriptMessage is an incoming client message.
type transcriptMessage struct {
	Type      string `json:"type"` // "subscribe", "unsubscribe", "ping"
	SessionID string `json:"session_id,omitempty"`
}

// NewTranscriptHub creates an empty hub.
func NewTranscriptHub(logger logging.Logger) *TranscriptHub {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &TranscriptHub{
		upgrader: websocket.Upgrader{
			// Origin checks belong to the deployment's proxy layer.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:        logger,
		subscriptions: make(map[string]map[*websocket.Conn]bool),
		connSessions:  make(map[*websocket.Conn]map[string]bool),
		writeLocks:    make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Publish fans a transcript event out to subscribers of the session and to
// wildcard subscribers. Slow or broken connections are dropped rather than
// allowed to block event processing.
func (h *TranscriptHub) Publish(event engine.TranscriptEvent) {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0)
	for conn := range h.subscriptions[event.SessionID] {
		targets = append(targets, conn)
	}
	for conn := range h.subscriptions["*"] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := h.write(conn, event); err != nil {
			h.drop(conn)
		}
	}
}

// HandleWebSocket upgrades the connection and serves subscribe/unsubscribe
// messages until the client disconnects.
func (h *TranscriptHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.F("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.connSessions[conn] = make(map[string]bool)
	h.writeLocks[conn] = &sync.Mutex{}
	h.mu.Unlock()
	defer h.drop(conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	for {
		var msg transcriptMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			if msg.SessionID != "" {
				h.subscribe(conn, msg.SessionID)
			}
		case "unsubscribe":
			if msg.SessionID != "" {
				h.unsubscribe(conn, msg.SessionID)
			}
		case "ping":
			h.write(conn, map[string]string{"type": "pong"})
		}
	}
}

func (h *TranscriptHub) subscribe(conn *websocket.Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscriptions[sessionID] == nil {
		h.subscriptions[sessionID] = make(map[*websocket.Conn]bool)
	}
	h.subscriptions[sessionID][conn] = true
	if sessions := h.connSessions[conn]; sessions != nil {
		sessions[sessionID] = true
	}
}

func (h *TranscriptHub) unsubscribe(conn *websocket.Conn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeSubscription(conn, sessionID)
}

func (h *TranscriptHub) removeSubscription(conn *websocket.Conn, sessionID string) {
	if conns := h.subscriptions[sessionID]; conns != nil {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.subscriptions, sessionID)
		}
	}
	if sessions := h.connSessions[conn]; sessions != nil {
		delete(sessions, sessionID)
	}
}

func (h *TranscriptHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	for sessionID := range h.connSessions[conn] {
		h.removeSubscription(conn, sessionID)
	}
	delete(h.connSessions, conn)
	delete(h.writeLocks, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *TranscriptHub) write(conn *websocket.Conn, payload interface{}) error {
	h.mu.RLock()
	lock := h.writeLocks[conn]
	h.mu.RUnlock()
	if lock == nil {
		return websocket.ErrCloseSent
	}

	lock.Lock()
	defer lock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(payload)
}
