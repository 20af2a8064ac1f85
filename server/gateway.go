package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/convoylink/convoyd/server/auth"
	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/delivery"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/journey"
	"github.com/convoylink/convoyd/server/observability"
	"github.com/convoylink/convoyd/server/pipeline"
	"github.com/convoylink/convoyd/server/store"
)

const maxGatewayConnections = 5000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from the app origin; CORS policy is enforced at
	// the HTTP layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub terminates subscriber sessions and owns room membership. A single
// goroutine consumes the register/unregister channels so the maps are never
// touched concurrently by session goroutines.
type Hub struct {
	store    store.Store
	cache    *cache.Redis
	pipeline *pipeline.Pipeline
	delivery *delivery.Engine
	journeys *journey.Manager
	cfg      *config.Config

	mu       sync.RWMutex
	sessions map[string]*session            // connID -> session
	rooms    map[string]map[string]*session // journeyID -> connID -> session

	register   chan *session
	unregister chan *session
}

func NewHub(s store.Store, c *cache.Redis, p *pipeline.Pipeline, d *delivery.Engine, jm *journey.Manager, cfg *config.Config) *Hub {
	return &Hub{
		store:      s,
		cache:      c,
		pipeline:   p,
		delivery:   d,
		journeys:   jm,
		cfg:        cfg,
		sessions:   make(map[string]*session),
		rooms:      make(map[string]map[string]*session),
		register:   make(chan *session),
		unregister: make(chan *session),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case sess := <-h.register:
			h.mu.Lock()
			if len(h.sessions) >= maxGatewayConnections {
				h.mu.Unlock()
				sess.conn.Close()
				log.Printf("connection rejected: max connections (%d) reached", maxGatewayConnections)
				continue
			}
			h.sessions[sess.connID] = sess
			h.mu.Unlock()
			observability.ConnectedClients.Inc()
			log.Printf("client %s connected (user %s). Total: %d", sess.connID, sess.userID, h.sessionCount())

		case sess := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[sess.connID]; ok {
				delete(h.sessions, sess.connID)
				observability.ConnectedClients.Dec()
			}
			h.mu.Unlock()
			log.Printf("client %s disconnected. Total: %d", sess.connID, h.sessionCount())
		}
	}
}

func (h *Hub) sessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HandleWS upgrades the connection after verifying the handshake credential.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerFromRequest(r)
	if token == "" {
		http.Error(w, "Missing credentials", http.StatusUnauthorized)
		return
	}
	userID, err := auth.Verify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	sess := newSession(h, conn, uuid.NewString(), userID)
	h.register <- sess

	if err := h.cache.SetConnUser(r.Context(), sess.connID, userID); err != nil {
		log.Printf("failed to record conn mapping for %s: %v", sess.connID, err)
	}

	sess.start()
	// The client paces its heartbeats off the advertised interval.
	sess.enqueue(encodeFrame(evConnectionStatus, map[string]interface{}{
		"status":                string(domain.ConnConnected),
		"heartbeat_interval_ms": h.cfg.HeartbeatInterval.Milliseconds(),
	}))
}

// bearerFromRequest pulls the credential from the Authorization header, the
// auth.token query parameter, or the websocket subprotocol fallback.
func bearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.URL.Query().Get("auth.token")
}

// joinRoom adds a session to a journey room.
func (h *Hub) joinRoom(journeyID string, sess *session) {
	h.mu.Lock()
	room, ok := h.rooms[journeyID]
	if !ok {
		room = make(map[string]*session)
		h.rooms[journeyID] = room
	}
	room[sess.connID] = sess
	size := len(room)
	h.mu.Unlock()
	observability.RoomMembers.WithLabelValues(journeyID).Set(float64(size))
}

// leaveRoom removes a session from a journey room.
func (h *Hub) leaveRoom(journeyID string, sess *session) {
	h.mu.Lock()
	room, ok := h.rooms[journeyID]
	if ok {
		delete(room, sess.connID)
		if len(room) == 0 {
			delete(h.rooms, journeyID)
		}
	}
	size := len(room)
	h.mu.Unlock()
	observability.RoomMembers.WithLabelValues(journeyID).Set(float64(size))
}

// Broadcast emits a frame to every room member. Callers already hold the
// frame in accepted order; each session's write queue preserves it per
// connection.
func (h *Hub) Broadcast(journeyID string, frame []byte, excludeConnID string) {
	if frame == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, sess := range h.rooms[journeyID] {
		if connID == excludeConnID {
			continue
		}
		sess.enqueue(frame)
	}
}

// Redeliver implements delivery.Sender: re-send a persisted HIGH update to
// one participant's live sessions. Returns false when the participant has no
// connection in the room.
func (h *Hub) Redeliver(ctx context.Context, journeyID, participantID string, rec *domain.LocationRecord) bool {
	frame := encodeFrame(evLocationUpdate, rec)
	if frame == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := false
	for _, sess := range h.rooms[journeyID] {
		if sess.userID == participantID {
			sess.enqueue(frame)
			delivered = true
		}
	}
	return delivered
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down gateway with %d clients", len(h.sessions))

	for _, sess := range h.sessions {
		sess.conn.Close()
	}
	h.sessions = make(map[string]*session)
	h.rooms = make(map[string]map[string]*session)
}
