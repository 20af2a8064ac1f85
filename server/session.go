package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/observability"
)

const (
	// outboundQueueSize bounds the per-connection write queue. A slow client
	// only backpressures itself: past this, frames to it are dropped.
	outboundQueueSize = 256

	writeDeadline = 5 * time.Second

	// inboundRate caps frames per second per connection (storm protection).
	inboundRate  = 30
	inboundBurst = 60
)

// session owns one websocket connection: its read pump, its serialized write
// queue, and its heartbeat timer. Everything it allocates dies with it.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	userID string

	// journeyID is set while joined to a room. Only the read pump writes it.
	journeyID string

	send    chan []byte
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	heartbeat *time.Timer
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, connID, userID string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		hub:     h,
		conn:    conn,
		connID:  connID,
		userID:  userID,
		send:    make(chan []byte, outboundQueueSize),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *session) start() {
	// The heartbeat monitor is owned by this connection and released with it.
	s.heartbeat = time.AfterFunc(s.hub.cfg.HeartbeatTimeout, s.onHeartbeatTimeout)
	go s.writePump()
	go s.readPump()
}

// enqueue appends an outbound frame to the connection's write queue without
// blocking the caller. Nil frames (marshal failures) are skipped.
func (s *session) enqueue(frame []byte) {
	if frame == nil {
		return
	}
	select {
	case s.send <- frame:
	default:
		observability.FramesDropped.WithLabelValues("queue_full").Inc()
	}
}

func (s *session) emit(event string, payload interface{}) {
	s.enqueue(encodeFrame(event, payload))
	observability.FramesSent.WithLabelValues(event).Inc()
}

func (s *session) emitError(kind domain.Kind, message string) {
	s.emit(evError, errorPayload{Code: kind.String(), Message: message})
}

// writePump serializes outbound frames so a slow client cannot corrupt frame
// boundaries. It exits when the session context is cancelled.
func (s *session) writePump() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("write error on %s: %v", s.connID, err)
				s.teardown()
				return
			}
		}
	}
}

// readPump dispatches inbound frames FIFO until the connection dies.
func (s *session) readPump() {
	defer s.teardown()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error on %s: %v", s.connID, err)
			}
			return
		}

		if !s.limiter.Allow() {
			observability.RateLimited.WithLabelValues("gateway").Inc()
			s.emitError(domain.KindTooManyRequests, "inbound frame rate exceeded")
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.emitError(domain.KindInvalidInput, "malformed frame")
			continue
		}
		s.dispatch(&frame)
	}
}

func (s *session) dispatch(frame *Frame) {
	switch frame.Event {
	case evHeartbeat:
		s.handleHeartbeat()
	case evJoinJourney:
		s.handleJoin(frame.Data)
	case evLeaveJourney:
		s.handleLeave()
	case evLocationUpdate:
		s.handleLocationUpdate(frame.Data)
	case evAcknowledge:
		s.handleAck(frame.Data)
	case evRequestResync:
		s.handleResync(frame.Data)
	default:
		s.emitError(domain.KindInvalidInput, "unknown event: "+frame.Event)
	}
}

func (s *session) handleHeartbeat() {
	s.heartbeat.Reset(s.hub.cfg.HeartbeatTimeout)
	if s.journeyID != "" {
		if err := s.hub.store.UpdateParticipantConnection(s.ctx, s.journeyID, s.userID, domain.ConnConnected, time.Now().UTC()); err != nil {
			log.Printf("heartbeat: failed to refresh last-seen for %s: %v", s.userID, err)
		}
	}
	s.emit(evHeartbeatAck, map[string]int64{"server_time": time.Now().UnixMilli()})
}

func (s *session) onHeartbeatTimeout() {
	observability.HeartbeatTimeouts.Inc()
	log.Printf("heartbeat timeout on %s (user %s)", s.connID, s.userID)
	s.emit(evConnectionStatus, map[string]string{"status": "TIMEOUT"})
	// Give the status frame a moment to flush before tearing down.
	time.AfterFunc(250*time.Millisecond, func() {
		s.conn.Close()
	})
}

func (s *session) handleJoin(data json.RawMessage) {
	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.JourneyID == "" {
		s.emitError(domain.KindInvalidInput, "join-journey requires journey_id")
		return
	}

	p, err := s.hub.journeys.Participant(s.ctx, payload.JourneyID, s.userID)
	if err != nil {
		s.emitError(domain.KindOf(err), "failed to verify membership")
		return
	}
	if p == nil || !p.Subscribing() {
		s.emitError(domain.KindForbidden, "not a participant of this journey")
		return
	}

	if s.journeyID != "" && s.journeyID != payload.JourneyID {
		s.leaveCurrentRoom(evParticipantLeft)
	}
	s.journeyID = payload.JourneyID

	s.hub.joinRoom(payload.JourneyID, s)
	if err := s.hub.cache.AddRoomConn(s.ctx, payload.JourneyID, s.connID); err != nil {
		log.Printf("failed to record room membership for %s: %v", s.connID, err)
	}
	if err := s.hub.store.UpdateParticipantConnection(s.ctx, payload.JourneyID, s.userID, domain.ConnConnected, time.Now().UTC()); err != nil {
		log.Printf("failed to mark %s connected: %v", s.userID, err)
	}

	s.emit(evJoinedJourney, map[string]string{"journey_id": payload.JourneyID})
	s.hub.Broadcast(payload.JourneyID, encodeFrame(evParticipantJoined, map[string]string{
		"journey_id": payload.JourneyID, "user_id": s.userID,
	}), s.connID)

	// Snapshot of every cached latest location so the joiner renders the
	// convoy immediately.
	locations, err := s.hub.cache.GetAllLocations(s.ctx, payload.JourneyID)
	if err != nil {
		log.Printf("failed to load location snapshot for %s: %v", payload.JourneyID, err)
		return
	}
	s.emit(evLatestLocations, locations)
}

func (s *session) handleLeave() {
	if s.journeyID == "" {
		s.emitError(domain.KindPreconditionFailed, "not joined to a journey")
		return
	}
	journeyID := s.journeyID
	s.leaveCurrentRoom(evParticipantLeft)
	s.emit(evLeftJourney, map[string]string{"journey_id": journeyID})
}

// leaveCurrentRoom detaches the session from its room and announces it with
// the given event (participant-left on request, participant-disconnected on
// connection loss).
func (s *session) leaveCurrentRoom(event string) {
	journeyID := s.journeyID
	if journeyID == "" {
		return
	}
	s.journeyID = ""

	s.hub.leaveRoom(journeyID, s)
	if err := s.hub.cache.RemoveRoomConn(s.ctx, journeyID, s.connID); err != nil {
		log.Printf("failed to remove room membership for %s: %v", s.connID, err)
	}
	if err := s.hub.store.UpdateParticipantConnection(s.ctx, journeyID, s.userID, domain.ConnDisconnected, time.Now().UTC()); err != nil {
		log.Printf("failed to mark %s disconnected: %v", s.userID, err)
	}
	s.hub.Broadcast(journeyID, encodeFrame(event, map[string]string{
		"journey_id": journeyID, "user_id": s.userID,
	}), s.connID)
}

func (s *session) handleLocationUpdate(data json.RawMessage) {
	var update domain.LocationUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		s.emitError(domain.KindInvalidInput, "malformed location update")
		return
	}
	if update.JourneyID == "" {
		update.JourneyID = s.journeyID
	}

	result, err := s.hub.pipeline.ProcessUpdate(s.ctx, s.userID, &update)
	if err != nil {
		s.emitError(domain.KindOf(err), err.Error())
		return
	}

	s.emit(evLocationUpdateAck, result)
	if !result.Success {
		return
	}

	s.hub.Broadcast(update.JourneyID, encodeFrame(evLocationUpdate, result.Record), s.connID)
	observability.FramesSent.WithLabelValues(evLocationUpdate).Inc()

	if result.LagAlert != nil {
		s.hub.Broadcast(update.JourneyID, encodeFrame(evLagAlert, result.LagAlert), "")
	}
	if result.ArrivalDetected {
		s.hub.Broadcast(update.JourneyID, encodeFrame(evArrivalDetected, map[string]string{
			"journey_id": update.JourneyID, "user_id": s.userID,
		}), "")
	}
}

func (s *session) handleAck(data json.RawMessage) {
	var payload ackPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.emitError(domain.KindInvalidInput, "malformed acknowledge")
		return
	}
	journeyID := payload.JourneyID
	if journeyID == "" {
		journeyID = s.journeyID
	}
	if journeyID == "" {
		s.emitError(domain.KindPreconditionFailed, "not joined to a journey")
		return
	}

	if err := s.hub.delivery.Ack(s.ctx, journeyID, s.userID, payload.SequenceNumber); err != nil {
		s.emitError(domain.KindOf(err), err.Error())
		return
	}

	// An ack that reveals a gap gets the missing range pushed proactively.
	if payload.LatestSeen > 0 {
		from, to, full, err := s.hub.delivery.Missing(s.ctx, journeyID, s.userID, payload.LatestSeen)
		if err != nil || to == 0 {
			return
		}
		if full {
			s.emit(evConnectionStatus, map[string]interface{}{
				"status": "RESYNC_REQUIRED", "from_sequence": from - 1,
			})
			return
		}
		records, err := s.hub.delivery.Resync(s.ctx, journeyID, from-1)
		if err != nil {
			return
		}
		var missing []*domain.LocationRecord
		for _, rec := range records {
			if rec.SequenceNumber <= to {
				missing = append(missing, rec)
			}
		}
		if len(missing) > 0 {
			s.emit(evResyncData, missing)
		}
	}
}

func (s *session) handleResync(data json.RawMessage) {
	var payload resyncPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.emitError(domain.KindInvalidInput, "malformed request-resync")
		return
	}
	journeyID := payload.JourneyID
	if journeyID == "" {
		journeyID = s.journeyID
	}
	if journeyID == "" {
		s.emitError(domain.KindPreconditionFailed, "not joined to a journey")
		return
	}

	records, err := s.hub.delivery.Resync(s.ctx, journeyID, payload.FromSequence)
	if err != nil {
		s.emitError(domain.KindOf(err), err.Error())
		return
	}
	if records == nil {
		records = []*domain.LocationRecord{}
	}
	s.emit(evResyncData, records)
}

// teardown releases everything the session owns: room membership, cache
// entries, the heartbeat timer and the connection itself. Safe to call from
// both pumps; only the first call runs.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		s.leaveCurrentRoom(evParticipantDisconnected)

		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		if err := s.hub.cache.DeleteConnUser(context.Background(), s.connID); err != nil {
			log.Printf("failed to delete conn mapping for %s: %v", s.connID, err)
		}

		s.cancel()
		s.conn.Close()
		s.hub.unregister <- s
	})
}
