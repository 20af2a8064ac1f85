package main

import (
	"encoding/json"
	"log"
)

// Realtime frame: a JSON object with an event name and an event-specific
// payload. One frame per websocket message, FIFO per connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events.
const (
	evJoinJourney    = "join-journey"
	evLeaveJourney   = "leave-journey"
	evLocationUpdate = "location-update"
	evAcknowledge    = "acknowledge"
	evRequestResync  = "request-resync"
	evHeartbeat      = "heartbeat"
)

// Outbound events.
const (
	evConnectionStatus        = "connection-status"
	evJoinedJourney           = "joined-journey"
	evLeftJourney             = "left-journey"
	evLatestLocations         = "latest-locations"
	evLocationUpdateAck       = "location-update-ack"
	evLagAlert                = "lag-alert"
	evArrivalDetected         = "arrival-detected"
	evParticipantJoined       = "participant-joined"
	evParticipantLeft         = "participant-left"
	evParticipantDisconnected = "participant-disconnected"
	evResyncData              = "resync-data"
	evHeartbeatAck            = "heartbeat-ack"
	evError                   = "error"
)

type joinPayload struct {
	JourneyID string `json:"journey_id"`
}

type ackPayload struct {
	JourneyID      string `json:"journey_id"`
	SequenceNumber int64  `json:"sequence_number"`
	// LatestSeen lets the server compute the subscriber's gap.
	LatestSeen int64 `json:"latest_seen,omitempty"`
}

type resyncPayload struct {
	JourneyID    string `json:"journey_id"`
	FromSequence int64  `json:"from_sequence"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeFrame marshals an outbound frame. Marshal failures are programming
// errors; they are logged and produce a nil slice the write pump skips.
func encodeFrame(event string, payload interface{}) []byte {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to marshal %s payload: %v", event, err)
			return nil
		}
		data = b
	}
	b, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		log.Printf("failed to marshal %s frame: %v", event, err)
		return nil
	}
	return b
}
