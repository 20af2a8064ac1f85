package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/convoylink/convoyd/server/auth"
	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/delivery"
	"github.com/convoylink/convoyd/server/detect"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/journey"
	"github.com/convoylink/convoyd/server/pipeline"
	"github.com/convoylink/convoyd/server/priority"
	"github.com/convoylink/convoyd/server/store"
)

type gatewayFixture struct {
	hub      *Hub
	server   *httptest.Server
	store    store.Store
	cache    *cache.Redis
	delivery *delivery.Engine
	journeys *journey.Manager
	cfg      *config.Config
	cancel   context.CancelFunc
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisFromClient(client, 5*time.Minute, time.Hour)
	s := store.NewMemoryStore()
	cfg := config.Load()

	jm := journey.NewManager(s, c, nil, nil, cfg)
	d := delivery.NewEngine(c, s, cfg)
	det := detect.NewDetector(s, c, nil, cfg)
	p := pipeline.New(s, c, priority.NewEngine(cfg), d, det, cfg)

	hub := NewHub(s, c, p, d, jm, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &gatewayFixture{
		hub: hub, server: server, store: s, cache: c,
		delivery: d, journeys: jm, cfg: cfg, cancel: cancel,
	}
}

// seedActiveJourney creates journey j1 with leader u1 and follower u2, both
// ACTIVE, roster seeded.
func (f *gatewayFixture) seedActiveJourney(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	j := &domain.Journey{
		JourneyID: "j1", Name: "convoy", LeaderID: "u1",
		Status: domain.JourneyActive, LagThresholdMeters: 500,
		CreatedAt: now, UpdatedAt: now, StartTime: &now,
	}
	if err := f.store.CreateJourney(ctx, j); err != nil {
		t.Fatalf("seed journey: %v", err)
	}
	for i, uid := range []string{"u1", "u2"} {
		role := domain.RoleFollower
		if i == 0 {
			role = domain.RoleLeader
		}
		if err := f.store.UpsertParticipant(ctx, &domain.Participant{
			JourneyID: "j1", UserID: uid, Role: role,
			Status: domain.ParticipantActive, ConnectionStatus: domain.ConnDisconnected,
		}); err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}
	if err := f.cache.SeedRoster(ctx, "j1", []string{"u1", "u2"}); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
	if err := f.cache.AddActiveJourney(ctx, "j1"); err != nil {
		t.Fatalf("seed active set: %v", err)
	}
}

func (f *gatewayFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateToken(userID)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func expectEvent(t *testing.T, conn *websocket.Conn, event string) Frame {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Event != event {
		t.Fatalf("Expected event %s, got %s (%s)", event, frame.Event, string(frame.Data))
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := conn.WriteJSON(Frame{Event: event, Data: data}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newGatewayFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer not-a-token"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %+v", resp)
	}

	// Missing credentials entirely.
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %+v", resp)
	}
}

func TestConnectEmitsStatus(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "u1")

	frame := expectEvent(t, conn, evConnectionStatus)
	var payload struct {
		Status              string `json:"status"`
		HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Status != "CONNECTED" {
		t.Errorf("Expected CONNECTED, got %s", payload.Status)
	}
	if payload.HeartbeatIntervalMs != 4000 {
		t.Errorf("Expected advertised interval 4000ms, got %d", payload.HeartbeatIntervalMs)
	}
}

func TestHeartbeatAck(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.dial(t, "u1")
	expectEvent(t, conn, evConnectionStatus)

	sendFrame(t, conn, evHeartbeat, map[string]string{})
	expectEvent(t, conn, evHeartbeatAck)
}

func TestJoinRequiresMembership(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedActiveJourney(t)

	conn := f.dial(t, "stranger")
	expectEvent(t, conn, evConnectionStatus)

	sendFrame(t, conn, evJoinJourney, joinPayload{JourneyID: "j1"})
	frame := expectEvent(t, conn, evError)
	var payload errorPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Code != "FORBIDDEN" {
		t.Errorf("Expected FORBIDDEN, got %s", payload.Code)
	}
}

func TestJoinBroadcastAndAckFlow(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedActiveJourney(t)
	ctx := context.Background()

	leader := f.dial(t, "u1")
	expectEvent(t, leader, evConnectionStatus)
	sendFrame(t, leader, evJoinJourney, joinPayload{JourneyID: "j1"})
	expectEvent(t, leader, evJoinedJourney)
	expectEvent(t, leader, evLatestLocations)

	follower := f.dial(t, "u2")
	expectEvent(t, follower, evConnectionStatus)
	sendFrame(t, follower, evJoinJourney, joinPayload{JourneyID: "j1"})
	expectEvent(t, follower, evJoinedJourney)
	expectEvent(t, follower, evLatestLocations)

	// The room saw the follower join.
	expectEvent(t, leader, evParticipantJoined)

	// Leader posts a location: leader gets the ack, follower gets the
	// broadcast.
	sendFrame(t, leader, evLocationUpdate, map[string]interface{}{
		"journey_id": "j1",
		"coords":     map[string]float64{"latitude": -1.29, "longitude": 36.82},
		"accuracy":   5,
		"metadata":   map[string]interface{}{"battery_level": 90},
	})

	ackFrame := expectEvent(t, leader, evLocationUpdateAck)
	var ack struct {
		Success        bool            `json:"success"`
		SequenceNumber int64           `json:"sequence_number"`
		Priority       domain.Priority `json:"priority"`
	}
	if err := json.Unmarshal(ackFrame.Data, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success || ack.SequenceNumber != 1 || ack.Priority != domain.PriorityHigh {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	updFrame := expectEvent(t, follower, evLocationUpdate)
	var rec domain.LocationRecord
	if err := json.Unmarshal(updFrame.Data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.SequenceNumber != 1 || rec.UserID != "u1" {
		t.Errorf("Unexpected broadcast record: %+v", rec)
	}

	// A pending envelope sits on u2's queue until the ack.
	pending, err := f.delivery.PendingFor(ctx, "j1", "u2")
	if err != nil || len(pending) != 1 {
		t.Fatalf("Expected 1 pending envelope, got %v err %v", pending, err)
	}

	sendFrame(t, follower, evAcknowledge, ackPayload{SequenceNumber: 1})

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, _ = f.delivery.PendingFor(ctx, "j1", "u2")
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected pending drained after ack, still %v", pending)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestResyncOverGateway(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedActiveJourney(t)
	ctx := context.Background()

	// Persisted history 1..20.
	for seq := int64(1); seq <= 20; seq++ {
		if err := f.store.InsertLocation(ctx, &domain.LocationRecord{
			RecordID: "r", JourneyID: "j1", UserID: "u1",
			Coords:         domain.Coordinates{Latitude: -1.29, Longitude: 36.82},
			SequenceNumber: seq, Priority: domain.PriorityHigh, Timestamp: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	conn := f.dial(t, "u2")
	expectEvent(t, conn, evConnectionStatus)
	sendFrame(t, conn, evJoinJourney, joinPayload{JourneyID: "j1"})
	expectEvent(t, conn, evJoinedJourney)
	expectEvent(t, conn, evLatestLocations)

	sendFrame(t, conn, evRequestResync, resyncPayload{FromSequence: 5})
	frame := expectEvent(t, conn, evResyncData)

	var records []*domain.LocationRecord
	if err := json.Unmarshal(frame.Data, &records); err != nil {
		t.Fatalf("unmarshal resync data: %v", err)
	}
	if len(records) != 15 {
		t.Fatalf("Expected 15 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.SequenceNumber != int64(6+i) {
			t.Fatalf("Expected ascending from 6, got %d at %d", rec.SequenceNumber, i)
		}
	}
}

func TestHeartbeatTimeoutCloses(t *testing.T) {
	f := newGatewayFixture(t)
	f.cfg.HeartbeatTimeout = 300 * time.Millisecond

	conn := f.dial(t, "u1")
	expectEvent(t, conn, evConnectionStatus)

	// No heartbeats: the server announces TIMEOUT and closes.
	frame := expectEvent(t, conn, evConnectionStatus)
	var payload map[string]string
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["status"] != "TIMEOUT" {
		t.Errorf("Expected TIMEOUT, got %s", payload["status"])
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return // closed as expected
		}
	}
}

func TestDisconnectBroadcasts(t *testing.T) {
	f := newGatewayFixture(t)
	f.seedActiveJourney(t)

	leader := f.dial(t, "u1")
	expectEvent(t, leader, evConnectionStatus)
	sendFrame(t, leader, evJoinJourney, joinPayload{JourneyID: "j1"})
	expectEvent(t, leader, evJoinedJourney)
	expectEvent(t, leader, evLatestLocations)

	follower := f.dial(t, "u2")
	expectEvent(t, follower, evConnectionStatus)
	sendFrame(t, follower, evJoinJourney, joinPayload{JourneyID: "j1"})
	expectEvent(t, follower, evJoinedJourney)
	expectEvent(t, follower, evLatestLocations)
	expectEvent(t, leader, evParticipantJoined)

	follower.Close()

	frame := expectEvent(t, leader, evParticipantDisconnected)
	var payload map[string]string
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["user_id"] != "u2" {
		t.Errorf("Expected u2 disconnected, got %s", payload["user_id"])
	}

	// The participant row reflects the drop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		p, _ := f.store.GetParticipant(context.Background(), "j1", "u2")
		if p != nil && p.ConnectionStatus == domain.ConnDisconnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected participant marked DISCONNECTED")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
