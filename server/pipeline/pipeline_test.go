package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/delivery"
	"github.com/convoylink/convoyd/server/detect"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/priority"
	"github.com/convoylink/convoyd/server/store"
)

type fixture struct {
	p     *Pipeline
	s     store.Store
	c     *cache.Redis
	d     *delivery.Engine
	cfg   *config.Config
	ctx   context.Context
	jmyID string
}

func newFixture(t *testing.T, destination *domain.Coordinates) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisFromClient(client, 5*time.Minute, time.Hour)
	s := store.NewMemoryStore()
	cfg := config.Load()

	d := delivery.NewEngine(c, s, cfg)
	det := detect.NewDetector(s, c, nil, cfg)
	p := New(s, c, priority.NewEngine(cfg), d, det, cfg)

	ctx := context.Background()
	now := time.Now().UTC()
	j := &domain.Journey{
		JourneyID:          "j1",
		Name:               "convoy",
		LeaderID:           "u1",
		Status:             domain.JourneyActive,
		Destination:        destination,
		LagThresholdMeters: 500,
		CreatedAt:          now,
		UpdatedAt:          now,
		StartTime:          &now,
	}
	if err := s.CreateJourney(ctx, j); err != nil {
		t.Fatalf("seed journey: %v", err)
	}
	for _, pt := range []struct {
		id   string
		role domain.ParticipantRole
	}{{"u1", domain.RoleLeader}, {"u2", domain.RoleFollower}, {"u3", domain.RoleFollower}} {
		if err := s.UpsertParticipant(ctx, &domain.Participant{
			JourneyID: "j1", UserID: pt.id, Role: pt.role,
			Status: domain.ParticipantActive, ConnectionStatus: domain.ConnDisconnected,
		}); err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}
	if err := c.SeedRoster(ctx, "j1", []string{"u1", "u2", "u3"}); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
	if err := c.AddActiveJourney(ctx, "j1"); err != nil {
		t.Fatalf("seed active set: %v", err)
	}

	return &fixture{p: p, s: s, c: c, d: d, cfg: cfg, ctx: ctx, jmyID: "j1"}
}

func locUpdate(lat, lon float64, battery int, speed float64) *domain.LocationUpdate {
	b := battery
	sp := speed
	return &domain.LocationUpdate{
		JourneyID: "j1",
		Coords:    domain.Coordinates{Latitude: lat, Longitude: lon},
		Accuracy:  5,
		Speed:     &sp,
		Metadata:  domain.LocationMetadata{BatteryLevel: &b},
	}
}

func TestLeaderHappyPath(t *testing.T) {
	f := newFixture(t, &domain.Coordinates{Latitude: -1.2921, Longitude: 36.8219})

	res, err := f.p.ProcessUpdate(f.ctx, "u1", locUpdate(-1.29, 36.82, 90, 10))
	if err != nil {
		t.Fatalf("ProcessUpdate failed: %v", err)
	}
	if !res.Success {
		t.Fatal("Expected success")
	}
	if res.Priority != domain.PriorityHigh {
		t.Errorf("Expected HIGH for leader, got %s", res.Priority)
	}
	if res.SequenceNumber != 1 {
		t.Errorf("Expected sequence 1, got %d", res.SequenceNumber)
	}

	// Persisted and hot-cached.
	last, _ := f.s.GetLastLocation(f.ctx, "j1", "u1")
	if last == nil || last.SequenceNumber != 1 {
		t.Fatalf("Expected persisted record, got %+v", last)
	}
	hot, _ := f.c.GetLocation(f.ctx, "j1", "u1")
	if hot == nil || hot.SequenceNumber != 1 {
		t.Fatalf("Expected hot-cache entry, got %+v", hot)
	}

	// Pending envelopes for the other subscribers only.
	for _, pid := range []string{"u2", "u3"} {
		q, _ := f.d.PendingFor(f.ctx, "j1", pid)
		if len(q) != 1 || q[0].Sequence != 1 {
			t.Errorf("Expected seq 1 pending for %s, got %+v", pid, q)
		}
	}
	own, _ := f.d.PendingFor(f.ctx, "j1", "u1")
	if len(own) != 0 {
		t.Errorf("Expected no pending for sender, got %+v", own)
	}

	// Ack empties u2's queue.
	if err := f.d.Ack(f.ctx, "j1", "u2", 1); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	q, _ := f.d.PendingFor(f.ctx, "j1", "u2")
	if len(q) != 0 {
		t.Errorf("Expected empty pending after ack, got %+v", q)
	}
}

func TestSequenceDensePerJourney(t *testing.T) {
	f := newFixture(t, nil)

	// Alternating senders still draw from one dense counter.
	senders := []string{"u1", "u2", "u1", "u2", "u1"}
	coords := [][2]float64{{-1.29, 36.82}, {-1.30, 36.83}, {-1.291, 36.821}, {-1.301, 36.831}, {-1.292, 36.822}}
	for i, uid := range senders {
		u := locUpdate(coords[i][0], coords[i][1], 90, 10)
		u.Metadata.StatusChange = true // force HIGH so nothing is throttled
		res, err := f.p.ProcessUpdate(f.ctx, uid, u)
		if err != nil {
			t.Fatalf("ProcessUpdate %d failed: %v", i, err)
		}
		if res.SequenceNumber != int64(i+1) {
			t.Errorf("Expected sequence %d, got %d", i+1, res.SequenceNumber)
		}
	}

	records, _ := f.s.ListLocationsAfter(f.ctx, "j1", 0)
	if len(records) != 5 {
		t.Fatalf("Expected 5 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.SequenceNumber != int64(i+1) {
			t.Errorf("Expected dense prefix, got %d at %d", rec.SequenceNumber, i)
		}
	}
}

func TestJourneyNotActive(t *testing.T) {
	f := newFixture(t, nil)

	j, _ := f.s.GetJourney(f.ctx, "j1")
	j.Status = domain.JourneyPending
	if err := f.s.UpdateJourney(f.ctx, j); err != nil {
		t.Fatalf("UpdateJourney failed: %v", err)
	}

	_, err := f.p.ProcessUpdate(f.ctx, "u1", locUpdate(-1.29, 36.82, 90, 10))
	if !domain.IsKind(err, domain.KindPreconditionFailed) {
		t.Errorf("Expected PreconditionFailed, got %v", err)
	}
}

func TestNonParticipantForbidden(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.p.ProcessUpdate(f.ctx, "stranger", locUpdate(-1.29, 36.82, 90, 10))
	if !domain.IsKind(err, domain.KindForbidden) {
		t.Errorf("Expected Forbidden, got %v", err)
	}

	// A participant who LEFT is equally locked out.
	p, _ := f.s.GetParticipant(f.ctx, "j1", "u2")
	p.Status = domain.ParticipantLeft
	if err := f.s.UpsertParticipant(f.ctx, p); err != nil {
		t.Fatalf("UpsertParticipant failed: %v", err)
	}
	_, err = f.p.ProcessUpdate(f.ctx, "u2", locUpdate(-1.29, 36.82, 90, 10))
	if !domain.IsKind(err, domain.KindForbidden) {
		t.Errorf("Expected Forbidden for LEFT participant, got %v", err)
	}
}

func TestInvalidCoordinatesRejected(t *testing.T) {
	f := newFixture(t, nil)

	u := locUpdate(95, 36.82, 90, 10)
	_, err := f.p.ProcessUpdate(f.ctx, "u1", u)
	if !domain.IsKind(err, domain.KindInvalidInput) {
		t.Errorf("Expected InvalidInput, got %v", err)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	f := newFixture(t, nil)
	f.cfg.LocationUpdateRateLimit = 2

	u := locUpdate(-1.29, 36.82, 90, 10)
	u.Metadata.StatusChange = true
	for i := 0; i < 2; i++ {
		if _, err := f.p.ProcessUpdate(f.ctx, "u1", u); err != nil {
			t.Fatalf("ProcessUpdate %d failed: %v", i, err)
		}
	}
	_, err := f.p.ProcessUpdate(f.ctx, "u1", u)
	if !domain.IsKind(err, domain.KindTooManyRequests) {
		t.Errorf("Expected TooManyRequests, got %v", err)
	}
}

func TestLowBatteryThrottle(t *testing.T) {
	f := newFixture(t, nil)

	// First update from a follower persists: there is no prior record.
	res, err := f.p.ProcessUpdate(f.ctx, "u2", locUpdate(-1.3000, 36.8300, 15, 0))
	if err != nil {
		t.Fatalf("ProcessUpdate failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected first update persisted, got %+v", res)
	}

	// Four more within the same second, deltas under 10m, battery 15:
	// every one is shed.
	for i := 0; i < 4; i++ {
		res, err := f.p.ProcessUpdate(f.ctx, "u2", locUpdate(-1.30001, 36.83001, 15, 0))
		if err != nil {
			t.Fatalf("ProcessUpdate failed: %v", err)
		}
		if res.Success {
			t.Errorf("Expected drop %d under low battery, got %+v", i, res)
		}
	}

	records, _ := f.s.ListLocationsAfter(f.ctx, "j1", 0)
	if len(records) != 1 {
		t.Errorf("Expected exactly 1 persisted record, got %d", len(records))
	}
}

func TestLagAlertThroughPipeline(t *testing.T) {
	f := newFixture(t, nil)

	// Leader establishes the reference location.
	u := locUpdate(-1.2921, 36.8219, 90, 10)
	if _, err := f.p.ProcessUpdate(f.ctx, "u1", u); err != nil {
		t.Fatalf("leader update failed: %v", err)
	}

	// Follower ~1.85km behind: CRITICAL alert rides back on the result.
	res, err := f.p.ProcessUpdate(f.ctx, "u2", locUpdate(-1.3050, 36.8320, 90, 10))
	if err != nil {
		t.Fatalf("follower update failed: %v", err)
	}
	if res.Priority != domain.PriorityHigh {
		t.Errorf("Expected HIGH for lagging follower, got %s", res.Priority)
	}
	if res.LagAlert == nil || res.LagAlert.Severity != domain.SeverityCritical {
		t.Fatalf("Expected CRITICAL lag alert, got %+v", res.LagAlert)
	}

	// Catching up resolves it. The status-change flag keeps the update HIGH
	// so the 3s medium window cannot swallow the recovery.
	recovery := locUpdate(-1.2925, 36.8225, 90, 10)
	recovery.Metadata.StatusChange = true
	res, err = f.p.ProcessUpdate(f.ctx, "u2", recovery)
	if err != nil {
		t.Fatalf("recovery update failed: %v", err)
	}
	if res.LagAlert != nil {
		t.Errorf("Expected no alert on recovery, got %+v", res.LagAlert)
	}
	active, _ := f.s.GetActiveLagAlert(f.ctx, "j1", "u2")
	if active != nil {
		t.Errorf("Expected alert resolved, got %+v", active)
	}
}

func TestArrivalThroughPipeline(t *testing.T) {
	f := newFixture(t, &domain.Coordinates{Latitude: -1.2921, Longitude: 36.8219})

	res, err := f.p.ProcessUpdate(f.ctx, "u3", locUpdate(-1.2922, 36.8220, 90, 0.5))
	if err != nil {
		t.Fatalf("ProcessUpdate failed: %v", err)
	}
	if !res.ArrivalDetected {
		t.Fatal("Expected arrival detected")
	}
	p, _ := f.s.GetParticipant(f.ctx, "j1", "u3")
	if p.Status != domain.ParticipantArrived {
		t.Errorf("Expected ARRIVED, got %s", p.Status)
	}

	// The second identical update still processes but does not re-fire, and
	// an arrived participant is not locked out of posting.
	u := locUpdate(-1.2922, 36.8220, 90, 0.5)
	u.Metadata.StatusChange = true
	res, err = f.p.ProcessUpdate(f.ctx, "u3", u)
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if res.ArrivalDetected {
		t.Error("Expected no second arrival transition")
	}
}
