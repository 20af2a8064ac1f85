package detect

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/store"
)

func newTestDetector(t *testing.T) (*Detector, store.Store, *cache.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisFromClient(client, 5*time.Minute, time.Hour)
	s := store.NewMemoryStore()
	return NewDetector(s, c, nil, config.Load()), s, c
}

func lagJourney() *domain.Journey {
	return &domain.Journey{
		JourneyID:          "j1",
		LeaderID:           "leader",
		Status:             domain.JourneyActive,
		LagThresholdMeters: 500,
	}
}

func seedLeader(t *testing.T, c *cache.Redis, lat, lon float64) {
	t.Helper()
	err := c.SetLocation(context.Background(), &domain.LocationRecord{
		JourneyID: "j1",
		UserID:    "leader",
		Coords:    domain.Coordinates{Latitude: lat, Longitude: lon},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed leader location: %v", err)
	}
}

func followerRecord(lat, lon float64) *domain.LocationRecord {
	return &domain.LocationRecord{
		JourneyID: "j1",
		UserID:    "follower",
		Coords:    domain.Coordinates{Latitude: lat, Longitude: lon},
		Timestamp: time.Now().UTC(),
	}
}

func TestLagCreatesCriticalAlert(t *testing.T) {
	d, s, c := newTestDetector(t)
	ctx := context.Background()
	seedLeader(t, c, -1.2921, 36.8219)

	// ~1.85km behind: beyond the 1000m critical cut-off.
	alert, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.3050, 36.8320))
	if err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}
	if alert == nil {
		t.Fatal("Expected an alert")
	}
	if alert.Severity != domain.SeverityCritical {
		t.Errorf("Expected CRITICAL, got %s", alert.Severity)
	}
	if !alert.IsActive {
		t.Error("Expected active alert")
	}
	if alert.DistanceMeters < 1700 || alert.DistanceMeters > 2000 {
		t.Errorf("Unexpected distance %f", alert.DistanceMeters)
	}

	stored, _ := s.GetActiveLagAlert(ctx, "j1", "follower")
	if stored == nil {
		t.Fatal("Expected alert persisted")
	}
}

func TestLagNoDuplicateActiveAlert(t *testing.T) {
	d, s, c := newTestDetector(t)
	ctx := context.Background()
	seedLeader(t, c, -1.2921, 36.8219)

	if _, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.3050, 36.8320)); err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}
	// Second lagging update: still one active alert, no new row.
	alert, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.3060, 36.8330))
	if err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}
	if alert != nil {
		t.Errorf("Expected no new alert while one is active, got %+v", alert)
	}

	stored, _ := s.GetActiveLagAlert(ctx, "j1", "follower")
	if stored == nil {
		t.Fatal("Expected the original alert still active")
	}
}

func TestLagSeverityUpgrade(t *testing.T) {
	d, s, c := newTestDetector(t)
	ctx := context.Background()
	seedLeader(t, c, -1.2921, 36.8219)

	// ~700m behind: WARNING.
	if _, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.2984, 36.8219)); err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}
	stored, _ := s.GetActiveLagAlert(ctx, "j1", "follower")
	if stored == nil || stored.Severity != domain.SeverityWarning {
		t.Fatalf("Expected active WARNING, got %+v", stored)
	}

	// Falls further behind: same alert upgraded to CRITICAL.
	alert, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.3050, 36.8320))
	if err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}
	if alert == nil || alert.Severity != domain.SeverityCritical {
		t.Fatalf("Expected upgraded CRITICAL, got %+v", alert)
	}
	if alert.AlertID != stored.AlertID {
		t.Error("Expected upgrade in place, not a new alert row")
	}
}

func TestLagResolution(t *testing.T) {
	d, s, c := newTestDetector(t)
	ctx := context.Background()
	seedLeader(t, c, -1.2921, 36.8219)

	if _, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.3050, 36.8320)); err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}

	// Catches up to within 500m: alert resolved.
	alert, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.2925, 36.8225))
	if err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}
	if alert != nil {
		t.Errorf("Expected no alert on recovery, got %+v", alert)
	}

	active, _ := s.GetActiveLagAlert(ctx, "j1", "follower")
	if active != nil {
		t.Errorf("Expected no active alert after resolution, got %+v", active)
	}
}

func TestLagSkippedWithoutLeaderLocation(t *testing.T) {
	d, _, _ := newTestDetector(t)
	ctx := context.Background()

	alert, err := d.CheckLag(ctx, lagJourney(), followerRecord(-1.3050, 36.8320))
	if err != nil {
		t.Fatalf("CheckLag failed: %v", err)
	}
	if alert != nil {
		t.Errorf("Expected skip without leader location, got %+v", alert)
	}
}

func TestArrivalDetection(t *testing.T) {
	d, s, _ := newTestDetector(t)
	ctx := context.Background()

	j := &domain.Journey{
		JourneyID:          "j1",
		LeaderID:           "leader",
		Status:             domain.JourneyActive,
		LagThresholdMeters: 500,
		Destination:        &domain.Coordinates{Latitude: -1.2921, Longitude: 36.8219},
	}
	p := &domain.Participant{
		JourneyID: "j1", UserID: "u3",
		Role: domain.RoleFollower, Status: domain.ParticipantActive,
	}
	if err := s.UpsertParticipant(ctx, p); err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	speed := 0.5
	rec := &domain.LocationRecord{
		JourneyID: "j1", UserID: "u3",
		Coords: domain.Coordinates{Latitude: -1.2922, Longitude: 36.8220},
		Speed:  &speed,
	}

	arrived, err := d.CheckArrival(ctx, j, p, rec)
	if err != nil {
		t.Fatalf("CheckArrival failed: %v", err)
	}
	if !arrived {
		t.Fatal("Expected arrival detected")
	}

	stored, _ := s.GetParticipant(ctx, "j1", "u3")
	if stored.Status != domain.ParticipantArrived {
		t.Errorf("Expected ARRIVED, got %s", stored.Status)
	}

	// Idempotent: an identical second update does not re-fire.
	arrived, err = d.CheckArrival(ctx, j, stored, rec)
	if err != nil {
		t.Fatalf("CheckArrival failed: %v", err)
	}
	if arrived {
		t.Error("Expected no second arrival transition")
	}
}

func TestArrivalRequiresLowSpeed(t *testing.T) {
	d, s, _ := newTestDetector(t)
	ctx := context.Background()

	j := &domain.Journey{
		JourneyID:   "j1",
		LeaderID:    "leader",
		Destination: &domain.Coordinates{Latitude: -1.2921, Longitude: 36.8219},
	}
	p := &domain.Participant{JourneyID: "j1", UserID: "u3", Role: domain.RoleFollower, Status: domain.ParticipantActive}
	if err := s.UpsertParticipant(ctx, p); err != nil {
		t.Fatalf("seed participant: %v", err)
	}

	// Inside the geofence but driving through at 10 m/s.
	speed := 10.0
	rec := &domain.LocationRecord{
		JourneyID: "j1", UserID: "u3",
		Coords: domain.Coordinates{Latitude: -1.2922, Longitude: 36.8220},
		Speed:  &speed,
	}
	arrived, err := d.CheckArrival(ctx, j, p, rec)
	if err != nil {
		t.Fatalf("CheckArrival failed: %v", err)
	}
	if arrived {
		t.Error("Expected no arrival while moving fast")
	}

	// Unknown speed counts as arrived.
	rec.Speed = nil
	arrived, err = d.CheckArrival(ctx, j, p, rec)
	if err != nil {
		t.Fatalf("CheckArrival failed: %v", err)
	}
	if !arrived {
		t.Error("Expected arrival with unknown speed")
	}
}

func TestArrivalNoDestination(t *testing.T) {
	d, _, _ := newTestDetector(t)
	ctx := context.Background()

	j := &domain.Journey{JourneyID: "j1", LeaderID: "leader"}
	p := &domain.Participant{JourneyID: "j1", UserID: "u3", Status: domain.ParticipantActive}
	arrived, err := d.CheckArrival(ctx, j, p, &domain.LocationRecord{JourneyID: "j1", UserID: "u3"})
	if err != nil || arrived {
		t.Errorf("Expected no-op without destination, got %v %v", arrived, err)
	}
}
