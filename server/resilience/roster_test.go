package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/store"
)

func newTestReconciler(t *testing.T) (*RosterReconciler, store.Store, *cache.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisFromClient(client, 5*time.Minute, time.Hour)
	s := store.NewMemoryStore()
	return NewRosterReconciler(s, c, time.Minute), s, c
}

func seedActiveJourney(t *testing.T, s store.Store, c *cache.Redis, roster []string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	j := &domain.Journey{
		JourneyID: "j1", Name: "convoy", LeaderID: "u1",
		Status: domain.JourneyActive, LagThresholdMeters: 500,
		CreatedAt: now, UpdatedAt: now, StartTime: &now,
	}
	if err := s.CreateJourney(ctx, j); err != nil {
		t.Fatalf("seed journey: %v", err)
	}
	for i, uid := range []string{"u1", "u2"} {
		role := domain.RoleFollower
		if i == 0 {
			role = domain.RoleLeader
		}
		if err := s.UpsertParticipant(ctx, &domain.Participant{
			JourneyID: "j1", UserID: uid, Role: role, Status: domain.ParticipantActive,
		}); err != nil {
			t.Fatalf("seed participant: %v", err)
		}
	}
	if err := c.AddActiveJourney(ctx, "j1"); err != nil {
		t.Fatalf("seed active set: %v", err)
	}
	if err := c.SeedRoster(ctx, "j1", roster); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
}

func TestRebuildsDriftedRoster(t *testing.T) {
	r, s, c := newTestReconciler(t)
	ctx := context.Background()

	// Cache lost u2 somewhere along the way.
	seedActiveJourney(t, s, c, []string{"u1"})

	if err := r.ReconcileJourney(ctx, "j1"); err != nil {
		t.Fatalf("ReconcileJourney failed: %v", err)
	}

	roster, _ := c.RosterMembers(ctx, "j1")
	if len(roster) != 2 {
		t.Errorf("Expected roster rebuilt to 2 members, got %v", roster)
	}
}

func TestNoRewriteWhenConsistent(t *testing.T) {
	r, s, c := newTestReconciler(t)
	ctx := context.Background()

	seedActiveJourney(t, s, c, []string{"u1", "u2"})

	if err := r.ReconcileJourney(ctx, "j1"); err != nil {
		t.Fatalf("ReconcileJourney failed: %v", err)
	}
	roster, _ := c.RosterMembers(ctx, "j1")
	if len(roster) != 2 {
		t.Errorf("Expected roster unchanged, got %v", roster)
	}
}

func TestEvictsEndedJourney(t *testing.T) {
	r, s, c := newTestReconciler(t)
	ctx := context.Background()

	seedActiveJourney(t, s, c, []string{"u1", "u2"})

	// Store says the journey completed but the cache eviction was lost.
	j, _ := s.GetJourney(ctx, "j1")
	now := time.Now().UTC()
	j.Status = domain.JourneyCompleted
	j.EndTime = &now
	if err := s.UpdateJourney(ctx, j); err != nil {
		t.Fatalf("UpdateJourney failed: %v", err)
	}

	r.ReconcileAll(ctx)

	active, _ := c.ActiveJourneys(ctx)
	if len(active) != 0 {
		t.Errorf("Expected active set emptied, got %v", active)
	}
	roster, _ := c.RosterMembers(ctx, "j1")
	if len(roster) != 0 {
		t.Errorf("Expected roster cleared, got %v", roster)
	}
}
