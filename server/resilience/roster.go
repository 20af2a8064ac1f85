package resilience

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/observability"
	"github.com/convoylink/convoyd/server/store"
)

// RosterReconciler rebuilds cache state from the store. The store is
// authoritative: journey mutations write it first and the cache best-effort,
// so after a crash or cache outage the roster sets and the active-journey set
// can disagree. The failure mode is "retry reconciles" — this loop is the
// retry.
type RosterReconciler struct {
	store    store.Store
	cache    *cache.Redis
	interval time.Duration
}

func NewRosterReconciler(s store.Store, c *cache.Redis, interval time.Duration) *RosterReconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RosterReconciler{store: s, cache: c, interval: interval}
}

// Start runs the reconciliation loop until the context is cancelled.
func (r *RosterReconciler) Start(ctx context.Context) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("CRITICAL: roster reconciler panicked: %v", rec)
			}
		}()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReconcileAll(ctx)
			}
		}
	}()
}

// ReconcileAll checks every journey in the active set.
func (r *RosterReconciler) ReconcileAll(ctx context.Context) {
	journeys, err := r.cache.ActiveJourneys(ctx)
	if err != nil {
		log.Printf("roster reconcile: failed to list active journeys: %v", err)
		return
	}
	for _, journeyID := range journeys {
		if err := r.ReconcileJourney(ctx, journeyID); err != nil {
			log.Printf("roster reconcile: journey %s: %v", journeyID, err)
		}
	}
}

// ReconcileJourney compares the cached roster against the store and rewrites
// the cache when they disagree. A journey the store no longer considers
// ACTIVE is evicted from the active set entirely.
func (r *RosterReconciler) ReconcileJourney(ctx context.Context, journeyID string) error {
	j, err := r.store.GetJourney(ctx, journeyID)
	if err != nil {
		return err
	}
	if j == nil || j.Status != domain.JourneyActive {
		if err := r.cache.RemoveActiveJourney(ctx, journeyID); err != nil {
			return err
		}
		if err := r.cache.SeedRoster(ctx, journeyID, nil); err != nil {
			return err
		}
		log.Printf("roster reconcile: evicted stale journey %s from active set", journeyID)
		return nil
	}

	participants, err := r.store.ListParticipants(ctx, journeyID)
	if err != nil {
		return err
	}
	var want []string
	for _, p := range participants {
		if p.Subscribing() {
			want = append(want, p.UserID)
		}
	}

	have, err := r.cache.RosterMembers(ctx, journeyID)
	if err != nil {
		return err
	}
	if sameMembers(want, have) {
		return nil
	}

	log.Printf("roster reconcile: journey %s cache drift (have %d, want %d), rebuilding", journeyID, len(have), len(want))
	observability.RosterRebuilds.Inc()
	return r.cache.SeedRoster(ctx, journeyID, want)
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
