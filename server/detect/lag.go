package detect

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/geo"
	"github.com/convoylink/convoyd/server/observability"
	"github.com/convoylink/convoyd/server/store"
	"github.com/convoylink/convoyd/server/streaming"
)

// alertGuardTTL bounds the query-then-create window for one participant.
const alertGuardTTL = 5 * time.Second

// Detector computes distance-to-leader and distance-to-destination side
// effects for every accepted update.
type Detector struct {
	store     store.Store
	cache     *cache.Redis
	publisher streaming.Publisher
	cfg       *config.Config
}

func NewDetector(s store.Store, c *cache.Redis, publisher streaming.Publisher, cfg *config.Config) *Detector {
	return &Detector{store: s, cache: c, publisher: publisher, cfg: cfg}
}

// CheckLag runs on every accepted follower update. It returns the active
// alert when one was created or upgraded, nil otherwise.
func (d *Detector) CheckLag(ctx context.Context, j *domain.Journey, rec *domain.LocationRecord) (*domain.LagAlert, error) {
	leaderLoc, err := d.cache.GetLocation(ctx, j.JourneyID, j.LeaderID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to read leader location", err)
	}
	if leaderLoc == nil {
		// No reference point yet; nothing to measure against.
		return nil, nil
	}

	distance := geo.DistanceMeters(rec.Coords, leaderLoc.Coords)

	if distance <= j.LagThresholdMeters {
		return nil, d.resolveActive(ctx, j, rec.UserID)
	}

	severity := domain.SeverityWarning
	if distance > d.cfg.CriticalLagMeters {
		severity = domain.SeverityCritical
	}

	// Serialize query-then-create per (journey, participant). If the cache is
	// down we proceed without the guard; a momentary duplicate is closed by
	// the resolver.
	acquired, err := d.cache.AcquireAlertGuard(ctx, j.JourneyID, rec.UserID, alertGuardTTL)
	if err != nil {
		log.Printf("lag guard unavailable for %s/%s: %v", j.JourneyID, rec.UserID, err)
	} else if !acquired {
		return nil, nil
	} else {
		defer func() {
			if err := d.cache.ReleaseAlertGuard(ctx, j.JourneyID, rec.UserID); err != nil {
				log.Printf("failed to release lag guard for %s/%s: %v", j.JourneyID, rec.UserID, err)
			}
		}()
	}

	existing, err := d.store.GetActiveLagAlert(ctx, j.JourneyID, rec.UserID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to query active alert", err)
	}
	if existing != nil {
		// No duplicate rows: an already-active alert stays, severity may only
		// be upgraded.
		if existing.Severity == domain.SeverityWarning && severity == domain.SeverityCritical {
			if err := d.store.UpdateLagAlertSeverity(ctx, existing.AlertID, severity); err != nil {
				return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to upgrade alert", err)
			}
			existing.Severity = severity
			existing.DistanceMeters = distance
			observability.LagAlertsCreated.WithLabelValues("upgraded").Inc()
			d.publishAlert(ctx, existing, "upgraded")
			return existing, nil
		}
		return nil, nil
	}

	alert := &domain.LagAlert{
		AlertID:        uuid.NewString(),
		JourneyID:      j.JourneyID,
		UserID:         rec.UserID,
		DistanceMeters: distance,
		LeaderCoords:   leaderLoc.Coords,
		FollowerCoords: rec.Coords,
		Severity:       severity,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := d.store.CreateLagAlert(ctx, alert); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to create alert", err)
	}

	observability.LagAlertsCreated.WithLabelValues("created").Inc()
	observability.ActiveLagAlerts.WithLabelValues(j.JourneyID, string(severity)).Inc()
	d.publishAlert(ctx, alert, "created")
	return alert, nil
}

func (d *Detector) resolveActive(ctx context.Context, j *domain.Journey, userID string) error {
	existing, err := d.store.GetActiveLagAlert(ctx, j.JourneyID, userID)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to query active alert", err)
	}
	if existing == nil {
		return nil
	}
	now := time.Now().UTC()
	if err := d.store.ResolveLagAlert(ctx, existing.AlertID, now); err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to resolve alert", err)
	}
	existing.IsActive = false
	existing.ResolvedAt = &now

	observability.LagAlertsCreated.WithLabelValues("resolved").Inc()
	observability.ActiveLagAlerts.WithLabelValues(j.JourneyID, string(existing.Severity)).Dec()
	d.publishAlert(ctx, existing, "resolved")
	return nil
}

func (d *Detector) publishAlert(ctx context.Context, alert *domain.LagAlert, event string) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, streaming.TopicLagAlert, map[string]interface{}{
		"event": event, "alert": alert,
	}); err != nil {
		log.Printf("failed to publish lag alert event: %v", err)
	}
}
