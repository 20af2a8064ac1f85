package detect

import (
	"context"
	"log"
	"time"

	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/geo"
	"github.com/convoylink/convoyd/server/observability"
	"github.com/convoylink/convoyd/server/streaming"
)

// CheckArrival runs on every accepted update regardless of role. It returns
// true when the participant transitioned to ARRIVED on this update. The
// transition is idempotent: an already-arrived participant never re-fires.
func (d *Detector) CheckArrival(ctx context.Context, j *domain.Journey, p *domain.Participant, rec *domain.LocationRecord) (bool, error) {
	if j.Destination == nil {
		return false, nil
	}
	if p.Status == domain.ParticipantArrived {
		return false, nil
	}

	remaining := geo.DistanceMeters(rec.Coords, *j.Destination)
	if remaining >= d.cfg.ArrivalDistanceThresholdMeters {
		return false, nil
	}
	if rec.Speed != nil && *rec.Speed >= d.cfg.ArrivalSpeedThresholdMps {
		// Still moving; probably driving past the geofence.
		return false, nil
	}

	p.Status = domain.ParticipantArrived
	if err := d.store.UpsertParticipant(ctx, p); err != nil {
		return false, domain.Wrap(domain.KindUpstreamFailure, "failed to mark arrival", err)
	}

	observability.ArrivalsDetected.Inc()
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, streaming.TopicArrival, map[string]interface{}{
			"journey_id": j.JourneyID,
			"user_id":    p.UserID,
			"distance":   remaining,
			"arrived_at": time.Now().UTC(),
		}); err != nil {
			log.Printf("failed to publish arrival event: %v", err)
		}
	}
	return true, nil
}
