package delivery

import (
	"context"
	"log"
	"time"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/observability"
	"github.com/convoylink/convoyd/server/store"
)

// fullResyncGap is the gap size beyond which clients are told to resync
// rather than wait for incremental retries.
const fullResyncGap = 10

// Engine owns per-journey sequencing, per-subscriber cursors and the
// pending-delivery queues behind the at-least-once guarantee for HIGH
// priority updates.
type Engine struct {
	cache *cache.Redis
	store store.Store
	cfg   *config.Config
}

func NewEngine(c *cache.Redis, s store.Store, cfg *config.Config) *Engine {
	return &Engine{cache: c, store: s, cfg: cfg}
}

// NextSequence allocates the next dense, monotone sequence for a journey.
func (e *Engine) NextSequence(ctx context.Context, journeyID string) (int64, error) {
	return e.cache.NextSequence(ctx, journeyID)
}

// EnqueuePending appends a delivery envelope to every current roster member
// except the sender. Called after a HIGH priority update is broadcast.
func (e *Engine) EnqueuePending(ctx context.Context, rec *domain.LocationRecord) error {
	members, err := e.cache.RosterMembers(ctx, rec.JourneyID)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to read roster", err)
	}
	now := time.Now().UTC()
	env := &domain.DeliveryEnvelope{
		Sequence:       rec.SequenceNumber,
		Payload:        rec,
		Attempt:        0,
		FirstAttemptAt: now,
		LastAttemptAt:  now,
	}
	for _, pid := range members {
		if pid == rec.UserID {
			continue
		}
		if err := e.cache.AppendPending(ctx, rec.JourneyID, pid, env); err != nil {
			// One subscriber's queue failing must not block the rest.
			log.Printf("failed to enqueue pending for %s/%s seq %d: %v", rec.JourneyID, pid, rec.SequenceNumber, err)
		}
	}
	return nil
}

// Ack applies a subscriber acknowledgement: the cursor advances monotonically
// and every pending envelope at or below the acked sequence is drained.
func (e *Engine) Ack(ctx context.Context, journeyID, participantID string, sequence int64) error {
	if sequence <= 0 {
		return domain.E(domain.KindInvalidInput, "sequence must be positive")
	}
	if _, err := e.cache.AdvanceCursor(ctx, journeyID, participantID, sequence); err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to advance cursor", err)
	}
	if _, err := e.cache.DrainPendingUpTo(ctx, journeyID, participantID, sequence); err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to drain pending queue", err)
	}
	observability.AcksProcessed.Inc()
	return nil
}

// Missing computes the sequence gap for a subscriber that just reported the
// latest sequence it saw: [cursor+1, received-1]. An empty range means no gap.
// The second return advises a full resync when the gap is too wide for
// incremental retries.
func (e *Engine) Missing(ctx context.Context, journeyID, participantID string, received int64) (from, to int64, full bool, err error) {
	cursor, err := e.cache.GetCursor(ctx, journeyID, participantID)
	if err != nil {
		return 0, 0, false, domain.Wrap(domain.KindUpstreamFailure, "failed to read cursor", err)
	}
	from = cursor + 1
	to = received - 1
	if to < from {
		return 0, 0, false, nil
	}
	return from, to, to-from+1 > fullResyncGap, nil
}

// Resync returns every persisted record after fromSequence, ascending.
func (e *Engine) Resync(ctx context.Context, journeyID string, fromSequence int64) ([]*domain.LocationRecord, error) {
	if fromSequence < 0 {
		return nil, domain.E(domain.KindInvalidInput, "from_sequence must be non-negative")
	}
	records, err := e.store.ListLocationsAfter(ctx, journeyID, fromSequence)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load records", err)
	}
	observability.ResyncRequests.Observe(float64(len(records)))
	return records, nil
}

// PendingFor exposes a subscriber's queue (debug endpoint and tests).
func (e *Engine) PendingFor(ctx context.Context, journeyID, participantID string) ([]*domain.DeliveryEnvelope, error) {
	return e.cache.ListPending(ctx, journeyID, participantID)
}
