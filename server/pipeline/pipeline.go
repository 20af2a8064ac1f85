package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/delivery"
	"github.com/convoylink/convoyd/server/detect"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/observability"
	"github.com/convoylink/convoyd/server/priority"
	"github.com/convoylink/convoyd/server/store"
)

// Result is the dispatch intent returned to the caller. The gateway consumes
// Record to emit the room broadcast; REST callers only see the scalar fields.
type Result struct {
	Success         bool                   `json:"success"`
	SequenceNumber  int64                  `json:"sequence_number,omitempty"`
	Priority        domain.Priority        `json:"priority"`
	Record          *domain.LocationRecord `json:"-"`
	LagAlert        *domain.LagAlert       `json:"lag_alert,omitempty"`
	ArrivalDetected bool                   `json:"arrival_detected,omitempty"`
}

// Pipeline orchestrates the critical path for every inbound location update:
// validation, authorization, rate limiting, classification, sequencing,
// persistence, hot-cache write, side effects and pending-delivery enqueue.
type Pipeline struct {
	store      store.Store
	cache      *cache.Redis
	classifier *priority.Engine
	delivery   *delivery.Engine
	detector   *detect.Detector
	cfg        *config.Config

	// Per (journey, participant) serialization: sequence assignment and
	// last-location semantics stay monotone within one stream while distinct
	// participants process in parallel.
	streamMu sync.Mutex
	streams  map[string]*sync.Mutex
}

func New(s store.Store, c *cache.Redis, classifier *priority.Engine, d *delivery.Engine, det *detect.Detector, cfg *config.Config) *Pipeline {
	return &Pipeline{
		store:      s,
		cache:      c,
		classifier: classifier,
		delivery:   d,
		detector:   det,
		cfg:        cfg,
		streams:    make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) streamLock(journeyID, userID string) *sync.Mutex {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	key := journeyID + "/" + userID
	mu, ok := p.streams[key]
	if !ok {
		mu = &sync.Mutex{}
		p.streams[key] = mu
	}
	return mu
}

// ProcessUpdate runs one update through the pipeline.
func (p *Pipeline) ProcessUpdate(ctx context.Context, userID string, update *domain.LocationUpdate) (*Result, error) {
	start := time.Now()
	defer func() {
		observability.PipelineDuration.Observe(time.Since(start).Seconds())
	}()

	if err := update.Validate(); err != nil {
		return nil, err
	}

	j, err := p.store.GetJourney(ctx, update.JourneyID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load journey", err)
	}
	if j == nil {
		return nil, domain.E(domain.KindNotFound, "journey not found")
	}
	if j.Status != domain.JourneyActive {
		return nil, domain.Ef(domain.KindPreconditionFailed, "journey is %s, not ACTIVE", j.Status)
	}

	participant, err := p.store.GetParticipant(ctx, update.JourneyID, userID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load participant", err)
	}
	if participant == nil || !participant.Subscribing() {
		return nil, domain.E(domain.KindForbidden, "not an active participant of this journey")
	}

	count, err := p.cache.IncrRate(ctx, userID, time.Now())
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "rate limiter unavailable", err)
	}
	if count > int64(p.cfg.LocationUpdateRateLimit) {
		observability.RateLimited.WithLabelValues("pipeline").Inc()
		return nil, domain.E(domain.KindTooManyRequests, "location update rate limit exceeded")
	}

	mu := p.streamLock(update.JourneyID, userID)
	mu.Lock()
	defer mu.Unlock()

	last, err := p.store.GetLastLocation(ctx, update.JourneyID, userID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load last location", err)
	}
	leaderLoc, err := p.cache.GetLocation(ctx, update.JourneyID, j.LeaderID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load leader location", err)
	}

	isLeader := participant.Role == domain.RoleLeader
	decision := p.classifier.Classify(priority.Input{
		Update:         update,
		Last:           last,
		LeaderLocation: leaderLoc,
		Journey:        j,
		IsLeader:       isLeader,
		Now:            time.Now(),
	})
	if !decision.Persist {
		observability.UpdatesThrottled.WithLabelValues(decision.DropReason).Inc()
		return &Result{Success: false, Priority: decision.Priority}, nil
	}

	seq, err := p.delivery.NextSequence(ctx, update.JourneyID)
	if err != nil {
		return nil, err
	}

	rec := &domain.LocationRecord{
		RecordID:       uuid.NewString(),
		JourneyID:      update.JourneyID,
		UserID:         userID,
		Coords:         update.Coords,
		Accuracy:       update.Accuracy,
		Heading:        update.Heading,
		Speed:          update.Speed,
		Altitude:       update.Altitude,
		Timestamp:      time.Now().UTC(),
		SequenceNumber: seq,
		Priority:       decision.Priority,
		Metadata:       update.Metadata,
	}

	// Durable persistence is authoritative; the hot-cache write is
	// best-effort and only logged on failure.
	if err := p.store.InsertLocation(ctx, rec); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to persist location", err)
	}
	if err := p.cache.SetLocation(ctx, rec); err != nil {
		observability.CacheWriteFailures.WithLabelValues("hot_location").Inc()
		log.Printf("hot-cache write failed for %s/%s seq %d: %v", rec.JourneyID, userID, seq, err)
	}

	result := &Result{
		Success:        true,
		SequenceNumber: seq,
		Priority:       decision.Priority,
		Record:         rec,
	}

	if !isLeader {
		alert, err := p.detector.CheckLag(ctx, j, rec)
		if err != nil {
			log.Printf("lag detection failed for %s/%s: %v", rec.JourneyID, userID, err)
		} else {
			result.LagAlert = alert
		}
	}
	arrived, err := p.detector.CheckArrival(ctx, j, participant, rec)
	if err != nil {
		log.Printf("arrival detection failed for %s/%s: %v", rec.JourneyID, userID, err)
	} else {
		result.ArrivalDetected = arrived
	}

	if decision.Priority == domain.PriorityHigh {
		if err := p.delivery.EnqueuePending(ctx, rec); err != nil {
			log.Printf("pending enqueue failed for %s seq %d: %v", rec.JourneyID, seq, err)
		}
	}

	observability.UpdatesProcessed.WithLabelValues(string(decision.Priority)).Inc()
	return result, nil
}

// LatestLocations returns the per-participant latest location map for a
// journey: the hot cache where present, the durable store for roster members
// whose entry expired.
func (p *Pipeline) LatestLocations(ctx context.Context, journeyID string) (map[string]*domain.LocationRecord, error) {
	locations, err := p.cache.GetAllLocations(ctx, journeyID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to read hot locations", err)
	}
	members, err := p.cache.RosterMembers(ctx, journeyID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to read roster", err)
	}
	for _, pid := range members {
		if _, ok := locations[pid]; ok {
			continue
		}
		rec, err := p.store.GetLastLocation(ctx, journeyID, pid)
		if err != nil {
			return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to read last location", err)
		}
		if rec != nil {
			locations[pid] = rec
		}
	}
	return locations, nil
}
