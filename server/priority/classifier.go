package priority

import (
	"time"

	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/geo"
)

// Thresholds for MEDIUM classification.
const (
	significantMoveMeters = 50.0
	speedJumpMps          = 10.0 / 3.6 // 10 km/h
)

// Decision is the classifier's verdict on one inbound update.
type Decision struct {
	Priority domain.Priority
	Persist  bool
	// DropReason is set when Persist is false: "interval" or "battery".
	DropReason string
}

// Input bundles everything the classifier looks at. Last and LeaderLocation
// may be nil (first update / leader unknown).
type Input struct {
	Update         *domain.LocationUpdate
	Last           *domain.LocationRecord
	LeaderLocation *domain.LocationRecord
	Journey        *domain.Journey
	IsLeader       bool
	Now            time.Time
}

// Engine classifies updates and applies the throttle table.
type Engine struct {
	cfg *config.Config
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// Classify assigns a priority and decides whether the update is persisted and
// broadcast. Throttled updates are dropped silently by the pipeline.
func (e *Engine) Classify(in Input) Decision {
	prio := e.classify(in)

	d := Decision{Priority: prio, Persist: true}

	// Throttling is always relative to the last persisted record; a first
	// update has nothing to throttle against.
	if prio == domain.PriorityHigh || in.Last == nil {
		return d
	}

	// Battery-aware shedding applies before interval checks: a starving
	// device gets only its HIGH updates through.
	if battery := in.Update.Metadata.BatteryLevel; battery != nil {
		if *battery < 20 || (*battery < 50 && prio == domain.PriorityLow) {
			d.Persist = false
			d.DropReason = "battery"
			return d
		}
	}

	minInterval := e.cfg.LowThrottleInterval
	if prio == domain.PriorityMedium {
		minInterval = e.cfg.MediumThrottleInterval
	}
	if in.Now.Sub(in.Last.Timestamp) < minInterval {
		d.Persist = false
		d.DropReason = "interval"
	}
	return d
}

func (e *Engine) classify(in Input) domain.Priority {
	if in.IsLeader {
		return domain.PriorityHigh
	}
	if in.Update.Metadata.StatusChange {
		return domain.PriorityHigh
	}
	if in.LeaderLocation != nil {
		lag := geo.DistanceMeters(in.Update.Coords, in.LeaderLocation.Coords)
		if lag > in.Journey.LagThresholdMeters {
			return domain.PriorityHigh
		}
	}

	if in.Last != nil {
		moved := geo.DistanceMeters(in.Update.Coords, in.Last.Coords)
		if moved > significantMoveMeters {
			return domain.PriorityMedium
		}
		if in.Update.Speed != nil && in.Last.Speed != nil {
			delta := *in.Update.Speed - *in.Last.Speed
			if delta < 0 {
				delta = -delta
			}
			if delta > speedJumpMps {
				return domain.PriorityMedium
			}
		}
	}
	if in.Journey.Destination != nil {
		remaining := geo.DistanceMeters(in.Update.Coords, *in.Journey.Destination)
		if remaining < e.cfg.ArrivalDistanceThresholdMeters {
			return domain.PriorityMedium
		}
	}
	return domain.PriorityLow
}
