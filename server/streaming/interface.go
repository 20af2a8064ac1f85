package streaming

import (
	"context"
	"time"
)

// Topics for domain events consumed by external collaborators (push
// notification workers, analytics ingestion). Delivery itself is out of
// process; the core only publishes.
const (
	TopicJourneyLifecycle = "convoy.journey.lifecycle"
	TopicLagAlert         = "convoy.lag.alert"
	TopicArrival          = "convoy.arrival"
	TopicParticipant      = "convoy.participant"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
