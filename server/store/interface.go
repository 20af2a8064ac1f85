package store

import (
	"context"
	"time"

	"github.com/convoylink/convoyd/server/domain"
)

// Store defines the durable document backend required by the core.
// Implementations return (nil, nil) for absent entities; the domain layer
// decides whether absence is an error.
type Store interface {
	// Journey Operations
	CreateJourney(ctx context.Context, j *domain.Journey) error
	GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error)
	UpdateJourney(ctx context.Context, j *domain.Journey) error
	ListJourneysForUser(ctx context.Context, userID string, statuses []domain.ParticipantStatus) ([]*domain.Journey, error)

	// Participant Operations
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	GetParticipant(ctx context.Context, journeyID, userID string) (*domain.Participant, error)
	ListParticipants(ctx context.Context, journeyID string) ([]*domain.Participant, error)
	UpdateParticipantConnection(ctx context.Context, journeyID, userID string, status domain.ConnectionStatus, lastSeen time.Time) error

	// Location Operations (append-only history)
	InsertLocation(ctx context.Context, rec *domain.LocationRecord) error
	GetLastLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error)
	ListLocationsAfter(ctx context.Context, journeyID string, afterSequence int64) ([]*domain.LocationRecord, error)
	ListLocationHistory(ctx context.Context, journeyID string, limit int) ([]*domain.LocationRecord, error)

	// Lag Alert Operations
	CreateLagAlert(ctx context.Context, a *domain.LagAlert) error
	GetActiveLagAlert(ctx context.Context, journeyID, userID string) (*domain.LagAlert, error)
	UpdateLagAlertSeverity(ctx context.Context, alertID string, severity domain.LagSeverity) error
	ResolveLagAlert(ctx context.Context, alertID string, at time.Time) error
}
