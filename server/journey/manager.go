package journey

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoylink/convoyd/server/cache"
	"github.com/convoylink/convoyd/server/config"
	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/store"
	"github.com/convoylink/convoyd/server/streaming"
)

// UserDirectory answers whether a user id is known to the identity provider.
// The provider itself is external; convoyd only asks for existence when
// validating invitations.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// AllowAllDirectory trusts every user id. Used when no directory integration
// is configured: the identity gate already proved the inviter's token, and
// unknown invitees simply never accept.
type AllowAllDirectory struct{}

func (AllowAllDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	return userID != "", nil
}

// Manager enforces the journey state machine and roster transitions.
// Store writes come first; cache writes follow and are rebuilt from the store
// if an inconsistency is later detected.
type Manager struct {
	store     store.Store
	cache     *cache.Redis
	publisher streaming.Publisher
	users     UserDirectory
	cfg       *config.Config
}

func NewManager(s store.Store, c *cache.Redis, publisher streaming.Publisher, users UserDirectory, cfg *config.Config) *Manager {
	if users == nil {
		users = AllowAllDirectory{}
	}
	return &Manager{store: s, cache: c, publisher: publisher, users: users, cfg: cfg}
}

// Create makes a PENDING journey with the caller as its LEADER.
func (m *Manager) Create(ctx context.Context, userID, name string, destination *domain.Coordinates, destinationAddress string, lagThreshold float64) (*domain.Journey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.E(domain.KindInvalidInput, "journey name is required")
	}
	if lagThreshold == 0 {
		lagThreshold = m.cfg.DefaultLagThresholdMeters
	}
	if lagThreshold < m.cfg.MinLagThresholdMeters {
		return nil, domain.Ef(domain.KindInvalidInput, "lag threshold must be at least %.0f m", m.cfg.MinLagThresholdMeters)
	}
	if destination != nil && !destination.Valid() {
		return nil, domain.E(domain.KindInvalidInput, "destination coordinates out of range")
	}

	now := time.Now().UTC()
	j := &domain.Journey{
		JourneyID:          uuid.NewString(),
		Name:               name,
		LeaderID:           userID,
		Status:             domain.JourneyPending,
		Destination:        destination,
		DestinationAddress: destinationAddress,
		LagThresholdMeters: lagThreshold,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.CreateJourney(ctx, j); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to create journey", err)
	}

	// Leader participant is written second: a crash between the two writes
	// leaves a journey without roster, which Get treats as not-yet-usable and
	// the reconciler repairs. The reverse order could leave a dangling leader.
	leader := &domain.Participant{
		JourneyID:        j.JourneyID,
		UserID:           userID,
		Role:             domain.RoleLeader,
		Status:           domain.ParticipantActive,
		ConnectionStatus: domain.ConnDisconnected,
		JoinedAt:         &now,
	}
	if err := m.store.UpsertParticipant(ctx, leader); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to create leader participant", err)
	}

	m.publish(ctx, streaming.TopicJourneyLifecycle, map[string]interface{}{
		"event": "created", "journey_id": j.JourneyID, "leader_id": userID,
	})
	return j, nil
}

// Get returns the journey with its participants. Callers must be on the roster.
func (m *Manager) Get(ctx context.Context, journeyID, userID string) (*domain.Journey, []*domain.Participant, error) {
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.store.GetParticipant(ctx, journeyID, userID)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load participant", err)
	}
	if p == nil {
		return nil, nil, domain.E(domain.KindForbidden, "not a participant of this journey")
	}
	participants, err := m.store.ListParticipants(ctx, journeyID)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindUpstreamFailure, "failed to list participants", err)
	}
	return j, participants, nil
}

// Update patches journey fields. Leader-only, PENDING-only.
func (m *Manager) Update(ctx context.Context, journeyID, userID string, patch *domain.JourneyPatch) (*domain.Journey, error) {
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != userID {
		return nil, domain.E(domain.KindForbidden, "only the leader can update the journey")
	}
	if j.Status != domain.JourneyPending {
		return nil, domain.Ef(domain.KindPreconditionFailed, "journey is %s, not PENDING", j.Status)
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, domain.E(domain.KindInvalidInput, "journey name is required")
		}
		j.Name = name
	}
	if patch.Destination != nil {
		if !patch.Destination.Valid() {
			return nil, domain.E(domain.KindInvalidInput, "destination coordinates out of range")
		}
		j.Destination = patch.Destination
	}
	if patch.DestinationAddress != nil {
		j.DestinationAddress = *patch.DestinationAddress
	}
	if patch.LagThresholdMeters != nil {
		if *patch.LagThresholdMeters < m.cfg.MinLagThresholdMeters {
			return nil, domain.Ef(domain.KindInvalidInput, "lag threshold must be at least %.0f m", m.cfg.MinLagThresholdMeters)
		}
		j.LagThresholdMeters = *patch.LagThresholdMeters
	}
	j.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to update journey", err)
	}
	return j, nil
}

// Cancel terminates a journey that has not started.
func (m *Manager) Cancel(ctx context.Context, journeyID, userID string) error {
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return err
	}
	if j.LeaderID != userID {
		return domain.E(domain.KindForbidden, "only the leader can cancel the journey")
	}
	if j.Status == domain.JourneyActive {
		return domain.E(domain.KindPreconditionFailed, "an active journey cannot be cancelled; end it instead")
	}
	if j.Status != domain.JourneyPending {
		return domain.Ef(domain.KindPreconditionFailed, "journey is already %s", j.Status)
	}

	now := time.Now().UTC()
	j.Status = domain.JourneyCancelled
	j.EndTime = &now
	j.UpdatedAt = now
	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to cancel journey", err)
	}

	m.publish(ctx, streaming.TopicJourneyLifecycle, map[string]interface{}{
		"event": "cancelled", "journey_id": j.JourneyID,
	})
	return nil
}

// Start transitions PENDING -> ACTIVE, promotes ACCEPTED participants and
// seeds the cache roster.
func (m *Manager) Start(ctx context.Context, journeyID, userID string) (*domain.Journey, error) {
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != userID {
		return nil, domain.E(domain.KindForbidden, "only the leader can start the journey")
	}
	if j.Status != domain.JourneyPending {
		return nil, domain.Ef(domain.KindPreconditionFailed, "journey is %s, not PENDING", j.Status)
	}

	now := time.Now().UTC()
	j.Status = domain.JourneyActive
	j.StartTime = &now
	j.UpdatedAt = now
	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to start journey", err)
	}

	participants, err := m.store.ListParticipants(ctx, journeyID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to list participants", err)
	}

	var roster []string
	for _, p := range participants {
		if p.Status == domain.ParticipantAccepted {
			p.Status = domain.ParticipantActive
			if err := m.store.UpsertParticipant(ctx, p); err != nil {
				return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to promote participant", err)
			}
		}
		if p.Status == domain.ParticipantActive {
			roster = append(roster, p.UserID)
		}
	}

	// Cache writes after the store is settled. Failures here are logged and
	// repaired by the roster reconciler.
	if err := m.cache.AddActiveJourney(ctx, journeyID); err != nil {
		log.Printf("journey %s: failed to publish to active set: %v", journeyID, err)
	}
	if err := m.cache.SeedRoster(ctx, journeyID, roster); err != nil {
		log.Printf("journey %s: failed to seed roster cache: %v", journeyID, err)
	}

	m.publish(ctx, streaming.TopicJourneyLifecycle, map[string]interface{}{
		"event": "started", "journey_id": j.JourneyID,
	})
	return j, nil
}

// End transitions ACTIVE -> COMPLETED and retires the journey from the
// active set.
func (m *Manager) End(ctx context.Context, journeyID, userID string) (*domain.Journey, error) {
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != userID {
		return nil, domain.E(domain.KindForbidden, "only the leader can end the journey")
	}
	if j.Status != domain.JourneyActive {
		return nil, domain.Ef(domain.KindPreconditionFailed, "journey is %s, not ACTIVE", j.Status)
	}

	now := time.Now().UTC()
	j.Status = domain.JourneyCompleted
	j.EndTime = &now
	j.UpdatedAt = now
	if err := m.store.UpdateJourney(ctx, j); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to end journey", err)
	}

	if err := m.cache.RemoveActiveJourney(ctx, journeyID); err != nil {
		log.Printf("journey %s: failed to remove from active set: %v", journeyID, err)
	}

	m.publish(ctx, streaming.TopicJourneyLifecycle, map[string]interface{}{
		"event": "completed", "journey_id": j.JourneyID,
	})
	return j, nil
}

// Invite adds an INVITED participant. Leader-only, PENDING-only.
func (m *Manager) Invite(ctx context.Context, journeyID, userID, invitedUserID string) (*domain.Participant, error) {
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.LeaderID != userID {
		return nil, domain.E(domain.KindForbidden, "only the leader can invite")
	}
	if j.Status != domain.JourneyPending {
		return nil, domain.Ef(domain.KindPreconditionFailed, "journey is %s, not PENDING", j.Status)
	}
	if invitedUserID == userID {
		return nil, domain.E(domain.KindPreconditionFailed, "the leader cannot invite themselves")
	}

	known, err := m.users.Exists(ctx, invitedUserID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "user lookup failed", err)
	}
	if !known {
		return nil, domain.E(domain.KindNotFound, "invited user is unknown")
	}

	existing, err := m.store.GetParticipant(ctx, journeyID, invitedUserID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load participant", err)
	}
	if existing != nil {
		switch existing.Status {
		case domain.ParticipantInvited, domain.ParticipantAccepted, domain.ParticipantActive:
			return nil, domain.Ef(domain.KindConflict, "user is already %s", existing.Status)
		}
		// A DECLINED or LEFT record is overwritten by a fresh invitation.
	}

	p := &domain.Participant{
		JourneyID:        journeyID,
		UserID:           invitedUserID,
		Role:             domain.RoleFollower,
		Status:           domain.ParticipantInvited,
		InvitedBy:        userID,
		ConnectionStatus: domain.ConnDisconnected,
	}
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to create invitation", err)
	}

	m.publish(ctx, streaming.TopicParticipant, map[string]interface{}{
		"event": "invited", "journey_id": journeyID, "user_id": invitedUserID, "invited_by": userID,
	})
	return p, nil
}

// Accept turns an invitation into membership.
func (m *Manager) Accept(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	p, err := m.invitedParticipant(ctx, journeyID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p.Status = domain.ParticipantAccepted
	p.JoinedAt = &now

	// Joining an already-running journey makes the participant live at once.
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if j.Status == domain.JourneyActive {
		p.Status = domain.ParticipantActive
	}

	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to accept invitation", err)
	}
	if p.Status == domain.ParticipantActive {
		if err := m.cache.AddRosterMember(ctx, journeyID, userID); err != nil {
			log.Printf("journey %s: failed to add %s to roster cache: %v", journeyID, userID, err)
		}
	}

	m.publish(ctx, streaming.TopicParticipant, map[string]interface{}{
		"event": "accepted", "journey_id": journeyID, "user_id": userID,
	})
	return p, nil
}

// Decline rejects an invitation.
func (m *Manager) Decline(ctx context.Context, journeyID, userID string) error {
	p, err := m.invitedParticipant(ctx, journeyID, userID)
	if err != nil {
		return err
	}
	p.Status = domain.ParticipantDeclined
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to decline invitation", err)
	}
	m.publish(ctx, streaming.TopicParticipant, map[string]interface{}{
		"event": "declined", "journey_id": journeyID, "user_id": userID,
	})
	return nil
}

// Leave removes a follower from the journey. The leader cannot leave.
func (m *Manager) Leave(ctx context.Context, journeyID, userID string) error {
	j, err := m.loadJourney(ctx, journeyID)
	if err != nil {
		return err
	}
	p, err := m.store.GetParticipant(ctx, journeyID, userID)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to load participant", err)
	}
	if p == nil {
		return domain.E(domain.KindNotFound, "not a participant of this journey")
	}
	if p.Role == domain.RoleLeader {
		return domain.E(domain.KindForbidden, "the leader cannot leave the journey")
	}

	now := time.Now().UTC()
	p.Status = domain.ParticipantLeft
	p.LeftAt = &now
	if err := m.store.UpsertParticipant(ctx, p); err != nil {
		return domain.Wrap(domain.KindUpstreamFailure, "failed to leave journey", err)
	}

	if j.Status == domain.JourneyActive {
		if err := m.cache.RemoveRosterMember(ctx, journeyID, userID); err != nil {
			log.Printf("journey %s: failed to remove %s from roster cache: %v", journeyID, userID, err)
		}
	}

	m.publish(ctx, streaming.TopicParticipant, map[string]interface{}{
		"event": "left", "journey_id": journeyID, "user_id": userID,
	})
	return nil
}

// ActiveForUser lists journeys the user belongs to that are still underway.
func (m *Manager) ActiveForUser(ctx context.Context, userID string) ([]*domain.Journey, error) {
	journeys, err := m.store.ListJourneysForUser(ctx, userID, []domain.ParticipantStatus{
		domain.ParticipantAccepted, domain.ParticipantActive, domain.ParticipantArrived,
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to list journeys", err)
	}
	var result []*domain.Journey
	for _, j := range journeys {
		if j.Status == domain.JourneyPending || j.Status == domain.JourneyActive {
			result = append(result, j)
		}
	}
	return result, nil
}

// InvitationsForUser lists journeys the user is invited to.
func (m *Manager) InvitationsForUser(ctx context.Context, userID string) ([]*domain.Journey, error) {
	journeys, err := m.store.ListJourneysForUser(ctx, userID, []domain.ParticipantStatus{domain.ParticipantInvited})
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to list invitations", err)
	}
	var result []*domain.Journey
	for _, j := range journeys {
		if j.Status == domain.JourneyPending {
			result = append(result, j)
		}
	}
	return result, nil
}

// Participant returns the caller's membership row.
func (m *Manager) Participant(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	p, err := m.store.GetParticipant(ctx, journeyID, userID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load participant", err)
	}
	return p, nil
}

func (m *Manager) loadJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	j, err := m.store.GetJourney(ctx, journeyID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load journey", err)
	}
	if j == nil {
		return nil, domain.E(domain.KindNotFound, "journey not found")
	}
	return j, nil
}

func (m *Manager) invitedParticipant(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	p, err := m.store.GetParticipant(ctx, journeyID, userID)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamFailure, "failed to load participant", err)
	}
	if p == nil || p.Status != domain.ParticipantInvited {
		return nil, domain.E(domain.KindNotFound, "no pending invitation")
	}
	return p, nil
}

func (m *Manager) publish(ctx context.Context, topic string, payload interface{}) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, topic, payload); err != nil {
		log.Printf("failed to publish %s event: %v", topic, err)
	}
}
