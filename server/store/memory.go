package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/convoylink/convoyd/server/domain"
)

// MemoryStore holds the in-memory state of journeys, participants, location
// history and lag alerts. It implements the Store interface and backs tests
// and single-node dev mode.
type MemoryStore struct {
	mu           sync.RWMutex
	journeys     map[string]*domain.Journey
	participants map[string]map[string]*domain.Participant // journeyID -> userID
	locations    map[string][]*domain.LocationRecord       // journeyID, append order
	alerts       map[string]*domain.LagAlert               // alertID
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		journeys:     make(map[string]*domain.Journey),
		participants: make(map[string]map[string]*domain.Participant),
		locations:    make(map[string][]*domain.LocationRecord),
		alerts:       make(map[string]*domain.LagAlert),
	}
}

// --- Journey Operations ---

func (s *MemoryStore) CreateJourney(ctx context.Context, j *domain.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.journeys[j.JourneyID]; ok {
		return errors.New("journey already exists")
	}
	jc := *j
	s.journeys[j.JourneyID] = &jc
	return nil
}

func (s *MemoryStore) GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journeys[journeyID]
	if !ok {
		return nil, nil // Return nil if not found
	}
	jc := *j
	return &jc, nil
}

func (s *MemoryStore) UpdateJourney(ctx context.Context, j *domain.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.journeys[j.JourneyID]; !ok {
		return errors.New("journey not found")
	}
	jc := *j
	s.journeys[j.JourneyID] = &jc
	return nil
}

func (s *MemoryStore) ListJourneysForUser(ctx context.Context, userID string, statuses []domain.ParticipantStatus) ([]*domain.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[domain.ParticipantStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var result []*domain.Journey
	for journeyID, roster := range s.participants {
		p, ok := roster[userID]
		if !ok || !wanted[p.Status] {
			continue
		}
		if j, ok := s.journeys[journeyID]; ok {
			jc := *j
			result = append(result, &jc)
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})
	return result, nil
}

// --- Participant Operations ---

func (s *MemoryStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.participants[p.JourneyID]
	if !ok {
		roster = make(map[string]*domain.Participant)
		s.participants[p.JourneyID] = roster
	}
	pc := *p
	roster[p.UserID] = &pc
	return nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roster, ok := s.participants[journeyID]
	if !ok {
		return nil, nil
	}
	p, ok := roster[userID]
	if !ok {
		return nil, nil
	}
	pc := *p
	return &pc, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, journeyID string) ([]*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roster := s.participants[journeyID]
	result := make([]*domain.Participant, 0, len(roster))
	for _, p := range roster {
		pc := *p
		result = append(result, &pc)
	}
	sort.Slice(result, func(i, k int) bool { return result[i].UserID < result[k].UserID })
	return result, nil
}

func (s *MemoryStore) UpdateParticipantConnection(ctx context.Context, journeyID, userID string, status domain.ConnectionStatus, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.participants[journeyID]
	if !ok {
		return errors.New("participant not found")
	}
	p, ok := roster[userID]
	if !ok {
		return errors.New("participant not found")
	}
	p.ConnectionStatus = status
	ls := lastSeen
	p.LastSeenAt = &ls
	return nil
}

// --- Location Operations ---

func (s *MemoryStore) InsertLocation(ctx context.Context, rec *domain.LocationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := *rec
	s.locations[rec.JourneyID] = append(s.locations[rec.JourneyID], &rc)
	return nil
}

func (s *MemoryStore) GetLastLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.locations[journeyID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].UserID == userID {
			rc := *history[i]
			return &rc, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListLocationsAfter(ctx context.Context, journeyID string, afterSequence int64) ([]*domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*domain.LocationRecord
	for _, rec := range s.locations[journeyID] {
		if rec.SequenceNumber > afterSequence {
			rc := *rec
			result = append(result, &rc)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].SequenceNumber < result[k].SequenceNumber })
	return result, nil
}

func (s *MemoryStore) ListLocationHistory(ctx context.Context, journeyID string, limit int) ([]*domain.LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	history := s.locations[journeyID]
	var result []*domain.LocationRecord
	for i := len(history) - 1; i >= 0 && len(result) < limit; i-- {
		rc := *history[i]
		result = append(result, &rc)
	}
	return result, nil
}

// --- Lag Alert Operations ---

func (s *MemoryStore) CreateLagAlert(ctx context.Context, a *domain.LagAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Enforce the at-most-one-active invariant the same way the partial
	// unique index does in Postgres.
	if a.IsActive {
		for _, existing := range s.alerts {
			if existing.IsActive && existing.JourneyID == a.JourneyID && existing.UserID == a.UserID {
				return errors.New("active alert already exists")
			}
		}
	}
	ac := *a
	s.alerts[a.AlertID] = &ac
	return nil
}

func (s *MemoryStore) GetActiveLagAlert(ctx context.Context, journeyID, userID string) (*domain.LagAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.IsActive && a.JourneyID == journeyID && a.UserID == userID {
			ac := *a
			return &ac, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateLagAlertSeverity(ctx context.Context, alertID string, severity domain.LagSeverity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || !a.IsActive {
		return nil
	}
	a.Severity = severity
	return nil
}

func (s *MemoryStore) ResolveLagAlert(ctx context.Context, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || !a.IsActive {
		return nil
	}
	a.IsActive = false
	t := at
	a.ResolvedAt = &t
	return nil
}
