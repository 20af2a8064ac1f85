package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/idempotency"
	"github.com/convoylink/convoyd/server/journey"
	"github.com/convoylink/convoyd/server/middleware"
	"github.com/convoylink/convoyd/server/pipeline"
	"github.com/convoylink/convoyd/server/store"
)

// API holds the REST handlers and their collaborators.
type API struct {
	journeys    *journey.Manager
	pipeline    *pipeline.Pipeline
	store       store.Store
	idempotency *idempotency.Store
}

func NewAPI(jm *journey.Manager, p *pipeline.Pipeline, s store.Store, idem *idempotency.Store) *API {
	return &API{journeys: jm, pipeline: p, store: s, idempotency: idem}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response for a repeated X-Idempotency-Key.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.GetUserFromContext(r.Context())
	if err != nil {
		writeError(w, domain.E(domain.KindUnauthenticated, "missing identity"))
		return "", false
	}
	return userID, true
}

// -- Journey collection: POST /journeys, GET /journeys/active, GET /journeys/invitations --

type createJourneyRequest struct {
	Name               string              `json:"name"`
	Destination        *domain.Coordinates `json:"destination,omitempty"`
	DestinationAddress string              `json:"destinationAddress,omitempty"`
	LagThresholdMeters float64             `json:"lagThresholdMeters,omitempty"`
}

func (a *API) handleCreateJourney(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, domain.E(domain.KindInvalidInput, "method not allowed"))
		return
	}
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req createJourneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.KindInvalidInput, "invalid request body"))
		return
	}

	j, err := a.journeys.Create(r.Context(), userID, req.Name, req.Destination, req.DestinationAddress, req.LagThresholdMeters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Journey created", j)
}

func (a *API) handleActiveJourneys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, domain.E(domain.KindInvalidInput, "method not allowed"))
		return
	}
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	journeys, err := a.journeys.ActiveForUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if journeys == nil {
		journeys = []*domain.Journey{}
	}
	writeSuccess(w, http.StatusOK, "Active journeys", journeys)
}

func (a *API) handleInvitations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, domain.E(domain.KindInvalidInput, "method not allowed"))
		return
	}
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	journeys, err := a.journeys.InvitationsForUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if journeys == nil {
		journeys = []*domain.Journey{}
	}
	writeSuccess(w, http.StatusOK, "Pending invitations", journeys)
}

// -- Journey item: /journeys/{id} and /journeys/{id}/{action} --

// handleJourney routes everything under /journeys/ by parsing the path the
// same way for GET/PUT/DELETE on the item and POST on its actions.
func (a *API) handleJourney(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/journeys/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, domain.E(domain.KindInvalidInput, "journey id required"))
		return
	}
	journeyID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.getJourney(w, r, journeyID)
		case http.MethodPut:
			a.updateJourney(w, r, journeyID)
		case http.MethodDelete:
			a.cancelJourney(w, r, journeyID)
		default:
			writeError(w, domain.E(domain.KindInvalidInput, "method not allowed"))
		}
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPost {
		switch parts[1] {
		case "start":
			a.startJourney(w, r, journeyID)
		case "end":
			a.endJourney(w, r, journeyID)
		case "invite":
			a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
				a.inviteToJourney(w, r, journeyID)
			})(w, r)
		case "accept":
			a.acceptInvitation(w, r, journeyID)
		case "decline":
			a.declineInvitation(w, r, journeyID)
		case "leave":
			a.leaveJourney(w, r, journeyID)
		default:
			writeError(w, domain.E(domain.KindNotFound, "unknown action"))
		}
		return
	}

	writeError(w, domain.E(domain.KindNotFound, "not found"))
}

func (a *API) getJourney(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	j, participants, err := a.journeys.Get(r.Context(), journeyID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Journey", map[string]interface{}{
		"journey":      j,
		"participants": participants,
	})
}

func (a *API) updateJourney(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var patch domain.JourneyPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, domain.E(domain.KindInvalidInput, "invalid request body"))
		return
	}
	j, err := a.journeys.Update(r.Context(), journeyID, userID, &patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Journey updated", j)
}

func (a *API) cancelJourney(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	if err := a.journeys.Cancel(r.Context(), journeyID, userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) startJourney(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	j, err := a.journeys.Start(r.Context(), journeyID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Journey started", j)
}

func (a *API) endJourney(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	j, err := a.journeys.End(r.Context(), journeyID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Journey ended", j)
}

func (a *API) inviteToJourney(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req struct {
		InvitedUserID string `json:"invitedUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InvitedUserID == "" {
		writeError(w, domain.E(domain.KindInvalidInput, "invitedUserId is required"))
		return
	}
	p, err := a.journeys.Invite(r.Context(), journeyID, userID, req.InvitedUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Invitation sent", p)
}

func (a *API) acceptInvitation(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	p, err := a.journeys.Accept(r.Context(), journeyID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Invitation accepted", p)
}

func (a *API) declineInvitation(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	if err := a.journeys.Decline(r.Context(), journeyID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Invitation declined", nil)
}

func (a *API) leaveJourney(w http.ResponseWriter, r *http.Request, journeyID string) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	if err := a.journeys.Leave(r.Context(), journeyID, userID); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Left journey", nil)
}
