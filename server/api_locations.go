package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/convoylink/convoyd/server/domain"
)

// -- Locations: POST /locations, GET /locations/journeys/{id}/{history,latest} --

func (a *API) handlePostLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, domain.E(domain.KindInvalidInput, "method not allowed"))
		return
	}
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var update domain.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, domain.E(domain.KindInvalidInput, "invalid request body"))
		return
	}

	result, err := a.pipeline.ProcessUpdate(r.Context(), userID, &update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Location processed", result)
}

func (a *API) handleJourneyLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, domain.E(domain.KindInvalidInput, "method not allowed"))
		return
	}
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	// Path: /locations/journeys/{id}/{history|latest}
	rest := strings.TrimPrefix(r.URL.Path, "/locations/journeys/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, domain.E(domain.KindNotFound, "not found"))
		return
	}
	journeyID := parts[0]

	// History and latest are participant-only views.
	p, err := a.journeys.Participant(r.Context(), journeyID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if p == nil {
		writeError(w, domain.E(domain.KindForbidden, "not a participant of this journey"))
		return
	}

	switch parts[1] {
	case "history":
		limit := 100
		if ls := r.URL.Query().Get("limit"); ls != "" {
			n, err := strconv.Atoi(ls)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, domain.E(domain.KindInvalidInput, "limit must be within 1-1000"))
				return
			}
			limit = n
		}
		records, err := a.store.ListLocationHistory(r.Context(), journeyID, limit)
		if err != nil {
			writeError(w, domain.Wrap(domain.KindUpstreamFailure, "failed to load history", err))
			return
		}
		if records == nil {
			records = []*domain.LocationRecord{}
		}
		writeSuccess(w, http.StatusOK, "Location history", records)

	case "latest":
		locations, err := a.pipeline.LatestLocations(r.Context(), journeyID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, http.StatusOK, "Latest locations", locations)

	default:
		writeError(w, domain.E(domain.KindNotFound, "not found"))
	}
}
