package cache

import (
	"fmt"
)

// Key layout. Everything the core keeps in Redis lives under convoy:.
//
//	convoy:journeys:{id}:seq                  sequence counter (INCR)
//	convoy:journeys:{id}:roster               roster set of participant ids
//	convoy:journeys:{id}:locations:{pid}      hot location, TTL 5m
//	convoy:journeys:{id}:cursor:{pid}         last acked sequence
//	convoy:journeys:{id}:pending:{pid}        FIFO list of delivery envelopes, TTL 1h
//	convoy:journeys:{id}:alertguard:{pid}     lag-alert serialization key
//	convoy:rooms:{id}                         set of live connection ids
//	convoy:conns:{connID}                     connection id -> user id
//	convoy:active_journeys                    set of ACTIVE journey ids
//	convoy:ratelimit:{userID}:{minute}        per-user write counter, TTL 1m
func journeyKey(journeyID, suffix string) string {
	return fmt.Sprintf("convoy:journeys:%s:%s", journeyID, suffix)
}

func participantKey(journeyID, suffix, participantID string) string {
	return fmt.Sprintf("convoy:journeys:%s:%s:%s", journeyID, suffix, participantID)
}

func roomKey(journeyID string) string {
	return fmt.Sprintf("convoy:rooms:%s", journeyID)
}

func connKey(connID string) string {
	return fmt.Sprintf("convoy:conns:%s", connID)
}

func rateKey(userID string, minute int64) string {
	return fmt.Sprintf("convoy:ratelimit:%s:%d", userID, minute)
}

const activeJourneysKey = "convoy:active_journeys"
