package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/convoylink/convoyd/server/domain"
)

// Response envelope. Every REST handler funnels through these two writers so
// the shape is applied in exactly one place.
type successEnvelope struct {
	Success    bool        `json:"success"`
	StatusCode int         `json:"statusCode"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
}

type errorEnvelope struct {
	Success    bool      `json:"success"`
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message"`
	Error      errorBody `json:"error"`
}

type errorBody struct {
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func writeSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(successEnvelope{
		Success:    true,
		StatusCode: status,
		Message:    message,
		Data:       data,
	})
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := httpStatus(kind)
	if status >= 500 {
		log.Printf("internal error: %v", err)
	}

	message := "Internal server error"
	var de *domain.Error
	if errors.As(err, &de) && status < 500 {
		message = de.Msg
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Success:    false,
		StatusCode: status,
		Message:    message,
		Error:      errorBody{Code: kind.String()},
	})
}

func httpStatus(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidInput, domain.KindPreconditionFailed:
		return http.StatusBadRequest
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
