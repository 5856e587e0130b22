// Helper functions for sending standardized JSON responses.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/vrsandeep/mangarr-go/internal/catalog"
	"github.com/vrsandeep/mangarr-go/internal/downloads"
)

// RespondWithJSON writes a JSON response with the given status code and payload.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		// If marshaling fails, return an error response
		RespondWithError(w, http.StatusInternalServerError, "Failed to marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// RespondWithError writes a standardized JSON error response.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// statusForError maps service and catalog errors to HTTP status codes.
func statusForError(err error) int {
	var remote *catalog.RemoteError
	switch {
	case errors.Is(err, downloads.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, downloads.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloads.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, downloads.ErrBrokenReference):
		return http.StatusInternalServerError
	case errors.As(err, &remote):
		switch remote.Kind {
		case catalog.KindNotFound:
			return http.StatusNotFound
		case catalog.KindUnavailable:
			return http.StatusServiceUnavailable
		case catalog.KindTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondWithServiceError writes err as a JSON error. Server-side failures
// are logged and answered with fallback instead of the internal message.
func respondWithServiceError(w http.ResponseWriter, err error, fallback string) {
	code := statusForError(err)
	if code == http.StatusInternalServerError {
		log.Printf("API: %s: %v", fallback, err)
		RespondWithError(w, code, fallback)
		return
	}
	RespondWithError(w, code, err.Error())
}
