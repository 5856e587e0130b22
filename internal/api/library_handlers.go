package api

import (
	"encoding/json"
	"net/http"

	"github.com/vrsandeep/mangarr-go/internal/models"
)

func (s *Server) handleImportTitle(w http.ResponseWriter, r *http.Request) {
	var payload models.LibraryImportRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	result, err := s.downloads.ImportTitle(r.Context(), payload)
	if err != nil {
		respondWithServiceError(w, err, "Failed to import title")
		return
	}
	code := http.StatusOK
	if result.Created {
		code = http.StatusCreated
	}
	RespondWithJSON(w, code, result)
}
