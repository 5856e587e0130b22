package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vrsandeep/mangarr-go/internal/jobs"
)

func (s *Server) handleRunAdminJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "Scheduler is not running")
		return
	}
	name := chi.URLParam(r, "jobName")

	err := s.jobs.RunNow(name)
	switch {
	case errors.Is(err, jobs.ErrJobUnknown):
		RespondWithError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, jobs.ErrJobRunning):
		RespondWithError(w, http.StatusConflict, err.Error()) // 409 Conflict if a job is already running
		return
	case err != nil:
		RespondWithError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]string{
		"message": "Job '" + name + "' started successfully.",
	})
}

func (s *Server) handleGetAdminJobsStatus(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		RespondWithJSON(w, http.StatusOK, []jobs.JobStatus{})
		return
	}
	RespondWithJSON(w, http.StatusOK, s.jobs.Status())
}
