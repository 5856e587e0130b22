// Handlers for the download monitor, the task queue and download profiles.

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vrsandeep/mangarr-go/internal/downloads"
	"github.com/vrsandeep/mangarr-go/internal/models"
)

const maxDashboardLimit = 100

func (s *Server) handleGetOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.downloads.GetOverview(r.Context())
	if err != nil {
		respondWithServiceError(w, err, "Failed to load download overview")
		return
	}
	RespondWithJSON(w, http.StatusOK, overview)
}

func (s *Server) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	titles, err := queryInt(r, "monitored_limit", 30, 1, maxDashboardLimit)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	active, err := queryInt(r, "active_limit", 20, 1, maxDashboardLimit)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	recent, err := queryInt(r, "recent_limit", 20, 1, maxDashboardLimit)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	dashboard, err := s.downloads.GetDashboard(r.Context(), titles, active, recent)
	if err != nil {
		respondWithServiceError(w, err, "Failed to load download dashboard")
		return
	}
	RespondWithJSON(w, http.StatusOK, dashboard)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	var filter models.ProfileFilter
	var err error
	if filter.Enabled, err = queryBoolPtr(r, "enabled"); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.TitleID, err = queryInt64Ptr(r, "title_id"); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, filter.Limit, err = pageParams(r); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	profiles, err := s.downloads.ListProfiles(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err, "Failed to list download profiles")
		return
	}
	RespondWithJSON(w, http.StatusOK, profiles)
}

func pageParams(r *http.Request) (offset, limit int, err error) {
	if offset, err = queryInt(r, "offset", 0, 0, 1<<31-1); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(r, "limit", downloads.DefaultListLimit, 1, downloads.MaxListLimit); err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	titleID, err := pathID(r, "titleID")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	profile, err := s.downloads.GetProfile(r.Context(), titleID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to load download profile")
		return
	}
	RespondWithJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	titleID, err := pathID(r, "titleID")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	var update models.DownloadProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	profile, err := s.downloads.UpdateProfile(r.Context(), titleID, update)
	if err != nil {
		respondWithServiceError(w, err, "Failed to update download profile")
		return
	}
	RespondWithJSON(w, http.StatusOK, profile)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter models.TaskFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseTaskStatus(strings.ToUpper(raw))
		if err != nil {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}
	var err error
	if filter.TitleID, err = queryInt64Ptr(r, "title_id"); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, filter.Limit, err = pageParams(r); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := s.downloads.ListTasks(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err, "Failed to list download tasks")
		return
	}
	RespondWithJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.downloads.GetTask(r.Context(), taskID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to load download task")
		return
	}
	RespondWithJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.downloads.RetryTask(r.Context(), taskID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to retry download task")
		return
	}
	RespondWithJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.downloads.CancelTask(r.Context(), taskID)
	if err != nil {
		respondWithServiceError(w, err, "Failed to cancel download task")
		return
	}
	RespondWithJSON(w, http.StatusOK, task)
}

func (s *Server) handleEnqueueChapter(w http.ResponseWriter, r *http.Request) {
	chapterID, err := pathID(r, "chapterID")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := queryInt(r, "priority", downloads.PriorityManual, 0, downloads.MaxPriority)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.downloads.EnqueueChapter(r.Context(), chapterID, priority)
	if err != nil {
		respondWithServiceError(w, err, "Failed to queue chapter")
		return
	}
	RespondWithJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleEnqueueMissing(w http.ResponseWriter, r *http.Request) {
	titleID, err := pathID(r, "titleID")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	variantID, err := queryInt64Ptr(r, "variant_id")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	unreadOnly := true
	if v, err := queryBoolPtr(r, "unread_only"); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	} else if v != nil {
		unreadOnly = *v
	}

	result, err := s.downloads.EnqueueMissingForTitle(r.Context(), titleID, variantID, unreadOnly)
	if err != nil {
		respondWithServiceError(w, err, "Failed to queue missing chapters")
		return
	}
	RespondWithJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleRunMonitor(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", downloads.DefaultMonitorLimit, 1, downloads.MaxMonitorLimit)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.runContext(r)
	defer cancel()
	result, err := s.downloads.RunMonitorOnce(ctx, limit)
	if err != nil {
		respondWithServiceError(w, err, "Monitor run failed")
		return
	}
	RespondWithJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunWorker(w http.ResponseWriter, r *http.Request) {
	// Zero selects the configured batch size.
	batch, err := queryInt(r, "batch_size", 0, 1, downloads.MaxWorkerBatchSize)
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := s.runContext(r)
	defer cancel()
	result, err := s.downloads.RunWorkerOnce(ctx, batch)
	if err != nil {
		respondWithServiceError(w, err, "Worker run failed")
		return
	}
	RespondWithJSON(w, http.StatusOK, result)
}
