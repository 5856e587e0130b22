// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vrsandeep/mangarr-go/internal/core"
	"github.com/vrsandeep/mangarr-go/internal/downloads"
	"github.com/vrsandeep/mangarr-go/internal/jobs"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

// JobRunner is the part of the scheduler the admin endpoints use.
type JobRunner interface {
	Status() []jobs.JobStatus
	RunNow(name string) error
}

// Server holds the dependencies for our API.
type Server struct {
	app       *core.App
	store     *store.Store
	downloads *downloads.Service
	jobs      JobRunner
	// runCtx bounds monitor and worker runs started over HTTP. They outlive
	// the request but not the server.
	runCtx context.Context
}

// NewServer creates a new Server instance. runner may be nil when no
// scheduler is running.
func NewServer(app *core.App, svc *downloads.Service, runner JobRunner) *Server {
	return &Server{
		app:       app,
		store:     store.New(app.DB()),
		downloads: svc,
		jobs:      runner,
		runCtx:    context.Background(),
	}
}

// SetRunContext ties HTTP-triggered monitor and worker runs to ctx, usually
// the server's shutdown context.
func (s *Server) SetRunContext(ctx context.Context) {
	s.runCtx = ctx
}

// runContext keeps the request values but drops its cancellation and
// deadline. It is cancelled only when runCtx is.
func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.runCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Store returns the store instance.
func (s *Server) Store() *store.Store {
	return s.store
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.app.Config().CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)

	timeout := middleware.Timeout(60 * time.Second)

	r.Route("/api/downloads", func(r chi.Router) {
		// Runs process whole chapters, so the request timeout does not apply.
		r.Post("/run-monitor", s.handleRunMonitor)
		r.Post("/run-worker", s.handleRunWorker)

		r.Group(func(r chi.Router) {
			r.Use(timeout)

			r.Get("/overview", s.handleGetOverview)
			r.Get("/dashboard", s.handleGetDashboard)

			r.Get("/profiles", s.handleListProfiles)
			r.Get("/profiles/{titleID}", s.handleGetProfile)
			r.Put("/profiles/{titleID}", s.handleUpdateProfile)

			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{taskID}", s.handleGetTask)
			r.Post("/tasks/{taskID}/retry", s.handleRetryTask)
			r.Post("/tasks/{taskID}/cancel", s.handleCancelTask)

			r.Post("/chapters/{chapterID}/enqueue", s.handleEnqueueChapter)
			r.Post("/titles/{titleID}/enqueue-missing", s.handleEnqueueMissing)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(timeout)

		r.Post("/api/library/import", s.handleImportTitle)

		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/jobs/status", s.handleGetAdminJobsStatus)
			r.Post("/jobs/{jobName}/run", s.handleRunAdminJob)
		})
	})

	// WebSocket route
	r.Get("/ws/downloads", func(w http.ResponseWriter, r *http.Request) {
		s.app.WsHub().ServeWs(w, r)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
