package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server wraps the HTTP server and its router.
type Server struct {
	router *chi.Mux
	server *http.Server
}

// NewServer builds the router with middleware and all routes mounted.
// tracking may be nil when the tracking endpoints are served elsewhere.
func NewServer(h *Handlers, tracking http.Handler, allowedOrigins []string) *Server {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Post("/send", h.SendCampaign)
			r.Post("/send-test", h.SendTestEmail)
			r.Post("/preview", h.PreviewCampaign)
			r.Post("/schedule", h.ScheduleCampaign)
			r.Post("/cancel-schedule", h.CancelSchedule)
			r.Post("/reschedule", h.RescheduleCampaign)
			r.Get("/stats", h.CampaignStats)
		})
		r.Get("/queue/status", h.QueueStatus)
		r.Get("/scheduler/status", h.SchedulerStatus)
		r.Get("/scheduler/upcoming", h.UpcomingCampaigns)
		r.Get("/bounces/stats", h.BounceStats)
	})

	if tracking != nil {
		r.Mount("/", tracking)
	}

	return &Server{router: r}
}

// Router exposes the mux, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
