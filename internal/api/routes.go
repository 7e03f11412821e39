package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dStensland/LostCity-sub000/internal/metrics"
	"github.com/dStensland/LostCity-sub000/internal/pkg/httputil"
)

// SetupRoutes configures all routes.
func SetupRoutes(h *Handlers, hc *HealthChecker, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	if hc != nil {
		r.Get("/health", hc.HandleHealth)
		r.Get("/health/live", hc.HandleLiveness)
		r.Get("/health/ready", hc.HandleReadiness)
	}
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/crawl-runs", func(r chi.Router) {
			r.Post("/", h.RecordCrawlRun)
			r.Get("/{runID}", h.GetCrawlRun)
			r.Post("/{runID}/events", h.SubmitExtractedEvents)
		})

		r.Route("/sources/{sourceID}", func(r chi.Router) {
			r.Get("/health", h.GetSourceHealth)
			r.Get("/health/history", h.GetHealthHistory)
			r.Get("/frequency", h.GetRecommendedFrequency)
			r.Post("/recompute", h.RecomputeSource)
		})

		r.Route("/issues", func(r chi.Router) {
			r.Get("/", h.ListOpenIssues)
			r.Get("/{issueID}", h.GetIssue)
			r.Post("/{issueID}/resolution", h.ReportIssueResolution)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "no route for "+r.Method+" "+r.URL.Path)
	})

	return r
}
