/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. RealIP:     Client address from proxy headers
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/facts                Fact ingest
  /api/indexes/*            Calc tasks and index queries
  /api/index-versions/*     Version lifecycle and publication
  /api/review-items/*       Review item resolution
  /api/version-pointers     Pointer history
  /api/estimation/*         Scenarios, calculations, snapshots
  /api/demo/*               Demo datasets (dev only)
  /metrics                  Prometheus metrics
  /healthz                  Liveness and store check

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler context and error mapping
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAllowedOrigins are the CORS origins of local frontends.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. With no
// origins given, DefaultAllowedOrigins apply.
func NewRouter(h *Handler, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/facts", h.IngestFacts)

		r.Route("/indexes", func(r chi.Router) {
			r.Get("/", h.QueryIndexes)
			r.Post("/calculate", h.Calculate)
			r.Get("/calc/tasks", h.ListTasks)
			r.Get("/calc/tasks/{id}", h.GetTask)
			r.Post("/calc/tasks/{id}/cancel", h.CancelTask)
			r.Get("/{id}", h.GetIndex)
			r.Get("/{id}/samples", h.GetSamples)
		})

		r.Route("/index-versions", func(r chi.Router) {
			r.Get("/", h.ListVersions)
			r.Post("/", h.CreateVersion)
			r.Get("/{id}", h.GetVersion)
			r.Get("/{id}/indexes", h.VersionIndexes)
			r.Post("/{id}/submit", h.SubmitVersion)
			r.Post("/{id}/approve", h.ApproveVersion)
			r.Post("/{id}/reject", h.RejectVersion)
			r.Post("/{id}/archive", h.ArchiveVersion)
			r.Get("/{id}/publish/precheck", h.Precheck)
			r.Get("/{id}/publish/impact", h.Impact)
			r.Post("/{id}/publish", h.Publish)
			r.Get("/{id}/review-items", h.ListReviewItems)
			r.Post("/{id}/review-items", h.AddReviewItem)
		})

		r.Post("/review-items/{id}/resolve", h.ResolveReviewItem)
		r.Get("/version-pointers", h.PointerHistory)

		r.Route("/estimation", func(r chi.Router) {
			r.Post("/recommend", h.Recommend)
			r.Post("/calc", h.QuickCalc)
			r.Post("/scenarios", h.CreateScenario)
			r.Get("/scenarios/{id}", h.GetScenario)
			r.Post("/scenarios/{id}/upgrade", h.UpgradeScenario)
			r.Get("/scenarios/{id}/snapshots", h.ListSnapshots)
			r.Get("/snapshots/{id}", h.GetSnapshot)
		})

		r.Route("/demo", func(r chi.Router) {
			r.Get("/datasets", h.ListDatasets)
			r.Post("/load", h.LoadDataset)
		})
	})

	return r
}
