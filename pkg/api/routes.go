package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Ingestion endpoints, scoped by the caller's API key.
		r.Route("/runs", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(s.resolveSystem)

				if s.cfg.Server.RateLimit.Enabled {
					r.Use(s.rateLimitMiddleware(
						s.cfg.Server.RateLimit.Ingest,
					))
				}

				r.Post("/multipart", s.handleMultipart)
				r.Post("/batch", s.handleBatch)
				r.Post("/v1/metadata/submit", s.handleMetadataSubmit)
			})

			r.Get("/", s.handleSearchRuns)
			r.Get("/{runID}", s.handleGetRun)
		})

		r.Route("/traces", func(r chi.Router) {
			r.Get("/", s.handleListTraces)
			r.Get("/count", s.handleCountTraces)
			r.Get("/{traceID}", s.handleGetTrace)
			r.Get("/{traceID}/stats", s.handleTraceStats)
		})

		r.Route("/threads", func(r chi.Router) {
			r.Get("/", s.handleListThreads)
			r.Get("/{threadID}/runs", s.handleThreadRuns)
		})

		r.Route("/meta", func(r chi.Router) {
			r.Get("/models", s.handleDistinct("models", s.store.Runs.DistinctModelNames))
			r.Get("/systems", s.handleDistinct("systems", s.store.Systems.DistinctRunSystems))
			r.Get("/threads", s.handleDistinct("threads", s.store.Runs.DistinctThreadIDs))
			r.Get("/users", s.handleDistinct("users", s.store.Runs.DistinctUserIDs))
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/hourly", s.handleHourlyStats)
			r.Post("/update", s.handleUpdateStats)
		})

		r.Get("/attachments/{id}", s.handleGetAttachment)

		// Admin endpoints (shared admin key).
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/cache/stats", s.handleCacheStats)
			r.Post("/cache/invalidate", s.handleCacheInvalidate)

			r.Get("/systems", s.handleListSystems)
			r.Post("/systems", s.handleCreateSystem)
			r.Patch("/systems/{id}", s.handleUpdateSystem)
			r.Delete("/systems/{id}", s.handleDeleteSystem)
			r.Post("/systems/{id}/regenerate-key", s.handleRegenerateKey)
			r.Get("/systems/{id}/stats", s.handleSystemStats)

			r.Post("/migrate/existing-runs", s.handleMigrateRuns)
			r.Get("/validate/system-references", s.handleValidateReferences)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type", "Content-Encoding", "Authorization", "X-API-Key",
		},
		MaxAge: 300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
