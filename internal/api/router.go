// Package api assembles the HTTP surface of the engine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/api/handlers"
	"github.com/dvloznov/deal-confidence/internal/api/middleware"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/metrics"
)

// Deps are the collaborators the router serves.
type Deps struct {
	Deals    handlers.DealService
	Ingester handlers.Ingester
	Jobs     jobs.JobStore
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// RequestTimeout bounds each request; zero disables the limit.
	RequestTimeout time.Duration
}

// NewRouter builds the chi router with every endpoint mounted under /v1.
func NewRouter(d Deps) http.Handler {
	deals := handlers.NewDealsHandler(d.Deals)
	documents := handlers.NewDocumentsHandler(d.Deals, d.Ingester)
	jobsHandler := handlers.NewJobsHandler(d.Jobs)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Metrics(d.Metrics))
	r.Use(middleware.CORS)
	r.Use(chimw.CleanPath)
	if d.RequestTimeout > 0 {
		r.Use(chimw.Timeout(d.RequestTimeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/system/health", deals.SystemHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth)

			r.Route("/deals", func(r chi.Router) {
				r.Post("/", deals.CreateDeal)
				r.Get("/", deals.ListDeals)
				r.Route("/{dealID}", func(r chi.Router) {
					r.Get("/", deals.GetDeal)
					r.Get("/entities", deals.ListEntities)
					r.Post("/documents", documents.UploadDocument)
					r.Get("/documents", documents.ListDocuments)
					r.Post("/overrides", deals.ApplyOverride)
					r.Get("/overrides", deals.ListOverrides)
					r.Post("/runs", deals.RequestRerun)
					r.Get("/runs", deals.ListRuns)
					r.Get("/runs/latest", deals.GetLatestRun)
					r.Post("/export", deals.Export)
					r.Get("/snapshots", deals.ListSnapshots)
				})
			})
			r.Route("/documents/{documentID}", func(r chi.Router) {
				r.Get("/", documents.GetDocument)
				r.Post("/transactions", documents.IngestTransactions)
				r.Post("/failure", documents.ReportFailure)
			})
			r.Get("/snapshots/{snapshotID}", deals.GetSnapshot)
			r.Get("/jobs", jobsHandler.ListJobs)
			r.Get("/jobs/{jobID}", jobsHandler.GetJob)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	return r
}
