package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dvloznov/deal-confidence/internal/api/middleware"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
)

// JobsHandler handles job status endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /v1/jobs/{jobID}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err == nil && job.Owner != middleware.UserFrom(r.Context()) {
		err = fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := jobs.JobFilter{
		Owner:  middleware.UserFrom(r.Context()),
		DealID: query.Get("deal_id"),
		Status: jobs.JobStatus(query.Get("status")),
		Limit:  50,
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 500 {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_input", "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if offset := query.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			middleware.WriteError(w, http.StatusBadRequest, "invalid_input", "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	items, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list("jobs", items, len(items)))
}
