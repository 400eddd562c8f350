package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dvloznov/deal-confidence/internal/api/middleware"
	"github.com/dvloznov/deal-confidence/internal/deals"
)

// DealsHandler handles deal, override, run and snapshot endpoints.
type DealsHandler struct {
	svc DealService
}

// NewDealsHandler creates a new deals handler.
func NewDealsHandler(svc DealService) *DealsHandler {
	return &DealsHandler{svc: svc}
}

// CreateDeal handles POST /v1/deals
func (h *DealsHandler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req deals.CreateDealInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	deal, err := h.svc.CreateDeal(r.Context(), middleware.UserFrom(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, deal)
}

// ListDeals handles GET /v1/deals
func (h *DealsHandler) ListDeals(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListDeals(r.Context(), middleware.UserFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list("deals", items, len(items)))
}

// GetDeal handles GET /v1/deals/{dealID}
func (h *DealsHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := h.svc.GetDeal(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, deal)
}

// ListEntities handles GET /v1/deals/{dealID}/entities
func (h *DealsHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListEntities(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list("entities", items, len(items)))
}

// ApplyOverride handles POST /v1/deals/{dealID}/overrides
func (h *DealsHandler) ApplyOverride(w http.ResponseWriter, r *http.Request) {
	var req deals.ApplyOverrideInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := h.svc.ApplyOverride(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, res)
}

// ListOverrides handles GET /v1/deals/{dealID}/overrides
func (h *DealsHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListOverrides(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list("overrides", items, len(items)))
}

// RequestRerun handles POST /v1/deals/{dealID}/runs
// The run happens on the job queue; poll the returned job.
func (h *DealsHandler) RequestRerun(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	jobID, err := h.svc.RequestRerun(r.Context(), middleware.UserFrom(r.Context()), dealID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log := requestLogger(r)
	log.Info().Str("deal_id", dealID).Str("job_id", jobID).Msg("rerun queued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  jobID,
		"deal_id": dealID,
		"status":  "queued",
	})
}

// ListRuns handles GET /v1/deals/{dealID}/runs
func (h *DealsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListRuns(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list("runs", items, len(items)))
}

// GetLatestRun handles GET /v1/deals/{dealID}/runs/latest
func (h *DealsHandler) GetLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetLatestRun(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, run)
}

// Export handles POST /v1/deals/{dealID}/export
func (h *DealsHandler) Export(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Export(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// ListSnapshots handles GET /v1/deals/{dealID}/snapshots
func (h *DealsHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListSnapshots(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list("snapshots", items, len(items)))
}

// GetSnapshot handles GET /v1/snapshots/{snapshotID}
func (h *DealsHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	sn, err := h.svc.GetSnapshot(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "snapshotID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, sn)
}

// SystemHealth handles GET /v1/system/health
func (h *DealsHandler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.svc.System())
}
