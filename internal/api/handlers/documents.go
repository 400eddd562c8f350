package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dvloznov/deal-confidence/internal/api/middleware"
	"github.com/dvloznov/deal-confidence/internal/deals"
	"github.com/dvloznov/deal-confidence/internal/ingestion"
)

// DocumentsHandler handles document registration and parser callbacks.
type DocumentsHandler struct {
	svc      DealService
	ingester Ingester
}

// NewDocumentsHandler creates a new documents handler.
func NewDocumentsHandler(svc DealService, ingester Ingester) *DocumentsHandler {
	return &DocumentsHandler{svc: svc, ingester: ingester}
}

// UploadDocument handles POST /v1/deals/{dealID}/documents
func (h *DocumentsHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	var req deals.UploadDocumentInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	doc, err := h.svc.UploadDocument(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, doc)
}

// ListDocuments handles GET /v1/deals/{dealID}/documents
func (h *DocumentsHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListDocuments(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "dealID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, list("documents", items, len(items)))
}

// GetDocument handles GET /v1/documents/{documentID}
func (h *DocumentsHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetDocument(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "documentID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, doc)
}

// ingestRequest is the parser's delivery for one document.
type ingestRequest struct {
	Rows []ingestion.ParsedRow `json:"rows"`
}

// IngestTransactions handles POST /v1/documents/{documentID}/transactions
// A rejected document answers 422 with the recorded failure.
func (h *DocumentsHandler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := h.ingester.Ingest(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "documentID"), req.Rows)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, res)
}

// ReportFailure handles POST /v1/documents/{documentID}/failure
func (h *DocumentsHandler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	var req ingestion.FailureReport
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	doc, err := h.ingester.Fail(r.Context(), middleware.UserFrom(r.Context()), chi.URLParam(r, "documentID"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, doc)
}
