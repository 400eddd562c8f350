// Package handlers implements the HTTP endpoints. Every handler reads the
// acting user from the request context and passes it to the service,
// which hides anything outside that user's deals.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/api/middleware"
	"github.com/dvloznov/deal-confidence/internal/deals"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/ingestion"
	"github.com/dvloznov/deal-confidence/internal/logger"
)

// maxBodyBytes bounds request bodies; parsed statements are the largest.
const maxBodyBytes = 16 << 20

// DealService is the part of deals.Service the API serves.
type DealService interface {
	System() deals.SystemInfo
	CreateDeal(ctx context.Context, owner string, in deals.CreateDealInput) (*domain.Deal, error)
	GetDeal(ctx context.Context, owner, dealID string) (*domain.Deal, error)
	ListDeals(ctx context.Context, owner string) ([]*domain.Deal, error)
	UploadDocument(ctx context.Context, owner, dealID string, in deals.UploadDocumentInput) (*domain.Document, error)
	GetDocument(ctx context.Context, owner, documentID string) (*domain.Document, error)
	ListDocuments(ctx context.Context, owner, dealID string) ([]*domain.Document, error)
	ApplyOverride(ctx context.Context, owner, dealID string, in deals.ApplyOverrideInput) (*deals.OverrideResult, error)
	ListOverrides(ctx context.Context, owner, dealID string) ([]*domain.Override, error)
	ListEntities(ctx context.Context, owner, dealID string) ([]*domain.Entity, error)
	RequestRerun(ctx context.Context, owner, dealID string) (string, error)
	ListRuns(ctx context.Context, owner, dealID string) ([]*domain.AnalysisRun, error)
	GetLatestRun(ctx context.Context, owner, dealID string) (*domain.AnalysisRun, error)
	Export(ctx context.Context, owner, dealID string) (*deals.ExportResult, error)
	ListSnapshots(ctx context.Context, owner, dealID string) ([]*domain.Snapshot, error)
	GetSnapshot(ctx context.Context, owner, snapshotID string) (*domain.Snapshot, error)
}

// Ingester accepts parser output for uploaded documents.
type Ingester interface {
	Ingest(ctx context.Context, owner, documentID string, rows []ingestion.ParsedRow) (*ingestion.Result, error)
	Fail(ctx context.Context, owner, documentID string, report ingestion.FailureReport) (*domain.Document, error)
}

var (
	_ DealService = (*deals.Service)(nil)
	_ Ingester    = (*ingestion.Service)(nil)
)

// ingestionFailure is the 422 body of a document that failed ingestion.
type ingestionFailure struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	ErrorType  string `json:"error_type"`
	ErrorStage string `json:"error_stage"`
	NextAction string `json:"next_action"`
}

// writeServiceError maps service errors onto HTTP statuses. Integrity
// violations are logged at error level with the full chain; everything
// else returns the wrapped message to the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())

	var ingErr *domain.IngestionError
	switch {
	case errors.As(err, &ingErr):
		middleware.WriteJSON(w, http.StatusUnprocessableEntity, ingestionFailure{
			Error:      ingErr.Message,
			Code:       "ingestion_failed",
			ErrorType:  ingErr.Type,
			ErrorStage: ingErr.Stage,
			NextAction: ingErr.NextAction,
		})
	case errors.Is(err, domain.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		middleware.WriteError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, domain.ErrDocumentsNotReady):
		middleware.WriteError(w, http.StatusConflict, "documents_not_ready", err.Error())
	case errors.Is(err, domain.ErrNoTransactions):
		middleware.WriteError(w, http.StatusConflict, "no_transactions", err.Error())
	case errors.Is(err, domain.ErrQueueClosed):
		middleware.WriteError(w, http.StatusServiceUnavailable, "queue_unavailable", "Recomputation queue is not accepting jobs")
	case domain.IsIntegrityViolation(err):
		log.Error().Err(err).Str("path", r.URL.Path).Msg("integrity violation")
		middleware.WriteError(w, http.StatusInternalServerError, "integrity_violation", "Stored data failed an integrity check")
	case errors.Is(err, context.DeadlineExceeded):
		middleware.WriteError(w, http.StatusGatewayTimeout, "timeout", "Request timed out")
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

// decodeJSON reads a single JSON object into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, domain.ErrInvalidInput)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("invalid request body: trailing data: %w", domain.ErrInvalidInput)
	}
	return nil
}

func list(key string, items interface{}, count int) map[string]interface{} {
	return map[string]interface{}{key: items, "count": count}
}

func requestLogger(r *http.Request) zerolog.Logger {
	return logger.FromContext(r.Context())
}
