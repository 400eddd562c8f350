// Package ingestion persists the rows an external statement parser
// extracted from a document. A document either completes with all of its
// rows or fails with a structured IngestionError and no rows at all.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/canonical"
	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/metrics"
	"github.com/dvloznov/deal-confidence/internal/snapshot"
	"github.com/dvloznov/deal-confidence/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParsedRow is one transaction as delivered by the parser.
type ParsedRow struct {
	AccountID         string `json:"account_id" validate:"required,max=128"`
	TxnDate           string `json:"txn_date" validate:"required,datetime=2006-01-02"`
	SignedAmountCents int64  `json:"signed_amount_cents" validate:"required"`
	RawDescriptor     string `json:"raw_descriptor" validate:"max=2048"`
	TxnID             string `json:"txn_id" validate:"required,max=256"`
	// Currency is optional; when set it must equal the deal currency.
	Currency string `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

// FailureReport is a terminal parse failure reported by the parser.
type FailureReport struct {
	ErrorType  string `json:"error_type"`
	Message    string `json:"error_message" validate:"required,max=4096"`
	NextAction string `json:"next_action" validate:"omitempty,oneof=retry_upload fix_data fix_currency fix_csv_header retry_or_contact_support"`
}

// Result describes a completed ingestion.
type Result struct {
	DocumentID         string `json:"document_id"`
	DealID             string `json:"deal_id"`
	RowsCount          int    `json:"rows_count"`
	RawTransactionHash string `json:"raw_transaction_hash"`
	// JobID is the parse_complete recomputation, empty if publishing failed.
	JobID string `json:"job_id,omitempty"`
}

// Service ingests parsed rows.
type Service struct {
	repo      store.Repository
	publisher jobs.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates an ingestion service. publisher and m may be nil.
func NewService(repo store.Repository, publisher jobs.Publisher, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		log:       log.With().Str("component", "ingestion").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest validates rows, persists them for the document, marks it
// completed and publishes a parse_complete recomputation. Row problems fail
// the document and are returned as *domain.IngestionError.
func (s *Service) Ingest(ctx context.Context, owner, documentID string, rows []ParsedRow) (*Result, error) {
	doc, deal, err := s.openDocument(ctx, owner, documentID)
	if err != nil {
		return nil, fmt.Errorf("ingestion.Ingest: %w", err)
	}
	log := s.log.With().Str("deal_id", deal.ID).Str("document_id", doc.ID).Logger()

	if err := s.repo.UpdateDocumentStatus(ctx, doc.ID, domain.DocumentStatusProcessing, nil); err != nil {
		return nil, fmt.Errorf("ingestion.Ingest: mark processing: %w", err)
	}

	stage := domain.StageFileReceived
	advance := func(next string) {
		stage = next
		log.Debug().Str("stage", stage).Msg("ingestion stage")
	}
	fail := func(errType, next, msg string) (*Result, error) {
		ingErr := &domain.IngestionError{Type: errType, Stage: stage, Message: msg, NextAction: next}
		return nil, s.markFailed(ctx, log, doc.ID, ingErr)
	}

	log.Info().Int("rows", len(rows)).Msg("ingesting document")
	advance(domain.StageParseStart)
	if len(rows) == 0 {
		return fail(domain.ErrorTypeDataValidation, domain.NextActionFixData, "document has no transactions")
	}
	advance(domain.StageParseDone)

	advance(domain.StageSchemaValidated)
	for i := range rows {
		if err := validate.Struct(&rows[i]); err != nil {
			return fail(domain.ErrorTypeSchemaValidation, domain.NextActionFixData, describe(i, err))
		}
		if c := rows[i].Currency; c != "" && !strings.EqualFold(c, deal.Currency) {
			return fail(domain.ErrorTypeCurrencyMismatch, domain.NextActionFixCurrency,
				fmt.Sprintf("row %d: currency %s does not match deal currency %s", i+1, strings.ToUpper(c), deal.Currency))
		}
	}

	txns, msg := s.normalize(deal.ID, doc.ID, rows)
	if msg != "" {
		return fail(domain.ErrorTypeDataValidation, domain.NextActionFixData, msg)
	}
	advance(domain.StageNormalizationDone)

	advance(domain.StageDBInsertStart)
	start := time.Now()
	err = s.repo.WithinDeal(ctx, deal.ID, func(ctx context.Context, tx store.DealTx) error {
		if err := tx.InsertTransactions(ctx, txns); err != nil {
			return err
		}
		return tx.SetDocumentStatus(ctx, doc.ID, domain.DocumentStatusCompleted, nil)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return fail(domain.ErrorTypeDataValidation, domain.NextActionFixData, err.Error())
		}
		return fail(domain.ErrorTypeDatabaseInsert, domain.NextActionRetryOrSupport, err.Error())
	}
	advance(domain.StageDBInsertDone)
	advance(domain.StageStatusCompleted)
	s.metrics.RowsIngested(len(txns))

	rawHash, err := canonical.Hash(snapshot.Transactions(txns, nil))
	if err != nil {
		return nil, fmt.Errorf("ingestion.Ingest: hash rows: %w", err)
	}
	res := &Result{
		DocumentID:         doc.ID,
		DealID:             deal.ID,
		RowsCount:          len(txns),
		RawTransactionHash: rawHash,
	}
	log.Info().
		Str("stage", stage).
		Int("rows", len(txns)).
		Dur("insert_elapsed", time.Since(start)).
		Msg("document completed")

	res.JobID = s.publish(ctx, log, deal)
	return res, nil
}

// Fail records a terminal parse failure reported by the parser.
func (s *Service) Fail(ctx context.Context, owner, documentID string, report FailureReport) (*domain.Document, error) {
	if err := validate.Struct(&report); err != nil {
		return nil, fmt.Errorf("ingestion.Fail: %s: %w", describe(-1, err), domain.ErrInvalidInput)
	}
	doc, deal, err := s.openDocument(ctx, owner, documentID)
	if err != nil {
		return nil, fmt.Errorf("ingestion.Fail: %w", err)
	}
	if report.ErrorType == "" {
		report.ErrorType = domain.ErrorTypeParse
	}
	if report.NextAction == "" {
		report.NextAction = domain.NextActionRetryUpload
	}
	ingErr := &domain.IngestionError{
		Type:       report.ErrorType,
		Stage:      domain.StageParseStart,
		Message:    report.Message,
		NextAction: report.NextAction,
	}
	log := s.log.With().Str("deal_id", deal.ID).Str("document_id", doc.ID).Logger()
	if err := s.markFailed(ctx, log, doc.ID, ingErr); !errors.As(err, new(*domain.IngestionError)) {
		return nil, fmt.Errorf("ingestion.Fail: %w", err)
	}
	return s.repo.GetDocument(ctx, owner, doc.ID)
}

// openDocument loads a document that may still change state.
func (s *Service) openDocument(ctx context.Context, owner, documentID string) (*domain.Document, *domain.Deal, error) {
	doc, err := s.repo.GetDocument(ctx, owner, documentID)
	if err != nil {
		return nil, nil, err
	}
	if doc.Status.Terminal() {
		return nil, nil, fmt.Errorf("document %s is already %s: %w", doc.ID, doc.Status, domain.ErrInvalidInput)
	}
	deal, err := s.repo.GetDeal(ctx, owner, doc.DealID)
	if err != nil {
		return nil, nil, err
	}
	return doc, deal, nil
}

// normalize converts validated rows into raw transactions. A non-empty
// message reports a data problem.
func (s *Service) normalize(dealID, documentID string, rows []ParsedRow) ([]*domain.RawTransaction, string) {
	seen := make(map[string]int, len(rows))
	now := s.now()
	out := make([]*domain.RawTransaction, 0, len(rows))
	for i, r := range rows {
		txnID := strings.TrimSpace(r.TxnID)
		if txnID == "" {
			return nil, fmt.Sprintf("row %d: blank txn_id", i+1)
		}
		if prev, dup := seen[txnID]; dup {
			return nil, fmt.Sprintf("row %d: txn_id %q duplicates row %d", i+1, txnID, prev+1)
		}
		seen[txnID] = i
		accountID := strings.TrimSpace(r.AccountID)
		if accountID == "" {
			return nil, fmt.Sprintf("row %d: blank account_id", i+1)
		}
		date, err := time.Parse(domain.DateLayout, r.TxnDate)
		if err != nil {
			return nil, fmt.Sprintf("row %d: txn_date: %v", i+1, err)
		}
		out = append(out, &domain.RawTransaction{
			ID:                uuid.New().String(),
			DealID:            dealID,
			DocumentID:        documentID,
			TxnID:             txnID,
			AccountID:         accountID,
			TxnDate:           date.Format(domain.DateLayout),
			SignedAmountCents: r.SignedAmountCents,
			RawDescriptor:     r.RawDescriptor,
			CreatedAt:         now,
		})
	}
	return out, ""
}

// markFailed records ingErr on the document and returns it. A store
// failure while doing so is returned instead.
func (s *Service) markFailed(ctx context.Context, log zerolog.Logger, documentID string, ingErr *domain.IngestionError) error {
	log.Warn().
		Str("error_type", ingErr.Type).
		Str("stage", ingErr.Stage).
		Str("next_action", ingErr.NextAction).
		Msg(ingErr.Message)
	s.metrics.DocumentFailed(ingErr.Type)
	if err := s.repo.UpdateDocumentStatus(context.WithoutCancel(ctx), documentID, domain.DocumentStatusFailed, ingErr); err != nil {
		return fmt.Errorf("ingestion: mark document %s failed: %w", documentID, err)
	}
	return ingErr
}

func (s *Service) publish(ctx context.Context, log zerolog.Logger, deal *domain.Deal) string {
	if s.publisher == nil {
		return ""
	}
	job := &jobs.RecomputeJob{DealID: deal.ID, Owner: deal.CreatedBy, Trigger: domain.TriggerParseComplete}
	if err := s.publisher.PublishRecompute(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to publish parse_complete recomputation")
		return ""
	}
	return job.JobID
}

// describe renders a validator error as one line. row < 0 omits the row.
func describe(row int, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		p := fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			p += "=" + fe.Param()
		}
		parts = append(parts, p)
	}
	msg := strings.Join(parts, "; ")
	if row >= 0 {
		msg = fmt.Sprintf("row %d: %s", row+1, msg)
	}
	return msg
}
