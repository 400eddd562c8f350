// Package deals is the application service behind the HTTP API and the
// CLI. Every call takes the acting user and only reaches deals that user
// created; anything else is reported as domain.ErrNotFound.
package deals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/metrics"
	"github.com/dvloznov/deal-confidence/internal/pipeline"
	"github.com/dvloznov/deal-confidence/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Archiver keeps a write-once copy of exported snapshots.
type Archiver interface {
	Put(ctx context.Context, s *domain.Snapshot) (string, error)
	Fetch(ctx context.Context, uri string) ([]byte, error)
	URI(s *domain.Snapshot) string
}

// RunRecorder receives every persisted analysis run.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *domain.AnalysisRun) error
}

// Options wires the optional collaborators of a Service.
type Options struct {
	Publisher jobs.Publisher
	Archive   Archiver
	Warehouse RunRecorder
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Service implements the deal workflows.
type Service struct {
	repo      store.Repository
	engine    *pipeline.Engine
	publisher jobs.Publisher
	archive   Archiver
	warehouse RunRecorder
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

// NewService creates the service.
func NewService(repo store.Repository, engine *pipeline.Engine, opts Options) *Service {
	return &Service{
		repo:      repo,
		engine:    engine,
		publisher: opts.Publisher,
		archive:   opts.Archive,
		warehouse: opts.Warehouse,
		metrics:   opts.Metrics,
		log:       opts.Logger.With().Str("component", "deals").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SystemInfo identifies the running engine.
type SystemInfo struct {
	Status           string `json:"status"`
	SchemaVersion    string `json:"schema_version"`
	ConfigVersion    string `json:"config_version"`
	RoleVersion      string `json:"role_version"`
	MatchRuleVersion string `json:"match_rule_version"`
}

// System reports the schema and rule versions stamped on new runs.
func (s *Service) System() SystemInfo {
	return SystemInfo{
		Status:           "ok",
		SchemaVersion:    pipeline.SchemaVersion,
		ConfigVersion:    s.engine.ConfigVersion(),
		RoleVersion:      s.engine.RoleVersion(),
		MatchRuleVersion: s.engine.MatchRuleVersion(),
	}
}

// CreateDealInput is the payload of a new deal.
type CreateDealInput struct {
	Name                string  `json:"name" validate:"required,max=200"`
	Currency            string  `json:"currency" validate:"required,len=3,alpha"`
	AccrualRevenueCents *int64  `json:"accrual_revenue_cents,omitempty" validate:"omitempty,gte=0"`
	AccrualPeriodStart  *string `json:"accrual_period_start,omitempty" validate:"omitempty,datetime=2006-01-02"`
	AccrualPeriodEnd    *string `json:"accrual_period_end,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// CreateDeal creates a deal owned by owner.
func (s *Service) CreateDeal(ctx context.Context, owner string, in CreateDealInput) (*domain.Deal, error) {
	if owner == "" {
		return nil, fmt.Errorf("deals.CreateDeal: owner is required: %w", domain.ErrInvalidInput)
	}
	if err := validate.Struct(&in); err != nil {
		return nil, fmt.Errorf("deals.CreateDeal: %v: %w", err, domain.ErrInvalidInput)
	}
	deal := &domain.Deal{
		ID:                  uuid.NewString(),
		Name:                strings.TrimSpace(in.Name),
		Currency:            strings.ToUpper(in.Currency),
		CreatedBy:           owner,
		CreatedAt:           s.now(),
		AccrualRevenueCents: in.AccrualRevenueCents,
		AccrualPeriodStart:  in.AccrualPeriodStart,
		AccrualPeriodEnd:    in.AccrualPeriodEnd,
	}
	if err := deal.ValidateAccrual(); err != nil {
		return nil, fmt.Errorf("deals.CreateDeal: %w", err)
	}
	if err := s.repo.CreateDeal(ctx, deal); err != nil {
		return nil, fmt.Errorf("deals.CreateDeal: %w", err)
	}
	s.log.Info().Str("deal_id", deal.ID).Str("currency", deal.Currency).Msg("deal created")
	return deal, nil
}

// GetDeal returns one of owner's deals.
func (s *Service) GetDeal(ctx context.Context, owner, dealID string) (*domain.Deal, error) {
	return s.repo.GetDeal(ctx, owner, dealID)
}

// ListDeals lists owner's deals.
func (s *Service) ListDeals(ctx context.Context, owner string) ([]*domain.Deal, error) {
	return s.repo.ListDeals(ctx, owner)
}

// UploadDocumentInput registers a statement before the parser runs.
type UploadDocumentInput struct {
	Filename string `json:"filename" validate:"required,max=512"`
	FileType string `json:"file_type" validate:"required,oneof=csv xlsx pdf"`
}

// UploadDocument registers a document in status uploaded.
func (s *Service) UploadDocument(ctx context.Context, owner, dealID string, in UploadDocumentInput) (*domain.Document, error) {
	in.FileType = strings.ToLower(strings.TrimSpace(in.FileType))
	if err := validate.Struct(&in); err != nil {
		return nil, fmt.Errorf("deals.UploadDocument: %v: %w", err, domain.ErrInvalidInput)
	}
	now := s.now()
	doc := &domain.Document{
		ID:        uuid.NewString(),
		DealID:    dealID,
		Filename:  in.Filename,
		FileType:  in.FileType,
		Status:    domain.DocumentStatusUploaded,
		CreatedBy: owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("deals.UploadDocument: %w", err)
	}
	s.log.Info().Str("deal_id", dealID).Str("document_id", doc.ID).Msg("document registered")
	return doc, nil
}

// GetDocument returns one of owner's documents.
func (s *Service) GetDocument(ctx context.Context, owner, documentID string) (*domain.Document, error) {
	return s.repo.GetDocument(ctx, owner, documentID)
}

// ListDocuments lists a deal's documents.
func (s *Service) ListDocuments(ctx context.Context, owner, dealID string) ([]*domain.Document, error) {
	return s.repo.ListDocuments(ctx, owner, dealID)
}

// ListOverrides lists a deal's override ledger in order.
func (s *Service) ListOverrides(ctx context.Context, owner, dealID string) ([]*domain.Override, error) {
	return s.repo.ListOverrides(ctx, owner, dealID)
}

// ListEntities lists a deal's entities.
func (s *Service) ListEntities(ctx context.Context, owner, dealID string) ([]*domain.Entity, error) {
	return s.repo.ListEntities(ctx, owner, dealID)
}

// ListRuns lists a deal's analysis runs, oldest first.
func (s *Service) ListRuns(ctx context.Context, owner, dealID string) ([]*domain.AnalysisRun, error) {
	return s.repo.ListRuns(ctx, owner, dealID)
}

// GetLatestRun returns the newest run of a deal.
func (s *Service) GetLatestRun(ctx context.Context, owner, dealID string) (*domain.AnalysisRun, error) {
	return s.repo.GetLatestRun(ctx, owner, dealID)
}

// ListSnapshots lists a deal's snapshots.
func (s *Service) ListSnapshots(ctx context.Context, owner, dealID string) ([]*domain.Snapshot, error) {
	return s.repo.ListSnapshots(ctx, owner, dealID)
}

// GetSnapshot returns one snapshot.
func (s *Service) GetSnapshot(ctx context.Context, owner, snapshotID string) (*domain.Snapshot, error) {
	return s.repo.GetSnapshot(ctx, owner, snapshotID)
}
