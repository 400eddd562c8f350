package deals

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/ledger"
	"github.com/dvloznov/deal-confidence/internal/store"
	"github.com/dvloznov/deal-confidence/internal/transfer"
)

// ApplyOverrideInput is one manual correction. Weight is "0.5" or "1.0";
// when empty the weight is suggested from the correction itself.
type ApplyOverrideInput struct {
	EntityID string              `json:"entity_id" validate:"required,max=128"`
	Field    domain.OverrideField `json:"field" validate:"required,oneof=role entity"`
	NewValue string              `json:"new_value" validate:"required,max=256"`
	Weight   string              `json:"weight,omitempty" validate:"omitempty,max=8"`
	Reason   string              `json:"reason" validate:"required,max=2000"`
}

// OverrideResult is an appended override and the recomputation it caused.
type OverrideResult struct {
	Override *domain.Override `json:"override"`
	// JobID is the override_applied recomputation, empty if publishing failed.
	JobID string `json:"job_id,omitempty"`
}

// ApplyOverride appends a correction to the deal's ledger and publishes an
// override_applied recomputation. Earlier overrides are never touched.
func (s *Service) ApplyOverride(ctx context.Context, owner, dealID string, in ApplyOverrideInput) (*OverrideResult, error) {
	in.EntityID = strings.TrimSpace(in.EntityID)
	in.NewValue = strings.TrimSpace(in.NewValue)
	if err := validate.Struct(&in); err != nil {
		return nil, fmt.Errorf("deals.ApplyOverride: %v: %w", err, domain.ErrInvalidInput)
	}
	var weight domain.BasisPoints
	if in.Weight != "" {
		w, err := ledger.ParseWeight(in.Weight)
		if err != nil {
			return nil, fmt.Errorf("deals.ApplyOverride: %w", err)
		}
		weight = w
	}
	if _, err := s.repo.GetDeal(ctx, owner, dealID); err != nil {
		return nil, fmt.Errorf("deals.ApplyOverride: %w", err)
	}

	var appended *domain.Override
	err := s.repo.WithinDeal(ctx, dealID, func(ctx context.Context, tx store.DealTx) error {
		o, err := s.buildOverride(ctx, tx, owner, in, weight)
		if err != nil {
			return err
		}
		if err := tx.AppendOverride(ctx, o); err != nil {
			return err
		}
		appended = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deals.ApplyOverride: %w", err)
	}

	log := s.log.With().Str("deal_id", dealID).Str("entity_id", appended.EntityID).Logger()
	log.Info().
		Int64("seq", appended.Seq).
		Str("field", string(appended.Field)).
		Str("new_value", appended.NewValue).
		Str("weight", ledger.FormatWeight(appended.WeightBP)).
		Msg("override appended")

	res := &OverrideResult{Override: appended}
	res.JobID = s.publish(ctx, dealID, owner, domain.TriggerOverrideApplied)
	return res, nil
}

func (s *Service) buildOverride(ctx context.Context, tx store.DealTx, owner string, in ApplyOverrideInput, weight domain.BasisPoints) (*domain.Override, error) {
	entities, err := tx.Entities(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(entities))
	for _, e := range entities {
		known[e.ID] = true
	}
	if !known[in.EntityID] {
		return nil, fmt.Errorf("entity %s: %w", in.EntityID, domain.ErrNotFound)
	}

	overrides, err := tx.Overrides(ctx)
	if err != nil {
		return nil, err
	}
	log := ledger.NewLog(overrides)

	var oldValue *string
	switch in.Field {
	case domain.OverrideFieldRole:
		role := domain.Role(in.NewValue)
		if !role.Valid() || role == domain.RoleTransfer {
			return nil, fmt.Errorf("role %q cannot be assigned by override: %w", in.NewValue, domain.ErrInvalidInput)
		}
		current, err := s.currentRole(ctx, tx, log, in.EntityID)
		if err != nil {
			return nil, err
		}
		if current != "" {
			v := string(current)
			oldValue = &v
		}
		if weight == 0 {
			weight = ledger.SuggestWeight(current, role)
		}
	case domain.OverrideFieldEntity:
		if in.NewValue == in.EntityID {
			return nil, fmt.Errorf("entity %s cannot be merged into itself: %w", in.EntityID, domain.ErrInvalidInput)
		}
		if !known[in.NewValue] {
			return nil, fmt.Errorf("merge target %s: %w", in.NewValue, domain.ErrNotFound)
		}
		if prev, ok := log.Latest(in.EntityID, domain.OverrideFieldEntity); ok {
			v := prev.NewValue
			oldValue = &v
		}
		if weight == 0 {
			weight = domain.WeightPartialBP
		}
	}

	return &domain.Override{
		ID:        uuid.NewString(),
		DealID:    tx.Deal().ID,
		EntityID:  in.EntityID,
		Field:     in.Field,
		OldValue:  oldValue,
		NewValue:  in.NewValue,
		WeightBP:  weight,
		Reason:    in.Reason,
		CreatedBy: owner,
		CreatedAt: s.now(),
	}, nil
}

// currentRole is the entity's role as the next run would see it before
// the new correction: the latest role override, else the classifier's
// role when all of the entity's non-transfer transactions agree.
func (s *Service) currentRole(ctx context.Context, tx store.DealTx, log *ledger.Log, entityID string) (domain.Role, error) {
	if prev, ok := log.Latest(entityID, domain.OverrideFieldRole); ok {
		return domain.Role(prev.NewValue), nil
	}
	links, err := tx.TransferLinks(ctx)
	if err != nil {
		return "", err
	}
	linked := transfer.Linked(links)
	mappings, err := tx.CurrentMappings(ctx, s.engine.RoleVersion())
	if err != nil {
		return "", err
	}
	var role domain.Role
	for _, m := range mappings {
		if m.EntityID != entityID || linked[m.TxnID] {
			continue
		}
		if role != "" && role != m.Role {
			return "", nil
		}
		role = m.Role
	}
	return role, nil
}

func (s *Service) publish(ctx context.Context, dealID, owner string, trigger domain.RunTrigger) string {
	if s.publisher == nil {
		return ""
	}
	job := &jobs.RecomputeJob{DealID: dealID, Owner: owner, Trigger: trigger}
	if err := s.publisher.PublishRecompute(ctx, job); err != nil {
		s.log.Error().Err(err).Str("deal_id", dealID).Str("trigger", string(trigger)).Msg("failed to publish recomputation")
		return ""
	}
	return job.JobID
}
