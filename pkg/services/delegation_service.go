package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// delegationSchema constrains delegated payloads: a non-empty object whose
// keys are section names and whose values are section documents.
var delegationSchema = gojsonschema.NewGoLoader(map[string]interface{}{
	"type":                 "object",
	"minProperties":        1,
	"additionalProperties": map[string]interface{}{"type": "object"},
})

// DelegateInput carries the arguments of a context delegation
type DelegateInput struct {
	SourceLevel     models.ContextLevel
	SourceID        uuid.UUID
	TargetLevel     models.ContextLevel
	TargetID        uuid.UUID
	Data            models.JSONMap
	Reason          string
	TriggerType     models.DelegationTrigger
	ConfidenceScore *float64
}

// DelegationService records and processes context delegations. Manual
// delegations stay pending until an operator approves them; automatic
// triggers are applied on arrival.
type DelegationService interface {
	Delegate(ctx context.Context, userID string, in DelegateInput) (*models.ContextDelegation, error)
	ListPending(ctx context.Context, userID string, targetLevel models.ContextLevel, targetID uuid.UUID) ([]*models.ContextDelegation, error)
	Process(ctx context.Context, userID string, delegationID uuid.UUID, approve bool) (*models.ContextDelegation, error)
}

type delegationService struct {
	BaseService
	delegations repository.DelegationRepository
	contexts    repository.ContextRepository
	cacheRepo   repository.InheritanceCacheRepository
}

// NewDelegationService builds the delegation half of the context engine
func NewDelegationService(cfg ServiceConfig, delegations repository.DelegationRepository, contexts repository.ContextRepository, cacheRepo repository.InheritanceCacheRepository) DelegationService {
	return &delegationService{
		BaseService: newBaseService(cfg, "delegation_service"),
		delegations: delegations,
		contexts:    contexts,
		cacheRepo:   cacheRepo,
	}
}

func (s *delegationService) Delegate(ctx context.Context, userID string, in DelegateInput) (*models.ContextDelegation, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	if !models.ValidContextLevel(in.SourceLevel) {
		return nil, apperrors.Validation("source_level", "unknown context level: %q", in.SourceLevel)
	}
	if !models.ValidContextLevel(in.TargetLevel) {
		return nil, apperrors.Validation("target_level", "unknown context level: %q", in.TargetLevel)
	}
	if in.SourceLevel == in.TargetLevel && in.SourceID == in.TargetID {
		return nil, apperrors.Validation("target_id", "delegation source and target are the same context")
	}
	switch in.TriggerType {
	case models.TriggerManual, models.TriggerAutoPattern, models.TriggerAutoThreshold:
	default:
		return nil, apperrors.Validation("trigger_type", "unknown trigger type: %q", in.TriggerType)
	}
	if err := validateDelegatedData(in.Data); err != nil {
		return nil, err
	}

	d := &models.ContextDelegation{
		ID:               uuid.New(),
		UserID:           userID,
		SourceLevel:      in.SourceLevel,
		SourceID:         in.SourceID,
		TargetLevel:      in.TargetLevel,
		TargetID:         in.TargetID,
		DelegatedData:    in.Data,
		DelegationReason: in.Reason,
		TriggerType:      in.TriggerType,
		ConfidenceScore:  in.ConfidenceScore,
		Status:           models.DelegationStatusPending,
	}
	d.InitTimestamps()

	scope := repository.UserScope(userID)
	if err := s.delegations.Create(ctx, scope, d); err != nil {
		return nil, err
	}
	s.metrics.IncrementCounterWithLabels("context_delegations", 1, map[string]string{
		"trigger": string(in.TriggerType),
	})

	// Automatic triggers carry their own decision; apply them immediately.
	// Manual delegations wait for an operator.
	if in.TriggerType != models.TriggerManual {
		return s.apply(ctx, scope, d, true)
	}
	return d, nil
}

func (s *delegationService) ListPending(ctx context.Context, userID string, targetLevel models.ContextLevel, targetID uuid.UUID) ([]*models.ContextDelegation, error) {
	return s.delegations.ListPending(ctx, repository.UserScope(userID), targetLevel, targetID)
}

func (s *delegationService) Process(ctx context.Context, userID string, delegationID uuid.UUID, approve bool) (*models.ContextDelegation, error) {
	if err := s.checkRateLimit(); err != nil {
		return nil, err
	}
	scope := repository.UserScope(userID)
	d, err := s.delegations.Get(ctx, scope, delegationID)
	if err != nil {
		return nil, err
	}
	if d.Processed {
		return d, nil
	}
	return s.apply(ctx, scope, d, approve)
}

// apply merges an approved delegation into the target level's sections and
// marks the delegation processed. A failed merge is recorded on the
// delegation itself as status error.
func (s *delegationService) apply(ctx context.Context, scope repository.Scope, d *models.ContextDelegation, approve bool) (*models.ContextDelegation, error) {
	approved := approve
	d.Approved = &approved
	d.Processed = true

	if !approve {
		d.Status = models.DelegationStatusProcessed
		d.Touch()
		if err := s.delegations.Save(ctx, scope, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	if err := s.mergeIntoTarget(ctx, scope, d); err != nil {
		d.Status = models.DelegationStatusError
		d.ErrorMessage = err.Error()
		d.Touch()
		if saveErr := s.delegations.Save(ctx, scope, d); saveErr != nil {
			return nil, saveErr
		}
		return d, nil
	}

	d.Status = models.DelegationStatusProcessed
	d.ErrorMessage = ""
	d.Touch()
	if err := s.delegations.Save(ctx, scope, d); err != nil {
		return nil, err
	}
	return d, nil
}

// mergeIntoTarget deep-merges the delegated sections into the target level
// and invalidates the affected cache subtree.
func (s *delegationService) mergeIntoTarget(ctx context.Context, scope repository.Scope, d *models.ContextDelegation) error {
	switch d.TargetLevel {
	case models.ContextLevelGlobal:
		gc, err := s.contexts.GetOrCreateGlobal(ctx, scope)
		if err != nil {
			return err
		}
		for _, section := range gc.Sections() {
			if incoming, ok := asMap(d.DelegatedData[section.Name]); ok {
				gc.SetSection(section.Name, models.JSONMap(deepMerge(section.Data, incoming)))
			}
		}
		if err := s.contexts.SaveGlobal(ctx, scope, gc); err != nil {
			return err
		}
		return s.cacheRepo.InvalidateUser(ctx, scope, "delegation merged into global context")

	case models.ContextLevelProject:
		pc, err := s.contexts.GetProject(ctx, scope, d.TargetID)
		if err != nil {
			return err
		}
		if err := mergeDelegatedSections(d.DelegatedData, pc.Sections(), pc.SetSection); err != nil {
			return err
		}
		if err := s.contexts.SaveProject(ctx, scope, pc); err != nil {
			return err
		}
		return s.invalidatePair(ctx, scope, d.TargetID, models.ContextLevelProject, pc.ID)

	case models.ContextLevelBranch:
		bc, err := s.contexts.GetBranch(ctx, scope, d.TargetID)
		if err != nil {
			return err
		}
		if err := mergeDelegatedSections(d.DelegatedData, bc.Sections(), bc.SetSection); err != nil {
			return err
		}
		if err := s.contexts.SaveBranch(ctx, scope, bc); err != nil {
			return err
		}
		return s.invalidatePair(ctx, scope, d.TargetID, models.ContextLevelBranch, bc.ID)

	case models.ContextLevelTask:
		tc, err := s.contexts.GetTask(ctx, scope, d.TargetID)
		if err != nil {
			return err
		}
		if err := mergeDelegatedSections(d.DelegatedData, tc.Sections(), tc.SetSection); err != nil {
			return err
		}
		if err := s.contexts.SaveTask(ctx, scope, tc); err != nil {
			return err
		}
		return s.cacheRepo.Invalidate(ctx, scope, d.TargetID, models.ContextLevelTask, "delegation merged")
	}
	return apperrors.Validation("target_level", "unknown context level: %q", d.TargetLevel)
}

func (s *delegationService) invalidatePair(ctx context.Context, scope repository.Scope, id uuid.UUID, level models.ContextLevel, rowID uuid.UUID) error {
	if err := s.cacheRepo.Invalidate(ctx, scope, id, level, "delegation merged"); err != nil {
		return err
	}
	return s.cacheRepo.InvalidateByAncestor(ctx, scope, rowID, "delegation merged into ancestor")
}

// mergeDelegatedSections folds every delegated section the target level
// declares. Sections the target does not declare fail the merge.
func mergeDelegatedSections(data models.JSONMap, sections []models.Section, set func(string, models.JSONMap) bool) error {
	declared := make(map[string]models.JSONMap, len(sections))
	for _, section := range sections {
		declared[section.Name] = section.Data
	}
	for name, raw := range data {
		incoming, ok := asMap(raw)
		if !ok {
			return apperrors.Validation("delegated_data", "section %q is not an object", name)
		}
		existing, known := declared[name]
		if !known {
			return apperrors.Validation("delegated_data", "target level has no section %q", name)
		}
		if !set(name, models.JSONMap(deepMerge(existing, incoming))) {
			return apperrors.Validation("delegated_data", "target level has no section %q", name)
		}
	}
	return nil
}

func validateDelegatedData(data models.JSONMap) error {
	if len(data) == 0 {
		return apperrors.Validation("delegated_data", "delegated data is required")
	}
	result, err := gojsonschema.Validate(delegationSchema, gojsonschema.NewGoLoader(map[string]interface{}(data)))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeValidation, "delegated data is not a valid document")
	}
	if !result.Valid() {
		return apperrors.Validation("delegated_data", "delegated data must map section names to objects: %v", result.Errors())
	}
	return nil
}
