// Package suggestion runs the review lifecycle of agent-proposed knowledge
// changes: propose, preflight, decide, execute and roll back.
package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"muse/api/internal/activity"
	"muse/api/internal/apperr"
	"muse/api/internal/execute"
	"muse/api/internal/logging"
	"muse/api/internal/metrics"
	"muse/api/internal/patch"
	"muse/api/internal/preflight"
	"muse/api/internal/rbac"
	"muse/api/internal/registry"
	"muse/api/internal/rollback"
	"muse/api/internal/store"
	"muse/api/internal/tools"
	"muse/api/internal/util"
)

type Store interface {
	preflight.Store
	execute.Store
	rollback.Store
	registry.Source
	InsertSuggestion(ctx context.Context, item store.Suggestion) (bool, error)
	GetSuggestion(ctx context.Context, suggestionID string) (store.Suggestion, error)
	GetSuggestionByToolCall(ctx context.Context, toolCallID string) (*store.Suggestion, error)
	ListSuggestions(ctx context.Context, projectID, status string, limit int) ([]store.Suggestion, error)
	UpdateSuggestionPreflight(ctx context.Context, suggestionID string, preflight store.PreflightResult, targetID string) (bool, error)
	ClaimSuggestion(ctx context.Context, suggestionID, resolvedBy string) (bool, error)
	RejectSuggestion(ctx context.Context, suggestionID, resolvedBy, reason string) (bool, error)
	FailSuggestion(ctx context.Context, suggestionID, reason string, execution store.ExecutionResult) (bool, error)
	CompleteSuggestion(ctx context.Context, suggestionID, targetID string, execution store.ExecutionResult) (bool, error)
	MarkSuggestionRolledBack(ctx context.Context, suggestionID, rolledBackBy string) (bool, error)
	GetProjectRole(ctx context.Context, projectID, userID string) (string, error)
}

// Index is the search index committed memories are written to.
type Index interface {
	execute.MemoryIndex
	rollback.IndexRemover
}

type Deps struct {
	Store    Store
	Index    Index
	Blobs    execute.BlobRemover
	Notifier *activity.Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Service struct {
	store      Store
	validator  *preflight.Validator
	dispatcher *execute.Dispatcher
	rollback   *rollback.Engine
	notifier   *activity.Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func New(deps Deps) *Service {
	logger := logging.OrNop(deps.Logger).Named("suggestion")
	opts := []execute.Option{execute.WithLogger(logger)}
	var remover rollback.IndexRemover
	if deps.Index != nil {
		opts = append(opts, execute.WithMemoryIndex(deps.Index))
		remover = deps.Index
	}
	if deps.Blobs != nil {
		opts = append(opts, execute.WithBlobRemover(deps.Blobs))
	}
	return &Service{
		store:      deps.Store,
		validator:  preflight.New(deps.Store),
		dispatcher: execute.NewDispatcher(deps.Store, opts...),
		rollback:   rollback.New(deps.Store, remover, logger),
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// Propose records a tool call for review. Re-submitting a tool call id returns
// the stored suggestion unchanged.
func (s *Service) Propose(ctx context.Context, input ProposeInput) (ProposeOutput, error) {
	input.ProjectID = strings.TrimSpace(input.ProjectID)
	input.ToolCallID = strings.TrimSpace(input.ToolCallID)
	if input.ProjectID == "" || input.ToolCallID == "" {
		return ProposeOutput{}, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId and toolCallId are required", nil)
	}
	spec, ok := tools.Lookup(input.ToolName)
	if !ok {
		return ProposeOutput{}, apperr.New(http.StatusUnprocessableEntity, "UNSUPPORTED_TOOL", fmt.Sprintf("unsupported tool %q", input.ToolName), nil)
	}
	if input.RiskLevel != "" {
		switch rbac.RiskLevel(input.RiskLevel) {
		case rbac.RiskLow, rbac.RiskHigh, rbac.RiskCore:
		default:
			return ProposeOutput{}, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "riskLevel must be one of low, high, core", nil)
		}
	}

	existing, err := s.store.GetSuggestionByToolCall(ctx, input.ToolCallID)
	if err != nil {
		return ProposeOutput{}, fmt.Errorf("lookup tool call: %w", err)
	}
	if existing != nil {
		return ProposeOutput{Suggestion: *existing}, nil
	}

	args, citations := splitCitations(input.Args)
	cache := registry.NewCache(s.store)
	result := s.validator.Run(ctx, preflight.Request{
		ProjectID: input.ProjectID,
		Tool:      spec.Name,
		Args:      args,
		Mode:      preflight.ModePropose,
		Registry:  cache,
	})

	// A proposer may raise the risk but never lower it below the tool or
	// registry level.
	risk := rbac.Stricter(spec.DefaultRisk, rbac.RiskLevel(s.registryRisk(ctx, cache, input.ProjectID, spec, args)))
	risk = rbac.Stricter(risk, rbac.RiskLevel(input.RiskLevel))

	var normalized json.RawMessage
	if ops, ok := patch.Normalize(spec.Name, args); ok {
		normalized, err = json.Marshal(ops)
		if err != nil {
			return ProposeOutput{}, fmt.Errorf("encode normalized patch: %w", err)
		}
	}

	provenance := input.Provenance
	if provenance.ToolCallID == "" {
		provenance.ToolCallID = input.ToolCallID
	}
	item := store.Suggestion{
		ID:              util.NewID("sug"),
		ToolCallID:      input.ToolCallID,
		ProjectID:       input.ProjectID,
		TargetKind:      string(spec.Target),
		TargetID:        result.ResolvedTargetID,
		ToolName:        string(spec.Name),
		Operation:       spec.Operation,
		Patch:           args,
		NormalizedPatch: normalized,
		Citations:       citations,
		RiskLevel:       string(risk),
		Status:          store.StatusProposed,
		Preflight:       &result,
		Actor:           input.Actor,
		Provenance:      provenance,
	}
	inserted, err := s.store.InsertSuggestion(ctx, item)
	if err != nil {
		return ProposeOutput{}, fmt.Errorf("insert suggestion: %w", err)
	}
	if !inserted {
		// Lost a race with a concurrent submission of the same tool call.
		existing, err := s.store.GetSuggestionByToolCall(ctx, input.ToolCallID)
		if err != nil {
			return ProposeOutput{}, fmt.Errorf("lookup tool call: %w", err)
		}
		if existing == nil {
			return ProposeOutput{}, fmt.Errorf("suggestion for tool call %s vanished", input.ToolCallID)
		}
		return ProposeOutput{Suggestion: *existing}, nil
	}

	stored, err := s.store.GetSuggestion(ctx, item.ID)
	if err != nil {
		return ProposeOutput{}, fmt.Errorf("reload suggestion: %w", err)
	}
	s.metrics.ObserveProposed(stored.ToolName)
	s.metrics.ObservePreflight(result.Status)
	s.notify(ctx, activity.SuggestionProposed, stored, input.Actor.ID, map[string]any{
		"tool":            stored.ToolName,
		"preflightStatus": result.Status,
	})
	return ProposeOutput{Suggestion: stored, Created: true}, nil
}

// registryRisk returns the risk level the project's type registry declares
// for the target type, or "" to fall back to the tool default.
func (s *Service) registryRisk(ctx context.Context, cache *registry.Cache, projectID string, spec tools.Spec, args map[string]any) string {
	var kind string
	switch spec.Target {
	case tools.TargetNode:
		kind = store.TypeKindEntity
	case tools.TargetEdge:
		kind = store.TypeKindRelationship
	default:
		return ""
	}
	typeName, _ := args["type"].(string)
	if typeName == "" {
		return ""
	}
	reg, err := cache.Get(ctx, projectID)
	if err != nil {
		return ""
	}
	def, ok := reg.Lookup(kind, typeName)
	if !ok || def.Definition.RiskLevel == "" {
		return ""
	}
	return string(rbac.NormalizeRisk(def.Definition.RiskLevel))
}

// RerunPreflight re-checks a pending suggestion against current state.
func (s *Service) RerunPreflight(ctx context.Context, caller Caller, suggestionID string) (store.PreflightResult, error) {
	item, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return store.PreflightResult{}, err
	}
	if item.Status != store.StatusProposed {
		return store.PreflightResult{}, notProposed(item)
	}
	result := s.check(ctx, registry.NewCache(s.store), item)
	updated, err := s.store.UpdateSuggestionPreflight(ctx, item.ID, result, result.ResolvedTargetID)
	if err != nil {
		return store.PreflightResult{}, fmt.Errorf("save preflight: %w", err)
	}
	if !updated {
		current, err := s.store.GetSuggestion(ctx, item.ID)
		if err != nil {
			return store.PreflightResult{}, err
		}
		return store.PreflightResult{}, notProposed(current)
	}
	s.metrics.ObservePreflight(result.Status)
	s.notify(ctx, activity.SuggestionPreflight, item, caller.UserID, map[string]any{"status": result.Status})
	return result, nil
}

func (s *Service) check(ctx context.Context, cache *registry.Cache, item store.Suggestion) store.PreflightResult {
	return s.validator.Run(ctx, preflight.Request{
		ProjectID: item.ProjectID,
		Tool:      tools.Name(item.ToolName),
		Args:      item.Patch,
		Mode:      preflight.ModeCheck,
		Previous:  item.Preflight,
		Registry:  cache,
	})
}

// ApplyDecisions approves or rejects a batch. Every suggestion must exist and
// the caller must be allowed to decide all of them before any is touched;
// after that, items are processed one at a time and an item's failure is
// reported in its result rather than aborting the batch.
func (s *Service) ApplyDecisions(ctx context.Context, caller Caller, suggestionIDs []string, decision string) ([]DecisionResult, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be approve or reject", nil)
	}
	if len(suggestionIDs) == 0 {
		return nil, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "suggestionIds is required", nil)
	}

	items := make([]store.Suggestion, 0, len(suggestionIDs))
	roles := map[string]rbac.Role{}
	for _, id := range suggestionIDs {
		item, err := s.store.GetSuggestion(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load suggestion %s: %w", id, err)
		}
		role, err := s.role(ctx, roles, item.ProjectID, caller.UserID)
		if err != nil {
			return nil, err
		}
		if err := rbac.AuthorizeDecision(role, tools.EffectiveRisk(tools.Name(item.ToolName), item.RiskLevel)); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	cache := registry.NewCache(s.store)
	results := make([]DecisionResult, 0, len(items))
	for _, item := range items {
		// An earlier entry in the batch may already have decided this one.
		if current, err := s.store.GetSuggestion(ctx, item.ID); err == nil {
			item = current
		}
		var result DecisionResult
		if decision == DecisionApprove {
			result = s.approve(ctx, cache, caller, item)
		} else {
			result = s.reject(ctx, caller, item)
		}
		outcome := result.Status
		if result.Skipped {
			outcome = "skipped"
		}
		s.metrics.ObserveDecision(decision, outcome)
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) role(ctx context.Context, cache map[string]rbac.Role, projectID, userID string) (rbac.Role, error) {
	if role, ok := cache[projectID]; ok {
		return role, nil
	}
	raw, err := s.store.GetProjectRole(ctx, projectID, userID)
	if err != nil {
		return "", fmt.Errorf("load project role: %w", err)
	}
	role := rbac.Normalize(raw)
	cache[projectID] = role
	return role, nil
}

func skipped(item store.Suggestion) DecisionResult {
	return DecisionResult{SuggestionID: item.ID, Status: item.Status, Skipped: true}
}

func (s *Service) reject(ctx context.Context, caller Caller, item store.Suggestion) DecisionResult {
	if item.Status != store.StatusProposed {
		return skipped(item)
	}
	const reason = "rejected by reviewer"
	ok, err := s.store.RejectSuggestion(ctx, item.ID, caller.UserID, reason)
	if err != nil {
		return DecisionResult{SuggestionID: item.ID, Status: OutcomeFailed, Error: err.Error()}
	}
	if !ok {
		return s.reloadSkipped(ctx, item)
	}
	s.notify(ctx, activity.SuggestionRejected, item, caller.UserID, map[string]any{"reason": reason})
	return DecisionResult{SuggestionID: item.ID, Status: OutcomeRejected}
}

func (s *Service) approve(ctx context.Context, cache *registry.Cache, caller Caller, item store.Suggestion) DecisionResult {
	if item.Status != store.StatusProposed {
		return skipped(item)
	}

	check := s.check(ctx, cache, item)
	updated, err := s.store.UpdateSuggestionPreflight(ctx, item.ID, check, check.ResolvedTargetID)
	if err != nil {
		return DecisionResult{SuggestionID: item.ID, Status: OutcomeFailed, Error: err.Error()}
	}
	if !updated {
		return s.reloadSkipped(ctx, item)
	}
	s.metrics.ObservePreflight(check.Status)
	s.notify(ctx, activity.SuggestionPreflight, item, caller.UserID, map[string]any{"status": check.Status})
	if check.Status != store.PreflightOK {
		return DecisionResult{SuggestionID: item.ID, Status: check.Status, Error: strings.Join(check.Errors, "; ")}
	}

	claimed, err := s.store.ClaimSuggestion(ctx, item.ID, caller.UserID)
	if err != nil {
		return DecisionResult{SuggestionID: item.ID, Status: OutcomeFailed, Error: err.Error()}
	}
	if !claimed {
		return s.reloadSkipped(ctx, item)
	}

	result := s.dispatcher.Dispatch(ctx, execute.Call{
		SuggestionID: item.ID,
		ProjectID:    item.ProjectID,
		Tool:         tools.Name(item.ToolName),
		Args:         item.Patch,
		TargetID:     check.ResolvedTargetID,
		Actor:        caller.actor(),
		Provenance:   item.Provenance,
	})
	execution := result.Execution()
	if !result.Success {
		if _, err := s.store.FailSuggestion(ctx, item.ID, result.Message, execution); err != nil {
			s.logger.Error("record execution failure", zap.String("suggestion_id", item.ID), zap.Error(err))
		}
		s.notify(ctx, activity.SuggestionFailed, item, caller.UserID, map[string]any{"error": result.Message})
		return DecisionResult{SuggestionID: item.ID, Status: OutcomeFailed, Error: result.Message}
	}

	if _, err := s.store.CompleteSuggestion(ctx, item.ID, result.Value.ID, execution); err != nil {
		s.logger.Error("record execution result", zap.String("suggestion_id", item.ID), zap.Error(err))
		return DecisionResult{SuggestionID: item.ID, Status: OutcomeFailed, Error: err.Error()}
	}
	s.notify(ctx, activity.SuggestionAccepted, item, caller.UserID, map[string]any{
		"artifactKind": result.Value.Kind,
		"artifactId":   result.Value.ID,
	})
	return DecisionResult{SuggestionID: item.ID, Status: OutcomeAccepted}
}

func (s *Service) reloadSkipped(ctx context.Context, item store.Suggestion) DecisionResult {
	if current, err := s.store.GetSuggestion(ctx, item.ID); err == nil {
		item = current
	}
	return skipped(item)
}

// Rollback reverses an accepted suggestion. A second call reports
// AlreadyRolledBack instead of failing.
func (s *Service) Rollback(ctx context.Context, caller Caller, suggestionID string, cascade bool) (RollbackOutput, error) {
	item, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return RollbackOutput{}, err
	}
	role, err := s.role(ctx, map[string]rbac.Role{}, item.ProjectID, caller.UserID)
	if err != nil {
		return RollbackOutput{}, err
	}
	if err := rbac.AuthorizeDecision(role, tools.EffectiveRisk(tools.Name(item.ToolName), item.RiskLevel)); err != nil {
		return RollbackOutput{}, err
	}
	if item.Status == store.StatusRolledBack {
		return RollbackOutput{Success: true, AlreadyRolledBack: true}, nil
	}
	if item.Status != store.StatusAccepted {
		return RollbackOutput{}, apperr.New(http.StatusConflict, "NOT_APPLIED", "only accepted suggestions can be rolled back", map[string]any{"status": item.Status})
	}
	record := rollbackRecord(item)
	if !rollback.Supported(record) {
		return RollbackOutput{}, apperr.New(http.StatusConflict, "ROLLBACK_UNSUPPORTED", fmt.Sprintf("%s cannot be rolled back", item.ToolName), nil)
	}

	outcome, err := s.rollback.Apply(ctx, *record, cascade)
	var blocked *rollback.BlockedError
	if errors.As(err, &blocked) {
		s.metrics.ObserveRollback(record.Kind, "blocked")
		return RollbackOutput{}, apperr.New(http.StatusConflict, "ROLLBACK_BLOCKED", blocked.Error(), map[string]any{
			"relationshipCount": blocked.RelationshipCount,
		})
	}
	if err != nil {
		s.metrics.ObserveRollback(record.Kind, "error")
		return RollbackOutput{}, fmt.Errorf("rollback %s: %w", item.ID, err)
	}

	marked, err := s.store.MarkSuggestionRolledBack(ctx, item.ID, caller.UserID)
	if err != nil {
		return RollbackOutput{}, fmt.Errorf("mark rolled back: %w", err)
	}
	if !marked {
		return RollbackOutput{Success: true, AlreadyRolledBack: true}, nil
	}
	s.metrics.ObserveRollback(record.Kind, "ok")
	s.notify(ctx, activity.SuggestionRolledBack, item, caller.UserID, map[string]any{
		"kind":                      record.Kind,
		"cascade":                   cascade,
		"deletedRelationshipsCount": outcome.DeletedRelationshipsCount,
		"alreadyGone":               outcome.AlreadyGone,
	})
	return RollbackOutput{Success: true, DeletedRelationshipsCount: outcome.DeletedRelationshipsCount}, nil
}

// RollbackImpact previews what Rollback would do without changing anything.
func (s *Service) RollbackImpact(ctx context.Context, suggestionID string) (ImpactOutput, error) {
	item, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return ImpactOutput{}, err
	}
	switch item.Status {
	case store.StatusAccepted:
	case store.StatusRolledBack:
		return ImpactOutput{Reason: "already rolled back"}, nil
	default:
		return ImpactOutput{Reason: fmt.Sprintf("suggestion is %s, not accepted", item.Status)}, nil
	}
	record := rollbackRecord(item)
	if !rollback.Supported(record) {
		return ImpactOutput{Reason: fmt.Sprintf("%s cannot be rolled back", item.ToolName)}, nil
	}
	impact, err := s.rollback.Impact(ctx, *record)
	if err != nil {
		return ImpactOutput{}, fmt.Errorf("rollback impact: %w", err)
	}
	return ImpactOutput{CanRollback: true, Impact: &impact}, nil
}

func (s *Service) Get(ctx context.Context, suggestionID string) (store.Suggestion, error) {
	return s.store.GetSuggestion(ctx, suggestionID)
}

func (s *Service) List(ctx context.Context, projectID, status string, limit int) ([]store.Suggestion, error) {
	switch status {
	case "", store.StatusProposed, store.StatusAccepted, store.StatusRejected, store.StatusRolledBack:
	default:
		return nil, apperr.New(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status filter", map[string]any{"status": status})
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListSuggestions(ctx, projectID, status, limit)
}

func rollbackRecord(item store.Suggestion) *execute.RollbackRecord {
	if item.Result == nil {
		return nil
	}
	return item.Result.Rollback
}

func notProposed(item store.Suggestion) error {
	return apperr.New(http.StatusConflict, "NOT_PROPOSED", "suggestion is no longer pending review", map[string]any{"status": item.Status})
}

func (s *Service) notify(ctx context.Context, eventType string, item store.Suggestion, actorID string, payload map[string]any) {
	s.notifier.Notify(ctx, activity.Event{
		Type:         eventType,
		ProjectID:    item.ProjectID,
		SuggestionID: item.ID,
		ActorID:      actorID,
		Payload:      payload,
		At:           time.Now().UTC(),
	})
}
