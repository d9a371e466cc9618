// Package rollback reverses applied suggestions from their stored records.
package rollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"muse/api/internal/execute"
	"muse/api/internal/logging"
	"muse/api/internal/store"
)

var ErrUnsupported = errors.New("rollback not supported")

// BlockedError reports relationships that still reference an entity slated
// for deletion.
type BlockedError struct {
	EntityID          string
	RelationshipCount int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("entity %s has %d dependent relationships; cascade required", e.EntityID, e.RelationshipCount)
}

type Store interface {
	GetEntity(ctx context.Context, entityID string) (store.Entity, error)
	UpdateEntity(ctx context.Context, entityID string, patch store.EntityPatch) error
	DeleteEntity(ctx context.Context, entityID string, cascade bool) (int, error)
	ListEntityRelationships(ctx context.Context, entityID string) ([]store.Relationship, error)
	UpdateRelationship(ctx context.Context, relationshipID string, patch store.RelationshipPatch) error
	DeleteRelationship(ctx context.Context, relationshipID string) error
	DeleteMemory(ctx context.Context, memoryID string) error
	DeleteComment(ctx context.Context, commentID string) error
}

// IndexRemover drops a memory from the search index.
type IndexRemover interface {
	RemoveMemory(ctx context.Context, memoryID string) error
}

type Impact struct {
	Kind                   string   `json:"kind"`
	TargetID               string   `json:"targetId"`
	DependentRelationships []string `json:"dependentRelationships"`
	RequiresCascade        bool     `json:"requiresCascade"`
}

type Outcome struct {
	Kind                      string `json:"kind"`
	TargetID                  string `json:"targetId"`
	DeletedRelationshipsCount int    `json:"deletedRelationshipsCount"`
	// AlreadyGone is set when the target had been removed by other means.
	AlreadyGone bool `json:"alreadyGone,omitempty"`
}

type Engine struct {
	store  Store
	index  IndexRemover
	logger *zap.Logger
}

func New(s Store, index IndexRemover, logger *zap.Logger) *Engine {
	return &Engine{store: s, index: index, logger: logging.OrNop(logger)}
}

func targetID(record execute.RollbackRecord) string {
	switch record.Kind {
	case "entity.create", "entity.update":
		return record.EntityID
	case "relationship.create", "relationship.update":
		return record.RelationshipID
	case "memory.commit":
		return record.MemoryID
	case "comment.add":
		return record.CommentID
	default:
		return ""
	}
}

// Supported reports whether Apply knows how to reverse the record.
func Supported(record *execute.RollbackRecord) bool {
	return record != nil && targetID(*record) != ""
}

func (e *Engine) Impact(ctx context.Context, record execute.RollbackRecord) (Impact, error) {
	if !Supported(&record) {
		return Impact{}, fmt.Errorf("%w: %q", ErrUnsupported, record.Kind)
	}
	impact := Impact{Kind: record.Kind, TargetID: targetID(record), DependentRelationships: []string{}}
	if record.Kind != "entity.create" {
		return impact, nil
	}
	rels, err := e.store.ListEntityRelationships(ctx, record.EntityID)
	if err != nil {
		return Impact{}, fmt.Errorf("list dependent relationships: %w", err)
	}
	for _, rel := range rels {
		impact.DependentRelationships = append(impact.DependentRelationships, rel.ID)
	}
	impact.RequiresCascade = len(rels) > 0
	return impact, nil
}

// Apply reverses one record. A create is undone by deleting what it made; an
// update is undone by restoring the captured fields.
func (e *Engine) Apply(ctx context.Context, record execute.RollbackRecord, cascade bool) (Outcome, error) {
	if !Supported(&record) {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnsupported, record.Kind)
	}
	out := Outcome{Kind: record.Kind, TargetID: targetID(record)}
	var err error
	switch record.Kind {
	case "entity.create":
		out.DeletedRelationshipsCount, err = e.deleteEntity(ctx, record.EntityID, cascade)
	case "entity.update":
		err = e.store.UpdateEntity(ctx, record.EntityID, entityPatch(record))
	case "relationship.create":
		err = e.store.DeleteRelationship(ctx, record.RelationshipID)
	case "relationship.update":
		err = e.store.UpdateRelationship(ctx, record.RelationshipID, relationshipPatch(record))
	case "memory.commit":
		err = e.store.DeleteMemory(ctx, record.MemoryID)
		if record.Indexed && (err == nil || errors.Is(err, sql.ErrNoRows)) {
			e.removeFromIndex(ctx, record.MemoryID)
		}
	case "comment.add":
		err = e.store.DeleteComment(ctx, record.CommentID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		e.logger.Info("rollback target already gone", zap.String("kind", record.Kind), zap.String("target_id", out.TargetID))
		out.AlreadyGone = true
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (e *Engine) deleteEntity(ctx context.Context, entityID string, cascade bool) (int, error) {
	if !cascade {
		rels, err := e.store.ListEntityRelationships(ctx, entityID)
		if err != nil {
			return 0, fmt.Errorf("list dependent relationships: %w", err)
		}
		if len(rels) > 0 {
			return 0, &BlockedError{EntityID: entityID, RelationshipCount: len(rels)}
		}
	}
	deleted, err := e.store.DeleteEntity(ctx, entityID, cascade)
	if errors.Is(err, store.ErrForeignKey) {
		// A relationship was added between the check and the delete.
		rels, listErr := e.store.ListEntityRelationships(ctx, entityID)
		if listErr != nil {
			return 0, err
		}
		return 0, &BlockedError{EntityID: entityID, RelationshipCount: len(rels)}
	}
	return deleted, err
}

func (e *Engine) removeFromIndex(ctx context.Context, memoryID string) {
	if e.index == nil {
		return
	}
	if err := e.index.RemoveMemory(ctx, memoryID); err != nil {
		e.logger.Warn("remove memory from index failed", zap.String("memory_id", memoryID), zap.Error(err))
	}
}

func entityPatch(record execute.RollbackRecord) store.EntityPatch {
	var patch store.EntityPatch
	if value, present := record.Before["name"]; present {
		name, _ := value.(string)
		patch.Name = &name
	}
	if value, present := record.Before["aliases"]; present {
		aliases := execute.ToStringSlice(value)
		patch.Aliases = &aliases
	}
	if value, present := record.Before["notes"]; present {
		notes, _ := value.(string)
		patch.Notes = &notes
	}
	patch.SetProperties, patch.DeleteProperties = restoreProperties(record)
	return patch
}

func relationshipPatch(record execute.RollbackRecord) store.RelationshipPatch {
	var patch store.RelationshipPatch
	patch.SetProperties, patch.DeleteProperties = restoreProperties(record)
	return patch
}

func restoreProperties(record execute.RollbackRecord) (map[string]any, []string) {
	set := map[string]any{}
	if prior, isMap := record.Before["properties"].(map[string]any); isMap {
		for key, value := range prior {
			set[key] = value
		}
	}
	return set, append([]string{}, record.AbsentKeys...)
}
