// Package execute applies approved suggestions and records how to reverse them.
package execute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"muse/api/internal/logging"
	"muse/api/internal/resolver"
	"muse/api/internal/store"
	"muse/api/internal/tools"
	"muse/api/internal/util"
)

type Store interface {
	resolver.Lookup
	InsertEntity(ctx context.Context, item store.Entity) error
	GetEntity(ctx context.Context, entityID string) (store.Entity, error)
	UpdateEntity(ctx context.Context, entityID string, patch store.EntityPatch) error
	InsertRelationship(ctx context.Context, item store.Relationship) error
	GetRelationship(ctx context.Context, relationshipID string) (store.Relationship, error)
	UpdateRelationship(ctx context.Context, relationshipID string, patch store.RelationshipPatch) error
	InsertMemory(ctx context.Context, item store.Memory) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	InsertComment(ctx context.Context, item store.Comment) error
}

// MemoryIndex receives committed memories for search.
type MemoryIndex interface {
	IndexMemory(ctx context.Context, memory store.Memory) error
}

// BlobRemover deletes stored document content.
type BlobRemover interface {
	RemoveBlob(ctx context.Context, key string) error
}

// Call is one approved suggestion ready to run.
type Call struct {
	SuggestionID string
	ProjectID    string
	Tool         tools.Name
	Args         map[string]any
	// TargetID is the id preflight resolved; update operations never re-resolve names.
	TargetID   string
	Actor      store.Actor
	Provenance store.Provenance
}

type Dispatcher struct {
	store    Store
	resolver *resolver.Resolver
	index    MemoryIndex
	blobs    BlobRemover
	logger   *zap.Logger
	newID    func(prefix string) string
}

type Option func(*Dispatcher)

func WithMemoryIndex(index MemoryIndex) Option {
	return func(d *Dispatcher) { d.index = index }
}

func WithBlobRemover(blobs BlobRemover) Option {
	return func(d *Dispatcher) { d.blobs = blobs }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(logger) }
}

func NewDispatcher(s Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		resolver: resolver.New(s),
		logger:   zap.NewNop(),
		newID:    util.NewID,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch decodes the call and runs the matching executor. Failures are
// reported in the envelope, never as a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Result[store.Artifact] {
	op, err := Decode(call.Tool, call.Args)
	if err != nil {
		return fail[store.Artifact]("%v", err)
	}
	switch op := op.(type) {
	case CreateEntity:
		return Primary(d.createEntity(ctx, call, op))
	case UpdateEntity:
		return Primary(d.updateEntity(ctx, call, op))
	case CreateRelationship:
		return Primary(d.createRelationship(ctx, call, op))
	case UpdateRelationship:
		return Primary(d.updateRelationship(ctx, call, op))
	case CommitMemory:
		return Primary(d.commitMemory(ctx, call, op))
	case AddComment:
		return Primary(d.addComment(ctx, call, op))
	case DeleteDocument:
		return Primary(d.deleteDocument(ctx, call, op))
	default:
		return fail[store.Artifact]("%v %q", ErrUnsupported, call.Tool)
	}
}

func (d *Dispatcher) createEntity(ctx context.Context, call Call, op CreateEntity) Result[store.Entity] {
	entity := store.Entity{
		ID:         d.newID("ent"),
		ProjectID:  call.ProjectID,
		Name:       op.Name,
		Type:       op.Type,
		Aliases:    op.Aliases,
		Notes:      op.Notes,
		Properties: op.Properties,
	}
	if err := d.store.InsertEntity(ctx, entity); err != nil {
		return fail[store.Entity]("create entity: %v", err)
	}
	return ok(entity,
		store.Artifact{Kind: "entity", ID: entity.ID},
		&RollbackRecord{Kind: "entity.create", EntityID: entity.ID},
	)
}

func (d *Dispatcher) updateEntity(ctx context.Context, call Call, op UpdateEntity) Result[store.Entity] {
	if call.TargetID == "" {
		return fail[store.Entity]("update entity: no resolved target")
	}
	current, err := d.store.GetEntity(ctx, call.TargetID)
	if err != nil {
		return fail[store.Entity]("load entity %s: %v", call.TargetID, notFound(err))
	}

	before := map[string]any{}
	var patch store.EntityPatch
	if value, present := op.Updates["name"]; present {
		before["name"] = current.Name
		name, _ := value.(string)
		patch.Name = &name
	}
	if value, present := op.Updates["aliases"]; present {
		before["aliases"] = toAnySlice(current.Aliases)
		aliases := toStringSlice(value)
		patch.Aliases = &aliases
	}
	if value, present := op.Updates["notes"]; present {
		before["notes"] = current.Notes
		notes, _ := value.(string)
		patch.Notes = &notes
	}
	var absent []string
	if props, isMap := op.Updates["properties"].(map[string]any); isMap {
		var prior map[string]any
		prior, absent = captureProperties(current.Properties, props)
		before["properties"] = prior
		patch.SetProperties, patch.DeleteProperties = splitProperties(props)
	}

	if err := d.store.UpdateEntity(ctx, current.ID, patch); err != nil {
		return fail[store.Entity]("update entity: %v", notFound(err))
	}
	updated, err := d.store.GetEntity(ctx, current.ID)
	if err != nil {
		updated = current
	}
	return ok(updated,
		store.Artifact{Kind: "entity", ID: current.ID},
		&RollbackRecord{Kind: "entity.update", EntityID: current.ID, Before: before, AbsentKeys: absent},
	)
}

func (d *Dispatcher) createRelationship(ctx context.Context, call Call, op CreateRelationship) Result[store.Relationship] {
	source, err := d.resolver.Entity(ctx, call.ProjectID, op.SourceName, op.SourceType)
	if err != nil {
		return fail[store.Relationship]("source: %v", err)
	}
	target, err := d.resolver.Entity(ctx, call.ProjectID, op.TargetName, op.TargetType)
	if err != nil {
		return fail[store.Relationship]("target: %v", err)
	}
	rel := store.Relationship{
		ID:         d.newID("rel"),
		ProjectID:  call.ProjectID,
		Type:       op.Type,
		SourceID:   source.ID,
		TargetID:   target.ID,
		Properties: op.Properties,
	}
	if err := d.store.InsertRelationship(ctx, rel); err != nil {
		return fail[store.Relationship]("create relationship: %v", err)
	}
	return ok(rel,
		store.Artifact{Kind: "relationship", ID: rel.ID},
		&RollbackRecord{Kind: "relationship.create", RelationshipID: rel.ID},
	)
}

func (d *Dispatcher) updateRelationship(ctx context.Context, call Call, op UpdateRelationship) Result[store.Relationship] {
	if call.TargetID == "" {
		return fail[store.Relationship]("update relationship: no resolved target")
	}
	current, err := d.store.GetRelationship(ctx, call.TargetID)
	if err != nil {
		return fail[store.Relationship]("load relationship %s: %v", call.TargetID, notFound(err))
	}
	props, _ := op.Updates["properties"].(map[string]any)
	prior, absent := captureProperties(current.Properties, props)
	var patch store.RelationshipPatch
	patch.SetProperties, patch.DeleteProperties = splitProperties(props)

	if err := d.store.UpdateRelationship(ctx, current.ID, patch); err != nil {
		return fail[store.Relationship]("update relationship: %v", notFound(err))
	}
	updated, err := d.store.GetRelationship(ctx, current.ID)
	if err != nil {
		updated = current
	}
	return ok(updated,
		store.Artifact{Kind: "relationship", ID: current.ID},
		&RollbackRecord{Kind: "relationship.update", RelationshipID: current.ID, Before: map[string]any{"properties": prior}, AbsentKeys: absent},
	)
}

func (d *Dispatcher) commitMemory(ctx context.Context, call Call, op CommitMemory) Result[store.Memory] {
	metadata := map[string]any{}
	for k, v := range op.Metadata {
		metadata[k] = v
	}
	if call.Provenance.Model != "" {
		metadata["model"] = call.Provenance.Model
	}
	if call.SuggestionID != "" {
		metadata["suggestionId"] = call.SuggestionID
	}
	memory := store.Memory{
		ID:        d.newID("mem"),
		ProjectID: call.ProjectID,
		Kind:      op.Kind,
		Title:     op.Title,
		Content:   op.Content,
		Rationale: op.Rationale,
		Metadata:  metadata,
		CreatedBy: call.Actor.ID,
	}
	if err := d.store.InsertMemory(ctx, memory); err != nil {
		return fail[store.Memory]("commit memory: %v", err)
	}
	indexed := false
	if d.index != nil {
		if err := d.index.IndexMemory(ctx, memory); err != nil {
			d.logger.Warn("index memory failed", zap.String("memory_id", memory.ID), zap.Error(err))
		} else {
			indexed = true
		}
	}
	return ok(memory,
		store.Artifact{Kind: "memory", ID: memory.ID},
		&RollbackRecord{Kind: "memory.commit", MemoryID: memory.ID, Indexed: indexed},
	)
}

func (d *Dispatcher) addComment(ctx context.Context, call Call, op AddComment) Result[store.Comment] {
	comment := store.Comment{
		ID:         d.newID("cmt"),
		ProjectID:  call.ProjectID,
		DocumentID: op.DocumentID,
		Body:       op.Body,
		AuthorID:   call.Actor.ID,
	}
	if err := d.store.InsertComment(ctx, comment); err != nil {
		return fail[store.Comment]("add comment: %v", err)
	}
	return ok(comment,
		store.Artifact{Kind: "comment", ID: comment.ID},
		&RollbackRecord{Kind: "comment.add", CommentID: comment.ID},
	)
}

// deleteDocument has no rollback record; the document row cannot be restored.
func (d *Dispatcher) deleteDocument(ctx context.Context, _ Call, op DeleteDocument) Result[store.Document] {
	doc, err := d.store.GetDocument(ctx, op.DocumentID)
	if err != nil {
		return fail[store.Document]("load document %s: %v", op.DocumentID, notFound(err))
	}
	if err := d.store.DeleteDocument(ctx, doc.ID); err != nil {
		return fail[store.Document]("delete document: %v", notFound(err))
	}
	if d.blobs != nil && doc.BlobKey != "" {
		if err := d.blobs.RemoveBlob(ctx, doc.BlobKey); err != nil {
			d.logger.Warn("remove document blob failed", zap.String("document_id", doc.ID), zap.String("blob_key", doc.BlobKey), zap.Error(err))
		}
	}
	return Result[store.Document]{Success: true, Value: doc, Artifacts: []store.Artifact{{Kind: "document", ID: doc.ID}}}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("not found")
	}
	return err
}

// captureProperties returns the current value of each key being updated and
// the keys that do not exist yet.
func captureProperties(current, updates map[string]any) (map[string]any, []string) {
	prior := map[string]any{}
	var absent []string
	for key := range updates {
		if value, exists := current[key]; exists {
			prior[key] = value
		} else {
			absent = append(absent, key)
		}
	}
	sortStrings(absent)
	return prior, absent
}

// splitProperties separates values to set from null values that delete a key.
func splitProperties(updates map[string]any) (map[string]any, []string) {
	set := map[string]any{}
	var remove []string
	for key, value := range updates {
		if value == nil {
			remove = append(remove, key)
			continue
		}
		set[key] = value
	}
	sortStrings(remove)
	return set, remove
}
