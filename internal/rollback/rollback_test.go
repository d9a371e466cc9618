package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muse/api/internal/execute"
	"muse/api/internal/store"
	"muse/api/internal/tools"
)

type recordingRemover struct {
	removed []string
}

func (r *recordingRemover) RemoveMemory(_ context.Context, memoryID string) error {
	r.removed = append(r.removed, memoryID)
	return nil
}

type acceptingIndex struct{}

func (acceptingIndex) IndexMemory(context.Context, store.Memory) error { return nil }

func setup(t *testing.T) (*store.MemStore, *execute.Dispatcher, *Engine, *recordingRemover) {
	t.Helper()
	s := store.NewMemStore()
	remover := &recordingRemover{}
	return s, execute.NewDispatcher(s, execute.WithMemoryIndex(acceptingIndex{})), New(s, remover, nil), remover
}

func dispatch(t *testing.T, d *execute.Dispatcher, call execute.Call) execute.RollbackRecord {
	t.Helper()
	call.ProjectID = "p1"
	result := d.Dispatch(context.Background(), call)
	require.True(t, result.Success, result.Message)
	require.NotNil(t, result.Rollback)
	return *result.Rollback
}

func TestEntityUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, d, engine, _ := setup(t)
	require.NoError(t, s.InsertEntity(ctx, store.Entity{
		ID: "ent_a", ProjectID: "p1", Name: "Ada", Type: "person",
		Aliases: []string{"A"}, Notes: "first", Properties: map[string]any{"x": 1.0, "y": "keep"},
	}))
	original, err := s.GetEntity(ctx, "ent_a")
	require.NoError(t, err)

	record := dispatch(t, d, execute.Call{
		Tool:     tools.UpdateEntity,
		TargetID: "ent_a",
		Args: map[string]any{"name": "Ada", "updates": map[string]any{
			"name":       "Ada L.",
			"aliases":    []any{"B", "C"},
			"properties": map[string]any{"x": 2.0, "z": true, "y": nil},
		}},
	})

	outcome, err := engine.Apply(ctx, record, false)
	require.NoError(t, err)
	assert.False(t, outcome.AlreadyGone)

	restored, err := s.GetEntity(ctx, "ent_a")
	require.NoError(t, err)
	assert.Equal(t, original.Name, restored.Name)
	assert.Equal(t, original.Aliases, restored.Aliases)
	assert.Equal(t, original.Notes, restored.Notes)
	assert.Equal(t, original.Properties, restored.Properties)
}

func TestRelationshipUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, d, engine, _ := setup(t)
	require.NoError(t, s.InsertEntity(ctx, store.Entity{ID: "ent_a", ProjectID: "p1", Name: "A", Type: "t"}))
	require.NoError(t, s.InsertEntity(ctx, store.Entity{ID: "ent_b", ProjectID: "p1", Name: "B", Type: "t"}))
	require.NoError(t, s.InsertRelationship(ctx, store.Relationship{
		ID: "rel_1", ProjectID: "p1", Type: "knows", SourceID: "ent_a", TargetID: "ent_b",
		Properties: map[string]any{"weight": 1.0},
	}))

	record := dispatch(t, d, execute.Call{
		Tool:     tools.UpdateRelationship,
		TargetID: "rel_1",
		Args: map[string]any{"type": "knows", "updates": map[string]any{
			"properties": map[string]any{"weight": 5.0, "since": 2021.0},
		}},
	})
	_, err := engine.Apply(ctx, record, false)
	require.NoError(t, err)

	rel, err := s.GetRelationship(ctx, "rel_1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"weight": 1.0}, rel.Properties)
}

func TestEntityCreateBlockedByRelationships(t *testing.T) {
	ctx := context.Background()
	s, d, engine, _ := setup(t)
	record := dispatch(t, d, execute.Call{Tool: tools.CreateEntity, Args: map[string]any{"name": "Ada", "type": "person"}})
	require.NoError(t, s.InsertEntity(ctx, store.Entity{ID: "ent_other", ProjectID: "p1", Name: "Bob", Type: "person"}))
	require.NoError(t, s.InsertRelationship(ctx, store.Relationship{ID: "rel_1", ProjectID: "p1", Type: "knows", SourceID: record.EntityID, TargetID: "ent_other"}))

	impact, err := engine.Impact(ctx, record)
	require.NoError(t, err)
	assert.True(t, impact.RequiresCascade)
	assert.Equal(t, []string{"rel_1"}, impact.DependentRelationships)

	_, err = engine.Apply(ctx, record, false)
	var blocked *BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, 1, blocked.RelationshipCount)
	_, err = s.GetEntity(ctx, record.EntityID)
	require.NoError(t, err, "blocked rollback must not delete the entity")

	outcome, err := engine.Apply(ctx, record, true)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.DeletedRelationshipsCount)
	_, err = s.GetRelationship(ctx, "rel_1")
	assert.Error(t, err)
	_, err = s.GetEntity(ctx, "ent_other")
	assert.NoError(t, err)
}

func TestCreateKindsDeleteWhatTheyMade(t *testing.T) {
	ctx := context.Background()
	s, d, engine, remover := setup(t)
	require.NoError(t, s.InsertEntity(ctx, store.Entity{ID: "ent_a", ProjectID: "p1", Name: "A", Type: "t"}))
	require.NoError(t, s.InsertEntity(ctx, store.Entity{ID: "ent_b", ProjectID: "p1", Name: "B", Type: "t"}))
	require.NoError(t, s.InsertDocument(ctx, store.Document{ID: "doc_1", ProjectID: "p1", Title: "Doc"}))

	rel := dispatch(t, d, execute.Call{Tool: tools.CreateRelationship, Args: map[string]any{"type": "knows", "sourceName": "A", "targetName": "B"}})
	memory := dispatch(t, d, execute.Call{Tool: tools.CommitMemory, Args: map[string]any{"content": "remember"}})
	comment := dispatch(t, d, execute.Call{Tool: tools.AddComment, Args: map[string]any{"documentId": "doc_1", "body": "hi"}})

	for _, record := range []execute.RollbackRecord{rel, memory, comment} {
		_, err := engine.Apply(ctx, record, false)
		require.NoError(t, err, record.Kind)
	}

	_, err := s.GetRelationship(ctx, rel.RelationshipID)
	assert.Error(t, err)
	_, err = s.GetMemory(ctx, memory.MemoryID)
	assert.Error(t, err)
	_, err = s.GetComment(ctx, comment.CommentID)
	assert.Error(t, err)
	assert.Equal(t, []string{memory.MemoryID}, remover.removed)
}

func TestMemoryRollbackSkipsIndexWhenNeverIndexed(t *testing.T) {
	ctx := context.Background()
	s, _, engine, remover := setup(t)
	record := dispatch(t, execute.NewDispatcher(s), execute.Call{Tool: tools.CommitMemory, Args: map[string]any{"content": "remember"}})
	require.False(t, record.Indexed)

	_, err := engine.Apply(ctx, record, false)
	require.NoError(t, err)
	_, err = s.GetMemory(ctx, record.MemoryID)
	assert.Error(t, err)
	assert.Empty(t, remover.removed)
}

func TestApplyTreatsMissingTargetAsGone(t *testing.T) {
	_, _, engine, _ := setup(t)
	outcome, err := engine.Apply(context.Background(), execute.RollbackRecord{Kind: "relationship.create", RelationshipID: "rel_missing"}, false)
	require.NoError(t, err)
	assert.True(t, outcome.AlreadyGone)
}

func TestUnsupportedRecord(t *testing.T) {
	_, _, engine, _ := setup(t)
	_, err := engine.Apply(context.Background(), execute.RollbackRecord{Kind: "document.delete"}, false)
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.False(t, Supported(nil))
	assert.False(t, Supported(&execute.RollbackRecord{Kind: "entity.create"}))
}
