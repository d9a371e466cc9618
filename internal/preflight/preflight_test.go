package preflight

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muse/api/internal/fingerprint"
	"muse/api/internal/registry"
	"muse/api/internal/store"
	"muse/api/internal/tools"
)

const personSchema = `{
	"type": "object",
	"properties": {"x": {"type": "number"}, "email": {"type": "string"}},
	"additionalProperties": false
}`

type fixture struct {
	store     *store.MemStore
	validator *Validator
}

func newFixture(t *testing.T, defs ...store.TypeDefinition) fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemStore()
	for _, def := range defs {
		require.NoError(t, s.UpsertTypeDefinition(ctx, def))
	}
	v := New(s)
	v.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return fixture{store: s, validator: v}
}

func (f fixture) run(t *testing.T, tool tools.Name, args map[string]any, mode Mode, previous *store.PreflightResult) store.PreflightResult {
	t.Helper()
	return f.validator.Run(context.Background(), Request{
		ProjectID: "p1",
		Tool:      tool,
		Args:      args,
		Mode:      mode,
		Previous:  previous,
		Registry:  registry.NewCache(f.store),
	})
}

func personDef() store.TypeDefinition {
	return store.TypeDefinition{ID: "t1", ProjectID: "p1", Kind: store.TypeKindEntity, Name: "person", Schema: json.RawMessage(personSchema)}
}

func TestCreateEntityRequiresIdentityFields(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, tools.CreateEntity, map[string]any{"name": "  ", "properties": "nope"}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	assert.Contains(t, result.Errors, "name must not be empty")
	assert.Contains(t, result.Errors, "type is required")
	assert.Contains(t, result.Errors, "properties must be an object")
	assert.False(t, result.ComputedAt.IsZero())
}

func TestCreateEntityRegistryChecks(t *testing.T) {
	f := newFixture(t, personDef())

	result := f.run(t, tools.CreateEntity, map[string]any{"name": "Ada", "type": "robot"}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	assert.Contains(t, result.Errors, `unknown entity type "robot"`)

	result = f.run(t, tools.CreateEntity, map[string]any{"name": "Ada", "type": "person", "properties": map[string]any{"x": "one"}}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "properties: "), result.Errors[0])

	result = f.run(t, tools.CreateEntity, map[string]any{"name": "Ada", "type": "person", "properties": map[string]any{"x": 1.0}}, ModePropose, nil)
	assert.Equal(t, store.PreflightOK, result.Status)
	assert.Empty(t, result.BaseFingerprint, "creates carry no baseline")
}

func TestCreateEntityWithoutRegistryAcceptsAnyType(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InsertEntity(context.Background(), store.Entity{ID: "e1", ProjectID: "p1", Name: "Ada", Type: "robot"}))
	result := f.run(t, tools.CreateEntity, map[string]any{"name": "Ada", "type": "robot"}, ModePropose, nil)
	assert.Equal(t, store.PreflightOK, result.Status)
	assert.Equal(t, []string{`entity "Ada" of type "robot" already exists`}, result.Warnings)
}

func TestCreateRelationshipResolvesEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InsertEntity(context.Background(), store.Entity{ID: "e1", ProjectID: "p1", Name: "Ada", Type: "person"}))

	result := f.run(t, tools.CreateRelationship, map[string]any{"type": "knows", "sourceName": "Ada", "targetName": "Charles"}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	assert.Equal(t, []string{`target: entity "Charles" not found`}, result.Errors)
}

func TestUpdateEntityRequiresUpdates(t *testing.T) {
	f := newFixture(t)
	for _, args := range []map[string]any{
		{"name": "Ada"},
		{"name": "Ada", "updates": map[string]any{}},
		{"name": "Ada", "updates": "x"},
	} {
		result := f.run(t, tools.UpdateEntity, args, ModePropose, nil)
		assert.Equal(t, store.PreflightInvalid, result.Status)
		assert.Contains(t, result.Errors, "updates must include at least one field")
	}

	result := f.run(t, tools.UpdateEntity, map[string]any{"name": "Ada", "updates": map[string]any{"colour": "red"}}, ModePropose, nil)
	assert.Contains(t, result.Errors, `unsupported update field "colour"`)
}

func TestUpdateEntityAmbiguityIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertEntity(ctx, store.Entity{ID: "e1", ProjectID: "p1", Name: "Mercury", Type: "planet"}))
	require.NoError(t, f.store.InsertEntity(ctx, store.Entity{ID: "e2", ProjectID: "p1", Name: "Mercury", Type: "element"}))

	result := f.run(t, tools.UpdateEntity, map[string]any{"name": "Mercury", "updates": map[string]any{"notes": "hot"}}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "element, planet")
	assert.Empty(t, result.ResolvedTargetID)

	result = f.run(t, tools.UpdateEntity, map[string]any{"name": "Mercury", "type": "planet", "updates": map[string]any{"notes": "hot"}}, ModePropose, nil)
	assert.Equal(t, store.PreflightOK, result.Status)
	assert.Equal(t, "e1", result.ResolvedTargetID)
}

func TestUpdateEntityNotFound(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, tools.UpdateEntity, map[string]any{"name": "Nobody", "updates": map[string]any{"notes": "x"}}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	assert.Equal(t, []string{`entity "Nobody" not found`}, result.Errors)
}

func TestUpdateEntityMergedPropertiesValidated(t *testing.T) {
	f := newFixture(t, personDef())
	require.NoError(t, f.store.InsertEntity(context.Background(), store.Entity{ID: "e1", ProjectID: "p1", Name: "Ada", Type: "person", Properties: map[string]any{"x": 1.0}}))

	result := f.run(t, tools.UpdateEntity, map[string]any{"name": "Ada", "updates": map[string]any{"properties": map[string]any{"y": 2.0}}}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	assert.Equal(t, "e1", result.ResolvedTargetID, "resolved id is reported even when invalid")
	assert.False(t, result.ComputedAt.IsZero())

	result = f.run(t, tools.UpdateEntity, map[string]any{"name": "Ada", "updates": map[string]any{"properties": map[string]any{"x": nil}}}, ModePropose, nil)
	assert.Equal(t, store.PreflightOK, result.Status, "null removes the key before validation")
}

func TestBaselineDetectsDriftAndIsNeverReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertEntity(ctx, store.Entity{ID: "e1", ProjectID: "p1", Name: "E", Type: "thing", Properties: map[string]any{"x": 0.0}}))
	args := map[string]any{"name": "E", "updates": map[string]any{"properties": map[string]any{"x": 1.0}}}

	proposed := f.run(t, tools.UpdateEntity, args, ModePropose, nil)
	require.Equal(t, store.PreflightOK, proposed.Status)
	require.NotEmpty(t, proposed.BaseFingerprint)
	assert.Equal(t, fingerprint.Algorithm, proposed.FingerprintAlgorithm)
	assert.Equal(t, fingerprint.Hash(map[string]any{"properties": map[string]any{"x": 0.0}}), proposed.BaseFingerprint)

	checked := f.run(t, tools.UpdateEntity, args, ModeCheck, &proposed)
	assert.Equal(t, store.PreflightOK, checked.Status)
	assert.Equal(t, proposed.BaseFingerprint, checked.BaseFingerprint)

	require.NoError(t, f.store.UpdateEntity(ctx, "e1", store.EntityPatch{SetProperties: map[string]any{"x": 2.0}}))

	conflict := f.run(t, tools.UpdateEntity, args, ModeCheck, &checked)
	assert.Equal(t, store.PreflightConflict, conflict.Status)
	assert.Equal(t, []string{ConflictMessage}, conflict.Errors)
	assert.Equal(t, proposed.BaseFingerprint, conflict.BaseFingerprint)

	again := f.run(t, tools.UpdateEntity, args, ModeCheck, &conflict)
	assert.Equal(t, store.PreflightConflict, again.Status)
	assert.Equal(t, proposed.BaseFingerprint, again.BaseFingerprint)

	rerun := f.run(t, tools.UpdateEntity, args, ModePropose, &conflict)
	assert.Equal(t, store.PreflightOK, rerun.Status, "propose mode records but does not compare")
	assert.Equal(t, proposed.BaseFingerprint, rerun.BaseFingerprint)
}

func TestCheckModeReusesResolvedTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertEntity(ctx, store.Entity{ID: "e1", ProjectID: "p1", Name: "E", Type: "thing", Notes: "old"}))
	args := map[string]any{"name": "E", "updates": map[string]any{"notes": "new"}}
	proposed := f.run(t, tools.UpdateEntity, args, ModePropose, nil)
	require.Equal(t, "e1", proposed.ResolvedTargetID)

	renamed := "Renamed"
	require.NoError(t, f.store.UpdateEntity(ctx, "e1", store.EntityPatch{Name: &renamed}))
	require.NoError(t, f.store.InsertEntity(ctx, store.Entity{ID: "e2", ProjectID: "p1", Name: "E", Type: "thing", Notes: "other"}))

	checked := f.run(t, tools.UpdateEntity, args, ModeCheck, &proposed)
	assert.Equal(t, store.PreflightOK, checked.Status, "unrelated field changes are outside the fingerprint")
	assert.Equal(t, "e1", checked.ResolvedTargetID)

	_, err := f.store.DeleteEntity(ctx, "e1", false)
	require.NoError(t, err)
	gone := f.run(t, tools.UpdateEntity, args, ModeCheck, &proposed)
	assert.Equal(t, store.PreflightInvalid, gone.Status)
	assert.Equal(t, proposed.BaseFingerprint, gone.BaseFingerprint)
}

func TestUpdateRelationshipBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertEntity(ctx, store.Entity{ID: "e1", ProjectID: "p1", Name: "A", Type: "t"}))
	require.NoError(t, f.store.InsertEntity(ctx, store.Entity{ID: "e2", ProjectID: "p1", Name: "B", Type: "t"}))
	require.NoError(t, f.store.InsertRelationship(ctx, store.Relationship{ID: "r1", ProjectID: "p1", Type: "knows", SourceID: "e1", TargetID: "e2"}))

	args := map[string]any{"type": "knows", "sourceName": "A", "targetName": "B", "updates": map[string]any{"properties": map[string]any{"since": 2020.0}}}
	proposed := f.run(t, tools.UpdateRelationship, args, ModePropose, nil)
	require.Equal(t, store.PreflightOK, proposed.Status)
	assert.Equal(t, "r1", proposed.ResolvedTargetID)

	require.NoError(t, f.store.UpdateRelationship(ctx, "r1", store.RelationshipPatch{SetProperties: map[string]any{"since": 1999.0}}))
	conflict := f.run(t, tools.UpdateRelationship, args, ModeCheck, &proposed)
	assert.Equal(t, store.PreflightConflict, conflict.Status)
}

func TestProxyAndMemoryTools(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InsertDocument(context.Background(), store.Document{ID: "d1", ProjectID: "p1", Title: "Doc"}))

	result := f.run(t, tools.AddComment, map[string]any{"documentId": "d1", "body": "hi"}, ModePropose, nil)
	assert.Equal(t, store.PreflightOK, result.Status)
	assert.Equal(t, "d1", result.ResolvedTargetID)

	result = f.run(t, tools.DeleteDocument, map[string]any{"documentId": "d9"}, ModePropose, nil)
	assert.Equal(t, []string{`document "d9" not found`}, result.Errors)

	result = f.run(t, tools.CommitDecision, map[string]any{"title": "t"}, ModePropose, nil)
	assert.Equal(t, []string{"decision is required"}, result.Errors)

	result = f.run(t, tools.CommitMemory, map[string]any{"content": "remember this"}, ModePropose, nil)
	assert.Equal(t, store.PreflightOK, result.Status)
}

func TestUnsupportedTool(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, tools.Name("write_content"), map[string]any{}, ModePropose, nil)
	assert.Equal(t, store.PreflightInvalid, result.Status)
	assert.Equal(t, []string{`unsupported tool "write_content"`}, result.Errors)
}
