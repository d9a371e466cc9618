package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muse/api/internal/store"
)

type countingSource struct {
	defs  map[string][]store.TypeDefinition
	calls int
	err   error
}

func (s *countingSource) ListTypeDefinitions(_ context.Context, projectID string) ([]store.TypeDefinition, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.defs[projectID], nil
}

const personSchema = `{
	"type": "object",
	"properties": {
		"age": {"type": "number", "minimum": 0},
		"email": {"type": "string"}
	},
	"required": ["email"],
	"additionalProperties": false
}`

func TestCompileAndValidate(t *testing.T) {
	r, err := Compile([]store.TypeDefinition{
		{Kind: store.TypeKindEntity, Name: "person", Schema: json.RawMessage(personSchema), RiskLevel: "high"},
		{Kind: store.TypeKindEntity, Name: "note"},
		{Kind: store.TypeKindRelationship, Name: "knows"},
	})
	require.NoError(t, err)

	assert.True(t, r.Defines(store.TypeKindEntity))
	assert.Equal(t, []string{"note", "person"}, r.Names(store.TypeKindEntity))

	person, ok := r.Lookup(store.TypeKindEntity, "person")
	require.True(t, ok)
	assert.Equal(t, "high", person.Definition.RiskLevel)
	assert.NoError(t, person.Validate(map[string]any{"email": "a@b.c", "age": 3.0}))
	assert.Error(t, person.Validate(map[string]any{"age": 3.0}), "missing required field")
	assert.Error(t, person.Validate(map[string]any{"email": "a@b.c", "age": "three"}))
	assert.Error(t, person.Validate(nil))

	note, ok := r.Lookup(store.TypeKindEntity, "note")
	require.True(t, ok)
	assert.NoError(t, note.Validate(map[string]any{"anything": true}))

	_, ok = r.Lookup(store.TypeKindRelationship, "person")
	assert.False(t, ok)
}

func TestCompileRejectsMalformedSchema(t *testing.T) {
	_, err := Compile([]store.TypeDefinition{{Kind: store.TypeKindEntity, Name: "bad", Schema: json.RawMessage(`{"properties": "nope"}`)}})
	assert.Error(t, err)
}

func TestEmptyRegistryDefinesNothing(t *testing.T) {
	r, err := Compile(nil)
	require.NoError(t, err)
	assert.False(t, r.Defines(store.TypeKindEntity))
	var nilRegistry *Registry
	assert.False(t, nilRegistry.Defines(store.TypeKindEntity))
}

func TestCacheLoadsOncePerProject(t *testing.T) {
	source := &countingSource{defs: map[string][]store.TypeDefinition{
		"p1": {{Kind: store.TypeKindEntity, Name: "person"}},
	}}
	cache := NewCache(source)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := cache.Get(ctx, "p1")
		require.NoError(t, err)
		assert.True(t, r.Defines(store.TypeKindEntity))
	}
	_, err := cache.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)

	fresh := NewCache(source)
	_, err = fresh.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls, "separate caches never share state")
}

func TestCacheSurfacesSourceErrors(t *testing.T) {
	cache := NewCache(&countingSource{err: errors.New("boom")})
	_, err := cache.Get(context.Background(), "p1")
	assert.ErrorContains(t, err, "boom")
}
