package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreInsertSuggestionIsIdempotentOnToolCall(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	inserted, err := s.InsertSuggestion(ctx, Suggestion{ID: "sug_1", ToolCallID: "call-1", ProjectID: "p1", Status: StatusProposed})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertSuggestion(ctx, Suggestion{ID: "sug_2", ToolCallID: "call-1", ProjectID: "p1", Status: StatusProposed})
	require.NoError(t, err)
	assert.False(t, inserted)

	existing, err := s.GetSuggestionByToolCall(ctx, "call-1")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "sug_1", existing.ID)

	missing, err := s.GetSuggestionByToolCall(ctx, "call-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.GetSuggestion(ctx, "sug_2")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemStoreGuardedTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, err := s.InsertSuggestion(ctx, Suggestion{ID: "sug_1", ToolCallID: "call-1", ProjectID: "p1", Status: StatusProposed})
	require.NoError(t, err)

	ok, err := s.ClaimSuggestion(ctx, "sug_1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimSuggestion(ctx, "sug_1", "u2")
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	ok, err = s.RejectSuggestion(ctx, "sug_1", "u2", "no")
	require.NoError(t, err)
	assert.False(t, ok, "accepted suggestion cannot be rejected")

	ok, err = s.UpdateSuggestionPreflight(ctx, "sug_1", PreflightResult{Status: PreflightOK}, "")
	require.NoError(t, err)
	assert.False(t, ok, "preflight only updates proposed suggestions")

	ok, err = s.MarkSuggestionRolledBack(ctx, "sug_1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkSuggestionRolledBack(ctx, "sug_1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSuggestion(ctx, "sug_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, got.Status)
	assert.Equal(t, "u1", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	require.NotNil(t, got.RolledBackAt)
}

func TestMemStoreReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertEntity(ctx, Entity{ID: "e1", ProjectID: "p1", Name: "Ada", Type: "person", Properties: map[string]any{"x": 1.0}}))

	got, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	got.Properties["x"] = 99.0

	again, err := s.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.Properties["x"])
}

func TestMemStoreEntityPatchAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertEntity(ctx, Entity{ID: "e1", ProjectID: "p1", Name: "Ada", Type: "person", Properties: map[string]any{"x": 1.0, "y": "keep"}}))

	name := "Ada Lovelace"
	require.NoError(t, s.UpdateEntity(ctx, "e1", EntityPatch{
		Name:             &name,
		SetProperties:    map[string]any{"x": 2.0},
		DeleteProperties: []string{"y"},
	}))

	found, err := s.FindEntitiesByName(ctx, "p1", "ada lovelace", "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, map[string]any{"x": 2.0}, found[0].Properties)

	found, err = s.FindEntitiesByName(ctx, "p1", "Ada Lovelace", "place")
	require.NoError(t, err)
	assert.Empty(t, found)

	assert.ErrorIs(t, s.UpdateEntity(ctx, "missing", EntityPatch{}), sql.ErrNoRows)
}

func TestMemStoreDeleteEntityCascade(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertEntity(ctx, Entity{ID: "e1", ProjectID: "p1", Name: "A", Type: "t"}))
	require.NoError(t, s.InsertEntity(ctx, Entity{ID: "e2", ProjectID: "p1", Name: "B", Type: "t"}))
	require.NoError(t, s.InsertRelationship(ctx, Relationship{ID: "r1", ProjectID: "p1", Type: "knows", SourceID: "e1", TargetID: "e2"}))

	_, err := s.DeleteEntity(ctx, "e1", false)
	assert.True(t, errors.Is(err, ErrForeignKey))

	deleted, err := s.DeleteEntity(ctx, "e1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.GetRelationship(ctx, "r1")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	err = s.InsertRelationship(ctx, Relationship{ID: "r2", ProjectID: "p1", Type: "knows", SourceID: "e1", TargetID: "e2"})
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestMemStoreProjectRoleAndTypes(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.UpsertProjectMember(ctx, ProjectMember{ProjectID: "p1", UserID: "u1", Role: "editor"}))
	require.NoError(t, s.UpsertProjectMember(ctx, ProjectMember{ProjectID: "p1", UserID: "u1", Role: "owner"}))

	role, err := s.GetProjectRole(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "owner", role)

	role, err = s.GetProjectRole(ctx, "p1", "u2")
	require.NoError(t, err)
	assert.Empty(t, role)

	require.NoError(t, s.UpsertTypeDefinition(ctx, TypeDefinition{ID: "t1", ProjectID: "p1", Kind: TypeKindEntity, Name: "person"}))
	require.NoError(t, s.UpsertTypeDefinition(ctx, TypeDefinition{ID: "t1", ProjectID: "p1", Kind: TypeKindEntity, Name: "person", RiskLevel: "core"}))
	defs, err := s.ListTypeDefinitions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "core", defs[0].RiskLevel)
}

func TestMemStoreListMemories(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertMemory(ctx, Memory{ID: "mem_1", ProjectID: "p1", Kind: "note", Content: "a"}))
	require.NoError(t, s.InsertMemory(ctx, Memory{ID: "mem_2", ProjectID: "p2", Kind: "note", Content: "b"}))

	all, err := s.ListMemories(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := s.ListMemories(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "mem_2", scoped[0].ID)
	assert.NotNil(t, scoped[0].Metadata)
}

func TestMemStoreAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	created, err := s.CreateAccount(ctx, Account{ID: "u1", Name: "Ada", Kind: "user", PasswordHash: "hash"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateAccount(ctx, Account{ID: "u1", Name: "Mallory", Kind: "user", PasswordHash: "other"})
	require.NoError(t, err)
	assert.False(t, created, "an existing account must not be replaced")

	account, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", account.Name)
	assert.Equal(t, "hash", account.PasswordHash)
	assert.False(t, account.CreatedAt.IsZero())

	_, err = s.GetAccount(ctx, "u2")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestMemStoreCreateProjectRefusesExistingID(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	created, err := s.CreateProject(ctx, "p1", "Project One")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateProject(ctx, "p1", "Hijack")
	require.NoError(t, err)
	assert.False(t, created)
}
