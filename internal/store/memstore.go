package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process store with the same method set as PostgresStore.
// Reads return copies so callers never share state with the store.
type MemStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	suggestions   map[string]Suggestion
	byToolCall    map[string]string
	entities      map[string]Entity
	relationships map[string]Relationship
	memories      map[string]Memory
	documents     map[string]Document
	comments      map[string]Comment
	projects      map[string]string
	members       map[string]string
	types         map[string][]TypeDefinition
	accounts      map[string]Account
	audit         []AuditEvent
}

func NewMemStore() *MemStore {
	return &MemStore{
		now:           time.Now,
		suggestions:   map[string]Suggestion{},
		byToolCall:    map[string]string{},
		entities:      map[string]Entity{},
		relationships: map[string]Relationship{},
		memories:      map[string]Memory{},
		documents:     map[string]Document{},
		comments:      map[string]Comment{},
		projects:      map[string]string{},
		members:       map[string]string{},
		types:         map[string][]TypeDefinition{},
		accounts:      map[string]Account{},
	}
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneStrings(items []string) []string {
	if items == nil {
		return nil
	}
	return append([]string(nil), items...)
}

func cloneSuggestion(item Suggestion) Suggestion {
	item.Patch = cloneMap(item.Patch)
	item.NormalizedPatch = append([]byte(nil), item.NormalizedPatch...)
	if len(item.NormalizedPatch) == 0 {
		item.NormalizedPatch = nil
	}
	item.Citations = append([]Citation(nil), item.Citations...)
	if item.Preflight != nil {
		preflight := *item.Preflight
		preflight.Errors = cloneStrings(preflight.Errors)
		preflight.Warnings = cloneStrings(preflight.Warnings)
		item.Preflight = &preflight
	}
	if item.Result != nil {
		result := *item.Result
		result.Artifacts = append([]Artifact(nil), result.Artifacts...)
		if result.Rollback != nil {
			rollback := *result.Rollback
			rollback.Before = cloneMap(rollback.Before)
			rollback.AbsentKeys = cloneStrings(rollback.AbsentKeys)
			result.Rollback = &rollback
		}
		item.Result = &result
	}
	if item.ResolvedAt != nil {
		at := *item.ResolvedAt
		item.ResolvedAt = &at
	}
	if item.RolledBackAt != nil {
		at := *item.RolledBackAt
		item.RolledBackAt = &at
	}
	return item
}

func cloneEntity(item Entity) Entity {
	item.Aliases = emptyIfNil(cloneStrings(item.Aliases))
	item.Properties = mapIfNil(cloneMap(item.Properties))
	return item
}

func cloneRelationship(item Relationship) Relationship {
	item.Properties = mapIfNil(cloneMap(item.Properties))
	return item
}

// Suggestions

func (m *MemStore) InsertSuggestion(_ context.Context, item Suggestion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byToolCall[item.ToolCallID]; exists {
		return false, nil
	}
	now := m.now()
	item = cloneSuggestion(item)
	item.Patch = mapIfNil(item.Patch)
	item.CreatedAt = now
	item.UpdatedAt = now
	m.suggestions[item.ID] = item
	m.byToolCall[item.ToolCallID] = item.ID
	return true, nil
}

func (m *MemStore) GetSuggestion(_ context.Context, suggestionID string) (Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.suggestions[suggestionID]
	if !ok {
		return Suggestion{}, sql.ErrNoRows
	}
	return cloneSuggestion(item), nil
}

func (m *MemStore) GetSuggestionByToolCall(_ context.Context, toolCallID string) (*Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToolCall[toolCallID]
	if !ok {
		return nil, nil
	}
	item := cloneSuggestion(m.suggestions[id])
	return &item, nil
}

func (m *MemStore) ListSuggestions(_ context.Context, projectID, status string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Suggestion, 0)
	for _, item := range m.suggestions {
		if item.ProjectID != projectID || (status != "" && item.Status != status) {
			continue
		}
		items = append(items, cloneSuggestion(item))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// transition applies fn to the suggestion when its status equals from.
func (m *MemStore) transition(suggestionID, from string, fn func(*Suggestion, time.Time)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.suggestions[suggestionID]
	if !ok || item.Status != from {
		return false
	}
	now := m.now()
	fn(&item, now)
	item.UpdatedAt = now
	m.suggestions[suggestionID] = item
	return true
}

func (m *MemStore) UpdateSuggestionPreflight(_ context.Context, suggestionID string, preflight PreflightResult, targetID string) (bool, error) {
	return m.transition(suggestionID, StatusProposed, func(item *Suggestion, _ time.Time) {
		preflight.Errors = cloneStrings(preflight.Errors)
		preflight.Warnings = cloneStrings(preflight.Warnings)
		item.Preflight = &preflight
		if targetID != "" {
			item.TargetID = targetID
		}
	}), nil
}

func (m *MemStore) ClaimSuggestion(_ context.Context, suggestionID, resolvedBy string) (bool, error) {
	return m.transition(suggestionID, StatusProposed, func(item *Suggestion, now time.Time) {
		item.Status = StatusAccepted
		item.ResolvedBy = resolvedBy
		item.ResolvedAt = &now
	}), nil
}

func (m *MemStore) RejectSuggestion(_ context.Context, suggestionID, resolvedBy, reason string) (bool, error) {
	return m.transition(suggestionID, StatusProposed, func(item *Suggestion, now time.Time) {
		item.Status = StatusRejected
		item.ResolvedBy = resolvedBy
		item.Error = reason
		item.ResolvedAt = &now
	}), nil
}

func (m *MemStore) FailSuggestion(_ context.Context, suggestionID, reason string, execution ExecutionResult) (bool, error) {
	return m.transition(suggestionID, StatusAccepted, func(item *Suggestion, _ time.Time) {
		item.Status = StatusRejected
		item.Error = reason
		item.Result = &execution
	}), nil
}

func (m *MemStore) CompleteSuggestion(_ context.Context, suggestionID, targetID string, execution ExecutionResult) (bool, error) {
	return m.transition(suggestionID, StatusAccepted, func(item *Suggestion, _ time.Time) {
		item.Result = &execution
		if targetID != "" {
			item.TargetID = targetID
		}
	}), nil
}

func (m *MemStore) MarkSuggestionRolledBack(_ context.Context, suggestionID, rolledBackBy string) (bool, error) {
	return m.transition(suggestionID, StatusAccepted, func(item *Suggestion, now time.Time) {
		item.Status = StatusRolledBack
		item.RolledBackBy = rolledBackBy
		item.RolledBackAt = &now
	}), nil
}

// Entities

func (m *MemStore) InsertEntity(_ context.Context, item Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	item = cloneEntity(item)
	item.CreatedAt = now
	item.UpdatedAt = now
	m.entities[item.ID] = item
	return nil
}

func (m *MemStore) GetEntity(_ context.Context, entityID string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.entities[entityID]
	if !ok {
		return Entity{}, sql.ErrNoRows
	}
	return cloneEntity(item), nil
}

func (m *MemStore) FindEntitiesByName(_ context.Context, projectID, name, typeHint string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Entity, 0)
	for _, item := range m.entities {
		if item.ProjectID != projectID || !strings.EqualFold(item.Name, name) {
			continue
		}
		if typeHint != "" && item.Type != typeHint {
			continue
		}
		items = append(items, cloneEntity(item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *MemStore) UpdateEntity(_ context.Context, entityID string, patch EntityPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.entities[entityID]
	if !ok {
		return sql.ErrNoRows
	}
	item = cloneEntity(item)
	if patch.Name != nil {
		item.Name = *patch.Name
	}
	if patch.Aliases != nil {
		item.Aliases = emptyIfNil(cloneStrings(*patch.Aliases))
	}
	if patch.Notes != nil {
		item.Notes = *patch.Notes
	}
	for k, v := range patch.SetProperties {
		item.Properties[k] = cloneValue(v)
	}
	for _, k := range patch.DeleteProperties {
		delete(item.Properties, k)
	}
	item.UpdatedAt = m.now()
	m.entities[entityID] = item
	return nil
}

func (m *MemStore) DeleteEntity(_ context.Context, entityID string, cascade bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[entityID]; !ok {
		return 0, sql.ErrNoRows
	}
	var dependent []string
	for id, rel := range m.relationships {
		if rel.SourceID == entityID || rel.TargetID == entityID {
			dependent = append(dependent, id)
		}
	}
	if len(dependent) > 0 && !cascade {
		return 0, ErrForeignKey
	}
	for _, id := range dependent {
		delete(m.relationships, id)
	}
	delete(m.entities, entityID)
	return len(dependent), nil
}

// Relationships

func (m *MemStore) InsertRelationship(_ context.Context, item Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[item.SourceID]; !ok {
		return ErrForeignKey
	}
	if _, ok := m.entities[item.TargetID]; !ok {
		return ErrForeignKey
	}
	now := m.now()
	item = cloneRelationship(item)
	item.CreatedAt = now
	item.UpdatedAt = now
	m.relationships[item.ID] = item
	return nil
}

func (m *MemStore) GetRelationship(_ context.Context, relationshipID string) (Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.relationships[relationshipID]
	if !ok {
		return Relationship{}, sql.ErrNoRows
	}
	return cloneRelationship(item), nil
}

func (m *MemStore) filterRelationships(keep func(Relationship) bool) []Relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Relationship, 0)
	for _, item := range m.relationships {
		if keep(item) {
			items = append(items, cloneRelationship(item))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (m *MemStore) FindRelationships(_ context.Context, projectID, relType, sourceID, targetID string) ([]Relationship, error) {
	return m.filterRelationships(func(item Relationship) bool {
		return item.ProjectID == projectID && item.Type == relType && item.SourceID == sourceID && item.TargetID == targetID
	}), nil
}

func (m *MemStore) ListEntityRelationships(_ context.Context, entityID string) ([]Relationship, error) {
	return m.filterRelationships(func(item Relationship) bool {
		return item.SourceID == entityID || item.TargetID == entityID
	}), nil
}

func (m *MemStore) UpdateRelationship(_ context.Context, relationshipID string, patch RelationshipPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.relationships[relationshipID]
	if !ok {
		return sql.ErrNoRows
	}
	item = cloneRelationship(item)
	for k, v := range patch.SetProperties {
		item.Properties[k] = cloneValue(v)
	}
	for _, k := range patch.DeleteProperties {
		delete(item.Properties, k)
	}
	item.UpdatedAt = m.now()
	m.relationships[relationshipID] = item
	return nil
}

func (m *MemStore) DeleteRelationship(_ context.Context, relationshipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.relationships[relationshipID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.relationships, relationshipID)
	return nil
}

// Memories

func (m *MemStore) InsertMemory(_ context.Context, item Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Metadata = mapIfNil(cloneMap(item.Metadata))
	item.CreatedAt = m.now()
	m.memories[item.ID] = item
	return nil
}

func (m *MemStore) GetMemory(_ context.Context, memoryID string) (Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.memories[memoryID]
	if !ok {
		return Memory{}, sql.ErrNoRows
	}
	item.Metadata = cloneMap(item.Metadata)
	return item, nil
}

func (m *MemStore) ListMemories(_ context.Context, projectID string) ([]Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Memory, 0)
	for _, item := range m.memories {
		if projectID != "" && item.ProjectID != projectID {
			continue
		}
		item.Metadata = cloneMap(item.Metadata)
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (m *MemStore) DeleteMemory(_ context.Context, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[memoryID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.memories, memoryID)
	return nil
}

// Documents and comments

func (m *MemStore) InsertDocument(_ context.Context, item Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.CreatedAt = m.now()
	m.documents[item.ID] = item
	return nil
}

func (m *MemStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.documents[documentID]
	if !ok {
		return Document{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *MemStore) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.documents, documentID)
	for id, comment := range m.comments {
		if comment.DocumentID == documentID {
			delete(m.comments, id)
		}
	}
	return nil
}

func (m *MemStore) InsertComment(_ context.Context, item Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[item.DocumentID]; !ok {
		return ErrForeignKey
	}
	item.CreatedAt = m.now()
	m.comments[item.ID] = item
	return nil
}

func (m *MemStore) GetComment(_ context.Context, commentID string) (Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.comments[commentID]
	if !ok {
		return Comment{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *MemStore) DeleteComment(_ context.Context, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[commentID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.comments, commentID)
	return nil
}

// Accounts

// CreateAccount returns false when the id is taken.
func (m *MemStore) CreateAccount(_ context.Context, account Account) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; ok {
		return false, nil
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = m.now().UTC()
	}
	m.accounts[account.ID] = account
	return true, nil
}

func (m *MemStore) GetAccount(_ context.Context, accountID string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[accountID]
	if !ok {
		return Account{}, sql.ErrNoRows
	}
	return account, nil
}

// Projects and registry

// CreateProject returns false when the id is taken.
func (m *MemStore) CreateProject(_ context.Context, projectID, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; ok {
		return false, nil
	}
	m.projects[projectID] = name
	return true, nil
}

func (m *MemStore) InsertProject(_ context.Context, projectID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; !ok {
		m.projects[projectID] = name
	}
	return nil
}

func memberKey(projectID, userID string) string {
	return projectID + "\x00" + userID
}

func (m *MemStore) UpsertProjectMember(_ context.Context, member ProjectMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[memberKey(member.ProjectID, member.UserID)] = member.Role
	return nil
}

func (m *MemStore) GetProjectRole(_ context.Context, projectID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[memberKey(projectID, userID)], nil
}

func (m *MemStore) UpsertTypeDefinition(_ context.Context, def TypeDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defs := m.types[def.ProjectID]
	for i, existing := range defs {
		if existing.Kind == def.Kind && existing.Name == def.Name {
			defs[i].Schema = def.Schema
			defs[i].RiskLevel = def.RiskLevel
			return nil
		}
	}
	m.types[def.ProjectID] = append(defs, def)
	return nil
}

func (m *MemStore) ListTypeDefinitions(_ context.Context, projectID string) ([]TypeDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TypeDefinition{}, m.types[projectID]...), nil
}

// Audit

func (m *MemStore) InsertAuditEvent(_ context.Context, event AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.audit) + 1)
	event.Payload = cloneMap(event.Payload)
	event.CreatedAt = m.now()
	m.audit = append(m.audit, event)
	return nil
}

func (m *MemStore) ListAuditEvents(_ context.Context, suggestionID string) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]AuditEvent, 0)
	for _, event := range m.audit {
		if event.SuggestionID == suggestionID {
			items = append(items, event)
		}
	}
	return items, nil
}

func (m *MemStore) Ping(context.Context) error {
	return nil
}
