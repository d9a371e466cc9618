package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(value any, what string) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(encoded), nil
}

// nullableJSON encodes value, mapping nil to SQL NULL.
func nullableJSON(value any, what string) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		return string(v), nil
	case *PreflightResult:
		if v == nil {
			return nil, nil
		}
	case *ExecutionResult:
		if v == nil {
			return nil, nil
		}
	}
	return marshalJSON(value, what)
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func mapIfNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func affectedOrNoRows(result sql.Result, what string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func guarded(result sql.Result, what string) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", what, err)
	}
	return affected > 0, nil
}

// Suggestions

const suggestionColumns = `
	id, tool_call_id, project_id, target_kind, target_id, tool_name, operation,
	patch, normalized_patch, citations, risk_level, status, preflight, actor, provenance,
	result, error, resolved_by, rolled_back_by, created_at, updated_at, resolved_at, rolled_back_at
`

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var item Suggestion
	var patchRaw, normalizedRaw, citationsRaw, preflightRaw []byte
	var actorRaw, provenanceRaw, resultRaw []byte
	var resolvedAt, rolledBackAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.ToolCallID,
		&item.ProjectID,
		&item.TargetKind,
		&item.TargetID,
		&item.ToolName,
		&item.Operation,
		&patchRaw,
		&normalizedRaw,
		&citationsRaw,
		&item.RiskLevel,
		&item.Status,
		&preflightRaw,
		&actorRaw,
		&provenanceRaw,
		&resultRaw,
		&item.Error,
		&item.ResolvedBy,
		&item.RolledBackBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&resolvedAt,
		&rolledBackAt,
	); err != nil {
		return Suggestion{}, err
	}
	if err := json.Unmarshal(patchRaw, &item.Patch); err != nil {
		return Suggestion{}, fmt.Errorf("decode suggestion patch: %w", err)
	}
	if len(normalizedRaw) > 0 {
		item.NormalizedPatch = json.RawMessage(normalizedRaw)
	}
	_ = json.Unmarshal(citationsRaw, &item.Citations)
	_ = json.Unmarshal(actorRaw, &item.Actor)
	_ = json.Unmarshal(provenanceRaw, &item.Provenance)
	if len(preflightRaw) > 0 {
		var preflight PreflightResult
		if err := json.Unmarshal(preflightRaw, &preflight); err != nil {
			return Suggestion{}, fmt.Errorf("decode suggestion preflight: %w", err)
		}
		item.Preflight = &preflight
	}
	if len(resultRaw) > 0 {
		var result ExecutionResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return Suggestion{}, fmt.Errorf("decode suggestion result: %w", err)
		}
		item.Result = &result
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		item.ResolvedAt = &at
	}
	if rolledBackAt.Valid {
		at := rolledBackAt.Time
		item.RolledBackAt = &at
	}
	return item, nil
}

// InsertSuggestion stores a new proposal. It reports false without error when
// a suggestion with the same tool call id already exists.
func (s *PostgresStore) InsertSuggestion(ctx context.Context, item Suggestion) (bool, error) {
	patch, err := marshalJSON(mapIfNil(item.Patch), "suggestion patch")
	if err != nil {
		return false, err
	}
	normalized, err := nullableJSON(item.NormalizedPatch, "normalized patch")
	if err != nil {
		return false, err
	}
	citations, err := marshalJSON(emptyIfNil(item.Citations), "citations")
	if err != nil {
		return false, err
	}
	preflight, err := nullableJSON(item.Preflight, "preflight")
	if err != nil {
		return false, err
	}
	actor, err := marshalJSON(item.Actor, "actor")
	if err != nil {
		return false, err
	}
	provenance, err := marshalJSON(item.Provenance, "provenance")
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (
			id, tool_call_id, project_id, target_kind, target_id, tool_name, operation,
			patch, normalized_patch, citations, risk_level, status, preflight, actor, provenance
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12, $13::jsonb, $14::jsonb, $15::jsonb)
		ON CONFLICT (tool_call_id) DO NOTHING
	`, item.ID, item.ToolCallID, item.ProjectID, item.TargetKind, item.TargetID, item.ToolName, item.Operation,
		patch, normalized, citations, item.RiskLevel, item.Status, preflight, actor, provenance)
	if err != nil {
		return false, fmt.Errorf("insert suggestion: %w", err)
	}
	return guarded(result, "insert suggestion")
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, suggestionID string) (Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id=$1`, suggestionID)
	return scanSuggestion(row)
}

// GetSuggestionByToolCall returns nil when no suggestion exists for the tool call.
func (s *PostgresStore) GetSuggestionByToolCall(ctx context.Context, toolCallID string) (*Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE tool_call_id=$1`, toolCallID)
	item, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get suggestion by tool call: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, projectID, status string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+suggestionColumns+`
		FROM suggestions
		WHERE project_id=$1 AND (status=$2 OR $2='')
		ORDER BY created_at DESC
		LIMIT $3
	`, projectID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	items := make([]Suggestion, 0)
	for rows.Next() {
		item, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return items, nil
}

// UpdateSuggestionPreflight stores a preflight result while the suggestion is
// still proposed. An empty targetID keeps the current target.
func (s *PostgresStore) UpdateSuggestionPreflight(ctx context.Context, suggestionID string, preflight PreflightResult, targetID string) (bool, error) {
	encoded, err := marshalJSON(preflight, "preflight")
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET preflight=$2::jsonb,
			target_id=CASE WHEN $3='' THEN target_id ELSE $3 END,
			updated_at=NOW()
		WHERE id=$1 AND status='proposed'
	`, suggestionID, encoded, targetID)
	if err != nil {
		return false, fmt.Errorf("update suggestion preflight: %w", err)
	}
	return guarded(result, "update suggestion preflight")
}

// ClaimSuggestion moves a proposed suggestion to accepted. False means another
// caller resolved it first.
func (s *PostgresStore) ClaimSuggestion(ctx context.Context, suggestionID, resolvedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET status='accepted', resolved_by=$2, resolved_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='proposed'
	`, suggestionID, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("claim suggestion: %w", err)
	}
	return guarded(result, "claim suggestion")
}

func (s *PostgresStore) RejectSuggestion(ctx context.Context, suggestionID, resolvedBy, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET status='rejected', resolved_by=$2, error=$3, resolved_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='proposed'
	`, suggestionID, resolvedBy, reason)
	if err != nil {
		return false, fmt.Errorf("reject suggestion: %w", err)
	}
	return guarded(result, "reject suggestion")
}

// FailSuggestion records an execution failure on a claimed suggestion.
func (s *PostgresStore) FailSuggestion(ctx context.Context, suggestionID, reason string, execution ExecutionResult) (bool, error) {
	encoded, err := marshalJSON(execution, "execution result")
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET status='rejected', error=$2, result=$3::jsonb, updated_at=NOW()
		WHERE id=$1 AND status='accepted'
	`, suggestionID, reason, encoded)
	if err != nil {
		return false, fmt.Errorf("fail suggestion: %w", err)
	}
	return guarded(result, "fail suggestion")
}

func (s *PostgresStore) CompleteSuggestion(ctx context.Context, suggestionID, targetID string, execution ExecutionResult) (bool, error) {
	encoded, err := marshalJSON(execution, "execution result")
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET result=$2::jsonb,
			target_id=CASE WHEN $3='' THEN target_id ELSE $3 END,
			updated_at=NOW()
		WHERE id=$1 AND status='accepted'
	`, suggestionID, encoded, targetID)
	if err != nil {
		return false, fmt.Errorf("complete suggestion: %w", err)
	}
	return guarded(result, "complete suggestion")
}

func (s *PostgresStore) MarkSuggestionRolledBack(ctx context.Context, suggestionID, rolledBackBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET status='rolled_back', rolled_back_by=$2, rolled_back_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='accepted'
	`, suggestionID, rolledBackBy)
	if err != nil {
		return false, fmt.Errorf("mark suggestion rolled back: %w", err)
	}
	return guarded(result, "mark suggestion rolled back")
}

// Entities

const entityColumns = `id, project_id, name, type, aliases, notes, properties, created_at, updated_at`

func scanEntity(row rowScanner) (Entity, error) {
	var item Entity
	var aliasesRaw, propertiesRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Name,
		&item.Type,
		&aliasesRaw,
		&item.Notes,
		&propertiesRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Entity{}, err
	}
	_ = json.Unmarshal(aliasesRaw, &item.Aliases)
	_ = json.Unmarshal(propertiesRaw, &item.Properties)
	item.Aliases = emptyIfNil(item.Aliases)
	item.Properties = mapIfNil(item.Properties)
	return item, nil
}

func (s *PostgresStore) InsertEntity(ctx context.Context, item Entity) error {
	aliases, err := marshalJSON(emptyIfNil(item.Aliases), "entity aliases")
	if err != nil {
		return err
	}
	properties, err := marshalJSON(mapIfNil(item.Properties), "entity properties")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, project_id, name, type, aliases, notes, properties)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb)
	`, item.ID, item.ProjectID, item.Name, item.Type, aliases, item.Notes, properties)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityID string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=$1`, entityID)
	return scanEntity(row)
}

// FindEntitiesByName matches names case-insensitively; an empty typeHint matches any type.
func (s *PostgresStore) FindEntitiesByName(ctx context.Context, projectID, name, typeHint string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE project_id=$1 AND LOWER(name)=LOWER($2) AND ($3='' OR type=$3)
		ORDER BY created_at ASC
	`, projectID, name, typeHint)
	if err != nil {
		return nil, fmt.Errorf("find entities: %w", err)
	}
	defer rows.Close()

	items := make([]Entity, 0)
	for rows.Next() {
		item, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, entityID string, patch EntityPatch) error {
	var aliases any
	if patch.Aliases != nil {
		encoded, err := marshalJSON(emptyIfNil(*patch.Aliases), "entity aliases")
		if err != nil {
			return err
		}
		aliases = encoded
	}
	setProperties, err := marshalJSON(mapIfNil(patch.SetProperties), "entity properties")
	if err != nil {
		return err
	}
	deleteProperties, err := marshalJSON(emptyIfNil(patch.DeleteProperties), "deleted properties")
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET name=COALESCE($2, name),
			aliases=COALESCE($3::jsonb, aliases),
			notes=COALESCE($4, notes),
			properties=(properties || $5::jsonb) - ARRAY(SELECT jsonb_array_elements_text($6::jsonb)),
			updated_at=NOW()
		WHERE id=$1
	`, entityID, patch.Name, aliases, patch.Notes, setProperties, deleteProperties)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return affectedOrNoRows(result, "update entity")
}

// DeleteEntity removes an entity. With cascade it first removes every
// relationship referencing it, in the same transaction, and reports how many.
func (s *PostgresStore) DeleteEntity(ctx context.Context, entityID string, cascade bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete entity tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleted := 0
	if cascade {
		result, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source_id=$1 OR target_id=$1`, entityID)
		if err != nil {
			return 0, fmt.Errorf("delete entity relationships: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("delete entity relationships rows affected: %w", err)
		}
		deleted = int(affected)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id=$1`, entityID)
	if err != nil {
		return 0, fmt.Errorf("delete entity: %w", translate(err))
	}
	if err := affectedOrNoRows(result, "delete entity"); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete entity: %w", err)
	}
	return deleted, nil
}

// Relationships

const relationshipColumns = `id, project_id, type, source_id, target_id, properties, created_at, updated_at`

func scanRelationship(row rowScanner) (Relationship, error) {
	var item Relationship
	var propertiesRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Type,
		&item.SourceID,
		&item.TargetID,
		&propertiesRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Relationship{}, err
	}
	_ = json.Unmarshal(propertiesRaw, &item.Properties)
	item.Properties = mapIfNil(item.Properties)
	return item, nil
}

func (s *PostgresStore) queryRelationships(ctx context.Context, what, query string, args ...any) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	items := make([]Relationship, 0)
	for rows.Next() {
		item, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertRelationship(ctx context.Context, item Relationship) error {
	properties, err := marshalJSON(mapIfNil(item.Properties), "relationship properties")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, project_id, type, source_id, target_id, properties)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, item.ID, item.ProjectID, item.Type, item.SourceID, item.TargetID, properties)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetRelationship(ctx context.Context, relationshipID string) (Relationship, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE id=$1`, relationshipID)
	return scanRelationship(row)
}

func (s *PostgresStore) FindRelationships(ctx context.Context, projectID, relType, sourceID, targetID string) ([]Relationship, error) {
	return s.queryRelationships(ctx, "find relationships", `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE project_id=$1 AND type=$2 AND source_id=$3 AND target_id=$4
		ORDER BY created_at ASC
	`, projectID, relType, sourceID, targetID)
}

func (s *PostgresStore) ListEntityRelationships(ctx context.Context, entityID string) ([]Relationship, error) {
	return s.queryRelationships(ctx, "list entity relationships", `
		SELECT `+relationshipColumns+`
		FROM relationships
		WHERE source_id=$1 OR target_id=$1
		ORDER BY created_at ASC
	`, entityID)
}

func (s *PostgresStore) UpdateRelationship(ctx context.Context, relationshipID string, patch RelationshipPatch) error {
	setProperties, err := marshalJSON(mapIfNil(patch.SetProperties), "relationship properties")
	if err != nil {
		return err
	}
	deleteProperties, err := marshalJSON(emptyIfNil(patch.DeleteProperties), "deleted properties")
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE relationships
		SET properties=(properties || $2::jsonb) - ARRAY(SELECT jsonb_array_elements_text($3::jsonb)),
			updated_at=NOW()
		WHERE id=$1
	`, relationshipID, setProperties, deleteProperties)
	if err != nil {
		return fmt.Errorf("update relationship: %w", err)
	}
	return affectedOrNoRows(result, "update relationship")
}

func (s *PostgresStore) DeleteRelationship(ctx context.Context, relationshipID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE id=$1`, relationshipID)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	return affectedOrNoRows(result, "delete relationship")
}

// Memories

func (s *PostgresStore) InsertMemory(ctx context.Context, item Memory) error {
	metadata, err := marshalJSON(mapIfNil(item.Metadata), "memory metadata")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, project_id, kind, title, content, rationale, metadata, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, item.ID, item.ProjectID, item.Kind, item.Title, item.Content, item.Rationale, metadata, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

const memoryColumns = `id, project_id, kind, title, content, rationale, metadata, created_by, created_at`

func scanMemory(row rowScanner) (Memory, error) {
	var item Memory
	var metadataRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Kind,
		&item.Title,
		&item.Content,
		&item.Rationale,
		&metadataRaw,
		&item.CreatedBy,
		&item.CreatedAt,
	); err != nil {
		return Memory{}, err
	}
	_ = json.Unmarshal(metadataRaw, &item.Metadata)
	item.Metadata = mapIfNil(item.Metadata)
	return item, nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, memoryID string) (Memory, error) {
	return scanMemory(s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id=$1`, memoryID))
}

// ListMemories returns memories oldest first. An empty projectID lists every project.
func (s *PostgresStore) ListMemories(ctx context.Context, projectID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE $1 = '' OR project_id = $1
		ORDER BY created_at ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	items := make([]Memory, 0)
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, memoryID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id=$1`, memoryID)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return affectedOrNoRows(result, "delete memory")
}

// Documents and comments

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, title, blob_key)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.ProjectID, item.Title, item.BlobKey)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, blob_key, created_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.ProjectID, &item.Title, &item.BlobKey, &item.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return affectedOrNoRows(result, "delete document")
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_comments (id, project_id, document_id, body, author_id)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.ProjectID, item.DocumentID, item.Body, item.AuthorID)
	if err != nil {
		return fmt.Errorf("insert comment: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, document_id, body, author_id, created_at
		FROM document_comments
		WHERE id=$1
	`, commentID).Scan(&item.ID, &item.ProjectID, &item.DocumentID, &item.Body, &item.AuthorID, &item.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return affectedOrNoRows(result, "delete comment")
}

// Projects and registry

// CreateAccount returns false when the id is taken.
func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, kind, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, account.ID, account.Name, account.Kind, account.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}
	return guarded(result, "create account")
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, password_hash, created_at FROM accounts WHERE id=$1
	`, accountID).Scan(&account.ID, &account.Name, &account.Kind, &account.PasswordHash, &account.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// CreateProject returns false when the id is taken.
func (s *PostgresStore) CreateProject(ctx context.Context, projectID, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, projectID, name)
	if err != nil {
		return false, fmt.Errorf("create project: %w", err)
	}
	return guarded(result, "create project")
}

func (s *PostgresStore) InsertProject(ctx context.Context, projectID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, projectID, name)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProjectMember(ctx context.Context, member ProjectMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, member.ProjectID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

// GetProjectRole returns "" when the user is not a member of the project.
func (s *PostgresStore) GetProjectRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get project role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) UpsertTypeDefinition(ctx context.Context, def TypeDefinition) error {
	var schema any
	if len(def.Schema) > 0 {
		schema = string(def.Schema)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO type_definitions (id, project_id, kind, name, schema, risk_level)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (project_id, kind, name) DO UPDATE SET schema=EXCLUDED.schema, risk_level=EXCLUDED.risk_level
	`, def.ID, def.ProjectID, def.Kind, def.Name, schema, def.RiskLevel)
	if err != nil {
		return fmt.Errorf("upsert type definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTypeDefinitions(ctx context.Context, projectID string) ([]TypeDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, kind, name, schema, risk_level
		FROM type_definitions
		WHERE project_id=$1
		ORDER BY kind, name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list type definitions: %w", err)
	}
	defer rows.Close()

	items := make([]TypeDefinition, 0)
	for rows.Next() {
		var item TypeDefinition
		var schemaRaw []byte
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Kind, &item.Name, &schemaRaw, &item.RiskLevel); err != nil {
			return nil, fmt.Errorf("scan type definition: %w", err)
		}
		if len(schemaRaw) > 0 {
			item.Schema = json.RawMessage(schemaRaw)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type definitions: %w", err)
	}
	return items, nil
}

// Audit

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload, err := marshalJSON(mapIfNil(event.Payload), "audit payload")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, project_id, suggestion_id, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.EventType, event.ProjectID, event.SuggestionID, event.ActorID, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, suggestionID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, project_id, suggestion_id, actor_id, payload, created_at
		FROM audit_events
		WHERE suggestion_id=$1
		ORDER BY created_at ASC, id ASC
	`, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var payloadRaw []byte
		if err := rows.Scan(&item.ID, &item.EventType, &item.ProjectID, &item.SuggestionID, &item.ActorID, &payloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(payloadRaw, &item.Payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
