package store

import (
	"encoding/json"
	"time"
)

const (
	StatusProposed   = "proposed"
	StatusAccepted   = "accepted"
	StatusRejected   = "rejected"
	StatusRolledBack = "rolled_back"
)

const (
	PreflightOK       = "ok"
	PreflightInvalid  = "invalid"
	PreflightConflict = "conflict"
)

type Actor struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Provenance struct {
	StreamID   string `json:"streamId,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Model      string `json:"model,omitempty"`
}

type Citation struct {
	SourceID string `json:"sourceId,omitempty"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	Quote    string `json:"quote,omitempty"`
}

type PreflightResult struct {
	Status               string    `json:"status"`
	Errors               []string  `json:"errors"`
	Warnings             []string  `json:"warnings"`
	ResolvedTargetID     string    `json:"resolvedTargetId,omitempty"`
	BaseFingerprint      string    `json:"baseFingerprint,omitempty"`
	FingerprintAlgorithm string    `json:"fingerprintAlgorithm,omitempty"`
	ComputedAt           time.Time `json:"computedAt"`
}

type Artifact struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// RollbackRecord holds the minimum prior state needed to reverse one applied
// suggestion. Update kinds carry Before and AbsentKeys; create kinds carry only ids.
type RollbackRecord struct {
	Kind           string         `json:"kind"`
	EntityID       string         `json:"entityId,omitempty"`
	RelationshipID string         `json:"relationshipId,omitempty"`
	MemoryID       string         `json:"memoryId,omitempty"`
	CommentID      string         `json:"commentId,omitempty"`
	Indexed        bool           `json:"indexed,omitempty"`
	Before         map[string]any `json:"before,omitempty"`
	AbsentKeys     []string       `json:"absentKeys,omitempty"`
}

type ExecutionResult struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
	Rollback  *RollbackRecord `json:"rollback,omitempty"`
}

type Suggestion struct {
	ID              string           `json:"id"`
	ToolCallID      string           `json:"toolCallId"`
	ProjectID       string           `json:"projectId"`
	TargetKind      string           `json:"targetKind"`
	TargetID        string           `json:"targetId,omitempty"`
	ToolName        string           `json:"toolName"`
	Operation       string           `json:"operation"`
	Patch           map[string]any   `json:"patch"`
	NormalizedPatch json.RawMessage  `json:"normalizedPatch,omitempty"`
	Citations       []Citation       `json:"citations,omitempty"`
	RiskLevel       string           `json:"riskLevel,omitempty"`
	Status          string           `json:"status"`
	Preflight       *PreflightResult `json:"preflight,omitempty"`
	Actor           Actor            `json:"actor"`
	Provenance      Provenance       `json:"provenance"`
	Result          *ExecutionResult `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	ResolvedBy      string           `json:"resolvedBy,omitempty"`
	RolledBackBy    string           `json:"rolledBackBy,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	RolledBackAt    *time.Time       `json:"rolledBackAt,omitempty"`
}

func (s Suggestion) Resolved() bool {
	return s.Status != StatusProposed
}

type Entity struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Aliases    []string       `json:"aliases"`
	Notes      string         `json:"notes"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// EntityPatch is a partial update. Nil pointers leave a column untouched.
type EntityPatch struct {
	Name             *string
	Aliases          *[]string
	Notes            *string
	SetProperties    map[string]any
	DeleteProperties []string
}

type Relationship struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"projectId"`
	Type       string         `json:"type"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type RelationshipPatch struct {
	SetProperties    map[string]any
	DeleteProperties []string
}

type Memory struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Rationale string         `json:"rationale,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedBy string         `json:"createdBy"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title"`
	BlobKey   string    `json:"blobKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Comment struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	DocumentID string    `json:"documentId"`
	Body       string    `json:"body"`
	AuthorID   string    `json:"authorId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type TypeDefinition struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	RiskLevel string          `json:"riskLevel,omitempty"`
}

const (
	TypeKindEntity       = "entity"
	TypeKindRelationship = "relationship"
)

type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      string
}

type AuditEvent struct {
	ID           int64          `json:"id"`
	EventType    string         `json:"eventType"`
	ProjectID    string         `json:"projectId"`
	SuggestionID string         `json:"suggestionId"`
	ActorID      string         `json:"actorId,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Account is a login identity. PasswordHash is a bcrypt hash.
type Account struct {
	ID           string
	Name         string
	Kind         string
	PasswordHash string
	CreatedAt    time.Time
}
