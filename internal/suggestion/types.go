package suggestion

import (
	"muse/api/internal/rollback"
	"muse/api/internal/store"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Decision outcomes reported per item. Skipped items report the status the
// suggestion already had.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeInvalid  = "invalid"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// Caller is the authenticated reviewer or agent invoking an operation.
type Caller struct {
	UserID string
	Name   string
	Kind   string
}

func (c Caller) actor() store.Actor {
	kind := c.Kind
	if kind == "" {
		kind = "user"
	}
	return store.Actor{Kind: kind, ID: c.UserID, Name: c.Name}
}

type ProposeInput struct {
	ProjectID  string           `json:"projectId"`
	ToolCallID string           `json:"toolCallId"`
	ToolName   string           `json:"toolName"`
	Args       map[string]any   `json:"args"`
	RiskLevel  string           `json:"riskLevel,omitempty"`
	Actor      store.Actor      `json:"actor"`
	Provenance store.Provenance `json:"provenance"`
}

type ProposeOutput struct {
	Suggestion store.Suggestion `json:"suggestion"`
	// Created is false when the tool call had already been recorded.
	Created bool `json:"created"`
}

type DecisionResult struct {
	SuggestionID string `json:"suggestionId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
}

type RollbackOutput struct {
	Success                   bool `json:"success"`
	AlreadyRolledBack         bool `json:"alreadyRolledBack,omitempty"`
	DeletedRelationshipsCount int  `json:"deletedRelationshipsCount,omitempty"`
}

type ImpactOutput struct {
	CanRollback bool             `json:"canRollback"`
	Reason      string           `json:"reason,omitempty"`
	Impact      *rollback.Impact `json:"impact,omitempty"`
}
