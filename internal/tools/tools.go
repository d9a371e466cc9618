// Package tools enumerates the closed set of agent tool calls that can become suggestions.
package tools

import "muse/api/internal/rbac"

type Name string

const (
	CreateEntity       Name = "create_entity"
	UpdateEntity       Name = "update_entity"
	CreateRelationship Name = "create_relationship"
	UpdateRelationship Name = "update_relationship"
	CommitDecision     Name = "commit_decision"
	CommitMemory       Name = "commit_memory"
	AddComment         Name = "add_comment"
	DeleteDocument     Name = "delete_document"
)

type TargetKind string

const (
	TargetNode     TargetKind = "node"
	TargetEdge     TargetKind = "edge"
	TargetMemory   TargetKind = "memory"
	TargetDocument TargetKind = "document"
)

type Class int

const (
	ClassCreate Class = iota + 1
	ClassUpdate
	ClassMemory
	ClassProxy
)

// Spec describes how a tool is reviewed and reversed.
type Spec struct {
	Name         Name
	Class        Class
	Target       TargetKind
	Operation    string
	RollbackKind string
	DefaultRisk  rbac.RiskLevel
}

var specs = map[Name]Spec{
	CreateEntity:       {CreateEntity, ClassCreate, TargetNode, "entity.create", "entity.create", rbac.RiskLow},
	UpdateEntity:       {UpdateEntity, ClassUpdate, TargetNode, "entity.update", "entity.update", rbac.RiskHigh},
	CreateRelationship: {CreateRelationship, ClassCreate, TargetEdge, "relationship.create", "relationship.create", rbac.RiskLow},
	UpdateRelationship: {UpdateRelationship, ClassUpdate, TargetEdge, "relationship.update", "relationship.update", rbac.RiskHigh},
	CommitDecision:     {CommitDecision, ClassMemory, TargetMemory, "memory.commit", "memory.commit", rbac.RiskCore},
	CommitMemory:       {CommitMemory, ClassMemory, TargetMemory, "memory.commit", "memory.commit", rbac.RiskLow},
	AddComment:         {AddComment, ClassProxy, TargetDocument, "comment.add", "comment.add", rbac.RiskLow},
	DeleteDocument:     {DeleteDocument, ClassProxy, TargetDocument, "document.delete", "", rbac.RiskHigh},
}

// All returns every supported tool in a stable order.
func All() []Name {
	return []Name{
		CreateEntity, UpdateEntity,
		CreateRelationship, UpdateRelationship,
		CommitDecision, CommitMemory,
		AddComment, DeleteDocument,
	}
}

func Lookup(name string) (Spec, bool) {
	spec, ok := specs[Name(name)]
	return spec, ok
}

func (n Name) Supported() bool {
	_, ok := specs[n]
	return ok
}

// EffectiveRisk returns the stored risk when set, otherwise the tool default.
func EffectiveRisk(name Name, stored string) rbac.RiskLevel {
	if stored != "" {
		return rbac.NormalizeRisk(stored)
	}
	if spec, ok := specs[name]; ok {
		return spec.DefaultRisk
	}
	return rbac.RiskHigh
}
