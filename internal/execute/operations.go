package execute

import (
	"encoding/json"
	"errors"
	"fmt"

	"muse/api/internal/tools"
)

// Operation is the closed set of executable tool calls. Only types in this
// package implement it.
type Operation interface {
	Tool() tools.Name
	sealed()
}

type CreateEntity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Aliases    []string       `json:"aliases"`
	Notes      string         `json:"notes"`
	Properties map[string]any `json:"properties"`
}

type UpdateEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Updates keeps the raw object so present-but-null fields survive decoding.
	Updates map[string]any `json:"updates"`
}

type CreateRelationship struct {
	Type       string         `json:"type"`
	SourceName string         `json:"sourceName"`
	SourceType string         `json:"sourceType"`
	TargetName string         `json:"targetName"`
	TargetType string         `json:"targetType"`
	Properties map[string]any `json:"properties"`
}

type UpdateRelationship struct {
	Type       string         `json:"type"`
	SourceName string         `json:"sourceName"`
	SourceType string         `json:"sourceType"`
	TargetName string         `json:"targetName"`
	TargetType string         `json:"targetType"`
	Updates    map[string]any `json:"updates"`
}

const (
	MemoryKindDecision = "decision"
	MemoryKindNote     = "note"
)

// CommitMemory covers both commit_decision and commit_memory.
type CommitMemory struct {
	Kind      string
	Title     string
	Content   string
	Rationale string
	Metadata  map[string]any
}

type AddComment struct {
	DocumentID string `json:"documentId"`
	Body       string `json:"body"`
}

type DeleteDocument struct {
	DocumentID string `json:"documentId"`
}

func (CreateEntity) Tool() tools.Name       { return tools.CreateEntity }
func (UpdateEntity) Tool() tools.Name       { return tools.UpdateEntity }
func (CreateRelationship) Tool() tools.Name { return tools.CreateRelationship }
func (UpdateRelationship) Tool() tools.Name { return tools.UpdateRelationship }
func (AddComment) Tool() tools.Name         { return tools.AddComment }
func (DeleteDocument) Tool() tools.Name     { return tools.DeleteDocument }

func (m CommitMemory) Tool() tools.Name {
	if m.Kind == MemoryKindDecision {
		return tools.CommitDecision
	}
	return tools.CommitMemory
}

func (CreateEntity) sealed()       {}
func (UpdateEntity) sealed()       {}
func (CreateRelationship) sealed() {}
func (UpdateRelationship) sealed() {}
func (CommitMemory) sealed()       {}
func (AddComment) sealed()         {}
func (DeleteDocument) sealed()     {}

// ErrUnsupported is wrapped by Decode for tools outside the closed set.
var ErrUnsupported = errors.New("unsupported tool")

// Decode converts raw tool arguments into their typed operation.
func Decode(tool tools.Name, args map[string]any) (Operation, error) {
	switch tool {
	case tools.CreateEntity:
		return decodeInto[CreateEntity](args)
	case tools.UpdateEntity:
		return decodeInto[UpdateEntity](args)
	case tools.CreateRelationship:
		return decodeInto[CreateRelationship](args)
	case tools.UpdateRelationship:
		return decodeInto[UpdateRelationship](args)
	case tools.AddComment:
		return decodeInto[AddComment](args)
	case tools.DeleteDocument:
		return decodeInto[DeleteDocument](args)
	case tools.CommitDecision:
		raw, err := decodeInto[struct {
			Title     string         `json:"title"`
			Decision  string         `json:"decision"`
			Rationale string         `json:"rationale"`
			Metadata  map[string]any `json:"metadata"`
		}](args)
		if err != nil {
			return nil, err
		}
		return CommitMemory{Kind: MemoryKindDecision, Title: raw.Title, Content: raw.Decision, Rationale: raw.Rationale, Metadata: raw.Metadata}, nil
	case tools.CommitMemory:
		raw, err := decodeInto[struct {
			Title    string         `json:"title"`
			Content  string         `json:"content"`
			Category string         `json:"category"`
			Metadata map[string]any `json:"metadata"`
		}](args)
		if err != nil {
			return nil, err
		}
		metadata := raw.Metadata
		if raw.Category != "" {
			if metadata == nil {
				metadata = map[string]any{}
			}
			metadata["category"] = raw.Category
		}
		return CommitMemory{Kind: MemoryKindNote, Title: raw.Title, Content: raw.Content, Metadata: metadata}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupported, tool)
	}
}

func decodeInto[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}
