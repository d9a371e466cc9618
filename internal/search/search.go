// Package search indexes committed memories so reviewers and agents can find them.
package search

import (
	"context"
	"strings"

	"muse/api/internal/store"
)

// Record is the data we index for a memory.
type Record struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Rationale string `json:"rationale,omitempty"`
}

func RecordFromMemory(memory store.Memory) Record {
	return Record{
		ID:        memory.ID,
		ProjectID: memory.ProjectID,
		Kind:      memory.Kind,
		Title:     memory.Title,
		Content:   memory.Content,
		Rationale: memory.Rationale,
	}
}

func (r Record) text() string {
	return strings.TrimSpace(strings.Join([]string{r.Title, r.Content, r.Rationale}, "\n"))
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	Kind      string  `json:"kind"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text      string
	ProjectID string
	Limit     int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

// Index is implemented by every memory search backend.
type Index interface {
	Index(ctx context.Context, record Record) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, q Query) ([]Result, error)
	Healthy() bool
}
