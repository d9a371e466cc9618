package search

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/philippgille/chromem-go"
)

const (
	embeddedCollection = "muse_memories"
	embeddingDims      = 256
)

// Embedded is an in-process vector index used when no Meilisearch server is
// configured, or while it is unreachable.
type Embedded struct {
	collection *chromem.Collection

	mu       sync.Mutex
	projects map[string]string // memory id -> project id
}

func NewEmbedded() (*Embedded, error) {
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(embeddedCollection, nil, hashedEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create embedded collection: %w", err)
	}
	return &Embedded{collection: collection, projects: map[string]string{}}, nil
}

func (e *Embedded) Healthy() bool { return true }

func (e *Embedded) Count() int { return e.collection.Count() }

func (e *Embedded) Index(ctx context.Context, record Record) error {
	doc := chromem.Document{
		ID:      record.ID,
		Content: record.text(),
		Metadata: map[string]string{
			"projectId": record.ProjectID,
			"kind":      record.Kind,
			"title":     record.Title,
		},
	}
	if err := e.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("embedded add memory: %w", err)
	}
	e.mu.Lock()
	e.projects[record.ID] = record.ProjectID
	e.mu.Unlock()
	return nil
}

func (e *Embedded) Remove(ctx context.Context, id string) error {
	if err := e.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("embedded delete memory: %w", err)
	}
	e.mu.Lock()
	delete(e.projects, id)
	e.mu.Unlock()
	return nil
}

func (e *Embedded) Search(ctx context.Context, q Query) ([]Result, error) {
	// chromem requires nResults <= the number of documents the filter keeps
	n := q.limit()
	count := e.countFor(q.ProjectID)
	if count == 0 || strings.TrimSpace(q.Text) == "" {
		return []Result{}, nil
	}
	if n > count {
		n = count
	}
	var where map[string]string
	if q.ProjectID != "" {
		where = map[string]string{"projectId": q.ProjectID}
	}
	hits, err := e.collection.Query(ctx, q.Text, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("embedded query: %w", err)
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			ID:        hit.ID,
			ProjectID: hit.Metadata["projectId"],
			Kind:      hit.Metadata["kind"],
			Title:     hit.Metadata["title"],
			Snippet:   hit.Content,
			Score:     float64(hit.Similarity),
		})
	}
	return results, nil
}

func (e *Embedded) countFor(projectID string) int {
	if projectID == "" {
		return e.collection.Count()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.projects {
		if p == projectID {
			n++
		}
	}
	return n
}

// hashedEmbedding maps text to a normalized bag-of-words vector using the
// hashing trick. Good enough for keyword recall without a model server.
func hashedEmbedding(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, embeddingDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, word := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vector[h.Sum32()%embeddingDims]++
	}
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vector[0] = 1
		return vector, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vector {
		vector[i] *= scale
	}
	return vector, nil
}
