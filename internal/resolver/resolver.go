// Package resolver maps display names to stored entities and relationships.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"muse/api/internal/store"
)

var ErrNotFound = errors.New("not found")

type Lookup interface {
	FindEntitiesByName(ctx context.Context, projectID, name, typeHint string) ([]store.Entity, error)
	FindRelationships(ctx context.Context, projectID, relType, sourceID, targetID string) ([]store.Relationship, error)
}

// AmbiguousError is returned when a name matches more than one record.
// Candidates lists the distinguishing types or ids, sorted.
type AmbiguousError struct {
	What       string
	Name       string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous %s %q: matches %s", e.What, e.Name, strings.Join(e.Candidates, ", "))
}

type Resolver struct {
	lookup Lookup
}

func New(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Entity resolves exactly one entity; it never picks between several matches.
func (r *Resolver) Entity(ctx context.Context, projectID, name, typeHint string) (store.Entity, error) {
	matches, err := r.lookup.FindEntitiesByName(ctx, projectID, name, typeHint)
	if err != nil {
		return store.Entity{}, fmt.Errorf("resolve entity %q: %w", name, err)
	}
	switch len(matches) {
	case 0:
		if typeHint != "" {
			return store.Entity{}, fmt.Errorf("entity %q of type %q %w", name, typeHint, ErrNotFound)
		}
		return store.Entity{}, fmt.Errorf("entity %q %w", name, ErrNotFound)
	case 1:
		return matches[0], nil
	}
	seen := map[string]bool{}
	var types []string
	for _, m := range matches {
		label := m.Type
		if seen[label] {
			label = m.Type + " (" + m.ID + ")"
		}
		seen[m.Type] = true
		types = append(types, label)
	}
	sort.Strings(types)
	return store.Entity{}, &AmbiguousError{What: "entity", Name: name, Candidates: types}
}

type RelationshipRef struct {
	Type       string
	SourceName string
	SourceType string
	TargetName string
	TargetType string
}

func (ref RelationshipRef) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", ref.SourceName, ref.Type, ref.TargetName)
}

// Relationship resolves both endpoints by name and then the single edge between them.
func (r *Resolver) Relationship(ctx context.Context, projectID string, ref RelationshipRef) (store.Relationship, error) {
	source, err := r.Entity(ctx, projectID, ref.SourceName, ref.SourceType)
	if err != nil {
		return store.Relationship{}, fmt.Errorf("source: %w", err)
	}
	target, err := r.Entity(ctx, projectID, ref.TargetName, ref.TargetType)
	if err != nil {
		return store.Relationship{}, fmt.Errorf("target: %w", err)
	}
	matches, err := r.lookup.FindRelationships(ctx, projectID, ref.Type, source.ID, target.ID)
	if err != nil {
		return store.Relationship{}, fmt.Errorf("resolve relationship %s: %w", ref, err)
	}
	switch len(matches) {
	case 0:
		return store.Relationship{}, fmt.Errorf("relationship %s %w", ref, ErrNotFound)
	case 1:
		return matches[0], nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return store.Relationship{}, &AmbiguousError{What: "relationship", Name: ref.String(), Candidates: ids}
}
