// Package registry compiles per-project type definitions into schema validators.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"muse/api/internal/store"
)

type Source interface {
	ListTypeDefinitions(ctx context.Context, projectID string) ([]store.TypeDefinition, error)
}

// Type is a compiled type definition.
type Type struct {
	Definition store.TypeDefinition
	schema     *jsonschema.Resolved
}

// Validate checks a property bag against the type's schema. Types without a
// schema accept any bag.
func (t *Type) Validate(properties map[string]any) error {
	if t == nil || t.schema == nil {
		return nil
	}
	if properties == nil {
		properties = map[string]any{}
	}
	return t.schema.Validate(properties)
}

type Registry struct {
	types map[string]map[string]*Type
}

func Compile(defs []store.TypeDefinition) (*Registry, error) {
	r := &Registry{types: map[string]map[string]*Type{}}
	for _, def := range defs {
		compiled := &Type{Definition: def}
		if len(def.Schema) > 0 && string(def.Schema) != "null" {
			var schema jsonschema.Schema
			if err := json.Unmarshal(def.Schema, &schema); err != nil {
				return nil, fmt.Errorf("decode schema for %s %q: %w", def.Kind, def.Name, err)
			}
			resolved, err := schema.Resolve(nil)
			if err != nil {
				return nil, fmt.Errorf("resolve schema for %s %q: %w", def.Kind, def.Name, err)
			}
			compiled.schema = resolved
		}
		if r.types[def.Kind] == nil {
			r.types[def.Kind] = map[string]*Type{}
		}
		r.types[def.Kind][def.Name] = compiled
	}
	return r, nil
}

// Defines reports whether any type of the given kind is registered. Projects
// without definitions accept any type name.
func (r *Registry) Defines(kind string) bool {
	return r != nil && len(r.types[kind]) > 0
}

func (r *Registry) Lookup(kind, name string) (*Type, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.types[kind][name]
	return t, ok
}

// Names lists registered type names of a kind, sorted.
func (r *Registry) Names(kind string) []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.types[kind]))
	for name := range r.types[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cache memoizes compiled registries per project for the lifetime of one call.
// Create a new Cache per request or batch; it is never shared globally.
type Cache struct {
	source Source

	mu         sync.Mutex
	registries map[string]*Registry
}

func NewCache(source Source) *Cache {
	return &Cache{source: source, registries: map[string]*Registry{}}
}

func (c *Cache) Get(ctx context.Context, projectID string) (*Registry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.registries[projectID]; ok {
		return r, nil
	}
	defs, err := c.source.ListTypeDefinitions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load type definitions: %w", err)
	}
	r, err := Compile(defs)
	if err != nil {
		return nil, err
	}
	c.registries[projectID] = r
	return r, nil
}
