// Package preflight decides whether a proposed tool call can be applied right now.
package preflight

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"muse/api/internal/fingerprint"
	"muse/api/internal/registry"
	"muse/api/internal/resolver"
	"muse/api/internal/store"
	"muse/api/internal/tools"
)

type Mode int

const (
	// ModePropose records a baseline without comparing against one.
	ModePropose Mode = iota
	// ModeCheck compares the current state with a stored baseline.
	ModeCheck
)

const ConflictMessage = "target changed since proposal; rebase required"

type Store interface {
	resolver.Lookup
	GetEntity(ctx context.Context, entityID string) (store.Entity, error)
	GetRelationship(ctx context.Context, relationshipID string) (store.Relationship, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
}

type Request struct {
	ProjectID string
	Tool      tools.Name
	Args      map[string]any
	Mode      Mode
	Previous  *store.PreflightResult
	Registry  *registry.Cache
}

type Validator struct {
	store    Store
	resolver *resolver.Resolver
	now      func() time.Time
}

func New(s Store) *Validator {
	return &Validator{store: s, resolver: resolver.New(s), now: time.Now}
}

// outcome is what one tool-specific check produced.
type outcome struct {
	errs     errorList
	warnings []string
	targetID string
	snapshot any
}

// Run validates a request. Problems are reported in the result, never as errors.
func (v *Validator) Run(ctx context.Context, req Request) store.PreflightResult {
	out := &outcome{}
	reg, err := v.registry(ctx, req)
	if err != nil {
		out.errs.add("type registry unavailable: %v", err)
	} else {
		v.check(ctx, req, reg, out)
	}

	result := store.PreflightResult{
		Errors:     []string(out.errs),
		Warnings:   out.warnings,
		ComputedAt: v.now().UTC(),
	}
	if result.Errors == nil {
		result.Errors = []string{}
	}
	if result.Warnings == nil {
		result.Warnings = []string{}
	}
	result.ResolvedTargetID = out.targetID
	if result.ResolvedTargetID == "" && req.Previous != nil {
		result.ResolvedTargetID = req.Previous.ResolvedTargetID
	}

	var baseline string
	if req.Previous != nil {
		baseline = req.Previous.BaseFingerprint
	}
	if baseline != "" {
		result.BaseFingerprint = baseline
		result.FingerprintAlgorithm = fingerprint.Algorithm
	}

	if len(result.Errors) > 0 {
		result.Status = store.PreflightInvalid
		return result
	}

	if out.snapshot != nil {
		current := fingerprint.Hash(out.snapshot)
		if baseline == "" {
			result.BaseFingerprint = current
			result.FingerprintAlgorithm = fingerprint.Algorithm
		} else if req.Mode == ModeCheck && current != baseline {
			result.Status = store.PreflightConflict
			result.Errors = append(result.Errors, ConflictMessage)
			return result
		}
	}
	result.Status = store.PreflightOK
	return result
}

func (v *Validator) registry(ctx context.Context, req Request) (*registry.Registry, error) {
	if req.Registry == nil {
		return nil, nil
	}
	return req.Registry.Get(ctx, req.ProjectID)
}

func (v *Validator) check(ctx context.Context, req Request, reg *registry.Registry, out *outcome) {
	args := Args(req.Args)
	if args == nil {
		args = Args{}
	}
	switch req.Tool {
	case tools.CreateEntity:
		v.checkCreateEntity(ctx, req.ProjectID, args, reg, out)
	case tools.CreateRelationship:
		v.checkCreateRelationship(ctx, req.ProjectID, args, reg, out)
	case tools.UpdateEntity:
		v.checkUpdateEntity(ctx, req, args, reg, out)
	case tools.UpdateRelationship:
		v.checkUpdateRelationship(ctx, req, args, reg, out)
	case tools.CommitDecision:
		out.errs.requireString(args, "decision")
		out.errs.optionalBag(args, "metadata")
	case tools.CommitMemory:
		out.errs.requireString(args, "content")
		out.errs.optionalBag(args, "metadata")
	case tools.AddComment:
		out.errs.requireString(args, "body")
		v.checkDocument(ctx, args, out)
	case tools.DeleteDocument:
		v.checkDocument(ctx, args, out)
	default:
		out.errs.add("unsupported tool %q", req.Tool)
	}
}

// validateType looks up a declared type and validates its property bag.
func validateType(reg *registry.Registry, kind, typeName string, properties map[string]any, out *outcome) {
	if typeName == "" {
		return
	}
	def, ok := reg.Lookup(kind, typeName)
	if !ok {
		if reg.Defines(kind) {
			out.errs.add("unknown %s type %q", kind, typeName)
		}
		return
	}
	if err := def.Validate(properties); err != nil {
		out.errs.add("properties: %v", err)
	}
}

func (v *Validator) checkCreateEntity(ctx context.Context, projectID string, args Args, reg *registry.Registry, out *outcome) {
	name := out.errs.requireString(args, "name")
	typeName := out.errs.requireString(args, "type")
	properties := out.errs.optionalBag(args, "properties")
	validateType(reg, store.TypeKindEntity, typeName, properties, out)

	if name != "" && typeName != "" {
		existing, err := v.store.FindEntitiesByName(ctx, projectID, name, typeName)
		if err != nil {
			out.errs.add("lookup existing entity: %v", err)
		} else if len(existing) > 0 {
			out.warnings = append(out.warnings, fmt.Sprintf("entity %q of type %q already exists", name, typeName))
		}
	}
}

func (v *Validator) checkCreateRelationship(ctx context.Context, projectID string, args Args, reg *registry.Registry, out *outcome) {
	typeName := out.errs.requireString(args, "type")
	sourceName := out.errs.requireString(args, "sourceName")
	targetName := out.errs.requireString(args, "targetName")
	properties := out.errs.optionalBag(args, "properties")
	validateType(reg, store.TypeKindRelationship, typeName, properties, out)

	if sourceName != "" {
		if _, err := v.resolver.Entity(ctx, projectID, sourceName, args.String("sourceType")); err != nil {
			out.errs.add("source: %v", err)
		}
	}
	if targetName != "" {
		if _, err := v.resolver.Entity(ctx, projectID, targetName, args.String("targetType")); err != nil {
			out.errs.add("target: %v", err)
		}
	}
}

func (v *Validator) checkDocument(ctx context.Context, args Args, out *outcome) {
	documentID := out.errs.requireString(args, "documentId")
	if documentID == "" {
		return
	}
	if _, err := v.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			out.errs.add("document %q not found", documentID)
			return
		}
		out.errs.add("lookup document: %v", err)
		return
	}
	out.targetID = documentID
}

// previousTarget returns the stored target id when a check-mode run may reuse it.
func previousTarget(req Request) string {
	if req.Mode != ModeCheck || req.Previous == nil {
		return ""
	}
	return req.Previous.ResolvedTargetID
}

var entityUpdateFields = map[string]bool{"name": true, "aliases": true, "notes": true, "properties": true}

func (v *Validator) checkUpdateEntity(ctx context.Context, req Request, args Args, reg *registry.Registry, out *outcome) {
	updates := validateUpdates(args, entityUpdateFields, out)
	var name string
	if previousTarget(req) == "" {
		name = out.errs.requireString(args, "name")
	}
	if len(out.errs) > 0 {
		return
	}

	var entity store.Entity
	var err error
	if id := previousTarget(req); id != "" {
		entity, err = v.store.GetEntity(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("entity %s no longer exists", id)
		}
	} else {
		entity, err = v.resolver.Entity(ctx, req.ProjectID, name, args.String("type"))
	}
	if err != nil {
		out.errs.add("%v", err)
		return
	}
	out.targetID = entity.ID

	propertyUpdates, _ := updates["properties"].(map[string]any)
	merged := mergeProperties(entity.Properties, propertyUpdates)
	if def, ok := reg.Lookup(store.TypeKindEntity, entity.Type); ok {
		if err := def.Validate(merged); err != nil {
			out.errs.add("properties: %v", err)
			return
		}
	}
	out.snapshot = EntitySnapshot(entity, updates)
}

var relationshipUpdateFields = map[string]bool{"properties": true}

func (v *Validator) checkUpdateRelationship(ctx context.Context, req Request, args Args, reg *registry.Registry, out *outcome) {
	updates := validateUpdates(args, relationshipUpdateFields, out)
	var ref resolver.RelationshipRef
	if previousTarget(req) == "" {
		ref = resolver.RelationshipRef{
			Type:       out.errs.requireString(args, "type"),
			SourceName: out.errs.requireString(args, "sourceName"),
			SourceType: args.String("sourceType"),
			TargetName: out.errs.requireString(args, "targetName"),
			TargetType: args.String("targetType"),
		}
	}
	if len(out.errs) > 0 {
		return
	}

	var rel store.Relationship
	var err error
	if id := previousTarget(req); id != "" {
		rel, err = v.store.GetRelationship(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("relationship %s no longer exists", id)
		}
	} else {
		rel, err = v.resolver.Relationship(ctx, req.ProjectID, ref)
	}
	if err != nil {
		out.errs.add("%v", err)
		return
	}
	out.targetID = rel.ID

	propertyUpdates, _ := updates["properties"].(map[string]any)
	merged := mergeProperties(rel.Properties, propertyUpdates)
	if def, ok := reg.Lookup(store.TypeKindRelationship, rel.Type); ok {
		if err := def.Validate(merged); err != nil {
			out.errs.add("properties: %v", err)
			return
		}
	}
	out.snapshot = RelationshipSnapshot(rel, updates)
}

// validateUpdates checks the shape of the nested updates object.
func validateUpdates(args Args, allowed map[string]bool, out *outcome) map[string]any {
	updates, ok := args.Object("updates")
	if !ok || len(updates) == 0 {
		out.errs.add("updates must include at least one field")
		return nil
	}
	for key, value := range updates {
		if !allowed[key] {
			out.errs.add("unsupported update field %q", key)
			continue
		}
		switch key {
		case "name":
			if s, isString := value.(string); !isString || s == "" {
				out.errs.add("updates.name must be a non-empty string")
			}
		case "notes":
			if _, isString := value.(string); !isString && value != nil {
				out.errs.add("updates.notes must be a string")
			}
		case "aliases":
			if !isStringList(value) {
				out.errs.add("updates.aliases must be a list of strings")
			}
		case "properties":
			if bag, isMap := value.(map[string]any); !isMap || len(bag) == 0 {
				out.errs.add("updates.properties must be a non-empty object")
			}
		}
	}
	return updates
}

func isStringList(value any) bool {
	if value == nil {
		return true
	}
	items, ok := value.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if _, ok := item.(string); !ok {
			return false
		}
	}
	return true
}

// mergeProperties overlays updates on current; a nil update value removes the key.
func mergeProperties(current, updates map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(updates))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range updates {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
