package preflight

import (
	"muse/api/internal/fingerprint"
	"muse/api/internal/store"
)

// EntitySnapshot captures the current values of only the fields an update
// touches. Properties the entity lacks are recorded as fingerprint.Undefined.
func EntitySnapshot(entity store.Entity, updates map[string]any) map[string]any {
	snapshot := map[string]any{}
	if _, ok := updates["name"]; ok {
		snapshot["name"] = entity.Name
	}
	if _, ok := updates["aliases"]; ok {
		snapshot["aliases"] = entity.Aliases
	}
	if _, ok := updates["notes"]; ok {
		snapshot["notes"] = entity.Notes
	}
	if props, ok := updates["properties"].(map[string]any); ok {
		snapshot["properties"] = propertySnapshot(entity.Properties, props)
	}
	return snapshot
}

func RelationshipSnapshot(rel store.Relationship, updates map[string]any) map[string]any {
	snapshot := map[string]any{}
	if props, ok := updates["properties"].(map[string]any); ok {
		snapshot["properties"] = propertySnapshot(rel.Properties, props)
	}
	return snapshot
}

func propertySnapshot(current, updates map[string]any) map[string]any {
	out := make(map[string]any, len(updates))
	for key := range updates {
		if value, ok := current[key]; ok {
			out[key] = value
		} else {
			out[key] = fingerprint.Undefined
		}
	}
	return out
}
