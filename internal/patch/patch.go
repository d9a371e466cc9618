// Package patch turns tool-call arguments into an ordered list of add operations
// for display and diffing.
package patch

import (
	"sort"
	"strings"

	"muse/api/internal/tools"
)

type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// field is one argument key; bag fields are flattened into one op per key.
type field struct {
	key string
	bag bool
}

var layouts = map[tools.Name]struct {
	nested string
	fields []field
}{
	tools.CreateEntity: {fields: []field{{key: "name"}, {key: "type"}, {key: "aliases"}, {key: "notes"}, {key: "properties", bag: true}}},
	tools.UpdateEntity: {nested: "updates", fields: []field{{key: "name"}, {key: "aliases"}, {key: "notes"}, {key: "properties", bag: true}}},
	tools.CreateRelationship: {fields: []field{
		{key: "type"}, {key: "sourceName"}, {key: "sourceType"}, {key: "targetName"}, {key: "targetType"}, {key: "properties", bag: true},
	}},
	tools.UpdateRelationship: {nested: "updates", fields: []field{{key: "properties", bag: true}}},
	tools.CommitDecision:     {fields: []field{{key: "title"}, {key: "decision"}, {key: "rationale"}, {key: "metadata", bag: true}}},
	tools.CommitMemory:       {fields: []field{{key: "title"}, {key: "content"}, {key: "category"}, {key: "metadata", bag: true}}},
}

// Normalize returns the canonical operations for a tool call. The boolean is
// false when the tool has no patch representation.
func Normalize(tool tools.Name, args map[string]any) ([]Op, bool) {
	layout, ok := layouts[tool]
	if !ok {
		return nil, false
	}
	source := args
	if layout.nested != "" {
		nested, _ := args[layout.nested].(map[string]any)
		source = nested
	}

	ops := make([]Op, 0, len(layout.fields))
	for _, f := range layout.fields {
		value, present := source[f.key]
		if !present {
			continue
		}
		bag, isMap := value.(map[string]any)
		if !f.bag || !isMap {
			ops = append(ops, Op{Op: "add", Path: "/" + Escape(f.key), Value: value})
			continue
		}
		keys := make([]string, 0, len(bag))
		for k := range bag {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ops = append(ops, Op{Op: "add", Path: "/" + Escape(f.key) + "/" + Escape(k), Value: bag[k]})
		}
	}
	return ops, true
}

// Escape encodes a JSON Pointer reference token.
func Escape(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}
