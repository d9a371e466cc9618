package execute

import "sort"

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func toStringSlice(value any) []string {
	switch items := value.(type) {
	case []string:
		return append([]string{}, items...)
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func sortStrings(items []string) {
	sort.Strings(items)
}

// ToStringSlice is shared with the rollback engine, which reads stored
// alias lists back out of JSON.
func ToStringSlice(value any) []string {
	return toStringSlice(value)
}
