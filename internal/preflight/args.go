package preflight

import (
	"fmt"
	"strings"
)

// Args is a decoded tool-call argument object. A key holding JSON null is present.
type Args map[string]any

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return strings.TrimSpace(s)
}

func (a Args) Object(key string) (map[string]any, bool) {
	m, ok := a[key].(map[string]any)
	return m, ok
}

type errorList []string

func (e *errorList) add(format string, args ...any) {
	*e = append(*e, fmt.Sprintf(format, args...))
}

func (e *errorList) requireString(a Args, key string) string {
	raw, present := a[key]
	if !present || raw == nil {
		e.add("%s is required", key)
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		e.add("%s must be a string", key)
		return ""
	}
	if strings.TrimSpace(s) == "" {
		e.add("%s must not be empty", key)
		return ""
	}
	return strings.TrimSpace(s)
}

// optionalBag returns the property bag under key, or an error entry when it is
// present but not an object.
func (e *errorList) optionalBag(a Args, key string) map[string]any {
	raw, present := a[key]
	if !present {
		return nil
	}
	bag, ok := raw.(map[string]any)
	if !ok {
		e.add("%s must be an object", key)
		return nil
	}
	return bag
}
