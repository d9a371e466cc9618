package suggestion

import (
	"encoding/json"

	"muse/api/internal/store"
)

const citationsKey = "citations"

// splitCitations removes the citation list from tool arguments. Entries that
// are not objects are dropped; a bare string is taken as a source id.
func splitCitations(args map[string]any) (map[string]any, []store.Citation) {
	patch := make(map[string]any, len(args))
	for k, v := range args {
		if k != citationsKey {
			patch[k] = v
		}
	}
	raw, ok := args[citationsKey].([]any)
	if !ok {
		return patch, []store.Citation{}
	}
	citations := make([]store.Citation, 0, len(raw))
	for _, item := range raw {
		switch value := item.(type) {
		case string:
			if value != "" {
				citations = append(citations, store.Citation{SourceID: value})
			}
		case map[string]any:
			encoded, err := json.Marshal(value)
			if err != nil {
				continue
			}
			var citation store.Citation
			if err := json.Unmarshal(encoded, &citation); err != nil {
				continue
			}
			if citation != (store.Citation{}) {
				citations = append(citations, citation)
			}
		}
	}
	return patch, citations
}
