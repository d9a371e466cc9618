// Package fingerprint produces deterministic content hashes for optimistic
// concurrency checks.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

const Algorithm = "sha256/stable-json"

type undefined struct{}

// Undefined marks a value as absent. Object keys holding it are dropped.
var Undefined = undefined{}

const undefinedSentinel = "undefined"

// StableStringify serializes v with object keys sorted and array order kept.
func StableStringify(v any) string {
	if _, ok := v.(undefined); ok {
		return undefinedSentinel
	}
	var b strings.Builder
	write(&b, normalize(v))
	return b.String()
}

// Hash is the hex SHA-256 of StableStringify(v).
func Hash(v any) string {
	sum := sha256.Sum256([]byte(StableStringify(v)))
	return hex.EncodeToString(sum[:])
}

func write(b *strings.Builder, v any) {
	switch value := v.(type) {
	case undefined, nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k, item := range value {
			if _, skip := item.(undefined); skip {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(primitive(k))
			b.WriteByte(':')
			write(b, value[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range value {
			if i > 0 {
				b.WriteByte(',')
			}
			write(b, item)
		}
		b.WriteByte(']')
	default:
		b.WriteString(primitive(value))
	}
}

func primitive(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "null"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// normalize converts arbitrary Go values into the map/slice/primitive shape
// produced by encoding/json, keeping Undefined markers in place.
func normalize(v any) any {
	switch value := v.(type) {
	case nil, undefined, string, bool, float64, json.Number:
		return value
	case int:
		return float64(value)
	case int64:
		return float64(value)
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = item
		}
		return out
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}
