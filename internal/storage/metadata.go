package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MergeMetadata returns a new map holding base updated with patch.
//
// List values accumulate: when patch carries a list for a key, the result is
// the ordered union of the existing list and the new one, so concurrent
// reporters can apply their patches in any order and converge on the same
// set. All other values overwrite. Neither argument is modified.
func MergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		incoming, isList := asList(v)
		if !isList {
			out[k] = v
			continue
		}
		existing, _ := asList(out[k])
		out[k] = unionList(existing, incoming)
	}
	return out
}

// StringList reads a list-valued metadata entry as strings.
func StringList(meta map[string]any, key string) []string {
	items, ok := asList(meta[key])
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprint(it))
		}
	}
	return out
}

// IntValue reads a numeric metadata entry. JSON round-trips turn integers
// into float64, so both are accepted.
func IntValue(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// BoolValue reads a boolean metadata entry.
func BoolValue(meta map[string]any, key string) bool {
	b, _ := meta[key].(bool)
	return b
}

// StringValue reads a string metadata entry.
func StringValue(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func unionList(a, b []any) []any {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, it := range list {
			key := fmt.Sprint(it)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, it)
		}
	}
	return out
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	m := make(map[string]any)
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

func decodeStrings(raw string) ([]string, error) {
	var out []string
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding string list: %w", err)
	}
	return out, nil
}
