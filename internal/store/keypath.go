package store

import (
	"fmt"
	"strings"
)

// Extract follows a dotted key path into rec.
func Extract(rec Record, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Inject sets value at the dotted key path, creating intermediate
// records as needed. It fails if a path segment holds a non-record.
func Inject(rec Record, path string, value any) error {
	if path == "" {
		return fmt.Errorf("%w: empty key path", ErrInvalidKey)
	}
	parts := strings.Split(path, ".")
	cur := rec
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			m := make(map[string]any)
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: cannot inject at %q, %q is not a record", ErrInvalidKey, path, part)
		}
		cur = m
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// IndexKeys returns the distinct valid keys rec contributes to an index
// defined by ix, normalized and in first-seen order.
func IndexKeys(rec Record, ix IndexSchema) []Key {
	v, ok := Extract(rec, ix.KeyPath)
	if !ok {
		return nil
	}
	arr, isArr := v.([]any)
	if !ix.MultiEntry || !isArr {
		k, err := NormalizeKey(v)
		if err != nil {
			return nil
		}
		return []Key{k}
	}
	var out []Key
	seen := make(map[Key]bool, len(arr))
	for _, e := range arr {
		k, err := NormalizeKey(e)
		if err != nil || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
