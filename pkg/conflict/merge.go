package conflict

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// FieldMerge is the default MergeFunc: the union of both sides' top-level
// fields. A field present on only one side is taken as-is; a field present
// on both sides must carry the same value (compared structurally, strings
// under NFC) or the merge reports ErrCannotReconcile for it.
func FieldMerge(local, remote map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(local)+len(remote))
	for k, v := range remote {
		out[k] = v
	}
	for k, lv := range local {
		rv, ok := out[k]
		if !ok {
			out[k] = lv
			continue
		}
		if !EqualJSON(lv, rv) {
			return nil, fmt.Errorf("field %q changed on both sides: %w", k, ErrCannotReconcile)
		}
	}
	return out, nil
}

// PreferLocalMerge unions both sides like FieldMerge but resolves overlapping
// fields in favor of the local value instead of deferring. Useful for kinds
// where the device is authoritative for every field it touches.
func PreferLocalMerge(local, remote map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(local)+len(remote))
	for k, v := range remote {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v
	}
	return out, nil
}

// EqualJSON reports whether two JSON documents encode the same value.
// Object key order and insignificant whitespace do not matter, and strings
// are compared after NFC normalization so "café" matches its decomposed
// spelling.
func EqualJSON(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return equalValue(va, vb)
}

func equalValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && norm.NFC.String(av) == norm.NFC.String(bv)
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !equalValue(v, w) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
