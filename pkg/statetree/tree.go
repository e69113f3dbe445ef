// Package statetree implements the delta merge and tombstone compaction rules
// shared by the hub and every mirroring client.
//
// A Tree maps string keys to scalars (string, float64, bool), nil tombstones, or
// nested Trees. Sequences are stored as Trees keyed by their stringified index so
// merging by key also merges sequence elements positionally.
//
// Both sides must apply the same raw deltas in the same order through Apply to
// converge on identical values:
//
//	state = statetree.Apply(state, delta)
package statetree

import (
	"encoding/json"
	"strconv"
)

// Tree is a JSON-like state tree.
type Tree map[string]any

// AsTree reports whether v has a merge-target shape and returns it as a Tree.
// Nested maps and slices are normalized in place of the returned value.
func AsTree(v any) (Tree, bool) {
	switch typed := v.(type) {
	case Tree:
		if typed == nil {
			return nil, false
		}
		return normalizeTree(typed), true
	case map[string]any:
		if typed == nil {
			return nil, false
		}
		return normalizeTree(Tree(typed)), true
	case []any:
		return sliceToTree(typed), true
	default:
		return nil, false
	}
}

// Normalize converts decoded JSON into the Tree representation: objects become
// Trees and arrays become index-keyed Trees. Scalars are returned unchanged.
func Normalize(v any) any {
	switch typed := v.(type) {
	case Tree:
		return normalizeTree(typed)
	case map[string]any:
		return normalizeTree(Tree(typed))
	case []any:
		return sliceToTree(typed)
	default:
		return v
	}
}

func normalizeTree(t Tree) Tree {
	for k, v := range t {
		switch v.(type) {
		case Tree, map[string]any, []any:
			t[k] = Normalize(v)
		}
	}
	return t
}

func sliceToTree(s []any) Tree {
	out := make(Tree, len(s))
	for i, v := range s {
		out[strconv.Itoa(i)] = Normalize(v)
	}
	return out
}

// Decode parses raw JSON and returns it as a Tree. The boolean is false when the
// payload is not valid JSON or not object-shaped.
func Decode(raw []byte) (Tree, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return AsTree(v)
}

// Clone returns a deep copy of t. Tombstones are preserved.
func Clone(t Tree) Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		if sub, ok := nested(v); ok {
			out[k] = Clone(sub)
			continue
		}
		out[k] = v
	}
	return out
}

// Equal reports whether a and b hold the same keys and values at every depth.
func Equal(a, b Tree) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		at, aIsTree := nested(av)
		bt, bIsTree := nested(bv)
		if aIsTree || bIsTree {
			if !aIsTree || !bIsTree || !Equal(at, bt) {
				return false
			}
			continue
		}
		if av != bv {
			return false
		}
	}
	return true
}
