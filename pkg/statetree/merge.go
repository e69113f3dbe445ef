package statetree

// Merge merges delta into target and returns the resulting tree. Callers must
// use the returned value; target is created when nil.
//
// Nested trees merge recursively. Branches missing from target are built from a
// deep copy of the delta branch, so the result never aliases delta. Every other
// value, nil tombstones included, is assigned as-is. Tombstones stay in place
// until Compact runs, which lets pending payloads carry deletions forward.
func Merge(target, delta Tree) Tree {
	if target == nil {
		target = make(Tree, len(delta))
	}
	for k, dv := range delta {
		if dsub, ok := nested(dv); ok {
			tsub, ok := nested(target[k])
			if !ok {
				tsub = make(Tree, len(dsub))
			}
			target[k] = Merge(tsub, dsub)
			continue
		}
		target[k] = dv
	}
	return target
}

// Compact removes nil values at every depth, children first. Nested trees that
// end up empty are kept.
func Compact(t Tree) Tree {
	for k, v := range t {
		if sub, ok := nested(v); ok {
			t[k] = Compact(sub)
			continue
		}
		if v == nil {
			delete(t, k)
		}
	}
	return t
}

// Apply merges delta into target and compacts the result. This is the only
// operation that mutates authoritative or mirrored state.
func Apply(target, delta Tree) Tree {
	return Compact(Merge(target, delta))
}

func nested(v any) (Tree, bool) {
	switch typed := v.(type) {
	case Tree:
		return typed, typed != nil
	case map[string]any:
		return Tree(typed), typed != nil
	case []any:
		return sliceToTree(typed), true
	default:
		return nil, false
	}
}
