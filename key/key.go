// Package key implements the structural-equality cache key used to index
// queries and mutations.
//
// A Key is an ordered sequence of JSON-like values: strings, numbers,
// booleans, nil, ordered lists ([]any), unordered sets (Set), and mappings
// (map[string]any). Equality is deep and structural rather than referential:
// lists compare element-by-element in order, sets and mappings compare
// without regard to iteration order. Two structurally equal keys must
// produce equal hashes, so a Key can be used as a map index via its Hash.
package key

import (
	"fmt"
	"sort"
	"strings"
)

// Key is an ordered, immutable sequence of elements.
type Key []any

// Set is an unordered collection. Two Sets compare equal iff they contain
// the same elements, regardless of insertion order.
type Set []any

// New builds a Key from its elements. The returned Key must not be mutated
// by the caller afterward.
func New(elems ...any) Key {
	out := make(Key, len(elems))
	copy(out, elems)
	return out
}

// Equal reports whether k and other are deeply, structurally equal.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !valueEqual(k[i], other[i]) {
			return false
		}
	}
	return true
}

// StartsWith reports whether the first len(prefix) elements of k deeply
// equal prefix, element for element. An empty prefix matches every key,
// including the empty key.
func (k Key) StartsWith(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if !valueEqual(k[i], prefix[i]) {
			return false
		}
	}
	return true
}

// Hash returns a canonical string representation such that two deeply equal
// keys always produce the same Hash, and (short of pathological collisions)
// unequal keys produce different ones. It is suitable as a map[string]...
// index key.
func (k Key) Hash() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range k {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonical(&b, v)
	}
	b.WriteByte(']')
	return b.String()
}

// String implements fmt.Stringer for readable log output.
func (k Key) String() string {
	return k.Hash()
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case Key:
		bv, ok := b.(Key)
		return ok && av.Equal(bv)
	case []any:
		bv, ok := toSlice(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Set:
		bv, ok := toSet(b)
		if !ok {
			return false
		}
		return setEqual(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for mk, mv := range av {
			other, present := bv[mk]
			if !present || !valueEqual(mv, other) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func toSlice(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case Key:
		return []any(vv), true
	default:
		return nil, false
	}
}

func toSet(v any) (Set, bool) {
	switch vv := v.(type) {
	case Set:
		return vv, true
	default:
		return nil, false
	}
}

// setEqual compares two sets for membership equality, order independent.
// It tolerates O(n^2) comparisons since keys are expected to be small.
func setEqual(a, b Set) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, av := range a {
		found := false
		for i, bv := range b {
			if used[i] {
				continue
			}
			if valueEqual(av, bv) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// writeCanonical renders v into a canonical textual form: maps get their
// keys sorted, sets get their canonicalized element forms sorted, so that
// structurally equal values always render identically.
func writeCanonical(b *strings.Builder, v any) {
	switch vv := v.(type) {
	case nil:
		b.WriteString("null")
	case Key:
		writeCanonical(b, []any(vv))
	case []any:
		b.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case Set:
		rendered := make([]string, len(vv))
		for i, e := range vv {
			var eb strings.Builder
			writeCanonical(&eb, e)
			rendered[i] = eb.String()
		}
		sort.Strings(rendered)
		b.WriteByte('{')
		b.WriteString(strings.Join(rendered, ","))
		b.WriteByte('}')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for mk := range vv {
			keys = append(keys, mk)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, mk := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(b, "%q:", mk)
			writeCanonical(b, vv[mk])
		}
		b.WriteByte('}')
	case string:
		fmt.Fprintf(b, "%q", vv)
	default:
		fmt.Fprintf(b, "%v:%T", vv, vv)
	}
}
