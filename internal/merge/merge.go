// Package merge implements the deep-merge rule used to aggregate opaque
// meta maps: later additions win on scalars, nested maps merge recursively.
// It follows the same mergeMapWithOverride shape the teacher pack's
// hashicorp/hcat uses (tfunc/maps.go), built on dario.cat/mergo (the
// maintained fork of imdario/mergo that hcat's go.mod pins).
package merge

import "dario.cat/mergo"

// Meta deep-merges src into a copy of dst, with src's scalar values
// overriding dst's and nested maps merged key by key. Neither input map is
// mutated.
func Meta(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	if len(src) == 0 {
		return out
	}
	// mergo.Map panics on nil destination maps; out is always non-nil here.
	if err := mergo.Map(&out, src, mergo.WithOverride); err != nil {
		// mergo only errors on destination/source type mismatches, which
		// cannot occur for map[string]any -> map[string]any; fall back to a
		// shallow override rather than silently dropping src.
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

// Aggregate folds Meta across every element in order, starting from an
// empty map, so the last element wins on scalar conflicts.
func Aggregate(metas ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range metas {
		out = Meta(out, m)
	}
	return out
}
