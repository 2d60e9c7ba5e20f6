package mutation

import "github.com/dougbarrett/guxquery/key"

// Filter selects a subset of cached mutations (§6 "Filter object",
// specialized per §4.9: mutationKey exact/prefix, status, predicate).
type Filter struct {
	MutationKey key.Key
	Exact       bool
	Status      *Status
	Predicate   func(*Mutation) bool
}

// Matches reports whether m satisfies f.
func (f Filter) Matches(m *Mutation) bool {
	if f.MutationKey != nil {
		if f.Exact {
			if !m.Key().Equal(f.MutationKey) {
				return false
			}
		} else if !m.Key().StartsWith(f.MutationKey) {
			return false
		}
	}
	if f.Status != nil && m.State().Status != *f.Status {
		return false
	}
	if f.Predicate != nil && !f.Predicate(m) {
		return false
	}
	return true
}
