package query

import "github.com/dougbarrett/guxquery/key"

// Filter selects a subset of queries in the cache (§4.3 "Filter
// semantics", §6 "Filter object"). All fields are optional; an empty Filter
// matches every query.
type Filter struct {
	QueryKey  key.Key
	HasKey    bool
	Exact     bool // default false: prefix match via key.StartsWith
	Predicate func(k key.Key, s State) bool

	Status      *Status
	FetchStatus *FetchStatus
}

// Matches reports whether the query identified by k/s satisfies every
// filter clause present, ANDed together (§4.3).
func (f Filter) Matches(k key.Key, s State) bool {
	if f.HasKey {
		if f.Exact {
			if !k.Equal(f.QueryKey) {
				return false
			}
		} else if !k.StartsWith(f.QueryKey) {
			return false
		}
	}
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	if f.FetchStatus != nil && s.FetchStatus != *f.FetchStatus {
		return false
	}
	if f.Predicate != nil && !f.Predicate(k, s) {
		return false
	}
	return true
}

// ByKey builds an exact-match Filter for a single key.
func ByKey(k key.Key) Filter {
	return Filter{QueryKey: k, HasKey: true, Exact: true}
}

// ByPrefix builds a prefix-match Filter for a key.
func ByPrefix(k key.Key) Filter {
	return Filter{QueryKey: k, HasKey: true, Exact: false}
}
