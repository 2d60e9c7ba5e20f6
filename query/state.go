package query

import "time"

// Status is the query's coarse lifecycle stage (§3.2).
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchStatus tracks whether a fetch is currently in flight (§3.2).
type FetchStatus int

const (
	FetchIdle FetchStatus = iota
	FetchFetching
	FetchPaused
)

func (s FetchStatus) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case FetchFetching:
		return "fetching"
	case FetchPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// State is the query's cached, observable state (§3.2).
type State struct {
	Status      Status
	FetchStatus FetchStatus

	Data  any
	Error error

	DataUpdatedAt  time.Time
	ErrorUpdatedAt time.Time
	DataUpdateCount  int
	ErrorUpdateCount int

	FetchFailureCount  int
	FetchFailureReason error

	IsInvalidated bool
	FetchMeta     any
}

// clone returns a shallow copy, sufficient for the snapshot/revert pattern
// in §4.2 Cancel(revert=true) since every field is either a value type or an
// opaque pointer the engine never mutates in place.
func (s State) clone() State {
	return s
}
