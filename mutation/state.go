package mutation

import "time"

// Status is the mutation's lifecycle stage (§4.8).
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
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

// State is a mutation's cached, observable state.
type State struct {
	Status Status

	Variables    any
	Data         any
	Error        error
	OnMutateData any

	SubmittedAt time.Time

	FailureCount  int
	FailureReason error
}

func (s State) clone() State { return s }
