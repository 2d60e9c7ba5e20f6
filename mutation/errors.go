package mutation

import "errors"

// ErrAlreadyExecuted is returned by Execute on a Mutation that has already
// run; a fresh Mutation must be built for every mutate() call (§4.8).
var ErrAlreadyExecuted = errors.New("mutation: already executed")
