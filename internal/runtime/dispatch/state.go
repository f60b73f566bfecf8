package dispatch

// State is a step of the per-request lifecycle. The Primary branch runs
// RECEIVED → BODY_FORKED → PRIMARY_DISPATCHED → PRIMARY_SUCCEEDED|PRIMARY_FAILED
// → RESPONDED. The Secondary branch progresses independently from
// SECONDARY_DISPATCHED to one terminal state and then SECONDARY_DONE.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateBodyForked        State = "BODY_FORKED"
	StatePrimaryDispatched State = "PRIMARY_DISPATCHED"
	StatePrimarySucceeded  State = "PRIMARY_SUCCEEDED"
	StatePrimaryFailed     State = "PRIMARY_FAILED"
	StateResponded         State = "RESPONDED"

	StateSecondaryDispatched State = "SECONDARY_DISPATCHED"
	StateSecondarySucceeded  State = "SECONDARY_SUCCEEDED"
	StateSecondaryFailed     State = "SECONDARY_FAILED"
	StateSecondaryTimeout    State = "SECONDARY_TIMEOUT"
	StateSecondarySkipped    State = "SECONDARY_SKIPPED"
	StateSecondaryDone       State = "SECONDARY_DONE"
)

// Secondary reports whether s belongs to the Secondary branch.
func (s State) Secondary() bool {
	switch s {
	case StateSecondaryDispatched, StateSecondarySucceeded, StateSecondaryFailed,
		StateSecondaryTimeout, StateSecondarySkipped, StateSecondaryDone:
		return true
	}
	return false
}

// Terminal reports whether s ends its branch.
func (s State) Terminal() bool {
	return s == StateResponded || s == StateSecondaryDone
}

// StateFunc observes transitions. It is called synchronously from the
// goroutine that made the transition and must not block.
type StateFunc func(correlationID string, s State)

// Skip reasons recorded on SKIPPED Secondary outcomes.
const (
	SkipOversize      = "oversize"
	SkipPoolSaturated = "pool_saturated"
	SkipCircuitOpen   = "circuit_open"
)
