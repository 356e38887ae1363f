// Package lifecycle owns the document state machine, sequence-number
// allocation and the persisted transmission history. It is the only
// package with side effects on shared numbering state.
package lifecycle

import "fmt"

// State of one fiscal document. Transitions are validated; a document
// never moves along an edge that is not listed.
type State int

const (
	StateDraft State = iota
	StateTransmitting
	StateAuthorized
	StateRejected
	StateError
	StateCancellationRequested
	StateCancelled
	StateCancellationDenied
)

func (s State) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateTransmitting:
		return "transmitting"
	case StateAuthorized:
		return "authorized"
	case StateRejected:
		return "rejected"
	case StateError:
		return "error"
	case StateCancellationRequested:
		return "cancellationRequested"
	case StateCancelled:
		return "cancelled"
	case StateCancellationDenied:
		return "cancellationDenied"
	}
	return "unknown"
}

// Terminal reports whether the document can never change state again.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateCancellationDenied:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateDraft:        {StateTransmitting},
	StateTransmitting: {StateAuthorized, StateRejected, StateError},
	// a failed or still-pending attempt may be retried under the same number
	StateError:      {StateTransmitting},
	StateAuthorized: {StateCancellationRequested},
	// a cancellation attempt that never reached the authority may be retried
	StateCancellationRequested: {StateCancelled, StateCancellationDenied, StateCancellationRequested},
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError marks an attempt to move a document along an
// edge the state machine does not have.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: illegal transition %s -> %s", e.From, e.To)
}
