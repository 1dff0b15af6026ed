package order

import (
	"errors"
	"fmt"
)

// State is one node of the order lifecycle.
type State string

const (
	StateCreated          State = "CREATED"
	StateStaged           State = "STAGED"
	StateRiskAccepted     State = "RISK_ACCEPTED"
	StateSent             State = "SENT"
	StateLive             State = "LIVE"
	StateCancelRequested  State = "CANCEL_REQUESTED"
	StateCancelSent       State = "CANCEL_SENT"
	StateReplaceRequested State = "REPLACE_REQUESTED"
	StateReplaceRejected  State = "REPLACE_REJECTED"
	StateReplaceSent      State = "REPLACE_SENT"
	StatePartiallyFilled  State = "PARTIALLY_FILLED"

	StateRiskRejected State = "RISK_REJECTED"
	StateRejected     State = "REJECTED"
	StateFilled       State = "FILLED"
	StateCanceled     State = "CANCELED"
)

// ErrInvalidTransition is returned when a state change is not an edge of the
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid state transition")

// OpenStates lists the non-terminal states in lifecycle order.
var OpenStates = []State{
	StateCreated, StateStaged, StateRiskAccepted, StateSent, StateLive,
	StateCancelRequested, StateCancelSent, StateReplaceRequested,
	StateReplaceRejected, StateReplaceSent, StatePartiallyFilled,
}

// ClosedStates lists the terminal states. A transition into one of these
// closes the order permanently.
var ClosedStates = []State{StateRiskRejected, StateRejected, StateFilled, StateCanceled}

// transitions is the explicit edge table of the lifecycle graph. The
// STAGED -> FILLED edge exists only for internal crossing, where two staged
// orders terminate with synthetic fills without ever reaching the venue.
var transitions = map[State][]State{
	StateCreated:      {StateStaged},
	StateStaged:       {StateRiskAccepted, StateRiskRejected, StateFilled},
	StateRiskAccepted: {StateSent, StateRejected},
	StateSent:         {StateLive, StateRejected, StateCanceled, StateFilled, StatePartiallyFilled},
	StateLive: {
		StatePartiallyFilled, StateFilled, StateCancelRequested,
		StateReplaceRequested, StateCanceled,
	},
	StatePartiallyFilled: {
		StatePartiallyFilled, StateFilled, StateCancelRequested,
		StateReplaceRequested, StateCanceled,
	},
	StateCancelRequested:  {StateCancelSent, StateCanceled},
	StateCancelSent:       {StateCanceled, StateLive},
	StateReplaceRequested: {StateReplaceSent, StateReplaceRejected},
	StateReplaceSent:      {StateLive, StateReplaceRejected, StatePartiallyFilled, StateFilled},
	StateReplaceRejected:  {StateLive},
	StateRiskRejected:     nil,
	StateRejected:         nil,
	StateFilled:           nil,
	StateCanceled:         nil,
}

func init() {
	// The table must cover exactly the declared states.
	for _, s := range append(append([]State{}, OpenStates...), ClosedStates...) {
		if _, ok := transitions[s]; !ok {
			panic(fmt.Sprintf("order: state %s missing from transition table", s))
		}
	}
	for from, tos := range transitions {
		if from.Closed() && len(tos) > 0 {
			panic(fmt.Sprintf("order: closed state %s must be terminal", from))
		}
		for _, to := range tos {
			if !validState(to) {
				panic(fmt.Sprintf("order: transition %s -> %s targets unknown state", from, to))
			}
		}
	}
}

// Closed reports whether the state is terminal.
func (s State) Closed() bool {
	switch s {
	case StateRiskRejected, StateRejected, StateFilled, StateCanceled:
		return true
	}
	return false
}

func validState(s State) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
