package order

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateStaged, true},
		{StateCreated, StateSent, false},
		{StateStaged, StateRiskAccepted, true},
		{StateStaged, StateRiskRejected, true},
		{StateStaged, StateFilled, true}, // internal crossing
		{StateRiskAccepted, StateSent, true},
		{StateSent, StateLive, true},
		{StateSent, StateFilled, true},
		{StateLive, StateCancelRequested, true},
		{StateCancelRequested, StateCancelSent, true},
		{StateCancelRequested, StateCanceled, true}, // cancel before send
		{StateCancelSent, StateLive, true},          // venue refused the cancel
		{StateReplaceRequested, StateReplaceSent, true},
		{StateReplaceRequested, StateReplaceRejected, true},
		{StateReplaceSent, StateLive, true},
		{StateReplaceRejected, StateLive, true},
		{StatePartiallyFilled, StateFilled, true},
		{StatePartiallyFilled, StatePartiallyFilled, true},
		{StateFilled, StateLive, false},
		{StateCanceled, StateCreated, false},
		{StateRiskRejected, StateStaged, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s)=%v, expected %v", c.from, c.to, got, c.want)
		}
	}
}

func TestClosedStatesAreTerminal(t *testing.T) {
	for _, s := range ClosedStates {
		if !s.Closed() {
			t.Errorf("state %s should report closed", s)
		}
		if len(transitions[s]) != 0 {
			t.Errorf("closed state %s has outgoing transitions", s)
		}
	}
	for _, s := range OpenStates {
		if s.Closed() {
			t.Errorf("open state %s should not report closed", s)
		}
		if len(transitions[s]) == 0 {
			t.Errorf("open state %s has no outgoing transitions", s)
		}
	}
}
