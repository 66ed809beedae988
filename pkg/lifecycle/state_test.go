package lifecycle

import "testing"

var allStates = []State{
	StateUnknown, StateStarting, StateRunning, StatePaused,
	StateStopping, StateStopped, StateFailed,
}

func TestState_ValidAndTerminal(t *testing.T) {
	for _, s := range allStates {
		if !s.Valid() {
			t.Errorf("State(%q).Valid() = false", s)
		}
		want := s == StateStopped || s == StateFailed
		if got := s.IsTerminal(); got != want {
			t.Errorf("State(%q).IsTerminal() = %v, want %v", s, got, want)
		}
	}
	for _, s := range []State{"", "sweeping", "RUNNING"} {
		if s.Valid() {
			t.Errorf("State(%q).Valid() = true, want false", s)
		}
	}
}

// TestValidTransition_Matrix checks every pair of states against the
// documented matrix, so an accidental edit to the table fails loudly.
func TestValidTransition_Matrix(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateUnknown, StateStarting}:  true,
		{StateUnknown, StateFailed}:    true,
		{StateStarting, StateRunning}:  true,
		{StateStarting, StateFailed}:   true,
		{StateStarting, StateStopping}: true,
		{StateRunning, StatePaused}:    true,
		{StateRunning, StateStopping}:  true,
		{StateRunning, StateFailed}:    true,
		{StatePaused, StateRunning}:    true,
		{StatePaused, StateStopping}:   true,
		{StatePaused, StateFailed}:     true,
		{StateStopping, StateStopped}:  true,
		{StateStopping, StateFailed}:   true,
		{StateStopped, StateStarting}:  true,
		{StateFailed, StateStarting}:   true,
	}
	for _, from := range allStates {
		for _, to := range allStates {
			want := allowed[[2]State{from, to}]
			if got := ValidTransition(from, to); got != want {
				t.Errorf("ValidTransition(%q, %q) = %v, want %v", from, to, got, want)
			}
		}
	}
	if ValidTransition(State("bogus"), StateStarting) {
		t.Error("transition from an unknown state must be rejected")
	}
}
