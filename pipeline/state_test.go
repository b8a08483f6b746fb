package pipeline

import (
	"errors"
	"testing"
)

func TestMachine_LegalWalk(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil)
	walk := []State{
		StateConnecting, StateConnected, StateHandshaking, StateReady,
		StateStarting, StateStreaming, StateStopping, StateReady,
		StateStarting, StateReady, // START rejected
		StateDisconnected,
	}
	for _, next := range walk {
		if err := m.To(next); err != nil {
			t.Fatalf("transition to %s refused: %v", next, err)
		}
	}
	if m.Current() != StateDisconnected {
		t.Errorf("final state %s, want disconnected", m.Current())
	}
}

func TestMachine_IllegalTransitionsRefused(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from State
		to   State
	}{
		{StateDisconnected, StateStreaming},
		{StateDisconnected, StateReady},
		{StateConnecting, StateStreaming},
		{StateReady, StateStreaming},
		{StateStreaming, StateStarting},
		{StateStreaming, StateReady},
		{StateError, StateStreaming},
		{StateError, StateReady},
		{StateStopping, StateStreaming},
	}

	for _, tc := range cases {
		m := NewMachine(nil)
		m.state = tc.from
		err := m.To(tc.to)
		var trErr *TransitionError
		if !errors.As(err, &trErr) {
			t.Errorf("%s -> %s: err = %v, want TransitionError", tc.from, tc.to, err)
			continue
		}
		if trErr.From != tc.from || trErr.To != tc.to {
			t.Errorf("%s -> %s: error reports %s -> %s", tc.from, tc.to, trErr.From, trErr.To)
		}
		if m.Current() != tc.from {
			t.Errorf("%s -> %s: state changed despite refusal", tc.from, tc.to)
		}
	}
}

func TestMachine_ErrorRecovery(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil)
	m.To(StateConnecting)
	if err := m.To(StateError); err != nil {
		t.Fatalf("transition to error refused: %v", err)
	}
	if err := m.To(StateConnecting); err != nil {
		t.Fatalf("reconnect from error refused: %v", err)
	}
}

func TestMachine_ObserverNotified(t *testing.T) {
	t.Parallel()

	m := NewMachine(nil)
	type change struct{ from, to State }
	var seen []change
	m.OnTransition(func(from, to State) {
		seen = append(seen, change{from, to})
	})

	m.To(StateConnecting)
	m.To(StateConnected)
	m.To(StateDisconnected)

	want := []change{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateDisconnected},
	}
	if len(seen) != len(want) {
		t.Fatalf("observer saw %d transitions, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: %v, want %v", i, seen[i], want[i])
		}
	}
}
