// Package pipeline drives the SerialWarp streaming engine on both
// endpoints: the source's capture→encode→segment→send loop and the sink's
// receive→reassemble→decode loop, coupled by credit-based flow control
// over a shared transport.
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle position of an endpoint.
type State int

// Endpoint states. Both source and sink walk the same machine.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateReady
	StateStarting
	StateStreaming
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions is the closed set of legal state changes. Anything outside
// it is a programming error and is refused.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateError},
	StateConnected:    {StateHandshaking, StateDisconnected, StateError},
	StateHandshaking:  {StateReady, StateDisconnected, StateError},
	StateReady:        {StateStarting, StateDisconnected, StateError},
	StateStarting:     {StateStreaming, StateReady, StateDisconnected, StateError},
	StateStreaming:    {StateStopping, StateDisconnected, StateError},
	StateStopping:     {StateReady, StateDisconnected, StateError},
	StateError:        {StateDisconnected, StateConnecting},
}

// TransitionError reports a refused state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pipeline: illegal transition %s -> %s", e.From, e.To)
}

// StateObserver is notified after every successful transition.
type StateObserver func(from, to State)

// Machine guards an endpoint's state and notifies observers on change.
type Machine struct {
	log       *slog.Logger
	mu        sync.Mutex
	state     State
	observers []StateObserver
}

// NewMachine returns a Machine in StateDisconnected.
func NewMachine(log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{log: log}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves to next if the transition is legal, notifying observers.
func (m *Machine) To(next State) error {
	m.mu.Lock()
	from := m.state
	legal := false
	for _, s := range transitions[from] {
		if s == next {
			legal = true
			break
		}
	}
	if !legal {
		m.mu.Unlock()
		return &TransitionError{From: from, To: next}
	}
	m.state = next
	observers := m.observers
	m.mu.Unlock()

	m.log.Debug("state transition", "from", from, "to", next)
	for _, fn := range observers {
		fn(from, next)
	}
	return nil
}

// OnTransition registers an observer for subsequent transitions.
func (m *Machine) OnTransition(fn StateObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}
