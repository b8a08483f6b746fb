package transport

import (
	"context"
	"sync/atomic"
)

const mockQueueDepth = 64

// Mock is an in-memory Transport. Pair links two Mocks so bytes sent on
// one are received on the other, preserving order and message boundaries.
type Mock struct {
	send      chan []byte
	recv      chan []byte
	connected *atomic.Bool
}

// Pair creates two linked mock transports sharing one connected flag;
// closing either side disconnects both, like unplugging a cable.
func Pair() (*Mock, *Mock) {
	ab := make(chan []byte, mockQueueDepth)
	ba := make(chan []byte, mockQueueDepth)
	connected := new(atomic.Bool)
	connected.Store(true)

	a := &Mock{send: ab, recv: ba, connected: connected}
	b := &Mock{send: ba, recv: ab, connected: connected}
	return a, b
}

// Send queues data for the peer. The data is copied.
func (m *Mock) Send(ctx context.Context, data []byte) error {
	if !m.connected.Load() {
		return ErrDisconnected
	}
	buf := append([]byte(nil), data...)
	select {
	case m.send <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next queued message from the peer.
func (m *Mock) Recv(ctx context.Context) ([]byte, error) {
	if !m.connected.Load() {
		return nil, ErrDisconnected
	}
	select {
	case data, ok := <-m.recv:
		if !ok {
			return nil, ErrChannelClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports whether the pair is still linked.
func (m *Mock) Connected() bool {
	return m.connected.Load()
}

// Close disconnects both sides of the pair.
func (m *Mock) Close() error {
	m.connected.Store(false)
	return nil
}
