// Package transport provides the ordered, reliable byte links SerialWarp
// runs over: the USB bulk cable, a QUIC loopback for cable-less
// development, and an in-memory mock pair for tests.
package transport

import (
	"context"
	"errors"
)

// Transport errors. Implementations wrap device-specific causes with %w
// where useful; callers match with errors.Is.
var (
	ErrDisconnected  = errors.New("transport: disconnected")
	ErrChannelClosed = errors.New("transport: channel closed")
	ErrTimeout       = errors.New("transport: timed out")
	ErrDeviceNotFound = errors.New("transport: no supported device found")
)

// Transport is an ordered, reliable byte channel between the two endpoints.
//
// Send completes when the peer will observe the bytes, in order, as one or
// more SWRP packets. Recv yields the next chunk of received bytes;
// implementations may coalesce or split packets at transfer-buffer
// boundaries, so receivers must parse with swrp.Parse's bytes-consumed
// contract and buffer any remainder.
//
// Close drains and tears down the link; subsequent sends fail with
// ErrDisconnected.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Connected() bool
	Close() error
}
