package pipeline

import (
	"fmt"

	"github.com/zsiec/serialwarp/swrp"
)

// UnexpectedPacketError reports a handshake step that received the wrong
// packet type.
type UnexpectedPacketError struct {
	Expected swrp.PacketType
	Got      swrp.PacketType
}

func (e *UnexpectedPacketError) Error() string {
	return fmt.Sprintf("pipeline: expected %s, got %s", e.Expected, e.Got)
}

// HandshakeError reports a failed HELLO or START exchange.
type HandshakeError struct {
	Reason string
	Status uint8
}

func (e *HandshakeError) Error() string {
	return "pipeline: handshake failed: " + e.Reason
}
