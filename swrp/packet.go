package swrp

// Magic is the four bytes 'S','W','R','P' read as a little-endian uint32,
// so the first byte on the wire is 0x53.
const Magic uint32 = 0x50525753

// Version is the protocol version this implementation speaks.
const Version uint8 = 1

const (
	// HeaderSize is the fixed packet header length.
	HeaderSize = 16
	// CRCSize is the length of the trailing checksum.
	CRCSize = 4
	// MaxSegmentSize bounds the segment data carried by one FRAME packet.
	MaxSegmentSize = 64 * 1024
)

// PacketType discriminates the payload of a packet.
type PacketType uint8

// The closed set of packet types. Each request type has exactly one
// response type; responses have none.
const (
	TypeHello    PacketType = 0x01
	TypeHelloAck PacketType = 0x02
	TypeStart    PacketType = 0x03
	TypeStartAck PacketType = 0x04
	TypeFrame    PacketType = 0x10
	TypeFrameAck PacketType = 0x11
	TypeStop     PacketType = 0x30
	TypeStopAck  PacketType = 0x31
	TypePing     PacketType = 0x40
	TypePong     PacketType = 0x41
)

// Valid reports whether t is in the closed set of packet types.
func (t PacketType) Valid() bool {
	switch t {
	case TypeHello, TypeHelloAck, TypeStart, TypeStartAck,
		TypeFrame, TypeFrameAck, TypeStop, TypeStopAck,
		TypePing, TypePong:
		return true
	}
	return false
}

func (t PacketType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeStart:
		return "START"
	case TypeStartAck:
		return "START_ACK"
	case TypeFrame:
		return "FRAME"
	case TypeFrameAck:
		return "FRAME_ACK"
	case TypeStop:
		return "STOP"
	case TypeStopAck:
		return "STOP_ACK"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	}
	return "UNKNOWN"
}

// Packet is the atomic transport unit: a typed payload plus the per-sender
// sequence number. Magic, version, payload length, and checksum exist only
// on the wire.
type Packet struct {
	Type     PacketType
	Flags    uint16
	Sequence uint32
	Payload  []byte
}

// Encode serializes the packet as header | payload | crc32c. The checksum
// is computed last, over header and payload.
func (p *Packet) Encode() []byte {
	buf := make([]byte, 0, HeaderSize+len(p.Payload)+CRCSize)
	buf = appendU32(buf, Magic)
	buf = appendU8(buf, Version)
	buf = appendU8(buf, uint8(p.Type))
	buf = appendU16(buf, p.Flags)
	buf = appendU32(buf, p.Sequence)
	buf = appendU32(buf, uint32(len(p.Payload)))
	buf = append(buf, p.Payload...)
	buf = appendU32(buf, Checksum(buf))
	return buf
}

// Parse reads exactly one packet from the front of buf, returning it and
// the number of bytes consumed. Trailing bytes are left for the caller.
// The payload is copied out of buf.
func Parse(buf []byte) (Packet, int, error) {
	r := reader{buf: buf}

	magic, err := r.u32()
	if err != nil {
		return Packet{}, 0, &BufferTooShortError{Needed: HeaderSize, Available: len(buf)}
	}
	if magic != Magic {
		return Packet{}, 0, &InvalidMagicError{Magic: magic}
	}

	version, err := r.u8()
	if err != nil {
		return Packet{}, 0, &BufferTooShortError{Needed: HeaderSize, Available: len(buf)}
	}
	if version != Version {
		return Packet{}, 0, &UnsupportedVersionError{Version: version}
	}

	typeByte, err := r.u8()
	if err != nil {
		return Packet{}, 0, &BufferTooShortError{Needed: HeaderSize, Available: len(buf)}
	}
	pt := PacketType(typeByte)
	if !pt.Valid() {
		return Packet{}, 0, &UnknownPacketTypeError{Type: typeByte}
	}

	flags, err := r.u16()
	if err != nil {
		return Packet{}, 0, &BufferTooShortError{Needed: HeaderSize, Available: len(buf)}
	}
	sequence, err := r.u32()
	if err != nil {
		return Packet{}, 0, &BufferTooShortError{Needed: HeaderSize, Available: len(buf)}
	}
	payloadLen, err := r.u32()
	if err != nil {
		return Packet{}, 0, &BufferTooShortError{Needed: HeaderSize, Available: len(buf)}
	}

	total := HeaderSize + int(payloadLen) + CRCSize
	if len(buf) < total {
		return Packet{}, 0, &BufferTooShortError{Needed: total, Available: len(buf)}
	}

	covered := buf[:HeaderSize+int(payloadLen)]
	payload, _ := r.bytes(int(payloadLen))
	expected, _ := r.u32()
	actual := Checksum(covered)
	if expected != actual {
		return Packet{}, 0, &ChecksumMismatchError{Expected: expected, Actual: actual}
	}

	p := Packet{
		Type:     pt,
		Flags:    flags,
		Sequence: sequence,
		Payload:  append([]byte(nil), payload...),
	}
	return p, total, nil
}
