package swrp

import "fmt"

// Capability bits advertised in HELLO / HELLO_ACK. Unknown bits must be
// preserved on echo and otherwise ignored.
const (
	CapHiDPI uint32 = 0x01
	CapAudio uint32 = 0x02

	// KnownCaps masks the capability bits this version understands.
	KnownCaps = CapHiDPI | CapAudio
)

// FixedFPS converts a whole frames-per-second value to the 16.16
// fixed-point wire representation.
func FixedFPS(fps uint32) uint32 {
	return fps << 16
}

// WholeFPS extracts the integer frames-per-second from a 16.16 fixed-point
// value, discarding fractional bits.
func WholeFPS(fixed uint32) uint32 {
	return fixed >> 16
}

// Hello is the HELLO / HELLO_ACK payload (28 bytes): each endpoint's
// software version, supported protocol range, display limits, and
// capability bits.
type Hello struct {
	SoftwareVersion uint16
	MinProtocol     uint16
	MaxProtocol     uint16
	Reserved1       uint16
	MaxWidth        uint32
	MaxHeight       uint32
	MaxFPSFixed     uint32
	Capabilities    uint32
	Reserved2       uint32
}

// HelloSize is the fixed HELLO payload length.
const HelloSize = 28

// NewHello fills a Hello advertising the given limits, with the protocol
// range pinned to the current version.
func NewHello(softwareVersion uint16, maxWidth, maxHeight, maxFPS, capabilities uint32) Hello {
	return Hello{
		SoftwareVersion: softwareVersion,
		MinProtocol:     uint16(Version),
		MaxProtocol:     uint16(Version),
		MaxWidth:        maxWidth,
		MaxHeight:       maxHeight,
		MaxFPSFixed:     FixedFPS(maxFPS),
		Capabilities:    capabilities,
	}
}

// MaxFPS returns the whole frames-per-second limit.
func (h Hello) MaxFPS() uint32 { return WholeFPS(h.MaxFPSFixed) }

// SupportsHiDPI reports the HiDPI capability bit.
func (h Hello) SupportsHiDPI() bool { return h.Capabilities&CapHiDPI != 0 }

// SupportsAudio reports the audio capability bit.
func (h Hello) SupportsAudio() bool { return h.Capabilities&CapAudio != 0 }

// Encode appends the wire form of h to dst.
func (h Hello) Encode(dst []byte) []byte {
	dst = appendU16(dst, h.SoftwareVersion)
	dst = appendU16(dst, h.MinProtocol)
	dst = appendU16(dst, h.MaxProtocol)
	dst = appendU16(dst, h.Reserved1)
	dst = appendU32(dst, h.MaxWidth)
	dst = appendU32(dst, h.MaxHeight)
	dst = appendU32(dst, h.MaxFPSFixed)
	dst = appendU32(dst, h.Capabilities)
	dst = appendU32(dst, h.Reserved2)
	return dst
}

// ParseHello decodes a HELLO / HELLO_ACK payload.
func ParseHello(data []byte) (Hello, error) {
	if len(data) < HelloSize {
		return Hello{}, &InvalidPayloadLengthError{Expected: HelloSize, Actual: len(data)}
	}
	r := reader{buf: data}
	var h Hello
	h.SoftwareVersion, _ = r.u16()
	h.MinProtocol, _ = r.u16()
	h.MaxProtocol, _ = r.u16()
	h.Reserved1, _ = r.u16()
	h.MaxWidth, _ = r.u32()
	h.MaxHeight, _ = r.u32()
	h.MaxFPSFixed, _ = r.u32()
	h.Capabilities, _ = r.u32()
	h.Reserved2, _ = r.u32()
	return h, nil
}

// Start is the START payload (24 bytes): the negotiated session parameters.
// Audio fields are reserved in v1.
type Start struct {
	Width           uint32
	Height          uint32
	FPSFixed        uint32
	BitrateBps      uint32
	PixelFormat     uint8
	AudioEnabled    uint8
	AudioSampleRate uint16
	AudioChannels   uint8
	AudioBits       uint8
	Reserved        uint16
}

// StartSize is the fixed START payload length.
const StartSize = 24

// NewStart fills a Start for a video-only session.
func NewStart(width, height, fps, bitrateBps uint32) Start {
	return Start{
		Width:      width,
		Height:     height,
		FPSFixed:   FixedFPS(fps),
		BitrateBps: bitrateBps,
	}
}

// FPS returns the whole frames-per-second of the session.
func (s Start) FPS() uint32 { return WholeFPS(s.FPSFixed) }

// Encode appends the wire form of s to dst.
func (s Start) Encode(dst []byte) []byte {
	dst = appendU32(dst, s.Width)
	dst = appendU32(dst, s.Height)
	dst = appendU32(dst, s.FPSFixed)
	dst = appendU32(dst, s.BitrateBps)
	dst = appendU8(dst, s.PixelFormat)
	dst = appendU8(dst, s.AudioEnabled)
	dst = appendU16(dst, s.AudioSampleRate)
	dst = appendU8(dst, s.AudioChannels)
	dst = appendU8(dst, s.AudioBits)
	dst = appendU16(dst, s.Reserved)
	return dst
}

// ParseStart decodes a START payload, rejecting zero dimensions.
func ParseStart(data []byte) (Start, error) {
	if len(data) < StartSize {
		return Start{}, &InvalidPayloadLengthError{Expected: StartSize, Actual: len(data)}
	}
	r := reader{buf: data}
	var s Start
	s.Width, _ = r.u32()
	s.Height, _ = r.u32()
	s.FPSFixed, _ = r.u32()
	s.BitrateBps, _ = r.u32()
	s.PixelFormat, _ = r.u8()
	s.AudioEnabled, _ = r.u8()
	s.AudioSampleRate, _ = r.u16()
	s.AudioChannels, _ = r.u8()
	s.AudioBits, _ = r.u8()
	s.Reserved, _ = r.u16()

	if s.Width == 0 || s.Height == 0 {
		return Start{}, &ParseError{
			Field:  "START",
			Reason: fmt.Sprintf("invalid dimensions %dx%d", s.Width, s.Height),
		}
	}
	return s, nil
}

// StartAck is the START_ACK payload (4 bytes). Status zero accepts the
// session and grants the initial flow-control credits.
type StartAck struct {
	Status         uint8
	Reserved       uint8
	InitialCredits uint16
}

// StartAckSize is the fixed START_ACK payload length.
const StartAckSize = 4

// DefaultCredits is the initial credit grant a sink offers unless
// configured otherwise.
const DefaultCredits uint16 = 8

// StartAckOK builds an accepting START_ACK with the given credit grant.
func StartAckOK(credits uint16) StartAck {
	return StartAck{InitialCredits: credits}
}

// OK reports whether the sink accepted the session.
func (a StartAck) OK() bool { return a.Status == 0 }

// Encode appends the wire form of a to dst.
func (a StartAck) Encode(dst []byte) []byte {
	dst = appendU8(dst, a.Status)
	dst = appendU8(dst, a.Reserved)
	dst = appendU16(dst, a.InitialCredits)
	return dst
}

// ParseStartAck decodes a START_ACK payload.
func ParseStartAck(data []byte) (StartAck, error) {
	if len(data) < StartAckSize {
		return StartAck{}, &InvalidPayloadLengthError{Expected: StartAckSize, Actual: len(data)}
	}
	r := reader{buf: data}
	var a StartAck
	a.Status, _ = r.u8()
	a.Reserved, _ = r.u8()
	a.InitialCredits, _ = r.u16()
	return a, nil
}

// FrameHeader is the fixed 32-byte prefix of every FRAME payload; segment
// data follows it immediately.
type FrameHeader struct {
	FrameNumber  uint64
	PTSMicros    uint64
	CaptureTS    uint64
	FrameSize    uint32
	SegmentIndex uint16
	SegmentCount uint16
}

// FrameHeaderSize is the fixed FRAME header length.
const FrameHeaderSize = 32

// Encode appends the wire form of h to dst.
func (h FrameHeader) Encode(dst []byte) []byte {
	dst = appendU64(dst, h.FrameNumber)
	dst = appendU64(dst, h.PTSMicros)
	dst = appendU64(dst, h.CaptureTS)
	dst = appendU32(dst, h.FrameSize)
	dst = appendU16(dst, h.SegmentIndex)
	dst = appendU16(dst, h.SegmentCount)
	return dst
}

// ParseFrameHeader decodes a FRAME header and validates its segmentation
// metadata.
func ParseFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < FrameHeaderSize {
		return FrameHeader{}, &InvalidPayloadLengthError{Expected: FrameHeaderSize, Actual: len(data)}
	}
	r := reader{buf: data}
	var h FrameHeader
	h.FrameNumber, _ = r.u64()
	h.PTSMicros, _ = r.u64()
	h.CaptureTS, _ = r.u64()
	h.FrameSize, _ = r.u32()
	h.SegmentIndex, _ = r.u16()
	h.SegmentCount, _ = r.u16()

	if h.SegmentCount == 0 {
		return FrameHeader{}, &FrameReassemblyError{Reason: "segment_count is zero"}
	}
	if h.SegmentIndex >= h.SegmentCount {
		return FrameHeader{}, &FrameReassemblyError{
			Reason: fmt.Sprintf("segment_index %d out of range (count %d)", h.SegmentIndex, h.SegmentCount),
		}
	}
	return h, nil
}

// EncodeFramePayload builds a complete FRAME payload: header followed by
// the segment data.
func EncodeFramePayload(h FrameHeader, data []byte) []byte {
	buf := make([]byte, 0, FrameHeaderSize+len(data))
	buf = h.Encode(buf)
	return append(buf, data...)
}

// FrameAck is the FRAME_ACK payload (16 bytes): one per completed frame,
// returning the credits its segments consumed.
type FrameAck struct {
	FrameNumber     uint64
	DecodeTimeUs    uint32
	CreditsReturned uint16
	Reserved        uint16
}

// FrameAckSize is the fixed FRAME_ACK payload length.
const FrameAckSize = 16

// Encode appends the wire form of a to dst.
func (a FrameAck) Encode(dst []byte) []byte {
	dst = appendU64(dst, a.FrameNumber)
	dst = appendU32(dst, a.DecodeTimeUs)
	dst = appendU16(dst, a.CreditsReturned)
	dst = appendU16(dst, a.Reserved)
	return dst
}

// ParseFrameAck decodes a FRAME_ACK payload.
func ParseFrameAck(data []byte) (FrameAck, error) {
	if len(data) < FrameAckSize {
		return FrameAck{}, &InvalidPayloadLengthError{Expected: FrameAckSize, Actual: len(data)}
	}
	r := reader{buf: data}
	var a FrameAck
	a.FrameNumber, _ = r.u64()
	a.DecodeTimeUs, _ = r.u32()
	a.CreditsReturned, _ = r.u16()
	a.Reserved, _ = r.u16()
	return a, nil
}

// Ping is the PING payload (8 bytes).
type Ping struct {
	TimestampUs uint64
}

// PingSize is the fixed PING payload length.
const PingSize = 8

// Encode appends the wire form of p to dst.
func (p Ping) Encode(dst []byte) []byte {
	return appendU64(dst, p.TimestampUs)
}

// ParsePing decodes a PING payload.
func ParsePing(data []byte) (Ping, error) {
	if len(data) < PingSize {
		return Ping{}, &InvalidPayloadLengthError{Expected: PingSize, Actual: len(data)}
	}
	r := reader{buf: data}
	var p Ping
	p.TimestampUs, _ = r.u64()
	return p, nil
}

// Pong is the PONG payload (16 bytes): the originating PING timestamp plus
// the responder's clock at reply time.
type Pong struct {
	PingTimestampUs uint64
	PongTimestampUs uint64
}

// PongSize is the fixed PONG payload length.
const PongSize = 16

// Encode appends the wire form of p to dst.
func (p Pong) Encode(dst []byte) []byte {
	dst = appendU64(dst, p.PingTimestampUs)
	dst = appendU64(dst, p.PongTimestampUs)
	return dst
}

// ParsePong decodes a PONG payload.
func ParsePong(data []byte) (Pong, error) {
	if len(data) < PongSize {
		return Pong{}, &InvalidPayloadLengthError{Expected: PongSize, Actual: len(data)}
	}
	r := reader{buf: data}
	var p Pong
	p.PingTimestampUs, _ = r.u64()
	p.PongTimestampUs, _ = r.u64()
	return p, nil
}
