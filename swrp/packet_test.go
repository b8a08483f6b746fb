package swrp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestPacket_RoundTrip(t *testing.T) {
	t.Parallel()

	payloads := map[PacketType][]byte{
		TypeHello:    NewHello(1, 3840, 2160, 120, CapHiDPI).Encode(nil),
		TypeHelloAck: NewHello(1, 3840, 2160, 60, CapHiDPI|CapAudio).Encode(nil),
		TypeStart:    NewStart(1920, 1080, 60, 20_000_000).Encode(nil),
		TypeStartAck: StartAckOK(8).Encode(nil),
		TypeFrame: EncodeFramePayload(FrameHeader{
			FrameNumber: 7, PTSMicros: 1000, CaptureTS: 2000,
			FrameSize: 4, SegmentIndex: 0, SegmentCount: 1,
		}, []byte{0x01, 0x02, 0x03, 0x04}),
		TypeFrameAck: FrameAck{FrameNumber: 7, DecodeTimeUs: 500, CreditsReturned: 1}.Encode(nil),
		TypeStop:     nil,
		TypeStopAck:  nil,
		TypePing:     Ping{TimestampUs: 123456}.Encode(nil),
		TypePong:     Pong{PingTimestampUs: 123456, PongTimestampUs: 123999}.Encode(nil),
	}

	seq := uint32(0)
	for pt, payload := range payloads {
		pkt := Packet{Type: pt, Sequence: seq, Payload: payload}
		seq++

		wire := pkt.Encode()
		if len(wire) != HeaderSize+len(payload)+CRCSize {
			t.Errorf("%s: wire length %d, want %d", pt, len(wire), HeaderSize+len(payload)+CRCSize)
		}

		parsed, consumed, err := Parse(wire)
		if err != nil {
			t.Errorf("%s: Parse failed: %v", pt, err)
			continue
		}
		if consumed != len(wire) {
			t.Errorf("%s: consumed %d, want %d", pt, consumed, len(wire))
		}
		if parsed.Type != pkt.Type || parsed.Sequence != pkt.Sequence || parsed.Flags != pkt.Flags {
			t.Errorf("%s: header mismatch: %+v", pt, parsed)
		}
		if !bytes.Equal(parsed.Payload, payload) {
			t.Errorf("%s: payload mismatch", pt)
		}
	}
}

func TestPacket_WireLayout(t *testing.T) {
	t.Parallel()

	pkt := Packet{Type: TypePing, Sequence: 0x01020304, Payload: Ping{TimestampUs: 1}.Encode(nil)}
	wire := pkt.Encode()

	// Magic is 'S','W','R','P' on the wire, i.e. first byte 0x53.
	if !bytes.Equal(wire[0:4], []byte{0x53, 0x57, 0x52, 0x50}) {
		t.Errorf("magic bytes = % X, want 53 57 52 50", wire[0:4])
	}
	if wire[4] != 0x01 {
		t.Errorf("version byte = 0x%02X, want 0x01", wire[4])
	}
	if wire[5] != uint8(TypePing) {
		t.Errorf("type byte = 0x%02X, want 0x%02X", wire[5], uint8(TypePing))
	}
	if got := binary.LittleEndian.Uint16(wire[6:8]); got != 0 {
		t.Errorf("flags = %d, want 0", got)
	}
	if got := binary.LittleEndian.Uint32(wire[8:12]); got != 0x01020304 {
		t.Errorf("sequence = 0x%08X, want 0x01020304", got)
	}
	if got := binary.LittleEndian.Uint32(wire[12:16]); got != PingSize {
		t.Errorf("payload_length = %d, want %d", got, PingSize)
	}
}

func TestPacket_TrailingBytes(t *testing.T) {
	t.Parallel()

	first := Packet{Type: TypeStop, Sequence: 1}
	second := Packet{Type: TypePing, Sequence: 2, Payload: Ping{TimestampUs: 9}.Encode(nil)}
	wire := append(first.Encode(), second.Encode()...)

	p1, n1, err := Parse(wire)
	if err != nil {
		t.Fatalf("first Parse failed: %v", err)
	}
	if p1.Type != TypeStop {
		t.Errorf("first type = %s, want STOP", p1.Type)
	}

	p2, n2, err := Parse(wire[n1:])
	if err != nil {
		t.Fatalf("second Parse failed: %v", err)
	}
	if p2.Type != TypePing {
		t.Errorf("second type = %s, want PING", p2.Type)
	}
	if n1+n2 != len(wire) {
		t.Errorf("consumed %d, want %d", n1+n2, len(wire))
	}
}

func TestParse_InvalidMagic(t *testing.T) {
	t.Parallel()

	wire := (&Packet{Type: TypeStop, Sequence: 0}).Encode()
	binary.LittleEndian.PutUint32(wire[0:4], 0x12345678)

	_, _, err := Parse(wire)
	var magicErr *InvalidMagicError
	if !errors.As(err, &magicErr) {
		t.Fatalf("err = %v, want InvalidMagicError", err)
	}
	if magicErr.Magic != 0x12345678 {
		t.Errorf("Magic = 0x%08X, want 0x12345678", magicErr.Magic)
	}
}

func TestParse_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	wire := (&Packet{Type: TypeStop, Sequence: 0}).Encode()
	wire[4] = 2

	_, _, err := Parse(wire)
	var verErr *UnsupportedVersionError
	if !errors.As(err, &verErr) {
		t.Fatalf("err = %v, want UnsupportedVersionError", err)
	}
	if verErr.Version != 2 {
		t.Errorf("Version = %d, want 2", verErr.Version)
	}
}

func TestParse_UnknownPacketType(t *testing.T) {
	t.Parallel()

	wire := (&Packet{Type: TypeStop, Sequence: 0}).Encode()
	wire[5] = 0x7F

	_, _, err := Parse(wire)
	var typeErr *UnknownPacketTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("err = %v, want UnknownPacketTypeError", err)
	}
	if typeErr.Type != 0x7F {
		t.Errorf("Type = 0x%02X, want 0x7F", typeErr.Type)
	}
}

func TestParse_BufferTooShort(t *testing.T) {
	t.Parallel()

	wire := (&Packet{Type: TypePing, Sequence: 0, Payload: Ping{TimestampUs: 1}.Encode(nil)}).Encode()

	for _, cut := range []int{0, 1, 15, HeaderSize, len(wire) - 1} {
		_, _, err := Parse(wire[:cut])
		var short *BufferTooShortError
		if !errors.As(err, &short) {
			t.Errorf("cut %d: err = %v, want BufferTooShortError", cut, err)
		}
	}
}

func TestParse_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	wire := (&Packet{Type: TypePing, Sequence: 1, Payload: Ping{TimestampUs: 42}.Encode(nil)}).Encode()
	wire[HeaderSize] ^= 0xFF // corrupt the payload

	_, _, err := Parse(wire)
	var crcErr *ChecksumMismatchError
	if !errors.As(err, &crcErr) {
		t.Fatalf("err = %v, want ChecksumMismatchError", err)
	}
	if crcErr.Expected == crcErr.Actual {
		t.Error("expected and actual checksum should differ")
	}
}

// TestParse_BitFlipSensitivity flips every bit of a serialized packet and
// verifies that parse never silently succeeds: each flip must surface as a
// checksum mismatch or as one of the header validation errors.
func TestParse_BitFlipSensitivity(t *testing.T) {
	t.Parallel()

	pkt := Packet{Type: TypeFrameAck, Sequence: 77,
		Payload: FrameAck{FrameNumber: 9, DecodeTimeUs: 100, CreditsReturned: 2}.Encode(nil)}
	wire := pkt.Encode()

	for bit := 0; bit < len(wire)*8; bit++ {
		flipped := append([]byte(nil), wire...)
		flipped[bit/8] ^= 1 << (bit % 8)

		_, _, err := Parse(flipped)
		if err == nil {
			t.Fatalf("bit %d: corrupted packet parsed successfully", bit)
		}
		var (
			magicErr *InvalidMagicError
			verErr   *UnsupportedVersionError
			typeErr  *UnknownPacketTypeError
			lenErr   *BufferTooShortError
			crcErr   *ChecksumMismatchError
		)
		if !errors.As(err, &magicErr) && !errors.As(err, &verErr) &&
			!errors.As(err, &typeErr) && !errors.As(err, &lenErr) &&
			!errors.As(err, &crcErr) {
			t.Fatalf("bit %d: unexpected error kind %v", bit, err)
		}
	}
}
