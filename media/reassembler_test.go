package media

import (
	"bytes"
	"testing"
)

// threeSegments builds a 3-segment frame with distinguishable bytes.
func threeSegments(t *testing.T, number uint64) ([]FrameSegment, []byte) {
	t.Helper()
	frame := encodedFrame(number, 2*65536+100)
	segments, err := Split(frame)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(segments))
	}
	return segments, frame.Data
}

func TestReassembler_OutOfOrder(t *testing.T) {
	t.Parallel()

	segments, want := threeSegments(t, 5)
	r := NewReassembler()

	// Feed in order 2, 0, 1; only the third call completes.
	for _, idx := range []int{2, 0} {
		if frame, _ := r.Add(segments[idx]); frame != nil {
			t.Fatalf("frame completed after segment %d", idx)
		}
	}
	frame, dropped := r.Add(segments[1])
	if dropped {
		t.Error("unexpected drop")
	}
	if frame == nil {
		t.Fatal("frame did not complete")
	}
	if !bytes.Equal(frame.Data, want) {
		t.Error("out-of-order reassembly produced wrong bytes")
	}
}

func TestReassembler_DuplicateIgnored(t *testing.T) {
	t.Parallel()

	segments, want := threeSegments(t, 5)
	r := NewReassembler()

	r.Add(segments[0])
	r.Add(segments[1])
	if frame, _ := r.Add(segments[1]); frame != nil {
		t.Fatal("duplicate segment completed the frame")
	}
	frame, _ := r.Add(segments[2])
	if frame == nil {
		t.Fatal("frame did not complete after duplicate")
	}
	if !bytes.Equal(frame.Data, want) {
		t.Error("duplicate corrupted reassembly")
	}
}

func TestReassembler_NewFrameDropsPending(t *testing.T) {
	t.Parallel()

	first, _ := threeSegments(t, 5)
	second, want := threeSegments(t, 6)
	r := NewReassembler()

	r.Add(first[0])
	r.Add(first[1])

	// A segment of a newer frame discards the incomplete predecessor.
	frame, dropped := r.Add(second[0])
	if frame != nil {
		t.Fatal("new frame's first segment completed a frame")
	}
	if !dropped {
		t.Error("pending frame drop not reported")
	}

	// The abandoned frame's last segment now belongs to a stale number
	// and replaces the pending frame again.
	frame, dropped = r.Add(first[2])
	if frame != nil || !dropped {
		t.Error("stale segment should restart reassembly and report a drop")
	}

	r.Reset()
	for _, seg := range second[:2] {
		r.Add(seg)
	}
	frame, _ = r.Add(second[2])
	if frame == nil {
		t.Fatal("frame 6 did not complete after reset")
	}
	if !bytes.Equal(frame.Data, want) {
		t.Error("frame 6 bytes differ")
	}
}

func TestReassembler_SingleSegmentCompletesImmediately(t *testing.T) {
	t.Parallel()

	segments, err := Split(encodedFrame(1, 4))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	r := NewReassembler()
	frame, dropped := r.Add(segments[0])
	if dropped {
		t.Error("unexpected drop")
	}
	if frame == nil {
		t.Fatal("single-segment frame did not complete")
	}
	if r.Pending() {
		t.Error("reassembler should be empty after completion")
	}
}

func TestReassembler_Reset(t *testing.T) {
	t.Parallel()

	segments, _ := threeSegments(t, 5)
	r := NewReassembler()
	r.Add(segments[0])
	if !r.Pending() {
		t.Fatal("expected pending frame")
	}
	r.Reset()
	if r.Pending() {
		t.Error("Reset did not clear pending frame")
	}
}
