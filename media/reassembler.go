package media

// Reassembler rebuilds encoded frames from their segments. It holds at most
// one pending frame: frames are never interleaved in flight, so the first
// segment of a new frame number discards any incomplete predecessor.
//
// Segments may be fed in any index order; duplicates are ignored. The
// reassembler is not safe for concurrent use.
type Reassembler struct {
	pending *pendingFrame
}

type pendingFrame struct {
	meta      FrameMetadata
	frameSize uint32
	slots     [][]byte
	received  uint16
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Add feeds one segment. It returns the completed frame once all segments
// of the current frame number have arrived, and dropped=true when this
// segment started a new frame while an incomplete one was pending (the
// predecessor is discarded; a later keyframe recovers the stream).
func (r *Reassembler) Add(seg FrameSegment) (frame *EncodedFrame, dropped bool) {
	p := r.pending
	if p == nil || p.meta.FrameNumber != seg.Metadata.FrameNumber {
		dropped = p != nil
		p = &pendingFrame{
			meta:      seg.Metadata,
			frameSize: seg.FrameSize,
			slots:     make([][]byte, seg.SegmentCount),
		}
		r.pending = p
	}

	idx := int(seg.SegmentIndex)
	if idx >= len(p.slots) || p.slots[idx] != nil {
		// Out-of-contract index or duplicate; either way the slot state
		// is already settled.
		return nil, dropped
	}
	p.slots[idx] = seg.Data
	p.received++

	if int(p.received) < len(p.slots) {
		return nil, dropped
	}
	return r.complete(), dropped
}

func (r *Reassembler) complete() *EncodedFrame {
	p := r.pending
	r.pending = nil

	data := make([]byte, 0, p.frameSize)
	for _, slot := range p.slots {
		data = append(data, slot...)
	}
	// Keyframe-ness is not on the wire; the sink derives it from the
	// bitstream (IsKeyframe in annexb.go).
	meta := p.meta
	meta.IsKeyframe = false
	return &EncodedFrame{Metadata: meta, Data: data}
}

// Pending reports whether an incomplete frame is buffered.
func (r *Reassembler) Pending() bool {
	return r.pending != nil
}

// Reset discards any pending frame, used on session teardown.
func (r *Reassembler) Reset() {
	r.pending = nil
}
