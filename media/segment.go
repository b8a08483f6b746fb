package media

import (
	"fmt"
	"math"

	"github.com/zsiec/serialwarp/swrp"
)

// MaxSegments bounds the segment count of a single frame; the wire carries
// the count as a uint16.
const MaxSegments = math.MaxUint16

// Split divides an encoded frame into segments of at most
// swrp.MaxSegmentSize bytes. A zero-byte frame yields a single empty
// segment. Segment data aliases the frame's buffer; the frame must not be
// mutated while its segments are in flight.
func Split(frame *EncodedFrame) ([]FrameSegment, error) {
	total := len(frame.Data)
	count := (total + swrp.MaxSegmentSize - 1) / swrp.MaxSegmentSize
	if count == 0 {
		count = 1
	}
	if count > MaxSegments {
		return nil, fmt.Errorf("media: frame %d too large: %d bytes needs %d segments (max %d)",
			frame.Metadata.FrameNumber, total, count, MaxSegments)
	}

	segments := make([]FrameSegment, 0, count)
	for i := 0; i < count; i++ {
		start := i * swrp.MaxSegmentSize
		end := min(start+swrp.MaxSegmentSize, total)
		segments = append(segments, FrameSegment{
			Metadata:     frame.Metadata,
			FrameSize:    uint32(total),
			SegmentIndex: uint16(i),
			SegmentCount: uint16(count),
			Data:         frame.Data[start:end:end],
		})
	}
	return segments, nil
}
