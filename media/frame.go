// Package media defines the frame types that flow through the SerialWarp
// pipelines, from capture through encode, segmentation, reassembly, and
// decode.
package media

// FrameMetadata travels with a frame from the encoder to the sink's
// decoder. FrameNumber is unique and strictly increasing within a session;
// it restarts at zero on every START.
type FrameMetadata struct {
	FrameNumber uint64
	PTSMicros   uint64
	CaptureTS   uint64
	IsKeyframe  bool
}

// RawFrame is an uncompressed captured picture handed from the capturer to
// the encoder. Pixel layout is the capturer's native format (BGRA for the
// macOS capture glue).
type RawFrame struct {
	PTSMicros uint64
	CaptureTS uint64
	Width     uint32
	Height    uint32
	Pixels    []byte
}

// EncodedFrame is one Annex-B H.264 access unit ready for segmentation, or
// freshly reassembled on the sink.
type EncodedFrame struct {
	Metadata FrameMetadata
	Data     []byte
}

// FrameSegment is a slice of an encoded frame no larger than the transport
// segment ceiling, carrying enough metadata to reassemble the frame in any
// order. Concatenating segments 0..SegmentCount-1 yields exactly FrameSize
// bytes.
type FrameSegment struct {
	Metadata     FrameMetadata
	FrameSize    uint32
	SegmentIndex uint16
	SegmentCount uint16
	Data         []byte
}

// DecodedFrame is a decoded YUV420 picture ready for presentation. The
// planes live back-to-back in one buffer: Y, then U, then V.
type DecodedFrame struct {
	FrameNumber uint64
	PTSMicros   uint64
	Width       uint32
	Height      uint32
	YUV         []byte
}

// YPlane returns the luma plane.
func (f *DecodedFrame) YPlane() []byte {
	return f.YUV[:f.ySize()]
}

// UPlane returns the blue-difference chroma plane.
func (f *DecodedFrame) UPlane() []byte {
	y := f.ySize()
	return f.YUV[y : y+y/4]
}

// VPlane returns the red-difference chroma plane.
func (f *DecodedFrame) VPlane() []byte {
	y := f.ySize()
	return f.YUV[y+y/4:]
}

// YStride returns the luma bytes per row.
func (f *DecodedFrame) YStride() int { return int(f.Width) }

// UVStride returns the chroma bytes per row.
func (f *DecodedFrame) UVStride() int { return int(f.Width) / 2 }

func (f *DecodedFrame) ySize() int {
	return int(f.Width) * int(f.Height)
}
