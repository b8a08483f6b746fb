package pipeline

import (
	"context"

	"github.com/zsiec/serialwarp/media"
)

// The OS-specific capture, encode, decode, and display collaborators are
// external to the streaming core; the pipelines accept them as interfaces.
// media.SyntheticSource satisfies Capturer and Encoder for dev runs, and
// NullDecoder/NullDisplay stand in on sinks without hardware decode.

// Capturer yields raw pixel frames with presentation timestamps. NextFrame
// blocks until a frame is available or ctx is cancelled.
type Capturer interface {
	NextFrame(ctx context.Context) (*media.RawFrame, error)
}

// Encoder turns raw frames into Annex-B access units. Encode may return
// zero frames (the encoder is buffering) or several (it drained). Flush
// returns whatever is still buffered at session end.
type Encoder interface {
	Encode(raw *media.RawFrame) ([]*media.EncodedFrame, error)
	Flush() ([]*media.EncodedFrame, error)
	Close() error
}

// Decoder turns reassembled access units back into pictures. Decode may
// return zero frames while the decoder builds reference state.
type Decoder interface {
	Decode(frame *media.EncodedFrame) ([]*media.DecodedFrame, error)
	Close() error
}

// Display presents decoded frames.
type Display interface {
	Present(frame *media.DecodedFrame) error
	Close() error
}

// NullDecoder passes each access unit through as a zero-plane decoded
// frame. It keeps the sink pipeline complete on machines without a
// hardware decoder (protocol soak tests, headless link checks).
type NullDecoder struct{}

// Decode returns one empty decoded frame per access unit.
func (NullDecoder) Decode(frame *media.EncodedFrame) ([]*media.DecodedFrame, error) {
	return []*media.DecodedFrame{{
		FrameNumber: frame.Metadata.FrameNumber,
		PTSMicros:   frame.Metadata.PTSMicros,
	}}, nil
}

// Close implements the Decoder contract.
func (NullDecoder) Close() error { return nil }

// NullDisplay discards decoded frames.
type NullDisplay struct{}

// Present implements the Display contract.
func (NullDisplay) Present(*media.DecodedFrame) error { return nil }

// Close implements the Display contract.
func (NullDisplay) Close() error { return nil }
