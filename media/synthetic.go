package media

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// SyntheticConfig parameterizes a SyntheticSource.
type SyntheticConfig struct {
	Width  uint32
	Height uint32
	FPS    uint32
	// FrameBytes is the approximate encoded size of a delta frame;
	// keyframes are emitted at several times this. Defaults to 16 KiB.
	FrameBytes int
	// KeyframeInterval is the IDR cadence in frames. Defaults to FPS
	// (one keyframe per second), matching the encoder configuration the
	// source applies to real hardware encoders.
	KeyframeInterval uint64
}

// SyntheticSource produces a paced stream of synthetic Annex-B access
// units without touching the OS capture or encoder glue. It satisfies both
// the pipeline's Capturer and Encoder contracts, which lets the binaries
// exercise the full protocol path over a real link, and the tests drive
// pipelines deterministically.
type SyntheticSource struct {
	cfg     SyntheticConfig
	limiter *rate.Limiter
	count   uint64
}

// NewSyntheticSource creates a source pacing frames at cfg.FPS.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 16 * 1024
	}
	if cfg.KeyframeInterval == 0 {
		cfg.KeyframeInterval = uint64(cfg.FPS)
	}
	if cfg.KeyframeInterval == 0 {
		cfg.KeyframeInterval = 60
	}
	limit := rate.Limit(cfg.FPS)
	if cfg.FPS == 0 {
		limit = rate.Inf
	}
	return &SyntheticSource{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// NextFrame blocks until the pacer admits the next frame, then returns a
// raw frame stamped with the current clock. The pixel buffer is empty; the
// paired Encode synthesizes the bitstream directly.
func (s *SyntheticSource) NextFrame(ctx context.Context) (*RawFrame, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	now := uint64(time.Now().UnixMicro())
	return &RawFrame{
		PTSMicros: now,
		CaptureTS: now,
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
	}, nil
}

// Encode synthesizes one Annex-B access unit per raw frame: SPS+PPS+IDR on
// the keyframe cadence, a single non-IDR slice otherwise.
func (s *SyntheticSource) Encode(raw *RawFrame) ([]*EncodedFrame, error) {
	keyframe := s.count%s.cfg.KeyframeInterval == 0
	s.count++

	size := s.cfg.FrameBytes
	if keyframe {
		size *= 4
	}

	var data []byte
	if keyframe {
		data = append(data, 0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1F) // SPS
		data = append(data, 0, 0, 0, 1, 0x68, 0xCE, 0x38, 0x80) // PPS
		data = append(data, 0, 0, 0, 1, 0x65)                   // IDR slice
	} else {
		data = append(data, 0, 0, 0, 1, 0x41) // non-IDR slice
	}
	for len(data) < size {
		// Filler avoiding 0x00 runs so no spurious start codes appear.
		data = append(data, 0xA5)
	}

	return []*EncodedFrame{{
		Metadata: FrameMetadata{
			PTSMicros:  raw.PTSMicros,
			CaptureTS:  raw.CaptureTS,
			IsKeyframe: keyframe,
		},
		Data: data,
	}}, nil
}

// Flush implements the encoder contract; the synthetic encoder buffers
// nothing.
func (s *SyntheticSource) Flush() ([]*EncodedFrame, error) {
	return nil, nil
}

// Close implements the encoder contract.
func (s *SyntheticSource) Close() error {
	return nil
}
