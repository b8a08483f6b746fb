package pipeline

import (
	"math"
	"sync/atomic"
	"time"
)

// StatsSnapshot is a point-in-time view of a session's counters, suitable
// for JSON serialization and delivery to a UI shell.
type StatsSnapshot struct {
	FramesCaptured    int64     `json:"framesCaptured"`
	FramesEncoded     int64     `json:"framesEncoded"`
	FramesSent        int64     `json:"framesSent"`
	FramesDropped     int64     `json:"framesDropped"`
	BytesSent         int64     `json:"bytesSent"`
	CurrentFPS        float64   `json:"currentFps"`
	CurrentBitrateBps float64   `json:"currentBitrateBps"`
	LatencyMicros     int64     `json:"latencyUs"`
	StartTime         time.Time `json:"startTime"`
}

// SessionStats accumulates per-session counters. Each counter has one
// writer task (capture, send, or receive); the stats task reads. All
// fields are atomic, so a snapshot is cheap and lock-free.
type SessionStats struct {
	framesCaptured atomic.Int64
	framesEncoded  atomic.Int64
	framesSent     atomic.Int64
	framesDropped  atomic.Int64
	bytesSent      atomic.Int64
	latencyMicros  atomic.Int64
	currentFPS     atomic.Uint64 // math.Float64bits
	currentBitrate atomic.Uint64 // math.Float64bits
	startUnixNano  atomic.Int64
}

// NewSessionStats returns zeroed stats with the clock started now.
func NewSessionStats() *SessionStats {
	s := &SessionStats{}
	s.Reset()
	return s
}

// Reset zeroes every counter and restarts the session clock; called on
// session start so counters never leak across sessions.
func (s *SessionStats) Reset() {
	s.framesCaptured.Store(0)
	s.framesEncoded.Store(0)
	s.framesSent.Store(0)
	s.framesDropped.Store(0)
	s.bytesSent.Store(0)
	s.latencyMicros.Store(0)
	s.currentFPS.Store(0)
	s.currentBitrate.Store(0)
	s.startUnixNano.Store(time.Now().UnixNano())
}

// RecordCaptured counts one captured frame.
func (s *SessionStats) RecordCaptured() { s.framesCaptured.Add(1) }

// RecordEncoded counts one encoded frame.
func (s *SessionStats) RecordEncoded() { s.framesEncoded.Add(1) }

// RecordSent counts one fully transmitted frame and its wire bytes.
func (s *SessionStats) RecordSent(bytes int) {
	s.framesSent.Add(1)
	s.bytesSent.Add(int64(bytes))
}

// RecordDropped counts a frame that never reached the encoder, was
// rejected by it, or was discarded during reassembly.
func (s *SessionStats) RecordDropped() { s.framesDropped.Add(1) }

// On the sink the same counters track the mirror quantities: frames
// received off the wire and frames decoded.

// RecordReceived counts one fully reassembled frame.
func (s *SessionStats) RecordReceived() { s.framesCaptured.Add(1) }

// RecordDecoded counts one decoded frame.
func (s *SessionStats) RecordDecoded() { s.framesEncoded.Add(1) }

// AddBytes counts received bytes on the sink: the data of each reassembled
// frame, without packet headers, FRAME headers, or checksums.
func (s *SessionStats) AddBytes(n int) { s.bytesSent.Add(int64(n)) }

// RecordLatency stores the most recent latency estimate.
func (s *SessionStats) RecordLatency(micros int64) { s.latencyMicros.Store(micros) }

// UpdateRates stores the derived per-second rates, computed by the stats
// task from the raw counters and elapsed time.
func (s *SessionStats) UpdateRates(fps, bitrateBps float64) {
	s.currentFPS.Store(math.Float64bits(fps))
	s.currentBitrate.Store(math.Float64bits(bitrateBps))
}

// FramesCaptured returns the captured-frame count.
func (s *SessionStats) FramesCaptured() int64 { return s.framesCaptured.Load() }

// FramesSent returns the sent-frame count.
func (s *SessionStats) FramesSent() int64 { return s.framesSent.Load() }

// FramesDropped returns the dropped-frame count.
func (s *SessionStats) FramesDropped() int64 { return s.framesDropped.Load() }

// BytesSent returns the wire byte count.
func (s *SessionStats) BytesSent() int64 { return s.bytesSent.Load() }

// StartTime returns when the session clock was last reset.
func (s *SessionStats) StartTime() time.Time {
	return time.Unix(0, s.startUnixNano.Load())
}

// Snapshot returns a point-in-time copy of all counters.
func (s *SessionStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesCaptured:    s.framesCaptured.Load(),
		FramesEncoded:     s.framesEncoded.Load(),
		FramesSent:        s.framesSent.Load(),
		FramesDropped:     s.framesDropped.Load(),
		BytesSent:         s.bytesSent.Load(),
		CurrentFPS:        math.Float64frombits(s.currentFPS.Load()),
		CurrentBitrateBps: math.Float64frombits(s.currentBitrate.Load()),
		LatencyMicros:     s.latencyMicros.Load(),
		StartTime:         s.StartTime(),
	}
}
