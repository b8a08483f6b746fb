package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/serialwarp/flow"
	"github.com/zsiec/serialwarp/media"
	"github.com/zsiec/serialwarp/swrp"
	"github.com/zsiec/serialwarp/transport"
)

// defaultHandshakeTimeout bounds each handshake phase.
const defaultHandshakeTimeout = 5 * time.Second

// maxFramingErrors is how many consecutive unparseable buffers the receive
// loops tolerate before escalating to the error state.
const maxFramingErrors = 3

// StreamConfig is the source's wish for a session; the effective
// parameters are the intersection with the peer's advertised limits.
type StreamConfig struct {
	Width      uint32
	Height     uint32
	FPS        uint32
	BitrateBps uint32
	HiDPI      bool
}

// SourceConfig carries the source endpoint's own limits, advertised in
// HELLO.
type SourceConfig struct {
	SoftwareVersion  uint16
	MaxWidth         uint32
	MaxHeight        uint32
	MaxFPS           uint32
	HiDPI            bool
	HandshakeTimeout time.Duration
}

// Session holds the negotiated parameters of the active run, from a
// successful START/START_ACK pair to the following STOP.
type Session struct {
	Width      uint32
	Height     uint32
	FPS        uint32
	BitrateBps uint32
	Credits    uint16
}

// Source drives the capture side: it owns the capture→encode→segment→send
// loop, consumes flow-control credits per segment, and folds FRAME_ACKs
// back into the credit pool and latency estimate.
type Source struct {
	log      *slog.Logger
	tr       transport.Transport
	machine  *Machine
	flow     *flow.Controller
	stats    *SessionStats
	capturer Capturer
	encoder  Encoder
	cfg      SourceConfig

	// seq is monotonic per endpoint across the whole connection; it is
	// not reset on START.
	seq atomic.Uint32

	// pending buffers bytes between transport reads and packet parses.
	// Only one task reads the transport at a time (handshake, then the
	// receive loop), so no lock is needed.
	pending []byte

	peer    swrp.Hello
	session Session

	// captureTimes maps in-flight frame numbers to their capture
	// timestamps for the latency estimate; bounded by the credit window.
	mu           sync.Mutex
	captureTimes map[uint64]uint64
	nextFrame    uint64

	cancel context.CancelFunc
	group  *errgroup.Group

	onStats   func(StatsSnapshot)
	onError   func(error)
	onPreview func(*media.RawFrame)
}

// NewSource wires a Source over an open transport. The capturer and
// encoder are the platform collaborators (or media.SyntheticSource for
// both in dev runs).
func NewSource(tr transport.Transport, capturer Capturer, encoder Encoder, cfg SourceConfig, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "source")
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Source{
		log:          log,
		tr:           tr,
		machine:      NewMachine(log),
		flow:         flow.New(),
		stats:        NewSessionStats(),
		capturer:     capturer,
		encoder:      encoder,
		cfg:          cfg,
		captureTimes: make(map[uint64]uint64),
	}
}

// OnStateChange registers a state observer.
func (s *Source) OnStateChange(fn StateObserver) { s.machine.OnTransition(fn) }

// OnStats registers the once-per-second stats observer.
func (s *Source) OnStats(fn func(StatsSnapshot)) { s.onStats = fn }

// OnError registers the error observer.
func (s *Source) OnError(fn func(error)) { s.onError = fn }

// OnPreview registers an observer for captured frames, for a UI thumbnail.
func (s *Source) OnPreview(fn func(*media.RawFrame)) { s.onPreview = fn }

// State returns the current endpoint state.
func (s *Source) State() State { return s.machine.Current() }

// Stats returns a snapshot of the session counters.
func (s *Source) Stats() StatsSnapshot { return s.stats.Snapshot() }

// Credits returns the currently available flow-control credits.
func (s *Source) Credits() uint32 { return s.flow.Available() }

// Session returns the negotiated parameters of the active session.
func (s *Source) Session() Session { return s.session }

// Connect performs the HELLO handshake. On success the endpoint is Ready;
// any unexpected reply or timeout moves it to the error state.
func (s *Source) Connect(ctx context.Context) error {
	if err := s.machine.To(StateConnecting); err != nil {
		return err
	}
	if !s.tr.Connected() {
		s.machine.To(StateDisconnected)
		return transport.ErrDisconnected
	}
	if err := s.machine.To(StateConnected); err != nil {
		return err
	}
	if err := s.machine.To(StateHandshaking); err != nil {
		return err
	}

	hello := swrp.NewHello(s.cfg.SoftwareVersion, s.cfg.MaxWidth, s.cfg.MaxHeight, s.cfg.MaxFPS, s.capabilities())
	if err := s.send(ctx, swrp.TypeHello, hello.Encode(nil)); err != nil {
		return s.fail(err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	pkt, err := s.readPacket(hctx)
	if err != nil {
		return s.fail(fmt.Errorf("awaiting HELLO_ACK: %w", err))
	}
	if pkt.Type != swrp.TypeHelloAck {
		return s.fail(&UnexpectedPacketError{Expected: swrp.TypeHelloAck, Got: pkt.Type})
	}
	peer, err := swrp.ParseHello(pkt.Payload)
	if err != nil {
		return s.fail(err)
	}
	s.peer = peer
	s.log.Info("peer hello", "maxWidth", peer.MaxWidth, "maxHeight", peer.MaxHeight,
		"maxFps", peer.MaxFPS(), "capabilities", peer.Capabilities)

	return s.machine.To(StateReady)
}

// StartStreaming negotiates a session and launches the streaming tasks.
// The session runs until StopStreaming or a fatal error.
func (s *Source) StartStreaming(ctx context.Context, cfg StreamConfig) error {
	if err := s.machine.To(StateStarting); err != nil {
		return err
	}

	start := swrp.NewStart(
		min(cfg.Width, s.peer.MaxWidth),
		min(cfg.Height, s.peer.MaxHeight),
		min(cfg.FPS, s.peer.MaxFPS()),
		cfg.BitrateBps,
	)
	if err := s.send(ctx, swrp.TypeStart, start.Encode(nil)); err != nil {
		return s.fail(err)
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	// Stale FRAME_ACKs or a late STOP_ACK from the previous session may
	// still be in flight; skip past them.
	pkt, err := s.awaitResponse(hctx, swrp.TypeStartAck, swrp.TypeFrameAck, swrp.TypeStopAck, swrp.TypePong)
	if err != nil {
		return s.fail(fmt.Errorf("awaiting START_ACK: %w", err))
	}
	ack, err := swrp.ParseStartAck(pkt.Payload)
	if err != nil {
		return s.fail(err)
	}
	if !ack.OK() {
		// A rejection is not fatal to the connection; fall back to Ready
		// so the caller can retry with different parameters.
		s.machine.To(StateReady)
		err := &HandshakeError{Reason: fmt.Sprintf("sink rejected START (status %d)", ack.Status), Status: ack.Status}
		s.reportError(err)
		return err
	}

	s.session = Session{
		Width:      start.Width,
		Height:     start.Height,
		FPS:        start.FPS(),
		BitrateBps: start.BitrateBps,
		Credits:    ack.InitialCredits,
	}
	s.flow.SetInitial(ack.InitialCredits)
	s.stats.Reset()
	s.mu.Lock()
	s.nextFrame = 0
	s.captureTimes = make(map[uint64]uint64)
	s.mu.Unlock()

	s.log.Info("session started", "width", start.Width, "height", start.Height,
		"fps", start.FPS(), "bitrateBps", start.BitrateBps, "credits", ack.InitialCredits)

	taskCtx, cancel2 := context.WithCancel(context.Background())
	s.cancel = cancel2
	group, gctx := errgroup.WithContext(taskCtx)
	s.group = group
	group.Go(func() error { return s.captureLoop(gctx) })
	group.Go(func() error { return s.recvLoop(gctx) })
	group.Go(func() error { return s.statsLoop(gctx) })

	return s.machine.To(StateStreaming)
}

// StopStreaming cancels the streaming tasks, flushes the encoder, and
// performs the STOP exchange. A missing STOP_ACK is not fatal.
func (s *Source) StopStreaming(ctx context.Context) error {
	if err := s.machine.To(StateStopping); err != nil {
		return err
	}

	s.cancel()
	s.flow.Reset()
	s.group.Wait()

	if _, err := s.encoder.Flush(); err != nil {
		s.log.Warn("encoder flush", "error", err)
	}

	if err := s.send(ctx, swrp.TypeStop, nil); err != nil {
		s.log.Warn("sending STOP", "error", err)
	} else {
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		_, err := s.awaitResponse(wctx, swrp.TypeStopAck, swrp.TypeFrameAck, swrp.TypePong)
		cancel()
		if err != nil {
			s.log.Warn("no STOP_ACK", "error", err)
		}
	}

	return s.machine.To(StateReady)
}

// Disconnect tears down the transport and returns to Disconnected.
func (s *Source) Disconnect() error {
	if s.machine.Current() == StateStreaming {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.StopStreaming(ctx)
		cancel()
	}
	s.tr.Close()
	return s.machine.To(StateDisconnected)
}

func (s *Source) capabilities() uint32 {
	var caps uint32
	if s.cfg.HiDPI {
		caps |= swrp.CapHiDPI
	}
	return caps
}

// captureLoop is the capture→encode→segment→send task. Each segment costs
// one credit; Acquire is the sole backpressure point.
func (s *Source) captureLoop(ctx context.Context) error {
	for {
		raw, err := s.capturer.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture: %w", err)
		}
		s.stats.RecordCaptured()
		if s.onPreview != nil {
			s.onPreview(raw)
		}

		frames, err := s.encoder.Encode(raw)
		if err != nil {
			s.stats.RecordDropped()
			s.log.Warn("encode failed", "error", err)
			continue
		}
		for _, frame := range frames {
			if err := s.sendFrame(ctx, frame); err != nil {
				if ctx.Err() != nil || errors.Is(err, flow.ErrReset) {
					return nil
				}
				s.disconnected(err)
				return err
			}
		}
	}
}

func (s *Source) sendFrame(ctx context.Context, frame *media.EncodedFrame) error {
	s.mu.Lock()
	frame.Metadata.FrameNumber = s.nextFrame
	s.nextFrame++
	s.captureTimes[frame.Metadata.FrameNumber] = frame.Metadata.CaptureTS
	s.mu.Unlock()
	s.stats.RecordEncoded()

	segments, err := media.Split(frame)
	if err != nil {
		s.stats.RecordDropped()
		s.log.Warn("refusing oversized frame", "error", err)
		return nil
	}

	var wireBytes int
	for _, seg := range segments {
		if err := s.flow.Acquire(ctx); err != nil {
			return err
		}
		s.flow.TryConsume()

		header := swrp.FrameHeader{
			FrameNumber:  seg.Metadata.FrameNumber,
			PTSMicros:    seg.Metadata.PTSMicros,
			CaptureTS:    seg.Metadata.CaptureTS,
			FrameSize:    seg.FrameSize,
			SegmentIndex: seg.SegmentIndex,
			SegmentCount: seg.SegmentCount,
		}
		pkt := swrp.Packet{
			Type:     swrp.TypeFrame,
			Sequence: s.nextSeq(),
			Payload:  swrp.EncodeFramePayload(header, seg.Data),
		}
		wire := pkt.Encode()
		if err := s.tr.Send(ctx, wire); err != nil {
			return err
		}
		wireBytes += len(wire)
	}
	s.stats.RecordSent(wireBytes)
	return nil
}

// recvLoop handles FRAME_ACK and PING while streaming. Framing errors drop
// the buffer and continue; three in a row escalate.
func (s *Source) recvLoop(ctx context.Context) error {
	framingErrors := 0
	for {
		chunk, err := s.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.disconnected(err)
			return err
		}
		s.pending = append(s.pending, chunk...)

		for len(s.pending) > 0 {
			pkt, n, err := swrp.Parse(s.pending)
			if err != nil {
				var short *swrp.BufferTooShortError
				if errors.As(err, &short) {
					break // partial packet, wait for more bytes
				}
				s.log.Debug("dropping unparseable buffer", "error", err)
				s.pending = nil
				framingErrors++
				if framingErrors >= maxFramingErrors {
					s.machine.To(StateError)
					s.reportError(err)
					return err
				}
				break
			}
			framingErrors = 0
			s.pending = s.pending[n:]
			s.handlePacket(ctx, pkt)
		}
	}
}

func (s *Source) handlePacket(ctx context.Context, pkt swrp.Packet) {
	switch pkt.Type {
	case swrp.TypeFrameAck:
		ack, err := swrp.ParseFrameAck(pkt.Payload)
		if err != nil {
			s.log.Debug("bad FRAME_ACK", "error", err)
			return
		}
		s.flow.Return(ack.CreditsReturned)
		s.recordLatency(ack.FrameNumber)
		s.log.Debug("frame acked", "frame", ack.FrameNumber,
			"decodeUs", ack.DecodeTimeUs, "credits", ack.CreditsReturned)

	case swrp.TypePing:
		ping, err := swrp.ParsePing(pkt.Payload)
		if err != nil {
			s.log.Debug("bad PING", "error", err)
			return
		}
		pong := swrp.Pong{
			PingTimestampUs: ping.TimestampUs,
			PongTimestampUs: nowMicros(),
		}
		if err := s.send(ctx, swrp.TypePong, pong.Encode(nil)); err != nil {
			s.log.Warn("sending PONG", "error", err)
		}

	default:
		s.log.Debug("ignoring packet", "type", pkt.Type)
	}
}

// recordLatency estimates end-to-end latency as now minus the acked
// frame's capture timestamp, then prunes the map up to that frame.
func (s *Source) recordLatency(frameNumber uint64) {
	s.mu.Lock()
	ts, ok := s.captureTimes[frameNumber]
	for n := range s.captureTimes {
		if n <= frameNumber {
			delete(s.captureTimes, n)
		}
	}
	s.mu.Unlock()
	if ok {
		s.stats.RecordLatency(int64(nowMicros() - ts))
	}
}

// statsLoop publishes derived rates once per second.
func (s *Source) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			elapsed := time.Since(s.stats.StartTime()).Seconds()
			if elapsed <= 0 {
				continue
			}
			fps := float64(s.stats.FramesCaptured()) / elapsed
			bitrate := 8 * float64(s.stats.BytesSent()) / elapsed
			s.stats.UpdateRates(fps, bitrate)
			if s.onStats != nil {
				s.onStats(s.stats.Snapshot())
			}
		}
	}
}

// send encodes and writes one packet with a fresh sequence number.
func (s *Source) send(ctx context.Context, t swrp.PacketType, payload []byte) error {
	pkt := swrp.Packet{Type: t, Sequence: s.nextSeq(), Payload: payload}
	return s.tr.Send(ctx, pkt.Encode())
}

// awaitResponse reads packets until one of type want arrives, skipping the
// listed ignorable types (late traffic from an ending session). Any other
// type is a handshake failure.
func (s *Source) awaitResponse(ctx context.Context, want swrp.PacketType, ignorable ...swrp.PacketType) (swrp.Packet, error) {
	for {
		pkt, err := s.readPacket(ctx)
		if err != nil {
			return swrp.Packet{}, err
		}
		if pkt.Type == want {
			return pkt, nil
		}
		skip := false
		for _, ig := range ignorable {
			if pkt.Type == ig {
				skip = true
				break
			}
		}
		if !skip {
			return swrp.Packet{}, &UnexpectedPacketError{Expected: want, Got: pkt.Type}
		}
		s.log.Debug("skipping stale packet", "type", pkt.Type)
	}
}

// readPacket returns the next whole packet, buffering partial reads.
func (s *Source) readPacket(ctx context.Context) (swrp.Packet, error) {
	for {
		if len(s.pending) > 0 {
			pkt, n, err := swrp.Parse(s.pending)
			if err == nil {
				s.pending = s.pending[n:]
				return pkt, nil
			}
			var short *swrp.BufferTooShortError
			if !errors.As(err, &short) {
				s.pending = nil
				return swrp.Packet{}, err
			}
		}
		chunk, err := s.tr.Recv(ctx)
		if err != nil {
			return swrp.Packet{}, err
		}
		s.pending = append(s.pending, chunk...)
	}
}

func (s *Source) nextSeq() uint32 {
	return s.seq.Add(1) - 1
}

// fail transitions to the error state and reports err to the observer.
func (s *Source) fail(err error) error {
	s.machine.To(StateError)
	s.reportError(err)
	return err
}

// disconnected handles a transport loss during streaming.
func (s *Source) disconnected(err error) {
	s.log.Warn("transport lost", "error", err)
	s.machine.To(StateDisconnected)
	s.reportError(err)
}

func (s *Source) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
