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

	"github.com/zsiec/serialwarp/media"
	"github.com/zsiec/serialwarp/swrp"
	"github.com/zsiec/serialwarp/transport"
)

// SinkConfig carries the sink endpoint's limits and the credit grant it
// offers in START_ACK.
type SinkConfig struct {
	SoftwareVersion  uint16
	MaxWidth         uint32
	MaxHeight        uint32
	MaxFPS           uint32
	HiDPI            bool
	Audio            bool
	InitialCredits   uint16
	HandshakeTimeout time.Duration
	// EnablePing turns on the once-per-second PING round-trip probe.
	EnablePing bool
}

// StartRejected is the START_ACK status for parameters beyond the sink's
// advertised limits.
const StartRejected uint8 = 1

// Sink drives the display side: it accepts the handshake, reassembles and
// decodes inbound frames, and returns flow-control credits in FRAME_ACK as
// frames complete.
type Sink struct {
	log        *slog.Logger
	tr         transport.Transport
	machine    *Machine
	stats      *SessionStats
	newDecoder func() (Decoder, error)
	newDisplay func() (Display, error)
	reasm      *media.Reassembler
	cfg        SinkConfig

	// Session-scoped collaborators, created on START and torn down on
	// STOP so a new session starts from a clean slate.
	decoder Decoder
	display Display

	seq     atomic.Uint32
	pending []byte

	peer swrp.Hello

	sessMu  sync.Mutex
	session Session

	serveCancel context.CancelFunc
	serveDone   chan struct{}

	onStats func(StatsSnapshot)
	onError func(error)
	onFrame func(*media.DecodedFrame)
}

// ackRequest is the receive task's instruction to the ack task: exactly
// one per completed frame, in completion order.
type ackRequest struct {
	frameNumber  uint64
	decodeTimeUs uint32
	credits      uint16
}

// NewSink wires a Sink over an open transport. The factories construct the
// platform decoder and display per session; they are torn down on STOP.
// Use func() (Decoder, error) { return NullDecoder{}, nil } and the display
// equivalent for headless runs.
func NewSink(tr transport.Transport, newDecoder func() (Decoder, error), newDisplay func() (Display, error), cfg SinkConfig, log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "sink")
	if cfg.InitialCredits == 0 {
		cfg.InitialCredits = swrp.DefaultCredits
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Sink{
		log:        log,
		tr:         tr,
		machine:    NewMachine(log),
		stats:      NewSessionStats(),
		newDecoder: newDecoder,
		newDisplay: newDisplay,
		reasm:      media.NewReassembler(),
		cfg:        cfg,
	}
}

// OnStateChange registers a state observer.
func (k *Sink) OnStateChange(fn StateObserver) { k.machine.OnTransition(fn) }

// OnStats registers the once-per-second stats observer.
func (k *Sink) OnStats(fn func(StatsSnapshot)) { k.onStats = fn }

// OnError registers the error observer.
func (k *Sink) OnError(fn func(error)) { k.onError = fn }

// OnFrame registers an observer for decoded frames (the render path).
func (k *Sink) OnFrame(fn func(*media.DecodedFrame)) { k.onFrame = fn }

// State returns the current endpoint state.
func (k *Sink) State() State { return k.machine.Current() }

// Stats returns a snapshot of the session counters.
func (k *Sink) Stats() StatsSnapshot { return k.stats.Snapshot() }

// Session returns the negotiated parameters of the active session.
func (k *Sink) Session() Session {
	k.sessMu.Lock()
	defer k.sessMu.Unlock()
	return k.session
}

// WaitForConnection accepts the peer's HELLO and answers with this sink's
// limits. On success the endpoint is Ready to receive START.
func (k *Sink) WaitForConnection(ctx context.Context) error {
	if err := k.machine.To(StateConnecting); err != nil {
		return err
	}
	if !k.tr.Connected() {
		k.machine.To(StateDisconnected)
		return transport.ErrDisconnected
	}
	if err := k.machine.To(StateConnected); err != nil {
		return err
	}
	if err := k.machine.To(StateHandshaking); err != nil {
		return err
	}

	pkt, err := k.readPacket(ctx)
	if err != nil {
		return k.fail(fmt.Errorf("awaiting HELLO: %w", err))
	}
	if pkt.Type != swrp.TypeHello {
		return k.fail(&UnexpectedPacketError{Expected: swrp.TypeHello, Got: pkt.Type})
	}
	peer, err := swrp.ParseHello(pkt.Payload)
	if err != nil {
		return k.fail(err)
	}
	k.peer = peer
	k.log.Info("source hello", "maxWidth", peer.MaxWidth, "maxHeight", peer.MaxHeight,
		"maxFps", peer.MaxFPS(), "capabilities", peer.Capabilities)

	ack := swrp.NewHello(k.cfg.SoftwareVersion, k.cfg.MaxWidth, k.cfg.MaxHeight, k.cfg.MaxFPS, k.capabilities())
	// Unknown capability bits are echoed back untouched.
	ack.Capabilities |= peer.Capabilities &^ swrp.KnownCaps
	if err := k.send(ctx, swrp.TypeHelloAck, ack.Encode(nil)); err != nil {
		return k.fail(err)
	}

	return k.machine.To(StateReady)
}

// Serve accepts sessions until the context is cancelled or the transport
// drops: for each START it validates parameters, grants credits, streams
// until STOP, and returns to Ready for the next session.
func (k *Sink) Serve(ctx context.Context) error {
	for {
		pkt, err := k.readPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.disconnected(err)
			return err
		}
		if pkt.Type != swrp.TypeStart {
			k.log.Debug("ignoring packet while ready", "type", pkt.Type)
			continue
		}

		start, err := swrp.ParseStart(pkt.Payload)
		if err != nil {
			k.log.Warn("bad START", "error", err)
			k.sendStartAck(ctx, swrp.StartAck{Status: StartRejected})
			continue
		}
		if start.Width > k.cfg.MaxWidth || start.Height > k.cfg.MaxHeight {
			k.log.Warn("rejecting START beyond limits", "width", start.Width, "height", start.Height)
			k.sendStartAck(ctx, swrp.StartAck{Status: StartRejected})
			continue
		}

		if err := k.machine.To(StateStarting); err != nil {
			return err
		}

		if err := k.setupSession(); err != nil {
			k.log.Warn("session setup failed", "error", err)
			k.reportError(err)
			k.sendStartAck(ctx, swrp.StartAck{Status: StartRejected})
			if err := k.machine.To(StateReady); err != nil {
				return err
			}
			continue
		}

		if err := k.sendStartAck(ctx, swrp.StartAckOK(k.cfg.InitialCredits)); err != nil {
			k.teardownSession()
			k.disconnected(err)
			return err
		}

		k.sessMu.Lock()
		k.session = Session{
			Width:      start.Width,
			Height:     start.Height,
			FPS:        start.FPS(),
			BitrateBps: start.BitrateBps,
			Credits:    k.cfg.InitialCredits,
		}
		k.sessMu.Unlock()
		k.stats.Reset()
		k.reasm.Reset()
		k.log.Info("session started", "width", start.Width, "height", start.Height,
			"fps", start.FPS(), "credits", k.cfg.InitialCredits)

		if err := k.machine.To(StateStreaming); err != nil {
			return err
		}

		err = k.streamSession(ctx)

		if err := k.machine.To(StateStopping); err != nil {
			return err
		}
		k.teardownSession()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.disconnected(err)
			return err
		}
		if err := k.machine.To(StateReady); err != nil {
			return err
		}
	}
}

// StartDisplay runs Serve in the background, for shells that register
// observers rather than own a blocking loop. StopDisplay ends it.
func (k *Sink) StartDisplay() {
	ctx, cancel := context.WithCancel(context.Background())
	k.serveCancel = cancel
	k.serveDone = make(chan struct{})
	go func() {
		defer close(k.serveDone)
		if err := k.Serve(ctx); err != nil {
			k.log.Warn("serve ended", "error", err)
		}
	}()
}

// StopDisplay cancels a background Serve started by StartDisplay and waits
// for it to wind down.
func (k *Sink) StopDisplay() {
	if k.serveCancel == nil {
		return
	}
	k.serveCancel()
	<-k.serveDone
	k.serveCancel = nil
}

// streamSession runs the receive, ack, and optional ping tasks until STOP
// or a transport failure. A nil return means a clean STOP exchange.
func (k *Sink) streamSession(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ackCh := make(chan ackRequest, int(k.cfg.InitialCredits))

	group, gctx := errgroup.WithContext(sctx)
	group.Go(func() error { return k.recvLoop(gctx, ackCh) })
	group.Go(func() error { return k.ackLoop(gctx, ackCh) })
	if k.cfg.EnablePing {
		group.Go(func() error { return k.pingLoop(gctx) })
	}
	group.Go(func() error { return k.statsLoop(gctx) })

	err := group.Wait()
	if errors.Is(err, errSessionStopped) {
		return nil
	}
	return err
}

// errSessionStopped signals a clean STOP exchange through the errgroup.
var errSessionStopped = errors.New("pipeline: session stopped")

// recvLoop parses inbound packets during streaming. CRC errors drop the
// packet and continue; a reassembly gap counts the prior frame dropped.
func (k *Sink) recvLoop(ctx context.Context, ackCh chan<- ackRequest) error {
	framingErrors := 0
	for {
		chunk, err := k.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		k.pending = append(k.pending, chunk...)

		for len(k.pending) > 0 {
			pkt, n, err := swrp.Parse(k.pending)
			if err != nil {
				var short *swrp.BufferTooShortError
				if errors.As(err, &short) {
					break
				}
				k.log.Debug("dropping unparseable buffer", "error", err)
				k.pending = nil
				framingErrors++
				if framingErrors >= maxFramingErrors {
					k.machine.To(StateError)
					k.reportError(err)
					return err
				}
				break
			}
			framingErrors = 0
			k.pending = k.pending[n:]

			done, err := k.handleStreamPacket(ctx, pkt, ackCh)
			if err != nil {
				return err
			}
			if done {
				return errSessionStopped
			}
		}
	}
}

// handleStreamPacket processes one packet while streaming. It returns
// done=true after a STOP exchange.
func (k *Sink) handleStreamPacket(ctx context.Context, pkt swrp.Packet, ackCh chan<- ackRequest) (bool, error) {
	switch pkt.Type {
	case swrp.TypeFrame:
		if len(pkt.Payload) < swrp.FrameHeaderSize {
			k.log.Debug("FRAME payload too small", "len", len(pkt.Payload))
			return false, nil
		}
		header, err := swrp.ParseFrameHeader(pkt.Payload)
		if err != nil {
			k.log.Debug("bad FRAME header", "error", err)
			return false, nil
		}
		seg := media.FrameSegment{
			Metadata: media.FrameMetadata{
				FrameNumber: header.FrameNumber,
				PTSMicros:   header.PTSMicros,
				CaptureTS:   header.CaptureTS,
			},
			FrameSize:    header.FrameSize,
			SegmentIndex: header.SegmentIndex,
			SegmentCount: header.SegmentCount,
			Data:         pkt.Payload[swrp.FrameHeaderSize:],
		}
		frame, dropped := k.reasm.Add(seg)
		if dropped {
			k.stats.RecordDropped()
			k.log.Debug("dropped incomplete frame", "supersededBy", header.FrameNumber)
		}
		if frame == nil {
			return false, nil
		}
		k.stats.RecordReceived()
		k.stats.AddBytes(len(frame.Data))
		k.completeFrame(ctx, frame, header.SegmentCount, ackCh)
		return false, nil

	case swrp.TypeStop:
		k.log.Info("received STOP")
		if err := k.send(ctx, swrp.TypeStopAck, nil); err != nil {
			k.log.Warn("sending STOP_ACK", "error", err)
		}
		return true, nil

	case swrp.TypePong:
		pong, err := swrp.ParsePong(pkt.Payload)
		if err != nil {
			k.log.Debug("bad PONG", "error", err)
			return false, nil
		}
		k.stats.RecordLatency(int64(nowMicros() - pong.PingTimestampUs))
		return false, nil

	default:
		k.log.Debug("ignoring packet", "type", pkt.Type)
		return false, nil
	}
}

// completeFrame decodes and presents a reassembled frame, then queues
// exactly one FRAME_ACK returning the credits its segments consumed.
func (k *Sink) completeFrame(ctx context.Context, frame *media.EncodedFrame, segments uint16, ackCh chan<- ackRequest) {
	frame.Metadata.IsKeyframe = media.IsKeyframe(frame.Data)

	decodeStart := time.Now()
	decoded, err := k.decoder.Decode(frame)
	decodeTime := time.Since(decodeStart).Microseconds()
	if decodeTime < 1 {
		decodeTime = 1
	}

	if err != nil {
		// A decode failure counts the frame as dropped and reports it;
		// the session is not ended and keeps streaming. The frame is
		// still acked so its credits flow back to the source.
		k.stats.RecordDropped()
		k.log.Warn("decode failed", "frame", frame.Metadata.FrameNumber, "error", err)
		k.reportError(err)
	} else {
		k.stats.RecordDecoded()
		for _, d := range decoded {
			d.FrameNumber = frame.Metadata.FrameNumber
			if err := k.display.Present(d); err != nil {
				k.log.Warn("present failed", "frame", d.FrameNumber, "error", err)
			}
			if k.onFrame != nil {
				k.onFrame(d)
			}
		}
	}

	select {
	case ackCh <- ackRequest{
		frameNumber:  frame.Metadata.FrameNumber,
		decodeTimeUs: uint32(decodeTime),
		credits:      segments,
	}:
	case <-ctx.Done():
	}
}

// ackLoop emits FRAME_ACKs in frame-completion order.
func (k *Sink) ackLoop(ctx context.Context, ackCh <-chan ackRequest) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-ackCh:
			ack := swrp.FrameAck{
				FrameNumber:     req.frameNumber,
				DecodeTimeUs:    req.decodeTimeUs,
				CreditsReturned: req.credits,
			}
			if err := k.send(ctx, swrp.TypeFrameAck, ack.Encode(nil)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// pingLoop probes the round trip once per second; PONGs are folded into
// the latency estimate by the receive loop.
func (k *Sink) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ping := swrp.Ping{TimestampUs: nowMicros()}
			if err := k.send(ctx, swrp.TypePing, ping.Encode(nil)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// statsLoop publishes derived rates once per second.
func (k *Sink) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			elapsed := time.Since(k.stats.StartTime()).Seconds()
			if elapsed <= 0 {
				continue
			}
			fps := float64(k.stats.FramesCaptured()) / elapsed
			bitrate := 8 * float64(k.stats.BytesSent()) / elapsed
			k.stats.UpdateRates(fps, bitrate)
			if k.onStats != nil {
				k.onStats(k.stats.Snapshot())
			}
		}
	}
}

// setupSession constructs the per-session decoder and display.
func (k *Sink) setupSession() error {
	decoder, err := k.newDecoder()
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	display, err := k.newDisplay()
	if err != nil {
		decoder.Close()
		return fmt.Errorf("create display: %w", err)
	}
	k.decoder = decoder
	k.display = display
	return nil
}

// teardownSession closes the decoder and display and clears reassembly
// state; a new session starts from a clean slate.
func (k *Sink) teardownSession() {
	k.reasm.Reset()
	if k.decoder != nil {
		if err := k.decoder.Close(); err != nil {
			k.log.Warn("decoder close", "error", err)
		}
		k.decoder = nil
	}
	if k.display != nil {
		if err := k.display.Close(); err != nil {
			k.log.Warn("display close", "error", err)
		}
		k.display = nil
	}
}

// Disconnect tears down the transport and returns to Disconnected.
func (k *Sink) Disconnect() error {
	k.tr.Close()
	return k.machine.To(StateDisconnected)
}

func (k *Sink) capabilities() uint32 {
	var caps uint32
	if k.cfg.HiDPI {
		caps |= swrp.CapHiDPI
	}
	if k.cfg.Audio {
		caps |= swrp.CapAudio
	}
	return caps
}

func (k *Sink) sendStartAck(ctx context.Context, ack swrp.StartAck) error {
	return k.send(ctx, swrp.TypeStartAck, ack.Encode(nil))
}

func (k *Sink) send(ctx context.Context, t swrp.PacketType, payload []byte) error {
	pkt := swrp.Packet{Type: t, Sequence: k.nextSeq(), Payload: payload}
	return k.tr.Send(ctx, pkt.Encode())
}

func (k *Sink) readPacket(ctx context.Context) (swrp.Packet, error) {
	for {
		if len(k.pending) > 0 {
			pkt, n, err := swrp.Parse(k.pending)
			if err == nil {
				k.pending = k.pending[n:]
				return pkt, nil
			}
			var short *swrp.BufferTooShortError
			if !errors.As(err, &short) {
				k.pending = nil
				return swrp.Packet{}, err
			}
		}
		chunk, err := k.tr.Recv(ctx)
		if err != nil {
			return swrp.Packet{}, err
		}
		k.pending = append(k.pending, chunk...)
	}
}

func (k *Sink) nextSeq() uint32 {
	return k.seq.Add(1) - 1
}

func (k *Sink) fail(err error) error {
	k.machine.To(StateError)
	k.reportError(err)
	return err
}

func (k *Sink) disconnected(err error) {
	k.log.Warn("transport lost", "error", err)
	k.machine.To(StateDisconnected)
	k.reportError(err)
}

func (k *Sink) reportError(err error) {
	if k.onError != nil {
		k.onError(err)
	}
}
