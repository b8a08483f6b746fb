package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/serialwarp/certs"
)

// alpnProtocol names the SWRP-over-QUIC development link.
const alpnProtocol = "serialwarp"

const quicIdleTimeout = 30 * time.Second

// QUIC is a Transport over a single bidirectional QUIC stream, used for
// cable-less development and soak testing on a LAN or loopback. Messages
// are varint-length framed so Recv yields whole packets.
type QUIC struct {
	log       *slog.Logger
	conn      quic.Connection
	stream    quic.Stream
	br        *bufio.Reader
	sendMu    sync.Mutex
	connected atomic.Bool

	listener *quic.Listener
}

// ListenQUIC waits for a single peer on addr (e.g. ":7246") and returns
// the established transport. A fresh self-signed certificate is generated
// per listener; peers connect insecurely, as this link is for development
// only.
func ListenQUIC(ctx context.Context, addr string, log *slog.Logger) (*QUIC, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-transport")

	cert, err := certs.New()
	if err != nil {
		return nil, fmt.Errorf("transport: generate cert: %w", err)
	}

	ln, err := quic.ListenAddr(addr, &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{alpnProtocol},
	}, &quic.Config{MaxIdleTimeout: quicIdleTimeout, KeepAlivePeriod: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	// Dialers skip verification; the fingerprint lets an operator check
	// by hand that they reached this listener.
	log.Info("waiting for peer", "addr", addr, "certFingerprint", cert.FingerprintBase64())

	conn, err := ln.Accept(ctx)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("transport: accept: %w", err)
	}

	// AcceptStream returns once the dialer opens the stream and sends
	// its first packet (HELLO for a source peer).
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}
	log.Info("peer connected", "remote", conn.RemoteAddr())

	q := newQUIC(log, conn, stream)
	q.listener = ln
	return q, nil
}

// DialQUIC connects to a listening peer at addr.
func DialQUIC(ctx context.Context, addr string, log *slog.Logger) (*QUIC, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "quic-transport")

	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true, // dev link: self-signed peer
		NextProtos:         []string{alpnProtocol},
	}, &quic.Config{MaxIdleTimeout: quicIdleTimeout, KeepAlivePeriod: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	log.Info("connected", "remote", conn.RemoteAddr())

	return newQUIC(log, conn, stream), nil
}

func newQUIC(log *slog.Logger, conn quic.Connection, stream quic.Stream) *QUIC {
	q := &QUIC{
		log:    log,
		conn:   conn,
		stream: stream,
		br:     bufio.NewReader(stream),
	}
	q.connected.Store(true)
	return q
}

// Send writes one varint-length-framed message as a single stream write.
func (q *QUIC) Send(ctx context.Context, data []byte) error {
	if !q.connected.Load() {
		return ErrDisconnected
	}

	buf := quicvarint.Append(make([]byte, 0, len(data)+4), uint64(len(data)))
	buf = append(buf, data...)

	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		q.stream.SetWriteDeadline(deadline)
		defer q.stream.SetWriteDeadline(time.Time{})
	}
	if _, err := q.stream.Write(buf); err != nil {
		q.connected.Store(false)
		return fmt.Errorf("transport: stream write: %w", err)
	}
	return nil
}

// Recv reads the next framed message.
func (q *QUIC) Recv(ctx context.Context) ([]byte, error) {
	if !q.connected.Load() {
		return nil, ErrDisconnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		q.stream.SetReadDeadline(deadline)
		defer q.stream.SetReadDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		q.stream.CancelRead(0)
	})
	defer stop()

	length, err := quicvarint.Read(q.br)
	if err != nil {
		return nil, q.readErr(ctx, err)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(q.br, data); err != nil {
		return nil, q.readErr(ctx, err)
	}
	return data, nil
}

func (q *QUIC) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	q.connected.Store(false)
	if err == io.EOF {
		return ErrDisconnected
	}
	return fmt.Errorf("transport: stream read: %w", err)
}

// Connected reports whether the QUIC connection is up.
func (q *QUIC) Connected() bool {
	return q.connected.Load()
}

// Close tears down the stream, connection, and listener if any.
func (q *QUIC) Close() error {
	q.connected.Store(false)
	q.stream.Close()
	err := q.conn.CloseWithError(0, "closed")
	if q.listener != nil {
		q.listener.Close()
	}
	return err
}
