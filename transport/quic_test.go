package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

// reservePort grabs an ephemeral UDP port for the listener. There is a
// small window between release and reuse, acceptable for a local test.
func reservePort(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()
	return addr
}

func TestQUIC_RoundTrip(t *testing.T) {
	t.Parallel()

	addr := reservePort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type listenResult struct {
		tr  *QUIC
		err error
	}
	listenCh := make(chan listenResult, 1)
	go func() {
		tr, err := ListenQUIC(ctx, addr, nil)
		listenCh <- listenResult{tr, err}
	}()

	// Give the listener a moment to bind before dialing.
	time.Sleep(100 * time.Millisecond)
	dialer, err := DialQUIC(ctx, addr, nil)
	if err != nil {
		t.Fatalf("DialQUIC failed: %v", err)
	}
	defer dialer.Close()

	// The listener's AcceptStream completes once the dialer sends.
	want := []byte("hello from the dialer")
	if err := dialer.Send(ctx, want); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	res := <-listenCh
	if res.err != nil {
		t.Fatalf("ListenQUIC failed: %v", res.err)
	}
	listener := res.tr
	defer listener.Close()

	got, err := listener.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}

	// And the reverse direction, with enough traffic to cross several
	// messages on one stream.
	for i := 0; i < 5; i++ {
		msg := []byte(fmt.Sprintf("reply %d", i))
		if err := listener.Send(ctx, msg); err != nil {
			t.Fatalf("reply Send %d failed: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		got, err := dialer.Recv(ctx)
		if err != nil {
			t.Fatalf("reply Recv %d failed: %v", i, err)
		}
		if string(got) != fmt.Sprintf("reply %d", i) {
			t.Errorf("reply %d: got %q", i, got)
		}
	}
}

func TestQUIC_LargeMessage(t *testing.T) {
	t.Parallel()

	addr := reservePort(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listenCh := make(chan *QUIC, 1)
	go func() {
		tr, err := ListenQUIC(ctx, addr, nil)
		if err != nil {
			listenCh <- nil
			return
		}
		listenCh <- tr
	}()

	time.Sleep(100 * time.Millisecond)
	dialer, err := DialQUIC(ctx, addr, nil)
	if err != nil {
		t.Fatalf("DialQUIC failed: %v", err)
	}
	defer dialer.Close()

	// A max-size FRAME packet is just over 64 KiB.
	want := make([]byte, 65600)
	for i := range want {
		want[i] = byte(i * 13)
	}
	if err := dialer.Send(ctx, want); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	listener := <-listenCh
	if listener == nil {
		t.Fatal("ListenQUIC failed")
	}
	defer listener.Close()

	got, err := listener.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("large message corrupted in transit")
	}
}
