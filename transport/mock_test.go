package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMock_PairCommunication(t *testing.T) {
	t.Parallel()

	a, b := Pair()
	ctx := context.Background()

	msg := []byte("hello world")
	if err := a.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestMock_Bidirectional(t *testing.T) {
	t.Parallel()

	a, b := Pair()
	ctx := context.Background()

	a.Send(ctx, []byte("from a"))
	got, _ := b.Recv(ctx)
	if string(got) != "from a" {
		t.Errorf("got %q", got)
	}

	b.Send(ctx, []byte("from b"))
	got, _ = a.Recv(ctx)
	if string(got) != "from b" {
		t.Errorf("got %q", got)
	}
}

func TestMock_OrderPreserved(t *testing.T) {
	t.Parallel()

	a, b := Pair()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := a.Send(ctx, []byte(fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		got, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d failed: %v", i, err)
		}
		if string(got) != fmt.Sprintf("message %d", i) {
			t.Errorf("message %d: got %q", i, got)
		}
	}
}

func TestMock_SendCopiesData(t *testing.T) {
	t.Parallel()

	a, b := Pair()
	ctx := context.Background()

	buf := []byte{1, 2, 3}
	a.Send(ctx, buf)
	buf[0] = 99

	got, _ := b.Recv(ctx)
	if got[0] != 1 {
		t.Error("Send did not copy the caller's buffer")
	}
}

func TestMock_CloseDisconnectsBothSides(t *testing.T) {
	t.Parallel()

	a, b := Pair()
	if !a.Connected() || !b.Connected() {
		t.Fatal("pair should start connected")
	}

	a.Close()
	if a.Connected() || b.Connected() {
		t.Error("both sides should disconnect together")
	}

	if err := a.Send(context.Background(), []byte("x")); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Send after close: err = %v, want ErrDisconnected", err)
	}
	if _, err := b.Recv(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Recv after close: err = %v, want ErrDisconnected", err)
	}
}

func TestMock_RecvRespectsContext(t *testing.T) {
	t.Parallel()

	a, _ := Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := a.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
