package transport

import (
	"context"
	"testing"
	"time"
)

func TestMockTransportRequestReply(t *testing.T) {
	net := NewMockNetwork(0, 0)
	a := net.NewTransport("addr-a")
	b := net.NewTransport("addr-b")
	defer a.Close()
	defer b.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		in, err := b.Recv(ctx)
		if err != nil {
			t.Errorf("Recv: %v", err)
			return
		}
		if string(in.Payload) != "ping" {
			t.Errorf("Payload = %q, want ping", in.Payload)
		}
		if err := b.Reply(ctx, in.ReplyToken, []byte("pong")); err != nil {
			t.Errorf("Reply: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.SendWithReply(ctx, "addr-b", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}
	if string(resp) != "pong" {
		t.Fatalf("resp = %q, want pong", resp)
	}
}

func TestMockTransportTimeoutWhenNoReply(t *testing.T) {
	net := NewMockNetwork(0, 0)
	a := net.NewTransport("addr-a")
	b := net.NewTransport("addr-b")
	defer a.Close()
	defer b.Close()

	// b never replies.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		b.Recv(ctx)
	}()

	ctx := context.Background()
	_, err := a.SendWithReply(ctx, "addr-b", []byte("ping"), 50*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want a timeout", err)
	}
}

func TestMockTransportUnroutableDest(t *testing.T) {
	net := NewMockNetwork(0, 0)
	a := net.NewTransport("addr-a")
	defer a.Close()

	ctx := context.Background()
	_, err := a.SendWithReply(ctx, "nowhere", []byte("ping"), time.Second)
	var te *Error
	if err == nil {
		t.Fatal("expected an error for an unroutable destination")
	}
	if !asTransportError(err, &te) || te.Code != ErrUnroutable {
		t.Fatalf("err = %v, want ErrUnroutable", err)
	}
}

func TestMockTransportReplyTokenIsSingleUse(t *testing.T) {
	net := NewMockNetwork(0, 0)
	a := net.NewTransport("addr-a")
	b := net.NewTransport("addr-b")
	defer a.Close()
	defer b.Close()

	done := make(chan ReplyToken, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		in, _ := b.Recv(ctx)
		b.Reply(ctx, in.ReplyToken, []byte("first"))
		done <- in.ReplyToken
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.SendWithReply(ctx, "addr-b", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("SendWithReply: %v", err)
	}
	if string(resp) != "first" {
		t.Fatalf("resp = %q, want first", resp)
	}

	token := <-done
	// A second reply using the same (now-retired) token must be silently
	// discarded, not delivered anywhere.
	if err := b.Reply(ctx, token, []byte("second")); err != nil {
		t.Fatalf("second Reply returned an error: %v", err)
	}
}

func TestMockTransportLossEventuallyTimesOut(t *testing.T) {
	net := NewMockNetwork(0, 1.0) // always drop
	a := net.NewTransport("addr-a")
	b := net.NewTransport("addr-b")
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	_, err := a.SendWithReply(ctx, "addr-b", []byte("ping"), 50*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("err = %v, want a timeout under total loss", err)
	}
}

func asTransportError(err error, target **Error) bool {
	te, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = te
	return true
}
