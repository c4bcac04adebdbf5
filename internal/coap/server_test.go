package coap

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// echoHandler answers 2.04 with the request's Block1 and payload.
func echoHandler(calls *atomic.Int32) Handler {
	return HandlerFunc(func(_ context.Context, req *Request) *Message {
		calls.Add(1)

		resp := &Message{Code: Changed, Payload: req.Message.Payload}
		if v, ok := req.Message.Option(Block1); ok {
			resp.SetOption(Block1, v)
		}

		return resp
	})
}

// startServer starts a server on a random localhost port.
func startServer(t *testing.T, h Handler) *Server {
	t.Helper()

	s, err := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", Workers: 2}, h)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	return s
}

// rawConn dials the server with a plain UDP socket.
func rawConn(t *testing.T, addr string) *net.UDPConn {
	t.Helper()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetDeadline(time.Now().Add(2 * time.Second))

	return conn
}

// exchangeRaw writes a datagram and reads one reply.
func exchangeRaw(t *testing.T, conn *net.UDPConn, data []byte) *Message {
	t.Helper()

	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 2048)

	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	m, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}

	return m
}

func TestServer_ClientRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	s := startServer(t, echoHandler(&calls))
	defer s.Close()

	c, err := Dial(s.Addr(), ClientConfig{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	req := &Message{Code: PUT, Payload: []byte("hi")}
	req.SetPath("upload")
	req.SetOption(Block1, []byte{0x00})

	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if resp.Type != Acknowledgement || resp.Code != Changed {
		t.Errorf("response = %s, want piggybacked ACK 2.04", resp)
	}

	if v, _ := resp.Option(Block1); !bytes.Equal(v, []byte{0x00}) {
		t.Errorf("block1 echo = %x", v)
	}

	if string(resp.Payload) != "hi" {
		t.Errorf("payload = %q", resp.Payload)
	}
}

func TestServer_RetransmissionReplayed(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, echoHandler(&calls))
	defer s.Close()

	conn := rawConn(t, s.Addr())
	defer conn.Close()

	req := &Message{Type: Confirmable, Code: PUT, MessageID: 42, Token: []byte{9}, Payload: []byte("ab")}
	req.SetOption(Block1, []byte{0x08})

	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	first := exchangeRaw(t, conn, data)
	second := exchangeRaw(t, conn, data)

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}

	if first.MessageID != 42 || second.MessageID != 42 {
		t.Errorf("message IDs = %d/%d, want 42", first.MessageID, second.MessageID)
	}

	if !bytes.Equal(first.Token, []byte{9}) || first.Code != second.Code {
		t.Errorf("replay differs: %s vs %s", first, second)
	}

	if s.Stats().Replayed != 1 {
		t.Errorf("replayed = %d, want 1", s.Stats().Replayed)
	}
}

func TestServer_PingGetsReset(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, echoHandler(&calls))
	defer s.Close()

	conn := rawConn(t, s.Addr())
	defer conn.Close()

	resp := exchangeRaw(t, conn, []byte{0x40, 0x00, 0x00, 0x07})

	if resp.Type != Reset || resp.MessageID != 7 {
		t.Errorf("ping reply = %s, want RST mid=7", resp)
	}

	if calls.Load() != 0 {
		t.Error("ping reached the handler")
	}
}

func TestServer_NonConfirmable(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, echoHandler(&calls))
	defer s.Close()

	conn := rawConn(t, s.Addr())
	defer conn.Close()

	req := &Message{Type: NonConfirmable, Code: POST, MessageID: 5, Token: []byte{1, 2}}
	data, _ := req.Marshal()

	resp := exchangeRaw(t, conn, data)

	if resp.Type != NonConfirmable || resp.Code != Changed {
		t.Errorf("response = %s, want NON 2.04", resp)
	}

	if !bytes.Equal(resp.Token, []byte{1, 2}) {
		t.Errorf("token = %x", resp.Token)
	}
}

func TestServer_HandlerPanic(t *testing.T) {
	s := startServer(t, HandlerFunc(func(context.Context, *Request) *Message {
		panic("boom")
	}))
	defer s.Close()

	c, err := Dial(s.Addr(), ClientConfig{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	resp, err := c.Do(context.Background(), &Message{Code: PUT})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if resp.Code != InternalServerError {
		t.Errorf("code = %s, want 5.00", resp.Code)
	}
}

func TestServer_MalformedConfirmableReset(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, echoHandler(&calls))
	defer s.Close()

	conn := rawConn(t, s.Addr())
	defer conn.Close()

	// Valid header, reserved option nibble
	resp := exchangeRaw(t, conn, []byte{0x40, 0x03, 0x00, 0x0B, 0xF1, 0x00})

	if resp.Type != Reset || resp.MessageID != 11 {
		t.Errorf("reply = %s, want RST mid=11", resp)
	}

	if s.Stats().Malformed != 1 {
		t.Errorf("malformed = %d, want 1", s.Stats().Malformed)
	}
}

func TestClient_RetransmitsThenTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sink.Close()

	received := make(chan uint16, 16)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, _, err := sink.ReadFromUDP(buf)
			if err != nil {
				return
			}

			if m, err := Parse(buf[:n]); err == nil {
				received <- m.MessageID
			}
		}
	}()

	c, err := Dial(sink.LocalAddr().String(), ClientConfig{AckTimeout: 10 * time.Millisecond, MaxRetransmit: 2})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	_, err = c.Do(context.Background(), &Message{Code: PUT})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}

	// Original plus two retransmissions, all with the same message ID
	var mids []uint16
	for len(mids) < 3 {
		select {
		case mid := <-received:
			mids = append(mids, mid)
		case <-time.After(time.Second):
			t.Fatalf("received %d transmissions, want 3", len(mids))
		}
	}

	if mids[0] != mids[1] || mids[1] != mids[2] {
		t.Errorf("retransmissions changed message ID: %v", mids)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sink.Close()

	c, err := Dial(sink.LocalAddr().String(), ClientConfig{AckTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Do(ctx, &Message{Code: PUT}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}
