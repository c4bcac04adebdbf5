package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startTestServer starts a listening node with the given request handler.
func startTestServer(t *testing.T, key ed25519.PrivateKey, h RequestHandler) *Node {
	t.Helper()

	server, err := NewNode(Config{PrivateKey: key, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	if h != nil {
		server.OnRequest(h)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	return server
}

// dialTestClient creates a dial-only node connected to addr.
func dialTestClient(t *testing.T, addr string) (*Node, *Peer) {
	t.Helper()

	client, err := NewNode(Config{})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Connect(ctx, addr)
	if err != nil {
		client.Close()
		t.Fatalf("connect: %v", err)
	}

	return client, peer
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node := startTestServer(t, generateTestKey(t), nil)

	if node.Addr() == "" {
		t.Error("started node has no address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestNodeStartRequiresListenAddr tests that dial-only nodes cannot listen.
func TestNodeStartRequiresListenAddr(t *testing.T) {
	node, err := NewNode(Config{})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	defer node.Close()

	if err := node.Start(); err == nil {
		t.Error("Start succeeded without listen address")
	}
}

// TestNodeConnect tests connecting a client to a server.
func TestNodeConnect(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestServer(t, serverKey, nil)
	defer server.Close()

	connected := make(chan *Peer, 1)
	server.OnConnect(func(p *Peer) {
		connected <- p
	})

	client, peer := dialTestClient(t, server.Addr())
	defer client.Close()

	// Verify peer public key matches server
	if !bytes.Equal(peer.PublicKey(), serverKey.Public().(ed25519.PublicKey)) {
		t.Error("peer public key mismatch")
	}

	if peer.Address().String() != server.Addr() {
		t.Errorf("peer address = %s, want %s", peer.Address(), server.Addr())
	}

	select {
	case p := <-connected:
		// The server sees the client's UDP source address
		if !p.Address().Addr().IsLoopback() {
			t.Errorf("server-side peer address = %s", p.Address())
		}

		if !bytes.Equal(p.PublicKey(), client.PublicKey()) {
			t.Error("server-side peer key mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive connection")
	}

	if len(client.Peers()) != 1 || len(server.Peers()) != 1 {
		t.Errorf("peer counts: client %d, server %d", len(client.Peers()), len(server.Peers()))
	}
}

// TestNodeDisconnect tests that closed connections leave the peer set.
func TestNodeDisconnect(t *testing.T) {
	server := startTestServer(t, generateTestKey(t), nil)
	defer server.Close()

	disconnected := make(chan struct{})
	server.OnDisconnect(func(p *Peer) {
		close(disconnected)
	})

	client, _ := dialTestClient(t, server.Addr())

	time.Sleep(100 * time.Millisecond)

	client.Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	if len(server.Peers()) != 0 {
		t.Errorf("server peer count: got %d, want 0", len(server.Peers()))
	}
}

// TestRequestResponse tests a request/response round trip.
func TestRequestResponse(t *testing.T) {
	server := startTestServer(t, generateTestKey(t), func(_ context.Context, p *Peer, data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	})
	defer server.Close()

	client, peer := dialTestClient(t, server.Addr())
	defer client.Close()

	response, err := peer.Request(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	expected := []byte("echo:hello")
	if !bytes.Equal(response, expected) {
		t.Errorf("response mismatch: got %q, want %q", response, expected)
	}
}

// TestRequestLargeFrame tests a 1 MB request.
func TestRequestLargeFrame(t *testing.T) {
	server := startTestServer(t, generateTestKey(t), func(_ context.Context, p *Peer, data []byte) ([]byte, error) {
		return []byte(fmt.Sprintf("%d", len(data))), nil
	})
	defer server.Close()

	client, peer := dialTestClient(t, server.Addr())
	defer client.Close()

	large := make([]byte, 1<<20)
	for i := range large {
		large[i] = byte(i % 256)
	}

	response, err := peer.Request(context.Background(), large)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(response) != "1048576" {
		t.Errorf("server saw %s bytes", response)
	}
}

// TestConcurrentRequests tests many requests in flight on one connection.
func TestConcurrentRequests(t *testing.T) {
	var handled atomic.Int32

	server := startTestServer(t, generateTestKey(t), func(_ context.Context, p *Peer, data []byte) ([]byte, error) {
		handled.Add(1)
		return data, nil
	})
	defer server.Close()

	client, peer := dialTestClient(t, server.Addr())
	defer client.Close()

	const numRequests = 50

	var wg sync.WaitGroup
	errs := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			msg := []byte(fmt.Sprintf("req-%d", i))

			resp, err := peer.Request(context.Background(), msg)
			if err != nil {
				errs <- err
				return
			}

			if !bytes.Equal(resp, msg) {
				errs <- fmt.Errorf("request %d: got %q", i, resp)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	if handled.Load() != numRequests {
		t.Errorf("handled %d requests, want %d", handled.Load(), numRequests)
	}
}

// TestRequestTimeout tests request timeout handling.
func TestRequestTimeout(t *testing.T) {
	server := startTestServer(t, generateTestKey(t), func(_ context.Context, p *Peer, data []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})
	defer server.Close()

	client, peer := dialTestClient(t, server.Addr())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected timeout error")
	}
}

// TestRequestHandlerError tests that a failing handler resets the stream.
func TestRequestHandlerError(t *testing.T) {
	server := startTestServer(t, generateTestKey(t), func(_ context.Context, p *Peer, data []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})
	defer server.Close()

	client, peer := dialTestClient(t, server.Addr())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected error from failing handler")
	}
}

// TestHandlerContextCancelledOnClose tests that handlers observe shutdown.
func TestHandlerContextCancelledOnClose(t *testing.T) {
	started := make(chan struct{})
	observed := make(chan error, 1)

	server := startTestServer(t, generateTestKey(t), func(ctx context.Context, p *Peer, data []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	})

	client, peer := dialTestClient(t, server.Addr())
	defer client.Close()

	go peer.Request(context.Background(), []byte("x"))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}

	server.Close()

	select {
	case err := <-observed:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("handler ctx error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler context not cancelled")
	}
}

// TestFrameRoundTrip tests the length-prefixed framing.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	for _, msg := range [][]byte{nil, []byte("a"), bytes.Repeat([]byte{7}, 70000)} {
		if err := writeMessage(&buf, msg); err != nil {
			t.Fatalf("writeMessage: %v", err)
		}
	}

	for _, want := range []int{0, 1, 70000} {
		got, err := readMessage(&buf)
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}

		if len(got) != want {
			t.Errorf("frame length = %d, want %d", len(got), want)
		}
	}
}

// TestFrameTooLarge tests both directions of the frame size limit.
func TestFrameTooLarge(t *testing.T) {
	if err := writeMessage(&bytes.Buffer{}, make([]byte, maxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("write error = %v, want ErrFrameTooLarge", err)
	}

	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := readMessage(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("read error = %v, want ErrFrameTooLarge", err)
	}
}

func TestSelfSignedCertificate(t *testing.T) {
	key := generateTestKey(t)

	cfg, err := newTLSConfig(key)
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}

	leaf := cfg.Certificates[0].Leaf
	if !bytes.Equal(leaf.PublicKey.(ed25519.PublicKey), key.Public().(ed25519.PublicKey)) {
		t.Error("certificate key mismatch")
	}

	if err := leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature); err != nil {
		t.Errorf("certificate is not self-signed: %v", err)
	}

	if _, err := peerKey(tls.ConnectionState{}); !errors.Is(err, errNoPeerKey) {
		t.Errorf("peerKey without certificates = %v", err)
	}
}
