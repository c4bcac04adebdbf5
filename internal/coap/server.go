package coap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"Blockwise/internal/logger"
)

const (
	// maxDatagramSize bounds a received datagram; larger ones are truncated and rejected.
	maxDatagramSize = 64 << 10

	// defaultQueueSize is the number of datagrams buffered between reader and workers.
	defaultQueueSize = 1024
)

// Request is an inbound request with its origin.
type Request struct {
	Message *Message       // Message is the parsed request
	Peer    netip.AddrPort // Peer is the sender's address
}

// Handler answers requests. The returned message supplies Code, Options and
// Payload; the server fills in Type, MessageID and Token. A nil response
// sends an empty acknowledgement for confirmable requests and nothing otherwise.
type Handler interface {
	ServeCoAP(ctx context.Context, req *Request) *Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Message

// ServeCoAP calls f.
func (f HandlerFunc) ServeCoAP(ctx context.Context, req *Request) *Message {
	return f(ctx, req)
}

// ServerConfig holds the configuration for a Server.
type ServerConfig struct {
	ListenAddr       string        // ListenAddr is the UDP address to listen on (e.g., ":5683")
	Workers          int           // Workers is the number of handler goroutines (default GOMAXPROCS)
	QueueSize        int           // QueueSize is the datagram backlog between reader and workers
	ExchangeLifetime time.Duration // ExchangeLifetime bounds retransmission deduplication
}

// Server is a CoAP endpoint over UDP.
type Server struct {
	listenAddr string
	workers    int
	handler    Handler
	cache      *ExchangeCache
	packets    chan packet

	conn *net.UDPConn

	mid       atomic.Uint32 // mid generates message IDs for non-confirmable responses
	received  atomic.Uint64
	dropped   atomic.Uint64
	replayed  atomic.Uint64
	malformed atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// packet is a received datagram.
type packet struct {
	data []byte
	peer netip.AddrPort
}

// ServerStats are cumulative server counters.
type ServerStats struct {
	Received  uint64 `json:"received"`  // Received counts datagrams read
	Dropped   uint64 `json:"dropped"`   // Dropped counts datagrams discarded under backlog
	Replayed  uint64 `json:"replayed"`  // Replayed counts retransmissions answered from the cache
	Malformed uint64 `json:"malformed"` // Malformed counts datagrams that failed to parse
}

// NewServer creates a server. Call Start to begin serving.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		listenAddr: cfg.ListenAddr,
		workers:    workers,
		handler:    handler,
		cache:      NewExchangeCache(cfg.ExchangeLifetime),
		packets:    make(chan packet, queue),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.mid.Store(uint32(randomUint16()))

	return s, nil
}

// Start binds the socket and starts the reader and workers.
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("resolve %s:\n%w", s.listenAddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	s.conn = conn

	s.wg.Add(1)
	go s.readLoop()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	logger.Info("coap server started", "addr", conn.LocalAddr().String(), "workers", s.workers)

	return nil
}

// Addr returns the bound address. Returns empty string if not started.
func (s *Server) Addr() string {
	if s.conn == nil {
		return ""
	}

	return s.conn.LocalAddr().String()
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		Replayed:  s.replayed.Load(),
		Malformed: s.malformed.Load(),
	}
}

// Close stops the server and waits for in-flight requests.
func (s *Server) Close() error {
	s.cancel()

	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}

	s.wg.Wait()
	s.cache.Close()

	return err
}

// readLoop reads datagrams and queues them for the workers.
func (s *Server) readLoop() {
	defer s.wg.Done()
	defer close(s.packets)

	buf := make([]byte, maxDatagramSize)

	for {
		n, peer, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return // Closed
			}

			logger.Debug("coap read error", "error", err)
			continue
		}

		s.received.Add(1)

		p := packet{
			data: append([]byte(nil), buf[:n]...),
			peer: netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()),
		}

		select {
		case s.packets <- p:
		default:
			// Senders retransmit confirmable requests
			s.dropped.Add(1)
			logger.Debug("coap backlog full", "peer", p.peer)
		}
	}
}

// worker handles queued datagrams until the reader stops.
func (s *Server) worker() {
	defer s.wg.Done()

	for p := range s.packets {
		s.handlePacket(p)
	}
}

// handlePacket processes one datagram.
func (s *Server) handlePacket(p packet) {
	msg, err := Parse(p.data)
	if err != nil {
		s.malformed.Add(1)
		logger.Debug("coap parse error", "peer", p.peer, "error", err)
		s.rejectRaw(p)
		return
	}

	switch msg.Type {
	case Acknowledgement, Reset:
		return // No outstanding requests on the server side
	}

	// Ping, or a response where a request was expected
	if !msg.Code.IsRequest() {
		if msg.Type == Confirmable {
			s.send(p.peer, &Message{Type: Reset, Code: Empty, MessageID: msg.MessageID})
		}
		return
	}

	cached, fresh := s.cache.Begin(p.peer, msg.MessageID)
	if !fresh {
		if cached != nil {
			s.replayed.Add(1)
			s.write(p.peer, cached)
		}
		return
	}

	resp := s.serve(&Request{Message: msg, Peer: p.peer})

	if resp == nil {
		if msg.Type != Confirmable {
			s.cache.Complete(p.peer, msg.MessageID, nil)
			return
		}

		resp = &Message{Code: Empty}
	}

	resp.Token = msg.Token
	resp.Type = NonConfirmable
	resp.MessageID = uint16(s.mid.Add(1))

	if msg.Type == Confirmable {
		resp.Type = Acknowledgement
		resp.MessageID = msg.MessageID
	}

	if resp.Code == Empty {
		resp.Token = nil
	}

	data, err := resp.Marshal()
	if err != nil {
		logger.Error("coap marshal response", "peer", p.peer, "error", err)
		s.cache.Forget(p.peer, msg.MessageID)
		return
	}

	s.cache.Complete(p.peer, msg.MessageID, data)
	s.write(p.peer, data)
}

// serve calls the handler, turning a panic into 5.00.
func (s *Server) serve(req *Request) (resp *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("coap handler panic", "peer", req.Peer, "panic", r, "stack", string(debug.Stack()))
			resp = &Message{Code: InternalServerError}
		}
	}()

	return s.handler.ServeCoAP(s.ctx, req)
}

// rejectRaw answers an unparseable confirmable message with RST when its header is readable.
func (s *Server) rejectRaw(p packet) {
	if len(p.data) < headerSize || p.data[0]>>6 != version {
		return
	}

	if Type((p.data[0]>>4)&0x03) != Confirmable {
		return
	}

	mid := uint16(p.data[2])<<8 | uint16(p.data[3])
	s.send(p.peer, &Message{Type: Reset, Code: Empty, MessageID: mid})
}

// send marshals and writes a message.
func (s *Server) send(peer netip.AddrPort, m *Message) {
	data, err := m.Marshal()
	if err != nil {
		logger.Error("coap marshal", "peer", peer, "error", err)
		return
	}

	s.write(peer, data)
}

// write sends a datagram.
func (s *Server) write(peer netip.AddrPort, data []byte) {
	if _, err := s.conn.WriteToUDPAddrPort(data, peer); err != nil {
		logger.Debug("coap write error", "peer", peer, "error", err)
	}
}
