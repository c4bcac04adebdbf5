package coap

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"Blockwise/internal/logger"
)

const (
	// DefaultAckTimeout is ACK_TIMEOUT from RFC 7252 section 4.8.
	DefaultAckTimeout = 2 * time.Second

	// DefaultMaxRetransmit is MAX_RETRANSMIT from RFC 7252 section 4.8.
	DefaultMaxRetransmit = 4

	// ackRandomFactor is ACK_RANDOM_FACTOR from RFC 7252 section 4.8.
	ackRandomFactor = 1.5

	// tokenLength is the length of generated tokens.
	tokenLength = 4
)

var (
	// ErrTimeout is returned when no response arrives after all retransmissions.
	ErrTimeout = errors.New("coap exchange timed out")

	// ErrReset is returned when the peer rejects a message with RST.
	ErrReset = errors.New("coap message reset by peer")

	// ErrClientClosed is returned for exchanges on a closed client.
	ErrClientClosed = errors.New("coap client closed")
)

// ClientConfig holds the retransmission parameters of a Client.
type ClientConfig struct {
	AckTimeout    time.Duration // AckTimeout is the initial retransmission timeout
	MaxRetransmit int           // MaxRetransmit bounds retransmissions of a confirmable request
}

// Client sends requests to one CoAP endpoint over a connected UDP socket.
type Client struct {
	conn          *net.UDPConn
	ackTimeout    time.Duration
	maxRetransmit int

	mid atomic.Uint32 // mid generates message IDs

	pending   map[uint16]*pendingExchange // pending maps message ID to exchange
	pendingMu sync.Mutex                  // pendingMu protects pending

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// pendingExchange is a request waiting for its response.
type pendingExchange struct {
	token []byte
	acked chan struct{} // acked is closed by an empty ACK (separate response follows)
	resp  chan *Message // resp receives the piggybacked or separate response
	once  sync.Once     // once guards acked
}

// Dial creates a client for the endpoint at addr.
func Dial(addr string, cfg ClientConfig) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s:\n%w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	if cfg.MaxRetransmit <= 0 {
		cfg.MaxRetransmit = DefaultMaxRetransmit
	}

	c := &Client{
		conn:          conn,
		ackTimeout:    cfg.AckTimeout,
		maxRetransmit: cfg.MaxRetransmit,
		pending:       make(map[uint16]*pendingExchange),
		done:          make(chan struct{}),
	}

	c.mid.Store(uint32(randomUint16()))

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// LocalAddr returns the client's source address, which the server sees as the sender.
func (c *Client) LocalAddr() netip.AddrPort {
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Do sends a request and waits for its response. Requests default to
// confirmable and are retransmitted with exponential backoff until
// acknowledged. A token is generated when the request has none.
func (c *Client) Do(ctx context.Context, req *Message) (*Message, error) {
	msg := *req
	msg.MessageID = uint16(c.mid.Add(1))

	if msg.Type != NonConfirmable {
		msg.Type = Confirmable
	}

	if len(msg.Token) == 0 {
		msg.Token = randomToken()
	}

	data, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal request:\n%w", err)
	}

	ex := &pendingExchange{
		token: msg.Token,
		acked: make(chan struct{}),
		resp:  make(chan *Message, 1),
	}

	c.pendingMu.Lock()
	c.pending[msg.MessageID] = ex
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.MessageID)
		c.pendingMu.Unlock()
	}()

	timeout := time.Duration(float64(c.ackTimeout) * (1 + mrand.Float64()*(ackRandomFactor-1)))

	for attempt := 0; ; attempt++ {
		if attempt == 0 || msg.Type == Confirmable {
			if _, err := c.conn.Write(data); err != nil {
				return nil, fmt.Errorf("write request:\n%w", err)
			}
		}

		timer := time.NewTimer(timeout)

		select {
		case resp := <-ex.resp:
			timer.Stop()
			if resp.Type == Reset {
				return nil, ErrReset
			}
			return resp, nil

		case <-ex.acked:
			// Stop retransmitting; the response comes separately
			timer.Stop()
			return c.awaitSeparate(ctx, ex)

		case <-timer.C:
			if attempt >= c.maxRetransmit {
				return nil, ErrTimeout
			}

			timeout *= 2
			logger.Debug("coap retransmit", "mid", msg.MessageID, "attempt", attempt+1)

		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()

		case <-c.done:
			timer.Stop()
			return nil, ErrClientClosed
		}
	}
}

// awaitSeparate waits for a separate response after an empty ACK.
func (c *Client) awaitSeparate(ctx context.Context, ex *pendingExchange) (*Message, error) {
	select {
	case resp := <-ex.resp:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Close stops the client.
func (c *Client) Close() error {
	var err error

	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.wg.Wait()
	})

	return err
}

// readLoop dispatches inbound messages to pending exchanges.
func (c *Client) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			// ICMP unreachable surfaces as a read error on connected sockets
			logger.Debug("coap client read error", "error", err)
			continue
		}

		msg, err := Parse(buf[:n])
		if err != nil {
			logger.Debug("coap client parse error", "error", err)
			continue
		}

		c.dispatch(msg)
	}
}

// dispatch routes a message to its exchange.
func (c *Client) dispatch(msg *Message) {
	switch msg.Type {
	case Acknowledgement, Reset:
		c.pendingMu.Lock()
		ex := c.pending[msg.MessageID]
		c.pendingMu.Unlock()

		if ex == nil {
			return
		}

		if msg.Type == Acknowledgement && msg.Code == Empty {
			ex.once.Do(func() { close(ex.acked) })
			return
		}

		deliver(ex, msg)

	case Confirmable, NonConfirmable:
		ex := c.byToken(msg.Token)

		if msg.Type == Confirmable {
			ack := &Message{Type: Acknowledgement, Code: Empty, MessageID: msg.MessageID}
			if ex == nil {
				ack.Type = Reset
			}

			if data, err := ack.Marshal(); err == nil {
				c.conn.Write(data)
			}
		}

		if ex != nil {
			deliver(ex, msg)
		}
	}
}

// byToken finds the exchange a separate response belongs to.
func (c *Client) byToken(token []byte) *pendingExchange {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for _, ex := range c.pending {
		if string(ex.token) == string(token) {
			return ex
		}
	}

	return nil
}

// deliver hands a response over without blocking on duplicates.
func deliver(ex *pendingExchange, msg *Message) {
	select {
	case ex.resp <- msg:
	default:
	}
}

// randomToken returns a fresh request token.
func randomToken() []byte {
	token := make([]byte, tokenLength)
	rand.Read(token)
	return token
}

// randomUint16 seeds message ID counters.
func randomUint16() uint16 {
	var b [2]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}
