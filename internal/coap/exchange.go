package coap

import (
	"net/netip"
	"sync"
	"time"
)

const (
	// DefaultExchangeLifetime is EXCHANGE_LIFETIME from RFC 7252 section 4.8.2.
	DefaultExchangeLifetime = 247 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// exchangeKey identifies a message exchange from one endpoint.
type exchangeKey struct {
	peer netip.AddrPort
	mid  uint16
}

// exchange is a remembered request and, once handled, its response.
type exchange struct {
	seen     int64  // seen is the first arrival time (unix nano)
	response []byte // response is nil while the request is still being handled
	done     bool
}

// ExchangeCache remembers recent confirmable exchanges so retransmissions
// are answered without reaching the handler again.
type ExchangeCache struct {
	seen map[exchangeKey]*exchange // seen maps peer+message ID to its exchange
	mu   sync.RWMutex              // mu protects the seen map
	ttl  int64                     // ttl in nanoseconds
	stop chan struct{}             // stop signals the cleanup goroutine to stop
	wg   sync.WaitGroup            // wg waits for the cleanup goroutine
}

// NewExchangeCache creates a cache keeping exchanges for lifetime.
func NewExchangeCache(lifetime time.Duration) *ExchangeCache {
	if lifetime <= 0 {
		lifetime = DefaultExchangeLifetime
	}

	c := &ExchangeCache{
		seen: make(map[exchangeKey]*exchange),
		ttl:  int64(lifetime),
		stop: make(chan struct{}),
	}

	c.startCleanup()

	return c
}

// Begin registers an exchange. It returns fresh=true the first time the
// exchange is seen. For a duplicate it returns the cached response, or nil
// when the first copy is still being handled.
func (c *ExchangeCache) Begin(peer netip.AddrPort, mid uint16) (response []byte, fresh bool) {
	key := exchangeKey{peer: peer, mid: mid}
	now := time.Now().UnixNano()

	// Fast path: check if already seen with read lock
	c.mu.RLock()
	ex, exists := c.seen[key]
	if exists && now-ex.seen < c.ttl {
		resp := ex.response
		c.mu.RUnlock()
		return resp, false
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	ex, exists = c.seen[key]
	if exists && now-ex.seen < c.ttl {
		return ex.response, false
	}

	c.seen[key] = &exchange{seen: now}

	return nil, true
}

// Complete records the response sent for an exchange.
func (c *ExchangeCache) Complete(peer netip.AddrPort, mid uint16, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ex, ok := c.seen[exchangeKey{peer: peer, mid: mid}]; ok {
		ex.response = response
		ex.done = true
	}
}

// Forget drops an exchange, so a retransmission is handled again.
func (c *ExchangeCache) Forget(peer netip.AddrPort, mid uint16) {
	c.mu.Lock()
	delete(c.seen, exchangeKey{peer: peer, mid: mid})
	c.mu.Unlock()
}

// Len returns the number of remembered exchanges.
func (c *ExchangeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.seen)
}

// Close stops the cleanup goroutine and releases resources.
func (c *ExchangeCache) Close() {
	close(c.stop)
	c.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (c *ExchangeCache) startCleanup() {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.cleanup()
			case <-c.stop:
				return
			}
		}
	}()
}

// cleanup removes expired exchanges. Unfinished ones are kept.
func (c *ExchangeCache) cleanup() {
	now := time.Now().UnixNano()

	c.mu.Lock()

	for key, ex := range c.seen {
		if ex.done && now-ex.seen >= c.ttl {
			delete(c.seen, key)
		}
	}

	c.mu.Unlock()
}
