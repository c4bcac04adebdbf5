package reassembly

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"Blockwise/internal/logger"
)

const (
	// DefaultStaleAfter is how long a transfer may sit idle before eviction.
	DefaultStaleAfter = 5 * time.Minute

	// DefaultEvictInterval is the interval between eviction sweeps.
	DefaultEvictInterval = 30 * time.Second
)

// Reaper periodically evicts abandoned transfers from a store.
type Reaper struct {
	store      Store         // store is the store being swept
	interval   time.Duration // interval is the time between sweeps
	staleAfter time.Duration // staleAfter is the idle age that triggers eviction
	evicted    atomic.Uint64 // evicted counts all evicted transfers
	stop       chan struct{} // stop signals the sweep goroutine to stop
	wg         sync.WaitGroup
}

// NewReaper creates a reaper. Zero durations fall back to the defaults.
func NewReaper(store Store, interval, staleAfter time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultEvictInterval
	}

	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	return &Reaper{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		stop:       make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (r *Reaper) Start() {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

// Sweep runs one eviction pass and returns the number of evicted transfers.
func (r *Reaper) Sweep() int {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	n, err := r.store.EvictStale(ctx, r.staleAfter)
	if err != nil {
		logger.Warn("evict stale transfers", "error", err)
		return 0
	}

	if n > 0 {
		r.evicted.Add(uint64(n))
		logger.Info("evicted stale transfers", "count", n, "stale_after", r.staleAfter)
	}

	return n
}

// Evicted returns the total number of transfers evicted so far.
func (r *Reaper) Evicted() uint64 {
	return r.evicted.Load()
}

// Close stops the sweep goroutine and waits for it to exit.
func (r *Reaper) Close() {
	close(r.stop)
	r.wg.Wait()
}
