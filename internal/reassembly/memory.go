package reassembly

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"Blockwise/internal/transfer"
)

const (
	// defaultShards is the default number of independently locked shards.
	defaultShards = 32
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	Shards      int              // Shards is the number of lock shards (default 32)
	MaxBodySize int              // MaxBodySize caps a transfer's body in bytes; 0 disables the cap
	Now         func() time.Time // Now overrides the clock, for tests
}

// MemoryStore is an in-process Store sharded by transfer identity.
// Transfers in different shards never contend; all operations on one
// identity are serialized by its shard lock.
type MemoryStore struct {
	shards      []*shard
	maxBodySize int
	now         func() time.Time
}

// shard is one lock domain of the store.
type shard struct {
	mu        sync.Mutex
	transfers map[transfer.Identity]*entry
}

// entry is an in-progress transfer.
type entry struct {
	body         []byte
	blocks       int
	created      time.Time
	lastActivity time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	n := cfg.Shards
	if n <= 0 {
		n = defaultShards
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &MemoryStore{
		shards:      make([]*shard, n),
		maxBodySize: cfg.MaxBodySize,
		now:         now,
	}

	for i := range s.shards {
		s.shards[i] = &shard{transfers: make(map[transfer.Identity]*entry)}
	}

	return s
}

// Append implements Store. The context is not consulted once the shard
// lock is held, so a mutation is either fully applied or not at all.
func (s *MemoryStore) Append(_ context.Context, id transfer.Identity, payload []byte, final bool) ([]byte, error) {
	sh := s.shardFor(id)
	now := s.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, exists := sh.transfers[id]

	size := len(payload)
	if exists {
		size += len(e.body)
	}

	if s.maxBodySize > 0 && size > s.maxBodySize {
		delete(sh.transfers, id)
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTransferTooLarge, size, s.maxBodySize)
	}

	if !exists {
		e = &entry{
			body:    make([]byte, 0, len(payload)),
			created: now,
		}
	}

	// Copy: the caller may reuse its buffer
	e.body = append(e.body, payload...)
	e.blocks++
	e.lastActivity = now

	if final {
		delete(sh.transfers, id)
		return e.body, nil
	}

	if !exists {
		sh.transfers[id] = e
	}

	return nil, nil
}

// EvictStale implements Store.
func (s *MemoryStore) EvictStale(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	evicted := 0

	for _, sh := range s.shards {
		sh.mu.Lock()

		for id, e := range sh.transfers {
			if e.lastActivity.Before(cutoff) {
				delete(sh.transfers, id)
				evicted++
			}
		}

		sh.mu.Unlock()
	}

	return evicted, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (StoreStats, error) {
	var stats StoreStats

	for _, sh := range s.shards {
		sh.mu.Lock()

		stats.InProgress += len(sh.transfers)
		for _, e := range sh.transfers {
			stats.Bytes += int64(len(e.body))
		}

		sh.mu.Unlock()
	}

	return stats, nil
}

// Len returns the number of in-progress transfers.
func (s *MemoryStore) Len() int {
	n := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.transfers)
		sh.mu.Unlock()
	}

	return n
}

// Transfers returns a snapshot of in-progress transfers, oldest activity first.
func (s *MemoryStore) Transfers() []TransferInfo {
	var infos []TransferInfo

	for _, sh := range s.shards {
		sh.mu.Lock()

		for id, e := range sh.transfers {
			infos = append(infos, TransferInfo{
				ID:           id,
				Size:         len(e.body),
				Blocks:       e.blocks,
				Created:      e.created,
				LastActivity: e.lastActivity,
			})
		}

		sh.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.Before(infos[j].LastActivity)
	})

	return infos
}

// shardFor picks the shard owning id.
func (s *MemoryStore) shardFor(id transfer.Identity) *shard {
	h := xxhash.New()
	h.WriteString(id.Tag)

	addr, _ := id.Sender.MarshalBinary()
	h.Write(addr)

	return s.shards[h.Sum64()%uint64(len(s.shards))]
}
