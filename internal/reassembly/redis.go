package reassembly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"Blockwise/internal/transfer"
)

const (
	// defaultRedisPrefix namespaces transfer keys.
	defaultRedisPrefix = "blockwise:transfer:"

	// defaultRedisStaleAfter is the key TTL when none is configured.
	defaultRedisStaleAfter = 5 * time.Minute

	// tooLargeReply prefixes the script's error reply for oversized bodies.
	tooLargeReply = "TOO_LARGE"
)

// appendScript performs the whole append atomically on the server.
// KEYS[1] transfer key, ARGV[1] payload, ARGV[2] "1" when final,
// ARGV[3] max body size (0 = unlimited), ARGV[4] TTL in milliseconds.
var appendScript = redis.NewScript(`
local size = redis.call('APPEND', KEYS[1], ARGV[1])
local max = tonumber(ARGV[3])
if max > 0 and size > max then
  redis.call('DEL', KEYS[1])
  return redis.error_reply('TOO_LARGE ' .. size)
end
if ARGV[2] == '1' then
  local body = redis.call('GET', KEYS[1])
  redis.call('DEL', KEYS[1])
  return body
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return false
`)

// evictScript deletes a key idle for longer than ARGV[2] milliseconds.
// Idle time is derived from the TTL that every append resets to ARGV[1].
var evictScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  return 0
end
if tonumber(ARGV[1]) - ttl > tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Prefix      string        // Prefix namespaces keys (default "blockwise:transfer:")
	MaxBodySize int           // MaxBodySize caps a transfer's body in bytes; 0 disables the cap
	StaleAfter  time.Duration // StaleAfter is the idle TTL of a transfer key
}

// RedisStore keeps in-progress transfers in Redis so several receivers
// behind one address can share them. Staleness is enforced by key expiry.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	maxBodySize int
	staleAfter  time.Duration
}

// NewRedisStore creates a store on top of an existing client.
func NewRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultRedisStaleAfter
	}

	return &RedisStore{
		client:      client,
		prefix:      prefix,
		maxBodySize: cfg.MaxBodySize,
		staleAfter:  staleAfter,
	}
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, id transfer.Identity, payload []byte, final bool) ([]byte, error) {
	flag := "0"
	if final {
		flag = "1"
	}

	key := id.Key(s.prefix)

	res, err := appendScript.Run(ctx, s.client, []string{key},
		payload, flag, s.maxBodySize, s.staleAfter.Milliseconds()).Result()

	if err == redis.Nil {
		return nil, nil
	}

	if err != nil {
		if strings.HasPrefix(err.Error(), tooLargeReply) {
			return nil, fmt.Errorf("%w: %s", ErrTransferTooLarge, strings.TrimPrefix(err.Error(), tooLargeReply+" "))
		}

		return nil, fmt.Errorf("redis append %s:\n%w", key, err)
	}

	body, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", res)
	}

	return []byte(body), nil
}

// EvictStale implements Store. Keys expire on their own after StaleAfter;
// a shorter olderThan deletes the keys that have been idle longer than it.
func (s *RedisStore) EvictStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan >= s.staleAfter {
		return 0, nil
	}

	evicted := 0

	err := s.scan(ctx, func(key string) error {
		n, err := evictScript.Run(ctx, s.client, []string{key},
			s.staleAfter.Milliseconds(), olderThan.Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("redis evict %s:\n%w", key, err)
		}

		evicted += n

		return nil
	})

	return evicted, err
}

// Stats implements Store by scanning the key prefix.
func (s *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats

	err := s.scan(ctx, func(key string) error {
		var exists *redis.IntCmd
		var size *redis.IntCmd

		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			exists = pipe.Exists(ctx, key)
			size = pipe.StrLen(ctx, key)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis stat %s:\n%w", key, err)
		}

		// Expired between SCAN and the pipeline
		if exists.Val() == 0 {
			return nil
		}

		stats.InProgress++
		stats.Bytes += size.Val()

		return nil
	})
	if err != nil {
		return StoreStats{}, err
	}

	return stats, nil
}

// scan calls fn for every transfer key under the prefix.
func (s *RedisStore) scan(ctx context.Context, fn func(key string) error) error {
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan:\n%w", err)
		}

		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}

		cursor = next
	}
}

// Ping checks connectivity to the Redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
