package delivery

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"Blockwise/internal/logger"
	"Blockwise/internal/storage"
	"Blockwise/internal/transfer"
)

const (
	// DefaultRetention is how long completed bodies are kept.
	DefaultRetention = time.Hour

	// defaultPruneInterval is the interval between retention sweeps.
	defaultPruneInterval = time.Minute
)

// Key prefixes. Records are ordered by sequence number, so iteration is chronological.
var (
	recordPrefix = []byte("r/") // r/<seq be64> -> CBOR Record
	latestPrefix = []byte("p/") // p/<path> -> seq be64 of the newest record for path
	bodyPrefix   = []byte("b/") // b/<digest> -> compressed body
)

var (
	encMode     cbor.EncMode
	encModeErr  error
	encModeOnce sync.Once
)

// ErrNotFound is returned when no delivery exists for a path.
var ErrNotFound = errors.New("delivery not found")

// ErrCorrupt is returned when a stored body no longer matches its digest.
var ErrCorrupt = errors.New("stored body does not match digest")

// Record describes one completed transfer.
type Record struct {
	Seq         uint64    `cbor:"1,keyasint" json:"seq"`          // Seq orders deliveries
	Path        string    `cbor:"2,keyasint" json:"path"`         // Path is the request target
	Tag         string    `cbor:"3,keyasint" json:"tag"`          // Tag is the hex transfer tag
	Sender      string    `cbor:"4,keyasint" json:"sender"`       // Sender is the sender address
	Size        int       `cbor:"5,keyasint" json:"size"`         // Size is the body length
	Stored      int       `cbor:"6,keyasint" json:"stored"`       // Stored is the compressed length
	Digest      string    `cbor:"7,keyasint" json:"digest"`       // Digest is the hex blake3 of the body
	Codec       Codec     `cbor:"8,keyasint" json:"codec"`        // Codec is the stored body's compression
	Blocks      uint32    `cbor:"9,keyasint" json:"blocks"`       // Blocks is the final block number plus one
	DeliveredAt time.Time `cbor:"10,keyasint" json:"deliveredAt"` // DeliveredAt is the completion time
}

// Config configures a Sink.
type Config struct {
	Codec         Codec            // Codec is the preferred compression (default zstd)
	Retention     time.Duration    // Retention bounds how long deliveries are kept; negative keeps them forever
	PruneInterval time.Duration    // PruneInterval is the interval between retention sweeps
	Now           func() time.Time // Now overrides the clock, for tests
}

// Sink keeps completed bodies in memory, compressed and content-addressed.
type Sink struct {
	db        *storage.Storage
	codec     Codec
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	comp      *compressor

	mu  sync.Mutex // mu serializes writers so latest pointers stay monotonic
	seq uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a sink on top of an in-memory store.
func New(db *storage.Storage, cfg Config) (*Sink, error) {
	codec := cfg.Codec
	if codec == "" {
		codec = CodecZstd
	}

	if _, err := ParseCodec(string(codec)); err != nil {
		return nil, err
	}

	retention := cfg.Retention
	if retention == 0 {
		retention = DefaultRetention
	}

	interval := cfg.PruneInterval
	if interval <= 0 {
		interval = defaultPruneInterval
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	comp, err := newCompressor()
	if err != nil {
		return nil, err
	}

	return &Sink{
		db:        db,
		codec:     codec,
		retention: retention,
		interval:  interval,
		now:       now,
		comp:      comp,
		stop:      make(chan struct{}),
	}, nil
}

// Deliver stores a completed body and returns its record.
func (s *Sink) Deliver(path string, id transfer.Identity, lastBlock uint32, body []byte) (*Record, error) {
	sum := blake3.Sum256(body)

	stored, codec, err := s.comp.compress(s.codec, body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++

	rec := &Record{
		Seq:         s.seq,
		Path:        path,
		Tag:         hex.EncodeToString([]byte(id.Tag)),
		Sender:      id.Sender.String(),
		Size:        len(body),
		Stored:      len(stored),
		Digest:      hex.EncodeToString(sum[:]),
		Codec:       codec,
		Blocks:      lastBlock + 1,
		DeliveredAt: s.now().UTC(),
	}

	data, err := marshalRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record:\n%w", err)
	}

	seqKey := seqBytes(rec.Seq)

	err = s.db.SetBatch([]storage.KeyValue{
		{Key: concat(bodyPrefix, sum[:]), Value: stored},
		{Key: concat(recordPrefix, seqKey), Value: data},
		{Key: concat(latestPrefix, []byte(path)), Value: seqKey},
	})
	if err != nil {
		return nil, fmt.Errorf("store delivery:\n%w", err)
	}

	return rec, nil
}

// Latest returns the newest delivery for path and its body.
func (s *Sink) Latest(path string) (*Record, []byte, error) {
	seqKey, err := s.db.Get(concat(latestPrefix, []byte(path)))
	if err != nil {
		return nil, nil, err
	}

	if seqKey == nil {
		return nil, nil, ErrNotFound
	}

	data, err := s.db.Get(concat(recordPrefix, seqKey))
	if err != nil {
		return nil, nil, err
	}

	if data == nil {
		return nil, nil, ErrNotFound
	}

	rec, err := unmarshalRecord(data)
	if err != nil {
		return nil, nil, fmt.Errorf("decode record:\n%w", err)
	}

	body, err := s.body(rec)
	if err != nil {
		return nil, nil, err
	}

	return rec, body, nil
}

// body loads, decompresses and verifies a record's body.
func (s *Sink) body(rec *Record) ([]byte, error) {
	digest, err := hex.DecodeString(rec.Digest)
	if err != nil {
		return nil, fmt.Errorf("decode digest:\n%w", err)
	}

	stored, err := s.db.Get(concat(bodyPrefix, digest))
	if err != nil {
		return nil, err
	}

	if stored == nil {
		return nil, ErrNotFound
	}

	body, err := s.comp.decompress(rec.Codec, stored, rec.Size)
	if err != nil {
		return nil, err
	}

	if sum := blake3.Sum256(body); hex.EncodeToString(sum[:]) != rec.Digest {
		return nil, ErrCorrupt
	}

	return body, nil
}

// List returns every retained record, oldest first.
func (s *Sink) List() ([]Record, error) {
	var out []Record

	err := s.db.IteratePrefix(recordPrefix, func(_, value []byte) error {
		rec, err := unmarshalRecord(value)
		if err != nil {
			return err
		}

		out = append(out, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list deliveries:\n%w", err)
	}

	return out, nil
}

// Prune removes deliveries older than the retention window and returns
// how many were removed. Bodies shared with retained records are kept.
func (s *Sink) Prune() (int, error) {
	if s.retention < 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Record
	live := make(map[string]bool)

	err := s.db.IteratePrefix(recordPrefix, func(_, value []byte) error {
		rec, err := unmarshalRecord(value)
		if err != nil {
			return err
		}

		if rec.DeliveredAt.Before(cutoff) {
			expired = append(expired, rec)
		} else {
			live[rec.Digest] = true
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan deliveries:\n%w", err)
	}

	if len(expired) == 0 {
		return 0, nil
	}

	var keys [][]byte

	for _, rec := range expired {
		seqKey := seqBytes(rec.Seq)
		keys = append(keys, concat(recordPrefix, seqKey))

		latestKey := concat(latestPrefix, []byte(rec.Path))
		if cur, _ := s.db.Get(latestKey); string(cur) == string(seqKey) {
			keys = append(keys, latestKey)
		}

		if !live[rec.Digest] {
			if digest, err := hex.DecodeString(rec.Digest); err == nil {
				keys = append(keys, concat(bodyPrefix, digest))
			}
			live[rec.Digest] = true // delete once
		}
	}

	if err := s.db.DeleteBatch(keys); err != nil {
		return 0, fmt.Errorf("delete deliveries:\n%w", err)
	}

	return len(expired), nil
}

// Start launches the retention loop.
func (s *Sink) Start() {
	if s.retention < 0 {
		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := s.Prune()
				if err != nil {
					logger.Warn("delivery prune failed", "error", err)
				} else if n > 0 {
					logger.Debug("deliveries pruned", "count", n)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Close stops the retention loop and releases the coders. The storage is owned by the caller.
func (s *Sink) Close() {
	close(s.stop)
	s.wg.Wait()
	s.comp.close()
}

// marshalRecord encodes a record with deterministic CBOR.
func marshalRecord(rec *Record) ([]byte, error) {
	encModeOnce.Do(func() {
		opts := cbor.CoreDetEncOptions()
		opts.Time = cbor.TimeRFC3339Nano
		encMode, encModeErr = opts.EncMode()
	})

	if encModeErr != nil {
		return nil, encModeErr
	}

	return encMode.Marshal(rec)
}

// unmarshalRecord decodes a stored record.
func unmarshalRecord(data []byte) (*Record, error) {
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	return &rec, nil
}

// seqBytes renders a sequence number as a sortable key.
func seqBytes(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

// concat builds a key from a prefix and a suffix.
func concat(prefix, suffix []byte) []byte {
	key := make([]byte, 0, len(prefix)+len(suffix))
	key = append(key, prefix...)
	return append(key, suffix...)
}
