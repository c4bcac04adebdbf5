package delivery

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Blockwise/internal/storage"
	"Blockwise/internal/transfer"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testIdentity = transfer.Identity{
	Tag:    "\x01\x02\x03\x04",
	Sender: netip.MustParseAddrPort("192.0.2.7:40000"),
}

// newTestSink creates a sink on a fresh in-memory store.
func newTestSink(t *testing.T, cfg Config) *Sink {
	t.Helper()

	db, err := storage.NewMemory(storage.Config{})
	require.NoError(t, err)

	s, err := New(db, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
		db.Close()
	})

	return s
}

func TestSink_DeliverAndLatest(t *testing.T) {
	for _, codec := range []Codec{CodecZstd, CodecLZ4, CodecNone} {
		t.Run(string(codec), func(t *testing.T) {
			s := newTestSink(t, Config{Codec: codec})

			body := bytes.Repeat([]byte("temperature=21.5;"), 512)

			rec, err := s.Deliver("sensors/temp", testIdentity, 8, body)
			require.NoError(t, err)

			assert.Equal(t, uint64(1), rec.Seq)
			assert.Equal(t, "sensors/temp", rec.Path)
			assert.Equal(t, "01020304", rec.Tag)
			assert.Equal(t, "192.0.2.7:40000", rec.Sender)
			assert.Equal(t, len(body), rec.Size)
			assert.Equal(t, uint32(9), rec.Blocks)
			assert.Equal(t, codec, rec.Codec)
			assert.Len(t, rec.Digest, 64)

			if codec != CodecNone {
				assert.Less(t, rec.Stored, rec.Size, "repetitive body should compress")
			}

			got, gotBody, err := s.Latest("sensors/temp")
			require.NoError(t, err)
			assert.Equal(t, body, gotBody)
			assert.Equal(t, rec.Digest, got.Digest)
			assert.True(t, rec.DeliveredAt.Equal(got.DeliveredAt))
		})
	}
}

func TestSink_IncompressibleFallsBack(t *testing.T) {
	s := newTestSink(t, Config{Codec: CodecZstd})

	rec, err := s.Deliver("tiny", testIdentity, 0, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, CodecNone, rec.Codec)

	_, body, err := s.Latest("tiny")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
}

func TestSink_EmptyBody(t *testing.T) {
	s := newTestSink(t, Config{Codec: CodecLZ4})

	_, err := s.Deliver("empty", testIdentity, 0, []byte{})
	require.NoError(t, err)

	_, body, err := s.Latest("empty")
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestSink_LatestPerPath(t *testing.T) {
	s := newTestSink(t, Config{})

	s.Deliver("a", testIdentity, 0, []byte("first"))
	s.Deliver("b", testIdentity, 0, []byte("other"))
	s.Deliver("a", testIdentity, 0, []byte("second"))

	_, body, err := s.Latest("a")
	require.NoError(t, err)
	assert.Equal(t, "second", string(body))

	_, _, err = s.Latest("missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	recs, err := s.List()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"a", "b", "a"}, []string{recs[0].Path, recs[1].Path, recs[2].Path})
}

func TestSink_Prune(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)}
	s := newTestSink(t, Config{Retention: time.Hour, Now: clock.Now})

	shared := []byte("same body twice")

	s.Deliver("old", testIdentity, 0, shared)
	s.Deliver("gone", testIdentity, 0, []byte("only old"))
	clock.Advance(2 * time.Hour)
	s.Deliver("new", testIdentity, 0, shared)

	n, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = s.Latest("old")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, _, err = s.Latest("gone")
	assert.True(t, errors.Is(err, ErrNotFound))

	// The shared body survives with the retained record
	_, body, err := s.Latest("new")
	require.NoError(t, err)
	assert.Equal(t, shared, body)

	recs, err := s.List()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSink_PruneKeepsNewerPointer(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)}
	s := newTestSink(t, Config{Retention: time.Hour, Now: clock.Now})

	s.Deliver("p", testIdentity, 0, []byte("v1"))
	clock.Advance(2 * time.Hour)
	s.Deliver("p", testIdentity, 0, []byte("v2"))

	n, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, body, err := s.Latest("p")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(body))
}

func TestSink_RetentionDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestSink(t, Config{Retention: -1, Now: clock.Now})

	s.Deliver("p", testIdentity, 0, []byte("v1"))
	clock.Advance(1000 * time.Hour)

	n, err := s.Prune()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSink_RetentionLoop(t *testing.T) {
	db, err := storage.NewMemory(storage.Config{})
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, Config{Retention: time.Nanosecond, PruneInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	s.Deliver("p", testIdentity, 0, []byte("v1"))
	s.Start()

	assert.Eventually(t, func() bool {
		recs, _ := s.List()
		return len(recs) == 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Close()
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	c, err = ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, c)

	_, err = ParseCodec("brotli")
	assert.Error(t, err)
}
