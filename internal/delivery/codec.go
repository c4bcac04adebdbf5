package delivery

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Codec names the compression applied to a stored body.
type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecNone Codec = "none"
)

// lz4HashTableSize is the hash table length lz4.CompressBlock expects.
const lz4HashTableSize = 1 << 16

// ParseCodec validates a codec name from configuration.
func ParseCodec(name string) (Codec, error) {
	switch c := Codec(name); c {
	case CodecZstd, CodecLZ4, CodecNone:
		return c, nil
	case "":
		return CodecZstd, nil
	default:
		return "", fmt.Errorf("unknown compression codec %q", name)
	}
}

// compressor holds the long-lived zstd coders, which are safe for concurrent EncodeAll/DecodeAll.
type compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	tables  sync.Pool // tables recycles lz4 hash tables
}

// newCompressor creates the shared coders.
func newCompressor() (*compressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &compressor{
		encoder: encoder,
		decoder: decoder,
		tables: sync.Pool{New: func() any {
			t := make([]int, lz4HashTableSize)
			return &t
		}},
	}, nil
}

// compress encodes body with the preferred codec. It falls back to
// CodecNone when compression does not shrink the body.
func (c *compressor) compress(codec Codec, body []byte) ([]byte, Codec, error) {
	switch codec {
	case CodecZstd:
		out := c.encoder.EncodeAll(body, nil)
		if len(out) >= len(body) {
			return body, CodecNone, nil
		}
		return out, CodecZstd, nil

	case CodecLZ4:
		table := c.tables.Get().(*[]int)
		defer c.tables.Put(table)

		buf := make([]byte, lz4.CompressBlockBound(len(body)))

		n, err := lz4.CompressBlock(body, buf, *table)
		if err != nil {
			return nil, "", fmt.Errorf("lz4 compress:\n%w", err)
		}

		// Zero means incompressible
		if n == 0 || n >= len(body) {
			return body, CodecNone, nil
		}
		return buf[:n], CodecLZ4, nil

	case CodecNone:
		return body, CodecNone, nil

	default:
		return nil, "", fmt.Errorf("unknown compression codec %q", codec)
	}
}

// decompress reverses compress. size is the original body length.
func (c *compressor) decompress(codec Codec, data []byte, size int) ([]byte, error) {
	switch codec {
	case CodecZstd:
		out, err := c.decoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress:\n%w", err)
		}
		return out, nil

	case CodecLZ4:
		out := make([]byte, size)

		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress:\n%w", err)
		}
		return out[:n], nil

	case CodecNone:
		return data, nil

	default:
		return nil, fmt.Errorf("unknown compression codec %q", codec)
	}
}

// close releases the zstd coders.
func (c *compressor) close() {
	c.encoder.Close()
	c.decoder.Close()
}
