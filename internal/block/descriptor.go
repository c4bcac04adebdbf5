package block

import (
	"errors"
	"fmt"
)

const (
	// MaxWidth is the maximum encoded width of a block option value in bytes.
	MaxWidth = 3

	// MaxNum is the largest block number representable in MaxWidth bytes.
	MaxNum = 1<<(MaxWidth*8-4) - 1

	// MaxSZX is the largest usable size exponent. SZX 7 is reserved.
	MaxSZX = 6

	// moreBit is the position of the more flag (M).
	moreBit = 0x08

	// szxMask selects the size exponent bits.
	szxMask = 0x07
)

// ErrMalformedDescriptor is returned for block option bytes that cannot be decoded.
var ErrMalformedDescriptor = errors.New("malformed block descriptor")

// Descriptor is a decoded Block1/Block2 option value.
// Layout (big-endian): NUM | M | SZX, with SZX in the low three bits.
type Descriptor struct {
	Num  uint32 // Num is the block sequence number
	SZX  uint8  // SZX encodes the block size as 1 << (SZX+4)
	More bool   // More is true when further blocks follow
}

// Decode parses raw option bytes into a Descriptor.
// Besides empty and over-wide input, SZX 7 is rejected as reserved by RFC 7959.
func Decode(raw []byte) (Descriptor, error) {
	if len(raw) == 0 {
		return Descriptor{}, fmt.Errorf("%w: empty option", ErrMalformedDescriptor)
	}

	if len(raw) > MaxWidth {
		return Descriptor{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedDescriptor, len(raw), MaxWidth)
	}

	var v uint32
	for _, b := range raw {
		v = v<<8 | uint32(b)
	}

	d := Descriptor{
		Num:  v >> 4,
		SZX:  uint8(v & szxMask),
		More: v&moreBit != 0,
	}

	if d.SZX > MaxSZX {
		return Descriptor{}, fmt.Errorf("%w: reserved size exponent %d", ErrMalformedDescriptor, d.SZX)
	}

	return d, nil
}

// Encode serializes the descriptor using the minimal width, never less than one byte.
func Encode(d Descriptor) ([]byte, error) {
	if d.Num > MaxNum {
		return nil, fmt.Errorf("%w: block number %d exceeds %d", ErrMalformedDescriptor, d.Num, MaxNum)
	}

	if d.SZX > MaxSZX {
		return nil, fmt.Errorf("%w: size exponent %d exceeds %d", ErrMalformedDescriptor, d.SZX, MaxSZX)
	}

	v := d.Num<<4 | uint32(d.SZX)
	if d.More {
		v |= moreBit
	}

	switch {
	case v <= 0xFF:
		return []byte{byte(v)}, nil
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}, nil
	default:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}, nil
	}
}

// Size returns the block size in bytes.
func (d Descriptor) Size() int {
	return 1 << (d.SZX + 4)
}

// Offset returns the byte offset of this block within the full body.
func (d Descriptor) Offset() int64 {
	return int64(d.Num) * int64(d.Size())
}

// String renders the descriptor as NUM/M/SIZE, the notation used in RFC 7959.
func (d Descriptor) String() string {
	m := 0
	if d.More {
		m = 1
	}

	return fmt.Sprintf("%d/%d/%d", d.Num, m, d.Size())
}

// SZXForSize returns the size exponent for a power-of-two block size between 16 and 1024.
func SZXForSize(size int) (uint8, error) {
	for szx := uint8(0); szx <= MaxSZX; szx++ {
		if 1<<(szx+4) == size {
			return szx, nil
		}
	}

	return 0, fmt.Errorf("invalid block size %d: must be a power of two in [16, 1024]", size)
}
