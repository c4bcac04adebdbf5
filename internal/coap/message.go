package coap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	// version is the only protocol version defined by RFC 7252.
	version = 1

	// maxTokenLength is the longest token a message may carry.
	maxTokenLength = 8

	// payloadMarker separates options from the payload.
	payloadMarker = 0xFF

	// headerSize is the fixed header length.
	headerSize = 4
)

// OptionNumber identifies a CoAP option.
type OptionNumber uint16

const (
	ETag          OptionNumber = 4
	URIPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	Block2        OptionNumber = 23
	Block1        OptionNumber = 27
	Size1         OptionNumber = 60
)

// ErrInvalidMessage is returned for datagrams that are not valid CoAP.
var ErrInvalidMessage = errors.New("invalid coap message")

// Option is one option instance.
type Option struct {
	Number OptionNumber // Number is the option number
	Value  []byte       // Value is the raw option value
}

// Message is a decoded CoAP message.
type Message struct {
	Type      Type     // Type is CON, NON, ACK or RST
	Code      Code     // Code is the method or response code
	MessageID uint16   // MessageID matches ACK/RST to CON and detects duplicates
	Token     []byte   // Token matches responses to requests
	Options   []Option // Options in any order; Marshal sorts them
	Payload   []byte   // Payload is the message body
}

// Parse decodes a datagram. The returned message does not alias data.
func Parse(data []byte) (*Message, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidMessage, len(data))
	}

	if v := data[0] >> 6; v != version {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, v)
	}

	tkl := int(data[0] & 0x0F)
	if tkl > maxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", ErrInvalidMessage, tkl)
	}

	m := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	rest := data[headerSize:]
	if len(rest) < tkl {
		return nil, fmt.Errorf("%w: truncated token", ErrInvalidMessage)
	}

	if tkl > 0 {
		m.Token = append([]byte(nil), rest[:tkl]...)
	}
	rest = rest[tkl:]

	if m.Code == Empty && (tkl != 0 || len(rest) != 0) {
		return nil, fmt.Errorf("%w: empty message with content", ErrInvalidMessage)
	}

	var number uint32

	for len(rest) > 0 {
		if rest[0] == payloadMarker {
			if len(rest) == 1 {
				return nil, fmt.Errorf("%w: payload marker without payload", ErrInvalidMessage)
			}

			m.Payload = append([]byte(nil), rest[1:]...)
			break
		}

		delta, length := uint32(rest[0]>>4), uint32(rest[0]&0x0F)
		rest = rest[1:]

		var err error

		if delta, rest, err = readExtended(delta, rest); err != nil {
			return nil, err
		}

		if length, rest, err = readExtended(length, rest); err != nil {
			return nil, err
		}

		number += delta
		if number > 0xFFFF {
			return nil, fmt.Errorf("%w: option number overflow", ErrInvalidMessage)
		}

		if uint32(len(rest)) < length {
			return nil, fmt.Errorf("%w: truncated option %d", ErrInvalidMessage, number)
		}

		m.Options = append(m.Options, Option{
			Number: OptionNumber(number),
			Value:  append([]byte{}, rest[:length]...),
		})
		rest = rest[length:]
	}

	return m, nil
}

// readExtended resolves a 4-bit delta or length nibble.
func readExtended(nibble uint32, rest []byte) (uint32, []byte, error) {
	switch nibble {
	case 13:
		if len(rest) < 1 {
			return 0, nil, fmt.Errorf("%w: truncated extended option", ErrInvalidMessage)
		}
		return uint32(rest[0]) + 13, rest[1:], nil
	case 14:
		if len(rest) < 2 {
			return 0, nil, fmt.Errorf("%w: truncated extended option", ErrInvalidMessage)
		}
		return uint32(binary.BigEndian.Uint16(rest)) + 269, rest[2:], nil
	case 15:
		return 0, nil, fmt.Errorf("%w: reserved option nibble", ErrInvalidMessage)
	default:
		return nibble, rest, nil
	}
}

// Marshal encodes the message. Options are written in number order,
// keeping the relative order of repeated options.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > maxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", ErrInvalidMessage, len(m.Token))
	}

	if m.Type > Reset {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidMessage, m.Type)
	}

	size := headerSize + len(m.Token) + 1 + len(m.Payload)
	for _, o := range m.Options {
		size += 5 + len(o.Value)
	}

	buf := make([]byte, headerSize, size)
	buf[0] = version<<6 | byte(m.Type)<<4 | byte(len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	buf = append(buf, m.Token...)

	opts := append([]Option(nil), m.Options...)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Number < opts[j].Number })

	var prev OptionNumber

	for _, o := range opts {
		if len(o.Value) > 0xFFFF+269 {
			return nil, fmt.Errorf("%w: option %d too long", ErrInvalidMessage, o.Number)
		}

		delta := uint32(o.Number - prev)
		length := uint32(len(o.Value))
		prev = o.Number

		dn, dext := extend(delta)
		ln, lext := extend(length)

		buf = append(buf, dn<<4|ln)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// extend splits a delta or length into its nibble and extension bytes.
func extend(v uint32) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}

// Option returns the first value of an option and whether it was present.
func (m *Message) Option(n OptionNumber) ([]byte, bool) {
	for _, o := range m.Options {
		if o.Number == n {
			return o.Value, true
		}
	}

	return nil, false
}

// OptionValues returns every value of a repeatable option, in order.
func (m *Message) OptionValues(n OptionNumber) [][]byte {
	var out [][]byte

	for _, o := range m.Options {
		if o.Number == n {
			out = append(out, o.Value)
		}
	}

	return out
}

// AddOption appends an option instance.
func (m *Message) AddOption(n OptionNumber, value []byte) {
	m.Options = append(m.Options, Option{Number: n, Value: value})
}

// SetOption replaces every instance of an option with one value.
func (m *Message) SetOption(n OptionNumber, value []byte) {
	m.RemoveOption(n)
	m.AddOption(n, value)
}

// RemoveOption drops every instance of an option.
func (m *Message) RemoveOption(n OptionNumber) {
	kept := m.Options[:0]

	for _, o := range m.Options {
		if o.Number != n {
			kept = append(kept, o)
		}
	}

	m.Options = kept
}

// Path joins the Uri-Path segments with '/'.
func (m *Message) Path() string {
	segs := m.OptionValues(URIPath)
	parts := make([]string, len(segs))

	for i, s := range segs {
		parts[i] = string(s)
	}

	return strings.Join(parts, "/")
}

// SetPath replaces the Uri-Path options with the segments of path.
func (m *Message) SetPath(path string) {
	m.RemoveOption(URIPath)

	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg != "" {
			m.AddOption(URIPath, []byte(seg))
		}
	}
}

// String renders a compact summary for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%x opts=%d payload=%d",
		m.Type, m.Code, m.MessageID, m.Token, len(m.Options), len(m.Payload))
}
