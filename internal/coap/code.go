package coap

import "fmt"

// Type is the CoAP message type.
type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

// String returns the short type name.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is a CoAP method or response code, class in the top 3 bits.
type Code uint8

// NewCode builds a code from its class and detail, e.g. NewCode(2, 31).
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1F)
}

const (
	Empty Code = 0
	GET   Code = 0<<5 | 1
	POST  Code = 0<<5 | 2
	PUT   Code = 0<<5 | 3

	Created  Code = 2<<5 | 1
	Changed  Code = 2<<5 | 4
	Content  Code = 2<<5 | 5
	Continue Code = 2<<5 | 31

	BadRequest              Code = 4<<5 | 0
	BadOption               Code = 4<<5 | 2
	NotFound                Code = 4<<5 | 4
	MethodNotAllowed        Code = 4<<5 | 5
	RequestEntityIncomplete Code = 4<<5 | 8
	RequestEntityTooLarge   Code = 4<<5 | 13
	InternalServerError     Code = 5<<5 | 0
	ServiceUnavailable      Code = 5<<5 | 3
)

// Class returns the code class (0 request, 2 success, 4 client error, 5 server error).
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the code detail.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1F
}

// IsRequest reports whether the code is a method.
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsSuccess reports whether the code is a 2.xx response.
func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

// String renders the code in c.dd notation.
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}
