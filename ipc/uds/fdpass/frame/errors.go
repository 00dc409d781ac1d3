package frame

import (
	"errors"
	"fmt"
)

// ErrKind classifies an *Error.
type ErrKind int8

const (
	// InvalidEncoding means the token was not UTF-8 or contained the delimiter.
	InvalidEncoding ErrKind = 1
	// MissingDescriptors means a mode that exists to pass descriptors was given none.
	MissingDescriptors ErrKind = 2
	// InvalidDescriptor means a descriptor value was negative.
	InvalidDescriptor ErrKind = 3
	// PayloadTooLarge means the payload does not fit the length prefix or the decoder limit.
	PayloadTooLarge ErrKind = 4
	// InvalidMode means the Mode was not one of the defined values.
	InvalidMode ErrKind = 5
	// Malformed means a received message could not be decoded.
	Malformed ErrKind = 6
)

func (k ErrKind) String() string {
	switch k {
	case InvalidEncoding:
		return "invalid encoding"
	case MissingDescriptors:
		return "missing descriptors"
	case InvalidDescriptor:
		return "invalid descriptor"
	case PayloadTooLarge:
		return "payload too large"
	case InvalidMode:
		return "invalid mode"
	case Malformed:
		return "malformed message"
	}
	return fmt.Sprintf("ErrKind(%d)", int8(k))
}

// Error is returned when a Request or a received message breaks the framing rules.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("frame: %s: %s", e.Kind, e.Msg)
}

func errorf(kind ErrKind, s string, i ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(s, i...)}
}

// IsKind reports if err is an *Error of kind k.
func IsKind(err error, k ErrKind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}
