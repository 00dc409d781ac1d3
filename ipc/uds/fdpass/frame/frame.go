/*
Package frame builds and parses the wire messages used to pass file descriptors over a
stream Unix socket.

A message is a body plus an optional SCM_RIGHTS control message. The body is never empty,
as some platforms drop ancillary data that is attached to a zero length write.

There are three formats:

	Bare:           [0x00]                          rights: 1+ descriptors
	Token:          [utf-8 token]['\n']             rights: 1+ descriptors
	LengthPrefixed: [uint32 big endian N][N bytes]  rights: 0+ descriptors, omitted if none

Token messages are line delimited; the newline is added by Build() and must not appear in
the token. LengthPrefixed payloads are usually UTF-8 JSON but are passed verbatim.
*/
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// Mode is the framing used for a message.
type Mode int8

const (
	// Bare sends a single placeholder byte with the descriptors.
	Bare Mode = 0
	// Token sends a newline terminated UTF-8 token with the descriptors.
	Token Mode = 1
	// LengthPrefixed sends a 4 byte big endian length followed by the payload.
	LengthPrefixed Mode = 2
)

func (m Mode) String() string {
	switch m {
	case Bare:
		return "bare"
	case Token:
		return "token"
	case LengthPrefixed:
		return "length-prefixed"
	}
	return fmt.Sprintf("Mode(%d)", int8(m))
}

// ParseMode converts the output of Mode.String() back to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "bare":
		return Bare, nil
	case "token":
		return Token, nil
	case "length-prefixed", "json":
		return LengthPrefixed, nil
	}
	return 0, fmt.Errorf("unknown framing mode %q", s)
}

// Placeholder is the body of a Bare message.
const Placeholder byte = 0x00

// Delim terminates a Token message.
const Delim byte = '\n'

// HeaderLen is the size of the length prefix of a LengthPrefixed message.
const HeaderLen = 4

var ordering = binary.BigEndian

// Request is a single transfer. The descriptors in FDs are not owned by the Request.
type Request struct {
	Mode Mode
	// FDs are sent in order as one SCM_RIGHTS control message.
	FDs []int
	// Payload is the token for Token mode and the block for LengthPrefixed mode.
	// It is ignored in Bare mode.
	Payload []byte
}

// Message is the serialized form of a Request.
type Message struct {
	// Body is written as the iovec of the first sendmsg. Never empty.
	Body []byte
	// OOB is the control message block, nil when there are no descriptors.
	OOB []byte
}

// Build serializes req. It only fails on a malformed Request and never does I/O.
func Build(req Request) (Message, error) {
	for _, fd := range req.FDs {
		if fd < 0 {
			return Message{}, errorf(InvalidDescriptor, "descriptor %d is not valid", fd)
		}
	}

	var body []byte
	switch req.Mode {
	case Bare:
		if len(req.FDs) == 0 {
			return Message{}, errorf(MissingDescriptors, "bare mode needs at least one descriptor")
		}
		body = []byte{Placeholder}
	case Token:
		if len(req.FDs) == 0 {
			return Message{}, errorf(MissingDescriptors, "token mode needs at least one descriptor")
		}
		if err := validToken(req.Payload); err != nil {
			return Message{}, err
		}
		body = make([]byte, 0, len(req.Payload)+1)
		body = append(body, req.Payload...)
		body = append(body, Delim)
	case LengthPrefixed:
		if uint64(len(req.Payload)) > math.MaxUint32 {
			return Message{}, errorf(PayloadTooLarge, "payload is %d bytes, max is %d", len(req.Payload), uint64(math.MaxUint32))
		}
		body = make([]byte, HeaderLen+len(req.Payload))
		ordering.PutUint32(body, uint32(len(req.Payload)))
		copy(body[HeaderLen:], req.Payload)
	default:
		return Message{}, errorf(InvalidMode, "unknown mode %v", req.Mode)
	}

	msg := Message{Body: body}
	if len(req.FDs) > 0 {
		// UnixRights sizes the buffer with CmsgSpace and fills cmsg_len with CmsgLen,
		// so platform padding is accounted for.
		msg.OOB = unix.UnixRights(req.FDs...)
	}
	return msg, nil
}

func validToken(tok []byte) error {
	if !utf8.Valid(tok) {
		return errorf(InvalidEncoding, "token is not valid UTF-8")
	}
	for i, b := range tok {
		if b == Delim {
			return errorf(InvalidEncoding, "token contains the line delimiter at offset %d", i)
		}
	}
	return nil
}

// RightsLen is the size of the control message needed to carry n descriptors.
func RightsLen(n int) int {
	if n == 0 {
		return 0
	}
	return unix.CmsgSpace(n * 4)
}
