package frame

import (
	"bytes"
	"errors"
	"unicode/utf8"
)

// ErrIncomplete is returned by Decoder.Next() when buf does not hold a whole message yet.
var ErrIncomplete = errors.New("frame: incomplete message")

// DefaultMaxSize is the largest payload a Decoder accepts if MaxSize is not set.
const DefaultMaxSize = 8 * 1024 * 1024

// Decoder splits a received byte stream into message bodies. The descriptors that came
// with the stream are matched to messages by the caller, see the receiver package.
type Decoder struct {
	Mode Mode
	// MaxSize is the largest payload or token accepted. 0 means DefaultMaxSize.
	MaxSize int
}

// Next decodes the first message in buf. body is the token (without the delimiter) or the
// payload, and is nil for Bare messages. body aliases buf. n is the number of bytes of buf
// the message used. If buf holds only part of a message, ErrIncomplete is returned.
func (d Decoder) Next(buf []byte) (body []byte, n int, err error) {
	max := d.MaxSize
	if max <= 0 {
		max = DefaultMaxSize
	}

	switch d.Mode {
	case Bare:
		if len(buf) == 0 {
			return nil, 0, ErrIncomplete
		}
		if buf[0] != Placeholder {
			return nil, 0, errorf(Malformed, "bare message byte was %#x, want %#x", buf[0], Placeholder)
		}
		return nil, 1, nil
	case Token:
		i := bytes.IndexByte(buf, Delim)
		if i < 0 {
			if len(buf) > max {
				return nil, 0, errorf(PayloadTooLarge, "token exceeds %d bytes without a delimiter", max)
			}
			return nil, 0, ErrIncomplete
		}
		if i > max {
			return nil, 0, errorf(PayloadTooLarge, "token is %d bytes, max is %d", i, max)
		}
		if !utf8.Valid(buf[:i]) {
			return nil, 0, errorf(InvalidEncoding, "received token is not valid UTF-8")
		}
		return buf[:i], i + 1, nil
	case LengthPrefixed:
		if len(buf) < HeaderLen {
			return nil, 0, ErrIncomplete
		}
		size := uint64(ordering.Uint32(buf))
		if size > uint64(max) {
			return nil, 0, errorf(PayloadTooLarge, "payload is %d bytes, max is %d", size, max)
		}
		end := HeaderLen + int(size)
		if len(buf) < end {
			return nil, 0, ErrIncomplete
		}
		return buf[HeaderLen:end], end, nil
	}
	return nil, 0, errorf(InvalidMode, "unknown mode %v", d.Mode)
}
