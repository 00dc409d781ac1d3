package egl

import (
	"fmt"
	"strings"
)

// Format is a DRM fourcc pixel format code.
type Format uint32

// FourCC builds a Format from its four character code.
func FourCC(code string) (Format, error) {
	if len(code) != 4 {
		return 0, fmt.Errorf("egl: fourcc %q must be 4 characters", code)
	}
	return Format(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24), nil
}

func mustFourCC(code string) Format {
	f, err := FourCC(code)
	if err != nil {
		panic(err)
	}
	return f
}

// Formats seen from compositors.
var (
	ARGB8888 = mustFourCC("AR24")
	XRGB8888 = mustFourCC("XR24")
	ABGR8888 = mustFourCC("AB24")
	XBGR8888 = mustFourCC("XB24")
	NV12     = mustFourCC("NV12")
	YUV420   = mustFourCC("YU12")
)

// String returns the four character code.
func (f Format) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	return strings.TrimRight(string(b), " ")
}

// ParseFormat accepts a fourcc ("AR24") or a name ("ARGB8888").
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(s) {
	case "ARGB8888":
		return ARGB8888, nil
	case "XRGB8888":
		return XRGB8888, nil
	case "ABGR8888":
		return ABGR8888, nil
	case "XBGR8888":
		return XBGR8888, nil
	case "NV12":
		return NV12, nil
	case "YUV420":
		return YUV420, nil
	}
	return FourCC(s)
}
