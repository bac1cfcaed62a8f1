// Package protocol implements the framed-JSON wire format used on the
// Unix-domain socket: a 4-byte little-endian length followed by that many
// bytes of UTF-8 JSON, in both directions.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxFrameBytes bounds a single frame payload unless overridden by
// configuration.
const DefaultMaxFrameBytes = 1 << 20 // 1 MiB

// invalidLenError reports a frame with a zero length prefix.
type invalidLenError struct{}

func (invalidLenError) Error() string { return "invalid frame length 0" }

// frameTooLargeError reports a frame whose declared length exceeds the cap.
type frameTooLargeError struct {
	length uint32
	max    int
}

func (e frameTooLargeError) Error() string {
	return fmt.Sprintf("frame too large: %d > %d", e.length, e.max)
}

// ErrInvalidLen constructs the zero-length framing error.
func ErrInvalidLen() error { return invalidLenError{} }

// ErrFrameTooLarge constructs the oversize framing error.
func ErrFrameTooLarge(length uint32, max int) error {
	return frameTooLargeError{length: length, max: max}
}

// IsInvalidLen reports whether err is the zero-length framing error.
func IsInvalidLen(err error) bool {
	_, ok := err.(invalidLenError)
	return ok
}

// IsFrameTooLarge reports whether err is the oversize framing error.
func IsFrameTooLarge(err error) bool {
	_, ok := err.(frameTooLargeError)
	return ok
}

// WriteFrame appends one length-prefixed frame carrying payload to tx and
// returns the extended buffer.
func WriteFrame(tx []byte, payload []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	tx = append(tx, hdr[:]...)
	return append(tx, payload...)
}

// TryReadFrame attempts to extract one complete frame from rx.
//
// On success it returns the payload, the remaining buffer with the frame
// consumed, and a nil error. When fewer than 4+len bytes are buffered it
// returns (nil, rx, nil) with nothing consumed. A zero or oversize length
// prefix yields a framing error; rx is left untouched so the caller can
// decide how to tear the connection down.
func TryReadFrame(rx []byte, maxBytes int) (payload []byte, rest []byte, err error) {
	if len(rx) < 4 {
		return nil, rx, nil
	}
	length := binary.LittleEndian.Uint32(rx)
	if length == 0 {
		return nil, rx, invalidLenError{}
	}
	if int(length) > maxBytes {
		return nil, rx, frameTooLargeError{length: length, max: maxBytes}
	}
	total := 4 + int(length)
	if len(rx) < total {
		return nil, rx, nil
	}
	return rx[4:total], rx[total:], nil
}
