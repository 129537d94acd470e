package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxFrameBytes bounds a single framed message.
	MaxFrameBytes = 32 << 20 // 32MiB

	// MaxOutputBytes bounds one output field; larger outputs are truncated,
	// not failed.
	MaxOutputBytes = 1 << 20 // 1MiB
)

const truncationMarker = "\n... [output truncated]"

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds %d byte limit", len(payload), MaxFrameBytes)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d byte limit", length, MaxFrameBytes)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// TruncateOutput caps an output field at MaxOutputBytes, appending a
// marker when anything was cut.
func TruncateOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes-len(truncationMarker)] + truncationMarker
}
