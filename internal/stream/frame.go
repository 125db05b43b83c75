// Package stream carries viewport frames from a headless browser session to
// a subscribed client over a dedicated WebSocket, with per-frame acks and
// bounded in-flight frames.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameMagic opens every binary frame.
var FrameMagic = [4]byte{'V', 'L', 'F', 'O'}

// HeaderSize is the fixed frame header length.
const HeaderSize = 16

var (
	ErrBadMagic  = errors.New("bad frame magic")
	ErrShortData = errors.New("frame shorter than header")
	ErrBadAck    = errors.New("ack must be exactly 4 bytes")
)

// Frame is one captured viewport image.
type Frame struct {
	Num     uint32
	Width   uint16
	Height  uint16
	Quality uint8 // 0-100
	Payload []byte
}

// Encode renders the frame: 16-byte little-endian header followed by the
// JPEG payload. The magic bytes are written literally, not as an integer.
func (f Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	copy(buf[0:4], FrameMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], f.Num)
	binary.LittleEndian.PutUint16(buf[8:10], f.Width)
	binary.LittleEndian.PutUint16(buf[10:12], f.Height)
	buf[12] = f.Quality
	// buf[13:16] reserved, zero
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses a binary frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortData, len(data))
	}
	if [4]byte(data[0:4]) != FrameMagic {
		return Frame{}, ErrBadMagic
	}
	return Frame{
		Num:     binary.LittleEndian.Uint32(data[4:8]),
		Width:   binary.LittleEndian.Uint16(data[8:10]),
		Height:  binary.LittleEndian.Uint16(data[10:12]),
		Quality: data[12],
		Payload: data[HeaderSize:],
	}, nil
}

// EncodeAck renders a client acknowledgement: the frame number, big-endian.
func EncodeAck(frameNum uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, frameNum)
	return buf
}

// DecodeAck parses a client acknowledgement.
func DecodeAck(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: got %d", ErrBadAck, len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}
