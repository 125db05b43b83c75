package stream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	f := Frame{
		Num:     0x01020304,
		Width:   1280,
		Height:  720,
		Quality: 80,
		Payload: []byte{0xFF, 0xD8, 0xFF},
	}
	data := f.Encode()
	require.Len(t, data, HeaderSize+3)

	// Magic is the literal bytes "VLFO", not an integer write.
	assert.Equal(t, []byte("VLFO"), data[0:4])
	assert.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, uint16(1280), binary.LittleEndian.Uint16(data[8:10]))
	assert.Equal(t, uint16(720), binary.LittleEndian.Uint16(data[10:12]))
	assert.Equal(t, byte(80), data[12])
	assert.Equal(t, []byte{0, 0, 0}, data[13:16])
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data[16:])

	got, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestDecodeFrameRejectsBadInput(t *testing.T) {
	_, err := DecodeFrame([]byte("short"))
	assert.ErrorIs(t, err, ErrShortData)

	bad := Frame{Num: 1}.Encode()
	bad[0] = 'X'
	_, err = DecodeFrame(bad)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestAckIsBigEndian(t *testing.T) {
	data := EncodeAck(0x01020304)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data)

	n, err := DecodeAck(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), n)

	_, err = DecodeAck([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadAck)
}
