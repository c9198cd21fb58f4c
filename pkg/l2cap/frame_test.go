package l2cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBFrameRoundTrip(t *testing.T) {
	f := &BFrame{ChannelID: 0x0040, Payload: []byte{1, 2, 3}}
	b, err := f.Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00, 0x40, 0x00, 1, 2, 3}, b)

	g, err := UnmarshalFrame(b)
	require.NoError(t, err)
	assert.Equal(t, f, g)
}

func TestBFrameLengthMismatch(t *testing.T) {
	for _, b := range [][]byte{
		{0x03, 0x00, 0x40},             // shorter than a header
		{0x03, 0x00, 0x40, 0x00, 1, 2}, // payload shorter than declared
		{0x01, 0x00, 0x40, 0x00, 1, 2}, // payload longer than declared
	} {
		_, err := UnmarshalFrame(b)
		assert.Error(t, err, "%x", b)
	}
}

func TestGFrameRoundTrip(t *testing.T) {
	f := &GFrame{PSM: 0x1001, Payload: []byte("broadcast")}
	b, err := f.Marshal()
	require.NoError(t, err)

	g, err := UnmarshalFrame(b)
	require.NoError(t, err)
	assert.Equal(t, f, g)
}

func TestControlWordIFrame(t *testing.T) {
	w := NewIFrameControl(13, 42, SARStart)
	assert.False(t, w.IsSFrame())
	assert.Equal(t, uint8(13), w.TxSeq())
	assert.Equal(t, uint8(42), w.ReqSeq())
	assert.Equal(t, SARStart, w.SAR())
}

func TestControlWordSFrame(t *testing.T) {
	w := NewSFrameControl(SupervisoryREJ, 63, true, true)
	assert.True(t, w.IsSFrame())
	assert.Equal(t, SupervisoryREJ, w.Supervisory())
	assert.Equal(t, uint8(63), w.ReqSeq())
	assert.True(t, w.Poll())
	assert.True(t, w.Final())

	w = NewSFrameControl(SupervisoryRR, 0, false, false)
	assert.False(t, w.Poll())
	assert.False(t, w.Final())
}

func TestFCS16(t *testing.T) {
	// standard check value for this polynomial
	assert.Equal(t, uint16(0xBB3D), fcs16([]byte("123456789")))

	b := appendFCS([]byte{0x02, 0x00, 0xaa})
	require.Len(t, b, 5)
	assert.Equal(t, fcs16(b[:3]), uint16(b[3])|uint16(b[4])<<8)
}
