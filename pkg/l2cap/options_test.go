package l2cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigOptionsRoundTrip(t *testing.T) {
	fcs := uint8(1)
	subsets := []*ConfigOptions{
		{},
		{MTU: u16p(672)},
		{MTU: u16p(48), FlushTimeout: u16p(0xffff)},
		{FCR: &FCROptions{
			Mode:           FCRModeERTM,
			TxWindow:       10,
			MaxTransmit:    5,
			RetransTimeout: 2000,
			MonitorTimeout: 12000,
			MPS:            1004,
		}},
		{FCS: &fcs},
		{QoS: &QoSOptions{ServiceType: 1, TokenRate: 9600, Latency: 0xffffffff}},
		{ExtFlow: &ExtFlowOptions{Identifier: 1, MaxSDUSize: 672, AccessLatency: 100}},
		{
			MTU:          u16p(1024),
			FlushTimeout: u16p(500),
			QoS:          &QoSOptions{ServiceType: 2},
			FCR:          &FCROptions{Mode: FCRModeStreaming, MPS: 512},
			FCS:          &fcs,
			ExtFlow:      &ExtFlowOptions{ServiceType: 1},
		},
	}
	for _, o := range subsets {
		got, rejected, err := UnmarshalConfigOptions(o.Marshal())
		require.NoError(t, err)
		assert.Empty(t, rejected)
		assert.Equal(t, o, got)
	}
}

// An unknown option with the hint bit set is skipped; the rest of the
// stream still decodes.
func TestConfigOptionsUnknownHintSkipped(t *testing.T) {
	buf := append([]byte{0x85, 0x03, 0xaa, 0xbb, 0xcc}, (&ConfigOptions{MTU: u16p(256)}).Marshal()...)
	opts, rejected, err := UnmarshalConfigOptions(buf)
	require.NoError(t, err)
	assert.Empty(t, rejected)
	require.NotNil(t, opts.MTU)
	assert.Equal(t, uint16(256), *opts.MTU)
}

// An unknown option without the hint bit is reported so the receiver can
// answer with an unknown-options response.
func TestConfigOptionsUnknownRejected(t *testing.T) {
	buf := append([]byte{0x55, 0x01, 0x00}, (&ConfigOptions{MTU: u16p(256)}).Marshal()...)
	opts, rejected, err := UnmarshalConfigOptions(buf)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x55}, rejected)
	require.NotNil(t, opts.MTU)
}

func TestConfigOptionsMalformed(t *testing.T) {
	for _, buf := range [][]byte{
		{OptionTypeMTU},                   // no length byte
		{OptionTypeMTU, 2, 0x00},          // value shorter than declared
		{OptionTypeMTU, 3, 0x00, 0x02, 0}, // wrong length for the type
		{OptionTypeFCR, 8, 0, 0, 0, 0, 0, 0, 0, 0},
		{OptionTypeFCS, 2, 0, 0},
	} {
		_, _, err := UnmarshalConfigOptions(buf)
		assert.Error(t, err, "%x", buf)
	}
}
