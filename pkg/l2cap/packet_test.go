package l2cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signallingPackets() []SignallingPacket {
	return []SignallingPacket{
		&CommandRejectResponsePacket{
			CommandRejectReason: CommandRejectReasonInvalidCIDInRequest,
			Identifier:          7,
			ReasonData:          []byte{0x40, 0x00, 0x41, 0x00},
		},
		&ConnectionRequestPacket{Identifier: 1, PSM: 0x1001, SourceCID: 0x0040},
		&ConnectionResponsePacket{
			Identifier:     1,
			DestinationCID: 0x0041,
			SourceCID:      0x0040,
			Result:         ConnResultOK,
			Status:         ConnStatusNoInfo,
		},
		&ConfigurationRequestPacket{
			Identifier:     2,
			DestinationCID: 0x0041,
			Options:        (&ConfigOptions{MTU: u16p(512)}).Marshal(),
		},
		&ConfigurationResponsePacket{
			Identifier: 2,
			SourceCID:  0x0040,
			Result:     ConfigResultOK,
			Options:    (&ConfigOptions{MTU: u16p(512)}).Marshal(),
		},
		&DisconnectionRequestPacket{Identifier: 3, DestinationCID: 0x0041, SourceCID: 0x0040},
		&DisconnectionResponsePacket{Identifier: 3, DestinationCID: 0x0041, SourceCID: 0x0040},
		&EchoRequestPacket{Identifier: 4, EchoData: []byte("ping")},
		&EchoResponsePacket{Identifier: 4, EchoData: []byte("ping")},
		&InformationRequestPacket{Identifier: 5, InfoType: InfoTypeExtendedFeaturesSupported},
		&InformationResponsePacket{
			Identifier: 5,
			InfoType:   InfoTypeExtendedFeaturesSupported,
			Result:     InfoTypeResultSuccess,
			Info:       []byte{0xb8, 0x00, 0x00, 0x00},
		},
		&ConnectionParameterUpdateRequestPacket{
			Identifier:  6,
			IntervalMin: 6,
			IntervalMax: 3200,
			Latency:     2,
			Timeout:     100,
		},
		&ConnectionParameterUpdateResponsePacket{
			Identifier: 6,
			Result:     ConnectionParameterUpdateResultAccepted,
		},
		&LECreditBasedConnectionRequestPacket{
			Identifier:     8,
			SPSM:           0x0080,
			SourceCID:      0x0042,
			MTU:            512,
			MPS:            64,
			InitialCredits: 10,
		},
		&LECreditBasedConnectionResponsePacket{
			Identifier:     8,
			DestinationCID: 0x0043,
			MTU:            256,
			MPS:            48,
			InitialCredits: 3,
			Result:         LECreditBasedConnectionResultSuccessful,
		},
		&FlowControlCreditIndicationPacket{Identifier: 9, CID: 0x0042, Credits: 20},
		&CreditBasedConnectionRequestPacket{
			Identifier:     10,
			SPSM:           0x0080,
			MTU:            512,
			MPS:            64,
			InitialCredits: 5,
			SourceCIDs:     []ChannelID{0x0044, 0x0045, 0x0046},
		},
		&CreditBasedConnectionResponsePacket{
			Identifier:      10,
			MTU:             256,
			MPS:             48,
			InitialCredits:  2,
			Result:          CreditBasedConnectionResultAllConnectionsSuccessful,
			DestinationCIDs: []ChannelID{0x0047, 0x0048, 0x0049},
		},
		&CreditBasedReconfigureRequestPacket{
			Identifier: 11,
			MTU:        1024,
			MPS:        128,
			CIDs:       []ChannelID{0x0044, 0x0045},
		},
		&CreditBasedReconfigureResponsePacket{
			Identifier: 11,
			Result:     CreditBasedReconfigureResultSuccess,
		},
	}
}

func TestSignallingPacketRoundTrip(t *testing.T) {
	for _, p := range signallingPackets() {
		b, err := p.Marshal()
		require.NoError(t, err)
		q, err := UnmarshalSignallingPacket(b)
		require.NoError(t, err, "%T", p)
		assert.Equal(t, p, q, "%T", p)
	}
}

// Every strict prefix of a valid command must fail to decode; a partially
// populated packet must never come back.
func TestSignallingPacketTruncated(t *testing.T) {
	for _, p := range signallingPackets() {
		b, err := p.Marshal()
		require.NoError(t, err)
		for n := 1; n < len(b); n++ {
			q, err := UnmarshalSignallingPacket(b[:n])
			assert.Error(t, err, "%T truncated to %d", p, n)
			assert.Nil(t, q, "%T truncated to %d", p, n)
		}
	}
}

func TestSignallingPacketUnknownOpcode(t *testing.T) {
	_, err := UnmarshalSignallingPacket([]byte{0x0c, 0x01, 0x00, 0x00})
	assert.Error(t, err)
	_, err = UnmarshalSignallingPacket(nil)
	assert.Error(t, err)
}

// The embedded length must match the buffer exactly: overlong buffers are
// rejected the same as short ones.
func TestSignallingPacketLengthMismatch(t *testing.T) {
	b, err := (&ConnectionRequestPacket{Identifier: 1, PSM: 3, SourceCID: 0x40}).Marshal()
	require.NoError(t, err)
	_, err = UnmarshalSignallingPacket(append(b, 0x00))
	assert.Error(t, err)
}
