package l2cap

type Opcode uint8

const (
	OpcodeCommandRejectResponse             Opcode = 0x01
	OpcodeConnectionRequest                 Opcode = 0x02
	OpcodeConnectionResponse                Opcode = 0x03
	OpcodeConfigurationRequest              Opcode = 0x04
	OpcodeConfigurationResponse             Opcode = 0x05
	OpcodeDisconnectionRequest              Opcode = 0x06
	OpcodeDisconnectionResponse             Opcode = 0x07
	OpcodeEchoRequest                       Opcode = 0x08
	OpcodeEchoResponse                      Opcode = 0x09
	OpcodeInformationRequest                Opcode = 0x0A
	OpcodeInformationResponse               Opcode = 0x0B
	OpcodeConnectionParameterUpdateRequest  Opcode = 0x12
	OpcodeConnectionParameterUpdateResponse Opcode = 0x13
	OpcodeLECreditBasedConnectionRequest    Opcode = 0x14
	OpcodeLECreditBasedConnectionResponse   Opcode = 0x15
	OpcodeFlowControlCreditIND              Opcode = 0x16
	OpcodeCreditBasedConnectionRequest      Opcode = 0x17
	OpcodeCreditBasedConnectionResponse     Opcode = 0x18
	OpcodeCreditBasedReconfigureRequest     Opcode = 0x19
	OpcodeCreditBasedReconfigureResponse    Opcode = 0x1A
)

// IsRequest reports whether the opcode names a command the peer expects a
// response to. Unknown request opcodes draw a command reject; unknown
// response opcodes are silently dropped.
func (o Opcode) IsRequest() bool {
	switch o {
	case OpcodeConnectionRequest, OpcodeConfigurationRequest,
		OpcodeDisconnectionRequest, OpcodeEchoRequest,
		OpcodeInformationRequest, OpcodeConnectionParameterUpdateRequest,
		OpcodeLECreditBasedConnectionRequest, OpcodeFlowControlCreditIND,
		OpcodeCreditBasedConnectionRequest, OpcodeCreditBasedReconfigureRequest:
		return true
	}
	return false
}

// Section 2.1
type ChannelID uint16

const (
	ChannelIDSignallingACLU          ChannelID = 0x0001
	ChannelIDConnectionless          ChannelID = 0x0002
	ChannelIDAttributeProtocol       ChannelID = 0x0004
	ChannelIDSignallingLEU           ChannelID = 0x0005
	ChannelIDSecurityManagerProtocol ChannelID = 0x0006
	ChannelIDBREDRSecurityManager    ChannelID = 0x0007

	// ChannelIDDynamicStart is the first CID assignable to a dynamic channel.
	ChannelIDDynamicStart ChannelID = 0x0040
)

// IsDynamic reports whether the CID belongs to the dynamically allocated range.
func (c ChannelID) IsDynamic() bool { return c >= ChannelIDDynamicStart }

type PSM uint16

// TransportKind distinguishes the two logical link flavors. It selects the
// signalling CID and which connection procedures apply.
type TransportKind uint8

const (
	TransportClassic TransportKind = iota
	TransportLE
)

func (k TransportKind) SignallingCID() ChannelID {
	if k == TransportLE {
		return ChannelIDSignallingLEU
	}
	return ChannelIDSignallingACLU
}

// ConnResult is the result field of a connection response.
type ConnResult uint16

const (
	ConnResultOK                        ConnResult = 0x0000
	ConnResultPending                   ConnResult = 0x0001
	ConnResultNoPSM                     ConnResult = 0x0002
	ConnResultSecurityBlock             ConnResult = 0x0003
	ConnResultNoResources               ConnResult = 0x0004
	ConnResultInvalidSourceCID          ConnResult = 0x0006
	ConnResultSourceCIDAlreadyAllocated ConnResult = 0x0007

	// Synthesized locally, never sent on the wire.
	ConnResultTimeout ConnResult = 0xEEEE
	ConnResultNoLink  ConnResult = 0xF003
	ConnResultCancel  ConnResult = 0xF004
)

type ConnStatus uint16

const (
	ConnStatusNoInfo                ConnStatus = 0x0000
	ConnStatusAuthenticationPending ConnStatus = 0x0001
	ConnStatusAuthorizationPending  ConnStatus = 0x0002
)

// ConfigResult is the result field of a configuration response.
type ConfigResult uint16

const (
	ConfigResultOK                 ConfigResult = 0x0000
	ConfigResultUnacceptableParams ConfigResult = 0x0001
	ConfigResultRejected           ConfigResult = 0x0002
	ConfigResultUnknownOptions     ConfigResult = 0x0003
	ConfigResultPending            ConfigResult = 0x0004
)

type CommandRejectReason uint16

const (
	CommandRejectReasonCommandNotUnderstood CommandRejectReason = 0x0000
	CommandRejectReasonSignalingMTUExceeded CommandRejectReason = 0x0001
	CommandRejectReasonInvalidCIDInRequest  CommandRejectReason = 0x0002
)

type InfoType uint16

const (
	InfoTypeConnectionlessMTU         InfoType = 0x0001
	InfoTypeExtendedFeaturesSupported InfoType = 0x0002
	InfoTypeFixedChannelsSupported    InfoType = 0x0003
)

type InfoTypeResult uint16

const (
	InfoTypeResultSuccess      InfoTypeResult = 0x0000
	InfoTypeResultNotSupported InfoTypeResult = 0x0001
)

type LECreditBasedConnectionResult uint16

const (
	LECreditBasedConnectionResultSuccessful                        LECreditBasedConnectionResult = 0x0000
	LECreditBasedConnectionResultRefusedSPSMNotSupported           LECreditBasedConnectionResult = 0x0002
	LECreditBasedConnectionResultRefusedNoResourcesAvailable       LECreditBasedConnectionResult = 0x0004
	LECreditBasedConnectionResultRefusedInsufficientAuthentication LECreditBasedConnectionResult = 0x0005
	LECreditBasedConnectionResultRefusedInsufficientAuthorization  LECreditBasedConnectionResult = 0x0006
	LECreditBasedConnectionResultRefusedEncryptionKeySizeTooShort  LECreditBasedConnectionResult = 0x0007
	LECreditBasedConnectionResultRefusedInsufficientEncryption     LECreditBasedConnectionResult = 0x0008
	LECreditBasedConnectionResultRefusedInvalidSourceCID           LECreditBasedConnectionResult = 0x0009
	LECreditBasedConnectionResultRefusedSourceCIDAlreadyAllocated  LECreditBasedConnectionResult = 0x000A
	LECreditBasedConnectionResultRefusedUnacceptableParameters     LECreditBasedConnectionResult = 0x000B
)

type ConnectionParameterUpdateResult uint16

const (
	ConnectionParameterUpdateResultAccepted ConnectionParameterUpdateResult = 0x0000
	ConnectionParameterUpdateResultRejected ConnectionParameterUpdateResult = 0x0001
)

// CreditBasedMaxCIDs bounds how many channels one enhanced credit based
// connection exchange may establish.
const CreditBasedMaxCIDs = 5

// DisconnectReason classifies why a channel was torn down, delivered with
// disconnect indications.
type DisconnectReason uint8

const (
	DisconnectReasonPeer DisconnectReason = iota
	DisconnectReasonLocal
	DisconnectReasonLinkDown
	DisconnectReasonTimeout
	DisconnectReasonNegotiationFailed
	DisconnectReasonProtocolViolation
)
