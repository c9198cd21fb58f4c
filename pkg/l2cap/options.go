package l2cap

import (
	"encoding/binary"
	"io"
)

// Configuration option TLV types. Bit 7 marks an option as a hint: a
// receiver that does not understand a hint skips it instead of rejecting.
const (
	OptionTypeMTU          uint8 = 0x01
	OptionTypeFlushTimeout uint8 = 0x02
	OptionTypeQoS          uint8 = 0x03
	OptionTypeFCR          uint8 = 0x04
	OptionTypeFCS          uint8 = 0x05
	OptionTypeExtFlow      uint8 = 0x06

	optionHintBit uint8 = 0x80
)

const (
	optionLenMTU          = 2
	optionLenFlushTimeout = 2
	optionLenQoS          = 22
	optionLenFCR          = 9
	optionLenFCS          = 1
	optionLenExtFlow      = 16
)

// FCRMode selects the retransmission and flow control operating mode.
type FCRMode uint8

const (
	FCRModeBasic     FCRMode = 0x00
	FCRModeERTM      FCRMode = 0x03
	FCRModeStreaming FCRMode = 0x04
)

// FCROptions is the retransmission and flow control option payload.
type FCROptions struct {
	Mode           FCRMode
	TxWindow       uint8
	MaxTransmit    uint8
	RetransTimeout uint16 // milliseconds
	MonitorTimeout uint16 // milliseconds
	MPS            uint16
}

// QoSOptions is the quality of service option payload.
type QoSOptions struct {
	Flags           uint8
	ServiceType     uint8
	TokenRate       uint32
	TokenBucketSize uint32
	PeakBandwidth   uint32
	Latency         uint32
	DelayVariation  uint32
}

// ExtFlowOptions is the extended flow specification option payload.
type ExtFlowOptions struct {
	Identifier      uint8
	ServiceType     uint8
	MaxSDUSize      uint16
	SDUInterArrival uint32
	AccessLatency   uint32
	FlushTimeout    uint32
}

// ConfigOptions is one direction's configuration proposal. Nil fields were
// not present in the TLV stream.
type ConfigOptions struct {
	MTU          *uint16
	FlushTimeout *uint16
	QoS          *QoSOptions
	FCR          *FCROptions
	FCS          *uint8
	ExtFlow      *ExtFlowOptions
}

func u16p(v uint16) *uint16 { return &v }

// Marshal encodes the present options as a TLV stream.
func (o *ConfigOptions) Marshal() []byte {
	var b []byte
	if o.MTU != nil {
		b = append(b, OptionTypeMTU, optionLenMTU, byte(*o.MTU), byte(*o.MTU>>8))
	}
	if o.FlushTimeout != nil {
		b = append(b, OptionTypeFlushTimeout, optionLenFlushTimeout, byte(*o.FlushTimeout), byte(*o.FlushTimeout>>8))
	}
	if o.QoS != nil {
		q := make([]byte, 2+optionLenQoS)
		q[0], q[1] = OptionTypeQoS, optionLenQoS
		q[2] = o.QoS.Flags
		q[3] = o.QoS.ServiceType
		binary.LittleEndian.PutUint32(q[4:], o.QoS.TokenRate)
		binary.LittleEndian.PutUint32(q[8:], o.QoS.TokenBucketSize)
		binary.LittleEndian.PutUint32(q[12:], o.QoS.PeakBandwidth)
		binary.LittleEndian.PutUint32(q[16:], o.QoS.Latency)
		binary.LittleEndian.PutUint32(q[20:], o.QoS.DelayVariation)
		b = append(b, q...)
	}
	if o.FCR != nil {
		f := make([]byte, 2+optionLenFCR)
		f[0], f[1] = OptionTypeFCR, optionLenFCR
		f[2] = byte(o.FCR.Mode)
		f[3] = o.FCR.TxWindow
		f[4] = o.FCR.MaxTransmit
		binary.LittleEndian.PutUint16(f[5:], o.FCR.RetransTimeout)
		binary.LittleEndian.PutUint16(f[7:], o.FCR.MonitorTimeout)
		binary.LittleEndian.PutUint16(f[9:], o.FCR.MPS)
		b = append(b, f...)
	}
	if o.FCS != nil {
		b = append(b, OptionTypeFCS, optionLenFCS, *o.FCS)
	}
	if o.ExtFlow != nil {
		e := make([]byte, 2+optionLenExtFlow)
		e[0], e[1] = OptionTypeExtFlow, optionLenExtFlow
		e[2] = o.ExtFlow.Identifier
		e[3] = o.ExtFlow.ServiceType
		binary.LittleEndian.PutUint16(e[4:], o.ExtFlow.MaxSDUSize)
		binary.LittleEndian.PutUint32(e[6:], o.ExtFlow.SDUInterArrival)
		binary.LittleEndian.PutUint32(e[10:], o.ExtFlow.AccessLatency)
		binary.LittleEndian.PutUint32(e[14:], o.ExtFlow.FlushTimeout)
		b = append(b, e...)
	}
	return b
}

// UnmarshalConfigOptions decodes a TLV stream. Unknown hint options are
// skipped; unknown non-hint option types are returned in rejected so the
// caller can build an "unknown options" response. A truncated stream or an
// option whose declared length does not match its type is an error.
func UnmarshalConfigOptions(buf []byte) (opts *ConfigOptions, rejected []uint8, err error) {
	opts = &ConfigOptions{}
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, nil, io.ErrShortBuffer
		}
		typ, olen := buf[0], int(buf[1])
		if len(buf) < 2+olen {
			return nil, nil, io.ErrShortBuffer
		}
		val := buf[2 : 2+olen]
		buf = buf[2+olen:]

		switch typ &^ optionHintBit {
		case OptionTypeMTU:
			if olen != optionLenMTU {
				return nil, nil, io.ErrShortBuffer
			}
			opts.MTU = u16p(binary.LittleEndian.Uint16(val))
		case OptionTypeFlushTimeout:
			if olen != optionLenFlushTimeout {
				return nil, nil, io.ErrShortBuffer
			}
			opts.FlushTimeout = u16p(binary.LittleEndian.Uint16(val))
		case OptionTypeQoS:
			if olen != optionLenQoS {
				return nil, nil, io.ErrShortBuffer
			}
			opts.QoS = &QoSOptions{
				Flags:           val[0],
				ServiceType:     val[1],
				TokenRate:       binary.LittleEndian.Uint32(val[2:]),
				TokenBucketSize: binary.LittleEndian.Uint32(val[6:]),
				PeakBandwidth:   binary.LittleEndian.Uint32(val[10:]),
				Latency:         binary.LittleEndian.Uint32(val[14:]),
				DelayVariation:  binary.LittleEndian.Uint32(val[18:]),
			}
		case OptionTypeFCR:
			if olen != optionLenFCR {
				return nil, nil, io.ErrShortBuffer
			}
			opts.FCR = &FCROptions{
				Mode:           FCRMode(val[0]),
				TxWindow:       val[1],
				MaxTransmit:    val[2],
				RetransTimeout: binary.LittleEndian.Uint16(val[3:]),
				MonitorTimeout: binary.LittleEndian.Uint16(val[5:]),
				MPS:            binary.LittleEndian.Uint16(val[7:]),
			}
		case OptionTypeFCS:
			if olen != optionLenFCS {
				return nil, nil, io.ErrShortBuffer
			}
			fcs := val[0]
			opts.FCS = &fcs
		case OptionTypeExtFlow:
			if olen != optionLenExtFlow {
				return nil, nil, io.ErrShortBuffer
			}
			opts.ExtFlow = &ExtFlowOptions{
				Identifier:      val[0],
				ServiceType:     val[1],
				MaxSDUSize:      binary.LittleEndian.Uint16(val[2:]),
				SDUInterArrival: binary.LittleEndian.Uint32(val[4:]),
				AccessLatency:   binary.LittleEndian.Uint32(val[8:]),
				FlushTimeout:    binary.LittleEndian.Uint32(val[12:]),
			}
		default:
			if typ&optionHintBit == 0 {
				rejected = append(rejected, typ)
			}
		}
	}
	return opts, rejected, nil
}
