package l2cap

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

type Frame interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

func UnmarshalFrame(buf []byte) (Frame, error) {
	if len(buf) < 4 {
		return nil, io.ErrShortBuffer
	}
	cid := binary.LittleEndian.Uint16(buf[2:])
	var f Frame
	switch ChannelID(cid) {
	case ChannelIDConnectionless:
		f = &GFrame{}
	default:
		f = &BFrame{}
	}
	return f, f.Unmarshal(buf)
}

// BFrame is the basic L2CAP frame: [len:2][cid:2][payload].
type BFrame struct {
	ChannelID
	Payload []byte
}

func (f *BFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > math.MaxUint16 {
		return nil, errors.New("payload too large")
	}
	buf := make([]byte, 4+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[2:], uint16(f.ChannelID))
	copy(buf[4:], f.Payload)
	return buf, nil
}

func (f *BFrame) Unmarshal(buf []byte) error {
	if len(buf) < 4 || uint16(len(buf)-4) != binary.LittleEndian.Uint16(buf[0:]) {
		return io.ErrShortBuffer
	}
	f.ChannelID = ChannelID(binary.LittleEndian.Uint16(buf[2:]))
	f.Payload = buf[4:]
	return nil
}

// GFrame is the connectionless frame: a B-frame on CID 0x0002 whose payload
// is prefixed with the destination PSM.
type GFrame struct {
	PSM     PSM
	Payload []byte
}

func (f *GFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > math.MaxUint16-2 {
		return nil, errors.New("payload too large")
	}
	buf := make([]byte, 6+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(f.Payload)+2))
	binary.LittleEndian.PutUint16(buf[2:], uint16(ChannelIDConnectionless))
	binary.LittleEndian.PutUint16(buf[4:], uint16(f.PSM))
	copy(buf[6:], f.Payload)
	return buf, nil
}

func (f *GFrame) Unmarshal(buf []byte) error {
	if len(buf) < 6 {
		return io.ErrShortBuffer
	}
	if uint16(len(buf)-6) != binary.LittleEndian.Uint16(buf[0:]) {
		return io.ErrShortBuffer
	}
	if binary.LittleEndian.Uint16(buf[2:]) != uint16(ChannelIDConnectionless) {
		return errors.New("incorrect channel id")
	}
	f.PSM = PSM(binary.LittleEndian.Uint16(buf[4:]))
	f.Payload = buf[6:]
	return nil
}

// Segmented mode control word, the leading 16 bits of every I- and S-frame.
//
//	I-frame: [SAR:2][ReqSeq:6][F:1][TxSeq:6][0]
//	S-frame: [SAR:2][ReqSeq:6][F:1][P:1][..][S:2][1]
type ControlWord uint16

type SAR uint8

const (
	SARUnsegmented  SAR = 0
	SARStart        SAR = 1
	SAREnd          SAR = 2
	SARContinuation SAR = 3
)

type Supervisory uint8

const (
	SupervisoryRR   Supervisory = 0
	SupervisoryREJ  Supervisory = 1
	SupervisoryRNR  Supervisory = 2
	SupervisorySREJ Supervisory = 3
)

const (
	ctrlSFrameBit   = 0x0001
	ctrlTxSeqBits   = 0x007E
	ctrlTxSeqShift  = 1
	ctrlSupBits     = 0x000C
	ctrlSupShift    = 2
	ctrlPollBit     = 0x0010
	ctrlFinalBit    = 0x0080
	ctrlReqSeqBits  = 0x3F00
	ctrlReqSeqShift = 8
	ctrlSARBits     = 0xC000
	ctrlSARShift    = 14
)

func NewIFrameControl(txSeq, reqSeq uint8, sar SAR) ControlWord {
	return ControlWord(uint16(txSeq)<<ctrlTxSeqShift&ctrlTxSeqBits |
		uint16(reqSeq)<<ctrlReqSeqShift&ctrlReqSeqBits |
		uint16(sar)<<ctrlSARShift)
}

func NewSFrameControl(sup Supervisory, reqSeq uint8, poll, final bool) ControlWord {
	w := ControlWord(ctrlSFrameBit |
		uint16(sup)<<ctrlSupShift&ctrlSupBits |
		uint16(reqSeq)<<ctrlReqSeqShift&ctrlReqSeqBits)
	if poll {
		w |= ctrlPollBit
	}
	if final {
		w |= ctrlFinalBit
	}
	return w
}

func (w ControlWord) IsSFrame() bool { return w&ctrlSFrameBit != 0 }
func (w ControlWord) TxSeq() uint8   { return uint8(w & ctrlTxSeqBits >> ctrlTxSeqShift) }
func (w ControlWord) ReqSeq() uint8  { return uint8(w & ctrlReqSeqBits >> ctrlReqSeqShift) }
func (w ControlWord) SAR() SAR       { return SAR(w & ctrlSARBits >> ctrlSARShift) }
func (w ControlWord) Poll() bool     { return w&ctrlPollBit != 0 }
func (w ControlWord) Final() bool    { return w&ctrlFinalBit != 0 }

func (w ControlWord) Supervisory() Supervisory { return Supervisory(w & ctrlSupBits >> ctrlSupShift) }
