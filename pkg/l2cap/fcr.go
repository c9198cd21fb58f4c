package l2cap

import (
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Segmented (retransmission) mode engine: SDUs larger than the peer's MPS
// are split into sequenced I-frames, acknowledged through the ReqSeq field,
// and retransmitted from a bounded window until acknowledged or the retry
// budget is spent. Basic mode channels bypass this file entirely.

type fcrTxFrame struct {
	seq       uint8
	sar       SAR
	info      []byte // segment payload, SDU length prefix included on start frames
	transmits int
}

type fcrState struct {
	txWindow    uint8
	maxTransmit uint8
	retransTO   time.Duration
	monitorTO   time.Duration

	nextTxSeq     uint8
	expectedAck   uint8
	expectedTxSeq uint8
	unacked       []fcrTxFrame
	remoteBusy    bool
	rejSent       bool
	retries       int

	// partially segmented head SDU
	txSDU     []byte
	txSDULen  int
	txStarted bool

	// reassembly
	rxSDU    []byte
	rxSDULen int
	inSDU    bool

	retransTimer *clock.Timer
	monitorTimer *clock.Timer
	timerGen     uint32
}

func (f *fcrState) stopTimers() {
	f.timerGen++
	if f.retransTimer != nil {
		f.retransTimer.Stop()
		f.retransTimer = nil
	}
	if f.monitorTimer != nil {
		f.monitorTimer.Stop()
		f.monitorTimer = nil
	}
}

// fcrInit seeds the engine from the negotiated options when the channel
// opens. Negotiated timeouts below the protocol minimums are raised to them.
func (s *Stack) fcrInit(c *ccb) {
	f := &c.fcr
	f.txWindow = s.cfg.TxWindow
	f.maxTransmit = s.cfg.MaxTransmit
	f.retransTO = s.cfg.RetransTimeout
	f.monitorTO = s.cfg.MonitorTimeout
	if p := c.peerOpts.FCR; p != nil {
		if p.TxWindow > 0 && p.TxWindow < seqModulo {
			f.txWindow = p.TxWindow
		}
		if p.MaxTransmit > 0 {
			f.maxTransmit = p.MaxTransmit
		}
		if to := time.Duration(p.RetransTimeout) * time.Millisecond; to > f.retransTO {
			f.retransTO = to
		}
		if to := time.Duration(p.MonitorTimeout) * time.Millisecond; to > f.monitorTO {
			f.monitorTO = to
		}
	}
	if c.txMPS == 0 {
		c.txMPS = MaxMPS
	} else if c.txMPS < MinMPS {
		c.txMPS = MinMPS
	}
}

// fcrSendNext segments and transmits from the head SDU while the window has
// room. Returns false when transmission must pause.
func (s *Stack) fcrSendNext(c *ccb) bool {
	f := &c.fcr
	if f.txSDU == nil {
		f.txSDU = c.txQueue[0]
		c.txQueue = c.txQueue[1:]
		f.txSDULen = len(f.txSDU)
		f.txStarted = false
	}
	for {
		if len(f.unacked) >= int(f.txWindow) || f.remoteBusy {
			return false
		}
		n := int(c.txMPS)
		if n < MinMPS {
			// negotiation never admits an MPS this small; the slice math
			// below relies on the floor.
			n = MinMPS
		}
		var sar SAR
		var info []byte
		switch {
		case !f.txStarted && f.txSDULen <= n:
			sar = SARUnsegmented
			info = f.txSDU
		case !f.txStarted:
			sar = SARStart
			// the start frame carries the total SDU length.
			seg := f.txSDU[:n-2]
			info = make([]byte, 2+len(seg))
			binary.LittleEndian.PutUint16(info, uint16(f.txSDULen))
			copy(info[2:], seg)
			f.txSDU = f.txSDU[n-2:]
		case len(f.txSDU) <= n:
			sar = SAREnd
			info = f.txSDU
		default:
			sar = SARContinuation
			info = f.txSDU[:n]
			f.txSDU = f.txSDU[n:]
		}
		frame := fcrTxFrame{seq: f.nextTxSeq, sar: sar, info: info}
		f.nextTxSeq = (f.nextTxSeq + 1) % seqModulo
		f.unacked = append(f.unacked, frame)
		s.fcrTransmit(c, &f.unacked[len(f.unacked)-1])
		s.fcrStartRetransTimer(c)
		f.txStarted = true
		if sar == SARUnsegmented || sar == SAREnd {
			f.txSDU = nil
			f.txStarted = false
			return true
		}
	}
}

func (s *Stack) fcrTransmit(c *ccb, fr *fcrTxFrame) {
	fr.transmits++
	ctrl := NewIFrameControl(fr.seq, c.fcr.expectedTxSeq, fr.sar)
	pdu := make([]byte, 2+len(fr.info))
	binary.LittleEndian.PutUint16(pdu, uint16(ctrl))
	copy(pdu[2:], fr.info)
	if c.fcsEnabled {
		pdu = appendFCS(pdu)
	}
	s.sendFrame(s.lcbAt(c.lcbIdx), c.remoteCID, pdu)
}

func (s *Stack) fcrSendSFrame(c *ccb, sup Supervisory, poll, final bool) {
	ctrl := NewSFrameControl(sup, c.fcr.expectedTxSeq, poll, final)
	pdu := make([]byte, 2)
	binary.LittleEndian.PutUint16(pdu, uint16(ctrl))
	if c.fcsEnabled {
		pdu = appendFCS(pdu)
	}
	s.sendFrame(s.lcbAt(c.lcbIdx), c.remoteCID, pdu)
}

// fcrReceive handles one inbound PDU on a segmented mode channel.
func (s *Stack) fcrReceive(c *ccb, buf []byte) {
	f := &c.fcr
	min := 2
	if c.fcsEnabled {
		min += 2
	}
	if len(buf) < min {
		s.failChannel(c, DisconnectReasonProtocolViolation)
		return
	}
	if c.fcsEnabled {
		body := buf[:len(buf)-2]
		want := binary.LittleEndian.Uint16(buf[len(buf)-2:])
		if fcs16(body) != want {
			// corrupted frame; the retransmission protocol recovers it.
			s.log.Debug("bad fcs, frame dropped", zap.Uint16("cid", uint16(c.localCID)))
			return
		}
		buf = body
	}
	ctrl := ControlWord(binary.LittleEndian.Uint16(buf))
	info := buf[2:]

	if !s.fcrProcessAck(c, ctrl.ReqSeq()) {
		return
	}

	if ctrl.IsSFrame() {
		switch ctrl.Supervisory() {
		case SupervisoryRR:
			f.remoteBusy = false
			s.fcrStopMonitor(c)
			s.serviceChannel(c)
		case SupervisoryREJ:
			f.remoteBusy = false
			s.fcrRetransmitFrom(c, ctrl.ReqSeq())
		case SupervisoryRNR:
			f.remoteBusy = true
			s.fcrStartMonitor(c)
		case SupervisorySREJ:
			s.fcrRetransmitOne(c, ctrl.ReqSeq())
		}
		return
	}

	seq := ctrl.TxSeq()
	if seq != f.expectedTxSeq {
		// out of sequence: ask for a resend from the hole, once.
		if !f.rejSent {
			f.rejSent = true
			s.fcrSendSFrame(c, SupervisoryREJ, false, false)
		}
		return
	}
	f.expectedTxSeq = (f.expectedTxSeq + 1) % seqModulo
	f.rejSent = false
	s.fcrReassemble(c, ctrl.SAR(), info)
	if c.state == stateOpen {
		s.fcrSendSFrame(c, SupervisoryRR, false, false)
	}
}

// fcrProcessAck retires acknowledged frames from the retransmission window.
// An acknowledgment for a frame never sent is a protocol violation.
func (s *Stack) fcrProcessAck(c *ccb, reqSeq uint8) bool {
	f := &c.fcr
	outstanding := (f.nextTxSeq - f.expectedAck + seqModulo) % seqModulo
	acked := (reqSeq - f.expectedAck + seqModulo) % seqModulo
	if acked > outstanding {
		s.failChannel(c, DisconnectReasonProtocolViolation)
		return false
	}
	if acked > 0 {
		f.unacked = f.unacked[acked:]
		f.expectedAck = reqSeq
		f.retries = 0
		if len(f.unacked) == 0 {
			s.fcrStopRetransTimer(c)
		} else {
			s.fcrStartRetransTimer(c)
		}
	}
	return true
}

func (s *Stack) fcrRetransmitFrom(c *ccb, seq uint8) {
	f := &c.fcr
	start := (seq - f.expectedAck + seqModulo) % seqModulo
	if int(start) >= len(f.unacked) {
		return
	}
	for i := int(start); i < len(f.unacked); i++ {
		fr := &f.unacked[i]
		if fr.transmits >= int(f.maxTransmit) {
			s.failChannel(c, DisconnectReasonTimeout)
			return
		}
		s.fcrTransmit(c, fr)
	}
	s.fcrStartRetransTimer(c)
}

func (s *Stack) fcrRetransmitOne(c *ccb, seq uint8) {
	f := &c.fcr
	i := (seq - f.expectedAck + seqModulo) % seqModulo
	if int(i) >= len(f.unacked) {
		return
	}
	fr := &f.unacked[i]
	if fr.transmits >= int(f.maxTransmit) {
		s.failChannel(c, DisconnectReasonTimeout)
		return
	}
	s.fcrTransmit(c, fr)
}

func (s *Stack) fcrReassemble(c *ccb, sar SAR, info []byte) {
	f := &c.fcr
	switch sar {
	case SARUnsegmented:
		if f.inSDU || len(info) > int(c.rxMTU) {
			s.failChannel(c, DisconnectReasonProtocolViolation)
			return
		}
		s.notifyData(c, info)
	case SARStart:
		if f.inSDU || len(info) < 2 {
			s.failChannel(c, DisconnectReasonProtocolViolation)
			return
		}
		f.rxSDULen = int(binary.LittleEndian.Uint16(info))
		if f.rxSDULen > int(c.rxMTU) {
			s.failChannel(c, DisconnectReasonProtocolViolation)
			return
		}
		f.inSDU = true
		f.rxSDU = append([]byte(nil), info[2:]...)
	case SARContinuation, SAREnd:
		if !f.inSDU || len(f.rxSDU)+len(info) > f.rxSDULen {
			s.failChannel(c, DisconnectReasonProtocolViolation)
			return
		}
		f.rxSDU = append(f.rxSDU, info...)
		if sar == SAREnd {
			if len(f.rxSDU) != f.rxSDULen {
				s.failChannel(c, DisconnectReasonProtocolViolation)
				return
			}
			s.notifyData(c, f.rxSDU)
			f.rxSDU = nil
			f.inSDU = false
		}
	}
}

func (s *Stack) fcrStartRetransTimer(c *ccb) {
	f := &c.fcr
	f.timerGen++
	gen := f.timerGen
	idx := c.idx
	if f.retransTimer != nil {
		f.retransTimer.Stop()
	}
	f.retransTimer = s.clk.AfterFunc(f.retransTO, func() {
		s.post(func() {
			cc := &s.ccbs[idx]
			if !cc.inUse || cc.fcr.timerGen != gen || cc.state != stateOpen {
				return
			}
			s.fcrRetransTimeout(cc)
		})
	})
}

func (s *Stack) fcrStopRetransTimer(c *ccb) {
	f := &c.fcr
	f.timerGen++
	if f.retransTimer != nil {
		f.retransTimer.Stop()
		f.retransTimer = nil
	}
}

func (s *Stack) fcrRetransTimeout(c *ccb) {
	f := &c.fcr
	f.retries++
	if f.retries > int(f.maxTransmit) || len(f.unacked) == 0 {
		s.log.Warn("retransmission budget exhausted",
			zap.Uint16("cid", uint16(c.localCID)))
		s.failChannel(c, DisconnectReasonTimeout)
		return
	}
	for i := range f.unacked {
		if f.unacked[i].transmits >= int(f.maxTransmit) {
			s.failChannel(c, DisconnectReasonTimeout)
			return
		}
		s.fcrTransmit(c, &f.unacked[i])
	}
	s.fcrStartRetransTimer(c)
}

func (s *Stack) fcrStartMonitor(c *ccb) {
	f := &c.fcr
	f.timerGen++
	gen := f.timerGen
	idx := c.idx
	if f.monitorTimer != nil {
		f.monitorTimer.Stop()
	}
	f.monitorTimer = s.clk.AfterFunc(f.monitorTO, func() {
		s.post(func() {
			cc := &s.ccbs[idx]
			if !cc.inUse || cc.fcr.timerGen != gen || cc.state != stateOpen {
				return
			}
			// poll the busy peer for a window update.
			s.fcrSendSFrame(cc, SupervisoryRR, true, false)
			s.fcrStartMonitor(cc)
		})
	})
}

func (s *Stack) fcrStopMonitor(c *ccb) {
	f := &c.fcr
	if f.monitorTimer != nil {
		f.timerGen++
		f.monitorTimer.Stop()
		f.monitorTimer = nil
	}
}

// fcs16 is the frame check sequence: CRC-16 with the reversed 0x8005
// polynomial, zero initial value, over control word and information payload.
func fcs16(b []byte) uint16 {
	var crc uint16
	for _, x := range b {
		crc ^= uint16(x)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendFCS(b []byte) []byte {
	crc := fcs16(b)
	return append(b, byte(crc), byte(crc>>8))
}
