package l2cap

import (
	"encoding/binary"
	"math"

	"go.uber.org/zap"
)

// Credit based flow control for LE channels. The peer may send exactly as
// many K-frames as it holds credits; we replenish once its balance falls to
// the low-water mark. Outbound frames block (stay queued) at zero credits.

// creditSendNext emits one K-frame if a credit is available. Returns false
// when transmission must pause (out of credits).
func (s *Stack) creditSendNext(c *ccb) bool {
	if c.txPending == nil {
		sdu := c.txQueue[0]
		c.txQueue = c.txQueue[1:]
		hdr := make([]byte, 2, 2+len(sdu))
		binary.LittleEndian.PutUint16(hdr, uint16(len(sdu)))
		c.txPending = append(hdr, sdu...)
		c.txPendingStart = true
	}
	for len(c.txPending) > 0 {
		if c.txCredits == 0 {
			return false
		}
		n := int(c.txMPS)
		if n > len(c.txPending) {
			n = len(c.txPending)
		}
		c.txCredits--
		s.sendFrame(s.lcbAt(c.lcbIdx), c.remoteCID, c.txPending[:n])
		c.txPending = c.txPending[n:]
		c.txPendingStart = false
	}
	c.txPending = nil
	return true
}

// creditGrantReceived applies a peer credit indication. A grant that would
// overflow the counter is a protocol violation and closes the channel.
func (s *Stack) creditGrantReceived(c *ccb, credits uint16) {
	if credits == 0 {
		return
	}
	if int(c.txCredits)+int(credits) > math.MaxUint16 {
		s.log.Warn("credit overflow from peer",
			zap.Uint16("cid", uint16(c.localCID)))
		s.failChannel(c, DisconnectReasonProtocolViolation)
		return
	}
	c.txCredits += credits
	s.serviceChannel(c)
}

// creditReceive handles one inbound K-frame.
func (s *Stack) creditReceive(c *ccb, buf []byte) {
	if c.rxCredits == 0 {
		// the peer sent beyond its granted budget.
		s.log.Warn("data received with zero credits",
			zap.Uint16("cid", uint16(c.localCID)))
		s.failChannel(c, DisconnectReasonProtocolViolation)
		return
	}
	c.rxCredits--

	if c.rxSDULeft == 0 {
		if len(buf) < 2 {
			s.failChannel(c, DisconnectReasonProtocolViolation)
			return
		}
		c.rxSDULeft = int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		if c.rxSDULeft > int(c.rxMTU) {
			s.failChannel(c, DisconnectReasonProtocolViolation)
			return
		}
	}
	if len(buf) > c.rxSDULeft || len(buf) > int(c.rxMPS) {
		s.failChannel(c, DisconnectReasonProtocolViolation)
		return
	}
	c.rxSDU = append(c.rxSDU, buf...)
	c.rxSDULeft -= len(buf)
	if c.rxSDULeft == 0 {
		s.notifyData(c, c.rxSDU)
		c.rxSDU = nil
	}
	s.replenishCredits(c)
}

// replenishCredits tops the remote side back up once it crosses the
// low-water mark.
func (s *Stack) replenishCredits(c *ccb) {
	if c.rxCredits > s.cfg.CreditLowWater {
		return
	}
	grant := s.cfg.DefaultCredits
	c.rxCredits += grant
	l := s.lcbAt(c.lcbIdx)
	s.sendPacket(l, &FlowControlCreditIndicationPacket{
		Identifier: l.nextIdentifier(),
		CID:        c.localCID,
		Credits:    grant,
	})
}
