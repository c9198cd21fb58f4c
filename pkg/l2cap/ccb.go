package l2cap

import (
	"time"

	"github.com/benbjohnson/clock"
)

type chanState uint8

const (
	stateClosed chanState = iota
	stateWaitSecurity
	stateWaitConnectRsp      // request sent, peer response pending
	stateWaitLocalConnectRsp // inbound request delivered, upper layer answer pending
	stateWaitConfig
	stateOpen
	stateWaitDisconnectRsp
)

func (st chanState) String() string {
	switch st {
	case stateClosed:
		return "CLOSED"
	case stateWaitSecurity:
		return "WAIT_SECURITY"
	case stateWaitConnectRsp:
		return "WAIT_CONNECT_RSP"
	case stateWaitLocalConnectRsp:
		return "WAIT_LOCAL_CONNECT_RSP"
	case stateWaitConfig:
		return "WAIT_CONFIG"
	case stateOpen:
		return "OPEN"
	case stateWaitDisconnectRsp:
		return "WAIT_DISCONNECT_RSP"
	}
	return "UNKNOWN"
}

// Configuration direction done bits. The channel opens when both are set.
const (
	cfgInboundDone  uint8 = 0x01
	cfgOutboundDone uint8 = 0x02
	cfgReconfig     uint8 = 0x04
)

// Priority selects the transmit scheduling class of a channel.
type Priority uint8

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// priorityWeight is the burst quota multiplier per priority step.
const priorityWeight = 5

func (p Priority) burstQuota() int { return (3 - int(p)) * priorityWeight }

// ccb is a channel control block: one per dynamic channel. Live objects are
// referenced by pool index, never by address held across release.
type ccb struct {
	inUse bool
	idx   int

	localCID  ChannelID
	remoteCID ChannelID
	psm       PSM
	lcbIdx    int
	rcbIdx    int
	state     chanState

	// localInitiated is true when this side sent the connection request.
	localInitiated bool

	// Outstanding request bookkeeping: the transaction id we used, the raw
	// command for retransmission, and how many retries remain.
	reqID      uint8
	lastReq    []byte
	reqRetries int
	reqTimeout time.Duration

	// rtxTimer guards the outstanding request. timerGen invalidates a fire
	// that raced a state change.
	rtxTimer *clock.Timer
	timerGen uint32

	// Negotiated transfer parameters. tx* applies to what we send, rx* to
	// what we accept.
	mode       FCRMode
	txMTU      uint16
	rxMTU      uint16
	txMPS      uint16
	rxMPS      uint16
	fcsEnabled bool

	cfgDone    uint8
	cfgTries   int
	localOpts  ConfigOptions
	peerOpts   ConfigOptions

	// Credit based flow control.
	creditBased bool
	txCredits   uint16
	rxCredits   uint16
	rxSDU       []byte
	rxSDULeft   int
	// txPending is the partially transmitted head SDU; txPendingStart is
	// true until its first K-frame (carrying the SDU length) has gone out.
	txPending      []byte
	txPendingStart bool

	fcr fcrState

	// Transmit hold queue and congestion bookkeeping.
	txQueue   [][]byte
	quota     int
	congested bool
	priority  Priority
}

// allocCCB takes a free slot and assigns its dynamic CID. The CID is derived
// from the slot index so it is unique for the life of the stack instance.
func (s *Stack) allocCCB(l *lcb, r *rcb) (*ccb, error) {
	for i := range s.ccbs {
		c := &s.ccbs[i]
		if c.inUse {
			continue
		}
		*c = ccb{
			inUse:    true,
			idx:      i,
			localCID: ChannelIDDynamicStart + ChannelID(i),
			lcbIdx:   l.idx,
			rcbIdx:   -1,
			quota:    s.cfg.TxQuota,
			rxMTU:    DefaultMTU,
			txMTU:    DefaultMTU,
			priority: PriorityLow,
		}
		if r != nil {
			c.rcbIdx = r.idx
			c.psm = r.psm
		}
		l.attachCCB(c.idx)
		return c, nil
	}
	return nil, ErrNoResources
}

func (s *Stack) findCCB(cid ChannelID) *ccb {
	if !cid.IsDynamic() {
		return nil
	}
	i := int(cid - ChannelIDDynamicStart)
	if i < 0 || i >= len(s.ccbs) || !s.ccbs[i].inUse {
		return nil
	}
	return &s.ccbs[i]
}

func (s *Stack) findCCBOnLink(l *lcb, cid ChannelID) *ccb {
	c := s.findCCB(cid)
	if c == nil || c.lcbIdx != l.idx {
		return nil
	}
	return c
}

// findCCBByRemote resolves a peer assigned CID, used when the peer addresses
// us by the source CID it chose.
func (s *Stack) findCCBByRemote(l *lcb, remote ChannelID) *ccb {
	for i := range s.ccbs {
		c := &s.ccbs[i]
		if c.inUse && c.lcbIdx == l.idx && c.remoteCID == remote {
			return c
		}
	}
	return nil
}

// releaseCCB cancels timers, detaches from the link and zeroes every field
// before the slot is reused. Partial resets leak negotiation state into the
// next channel that lands on the slot.
func (s *Stack) releaseCCB(c *ccb) {
	c.stopRTX()
	c.fcr.stopTimers()
	if l := s.lcbAt(c.lcbIdx); l != nil {
		l.detachCCB(c.idx)
		s.checkLinkIdle(l)
	}
	*c = ccb{idx: c.idx}
}

func (c *ccb) stopRTX() {
	c.timerGen++
	if c.rtxTimer != nil {
		c.rtxTimer.Stop()
		c.rtxTimer = nil
	}
}

func (c *ccb) rcb(s *Stack) *rcb {
	if c.rcbIdx < 0 || c.rcbIdx >= len(s.rcbs) || !s.rcbs[c.rcbIdx].inUse {
		return nil
	}
	return &s.rcbs[c.rcbIdx]
}
