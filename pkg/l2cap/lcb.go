package l2cap

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// PeerAddr identifies a remote device.
type PeerAddr [6]byte

func (a PeerAddr) String() string {
	const hex = "0123456789abcdef"
	b := make([]byte, 0, 17)
	for i := 5; i >= 0; i-- {
		b = append(b, hex[a[i]>>4], hex[a[i]&0xf])
		if i > 0 {
			b = append(b, ':')
		}
	}
	return string(b)
}

type linkState uint8

const (
	linkIdle linkState = iota
	linkOpening
	linkOpen
	linkClosing
)

func (st linkState) String() string {
	switch st {
	case linkIdle:
		return "IDLE"
	case linkOpening:
		return "OPENING"
	case linkOpen:
		return "OPEN"
	case linkClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// pendingConnect is an API connect accepted while the link was still coming
// up; it resumes when the transport reports the link.
type pendingConnect struct {
	ccbIdx int
}

// lcb is a link control block: one per physical connection.
type lcb struct {
	inUse  bool
	idx    int
	peer   PeerAddr
	kind   TransportKind
	handle uint16
	state  linkState

	// reconnect re-opens the link as soon as the in-flight close completes,
	// so disconnect-then-connect API sequences do not race.
	reconnect bool

	// nextID is the signalling transaction id counter. Zero is never used.
	nextID uint8

	// infoDone is set once the information exchange with the peer finished;
	// classic dynamic channels hold their connect request until then.
	infoDone  bool
	infoReqID uint8

	// channels holds ccb pool indices in priority order.
	channels []int

	pending []pendingConnect

	// in-flight echo initiated locally.
	echoID    uint8
	echoCb    func([]byte, error)
	echoTimer *clock.Timer

	// in-flight enhanced reconfigure initiated locally.
	reconfigID   uint8
	reconfigCIDs []int
	reconfigMTU  uint16
	reconfigMPS  uint16

	idleTimer *clock.Timer
	idleGen   uint32
}

func (l *lcb) nextIdentifier() uint8 {
	l.nextID++
	if l.nextID == 0 {
		l.nextID = 1
	}
	return l.nextID
}

// attachCCB appends the channel to the link list; sortChannels restores
// priority order when it changes. Any new activity also cancels a pending
// idle teardown.
func (l *lcb) attachCCB(idx int) {
	l.channels = append(l.channels, idx)
	l.stopIdleTimer()
}

func (l *lcb) detachCCB(idx int) {
	for i, ci := range l.channels {
		if ci == idx {
			l.channels = append(l.channels[:i], l.channels[i+1:]...)
			return
		}
	}
}

func (l *lcb) stopIdleTimer() {
	l.idleGen++
	if l.idleTimer != nil {
		l.idleTimer.Stop()
		l.idleTimer = nil
	}
}

// sortChannels restores priority order after a SetPriority call.
func (s *Stack) sortChannels(l *lcb) {
	chs := l.channels
	for i := 1; i < len(chs); i++ {
		for j := i; j > 0 && s.ccbs[chs[j]].priority < s.ccbs[chs[j-1]].priority; j-- {
			chs[j], chs[j-1] = chs[j-1], chs[j]
		}
	}
}

func (s *Stack) lcbAt(idx int) *lcb {
	if idx < 0 || idx >= len(s.lcbs) || !s.lcbs[idx].inUse {
		return nil
	}
	return &s.lcbs[idx]
}

func (s *Stack) allocLCB(peer PeerAddr, kind TransportKind) (*lcb, error) {
	for i := range s.lcbs {
		l := &s.lcbs[i]
		if !l.inUse {
			*l = lcb{inUse: true, idx: i, peer: peer, kind: kind, state: linkIdle}
			return l, nil
		}
	}
	return nil, ErrNoResources
}

func (s *Stack) findLCBByPeer(peer PeerAddr, kind TransportKind) *lcb {
	for i := range s.lcbs {
		l := &s.lcbs[i]
		if l.inUse && l.peer == peer && l.kind == kind {
			return l
		}
	}
	return nil
}

func (s *Stack) findLCBByHandle(handle uint16) *lcb {
	for i := range s.lcbs {
		l := &s.lcbs[i]
		if l.inUse && l.state != linkIdle && l.handle == handle {
			return l
		}
	}
	return nil
}

// releaseLCB returns the slot to the pool. All channels must already be
// gone; the caller tears them down first so each owner gets its indication.
func (s *Stack) releaseLCB(l *lcb) {
	l.stopIdleTimer()
	if l.echoTimer != nil {
		l.echoTimer.Stop()
	}
	if cb := l.echoCb; cb != nil {
		s.dispatch(func() { cb(nil, ErrClosed) })
	}
	*l = lcb{idx: l.idx}
}

// checkLinkIdle starts the idle teardown timer once a link carries no
// channels. Channel activity cancels it via attachCCB.
func (s *Stack) checkLinkIdle(l *lcb) {
	if l.state != linkOpen || len(l.channels) > 0 || len(l.pending) > 0 {
		return
	}
	if s.cfg.IdleTimeout < 0 {
		return
	}
	l.stopIdleTimer()
	gen := l.idleGen
	idx := l.idx
	l.idleTimer = s.clk.AfterFunc(s.cfg.IdleTimeout, func() {
		s.post(func() {
			li := s.lcbAt(idx)
			if li == nil || li.idleGen != gen {
				return
			}
			s.log.Debug("idle timeout, closing link", zap.String("peer", li.peer.String()))
			s.closeLink(li)
		})
	})
}

// closeLink asks the transport to drop the link. Completion arrives through
// OnLinkDown.
func (s *Stack) closeLink(l *lcb) {
	if l.state == linkClosing {
		return
	}
	l.state = linkClosing
	if err := s.tr.DisconnectLink(l.handle); err != nil {
		s.log.Warn("transport disconnect failed", zap.Error(err))
		// force the teardown locally so the pool is not leaked.
		s.linkDown(l)
	}
}

// linkDown drives LINK_DOWN into every channel on the link and releases the
// link. Runs for both transport initiated and locally forced teardowns.
// Connects parked while the link was closing survive a flagged reconnect:
// they move to the re-allocated link and resume once it is back up.
func (s *Stack) linkDown(l *lcb) {
	parked := make(map[int]bool, len(l.pending))
	for _, p := range l.pending {
		parked[p.ccbIdx] = true
	}
	reconnect := l.reconnect
	// snapshot: csmEvent releases ccbs and mutates l.channels.
	chs := append([]int(nil), l.channels...)
	for _, ci := range chs {
		c := &s.ccbs[ci]
		if c.inUse && !(reconnect && parked[ci]) {
			s.csmEvent(c, evLinkDown, nil)
		}
	}
	pending := l.pending
	l.pending = nil
	peer, kind := l.peer, l.kind
	s.releaseLCB(l)
	if reconnect {
		nl, err := s.connectLink(peer, kind)
		if err == nil {
			for _, p := range pending {
				if c := &s.ccbs[p.ccbIdx]; c.inUse {
					c.lcbIdx = nl.idx
					nl.attachCCB(p.ccbIdx)
					nl.pending = append(nl.pending, p)
				}
			}
			return
		}
		s.log.Warn("reconnect failed", zap.String("peer", peer.String()), zap.Error(err))
	}
	for _, p := range pending {
		c := &s.ccbs[p.ccbIdx]
		if c.inUse {
			s.csmEvent(c, evLinkDown, nil)
		}
	}
}

// connectLink finds or creates the link control block for a peer and kicks
// the transport if the link is not yet up.
func (s *Stack) connectLink(peer PeerAddr, kind TransportKind) (*lcb, error) {
	if l := s.findLCBByPeer(peer, kind); l != nil {
		if l.state == linkClosing {
			l.reconnect = true
		}
		return l, nil
	}
	l, err := s.allocLCB(peer, kind)
	if err != nil {
		return nil, err
	}
	l.state = linkOpening
	if err := s.tr.CreateLink(peer, kind); err != nil {
		s.releaseLCB(l)
		return nil, err
	}
	return l, nil
}
