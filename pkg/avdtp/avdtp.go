// Package avdtp multiplexes audio/video distribution sessions over dynamic
// channels. Each peer gets up to one channel per channel type, tracked in a
// fixed transport channel table so teardown can always find and reset the
// slot.
package avdtp

import (
	"sync"

	"go.uber.org/zap"

	"github.com/muxable/l2cap/pkg/l2cap"
)

// PSM is the protocol's registered service multiplexer value.
const PSM l2cap.PSM = 0x0019

// ChannelType orders the channels of one session: signalling first, then
// media, then reporting. Inbound channels are typed by arrival order.
type ChannelType uint8

const (
	ChannelSignalling ChannelType = iota
	ChannelMedia
	ChannelReport
	numChannelTypes
)

func (t ChannelType) String() string {
	switch t {
	case ChannelSignalling:
		return "signalling"
	case ChannelMedia:
		return "media"
	case ChannelReport:
		return "report"
	}
	return "unknown"
}

type tcState uint8

const (
	tcIdle tcState = iota
	tcAcquiring
	tcConnected
	tcReleasing
)

// tcb is one transport channel table entry.
type tcb struct {
	inUse bool
	peer  l2cap.PeerAddr
	typ   ChannelType
	cid   l2cap.ChannelID
	state tcState
}

// SessionHandler receives session level indications.
type SessionHandler interface {
	OnChannelOpen(peer l2cap.PeerAddr, typ ChannelType, cid l2cap.ChannelID)
	OnChannelClose(peer l2cap.PeerAddr, typ ChannelType)
	OnMessage(peer l2cap.PeerAddr, typ ChannelType, data []byte)
}

// Manager owns the transport channel table and the PSM registration.
type Manager struct {
	stack *l2cap.Stack
	log   *zap.Logger

	mu      sync.Mutex
	table   []tcb
	handler SessionHandler
	svc     l2cap.ServiceHandle
}

// NewManager registers the protocol's PSM on the stack. maxChannels bounds
// the transport channel table.
func NewManager(stack *l2cap.Stack, h SessionHandler, maxChannels int, log *zap.Logger) (*Manager, error) {
	if maxChannels <= 0 {
		maxChannels = 8
	}
	m := &Manager{
		stack:   stack,
		log:     log,
		table:   make([]tcb, maxChannels),
		handler: h,
	}
	svc, err := stack.Register(PSM, (*l2capHandler)(m))
	if err != nil {
		return nil, err
	}
	m.svc = svc
	return m, nil
}

// Close deregisters the PSM, force closing every channel in the table.
func (m *Manager) Close() error {
	err := m.stack.Deregister(m.svc)
	m.mu.Lock()
	for i := range m.table {
		m.table[i] = tcb{}
	}
	m.mu.Unlock()
	return err
}

// Open establishes the channel of the given type to the peer. The
// signalling channel must come up before media or reporting.
func (m *Manager) Open(peer l2cap.PeerAddr, typ ChannelType) error {
	if typ >= numChannelTypes {
		return l2cap.ErrIllegalParameter
	}
	m.mu.Lock()
	if m.findTCB(peer, typ) != nil {
		m.mu.Unlock()
		return l2cap.ErrWrongState
	}
	if typ != ChannelSignalling {
		sig := m.findTCB(peer, ChannelSignalling)
		if sig == nil || sig.state != tcConnected {
			m.mu.Unlock()
			return l2cap.ErrWrongState
		}
	}
	t := m.allocTCB(peer, typ)
	if t == nil {
		m.mu.Unlock()
		return l2cap.ErrNoResources
	}
	t.state = tcAcquiring
	m.mu.Unlock()

	cid, err := m.stack.Connect(peer, PSM)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		*t = tcb{}
		return err
	}
	t.cid = cid
	return nil
}

// Send writes one message on the peer's channel of the given type.
func (m *Manager) Send(peer l2cap.PeerAddr, typ ChannelType, data []byte) error {
	m.mu.Lock()
	t := m.findTCB(peer, typ)
	if t == nil || t.state != tcConnected {
		m.mu.Unlock()
		return l2cap.ErrWrongState
	}
	cid := t.cid
	m.mu.Unlock()
	return m.stack.SendData(cid, data)
}

// CloseChannel releases the peer's channel of the given type.
func (m *Manager) CloseChannel(peer l2cap.PeerAddr, typ ChannelType) error {
	m.mu.Lock()
	t := m.findTCB(peer, typ)
	if t == nil || t.state == tcReleasing {
		m.mu.Unlock()
		return l2cap.ErrWrongState
	}
	t.state = tcReleasing
	cid := t.cid
	m.mu.Unlock()
	return m.stack.Disconnect(cid)
}

// locked
func (m *Manager) findTCB(peer l2cap.PeerAddr, typ ChannelType) *tcb {
	for i := range m.table {
		t := &m.table[i]
		if t.inUse && t.peer == peer && t.typ == typ {
			return t
		}
	}
	return nil
}

// locked
func (m *Manager) findTCBByCID(cid l2cap.ChannelID) *tcb {
	for i := range m.table {
		t := &m.table[i]
		if t.inUse && t.cid == cid {
			return t
		}
	}
	return nil
}

// locked
func (m *Manager) allocTCB(peer l2cap.PeerAddr, typ ChannelType) *tcb {
	for i := range m.table {
		t := &m.table[i]
		if !t.inUse {
			*t = tcb{inUse: true, peer: peer, typ: typ}
			return t
		}
	}
	return nil
}

// locked. nextInboundType assigns the type of a peer initiated channel by
// arrival order: signalling, media, report.
func (m *Manager) nextInboundType(peer l2cap.PeerAddr) (ChannelType, bool) {
	for typ := ChannelSignalling; typ < numChannelTypes; typ++ {
		if m.findTCB(peer, typ) == nil {
			return typ, true
		}
	}
	return 0, false
}

// release fully resets the slot; a partially cleared entry would type the
// peer's next inbound channel wrong.
func (m *Manager) release(t *tcb) (peer l2cap.PeerAddr, typ ChannelType) {
	peer, typ = t.peer, t.typ
	*t = tcb{}
	return peer, typ
}

// l2capHandler adapts stack callbacks onto the channel table. Callbacks
// arrive ordered on the stack's dispatcher goroutine.
type l2capHandler Manager

func (h *l2capHandler) m() *Manager { return (*Manager)(h) }

func (h *l2capHandler) OnConnectInd(cid l2cap.ChannelID, psm l2cap.PSM, peer l2cap.PeerAddr) {
	m := h.m()
	m.mu.Lock()
	typ, ok := m.nextInboundType(peer)
	var t *tcb
	if ok {
		t = m.allocTCB(peer, typ)
	}
	if t == nil {
		m.mu.Unlock()
		_ = m.stack.ConnectRsp(cid, l2cap.ConnResultNoResources)
		return
	}
	t.cid = cid
	t.state = tcAcquiring
	m.mu.Unlock()
	if err := m.stack.ConnectRsp(cid, l2cap.ConnResultOK); err != nil {
		m.log.Warn("accept failed", zap.Error(err))
		return
	}
	_ = m.stack.Configure(cid, nil)
}

func (h *l2capHandler) OnConnectCfm(cid l2cap.ChannelID, result l2cap.ConnResult) {
	m := h.m()
	if result == l2cap.ConnResultOK {
		_ = m.stack.Configure(cid, nil)
		return
	}
	m.mu.Lock()
	t := m.findTCBByCID(cid)
	if t == nil {
		m.mu.Unlock()
		return
	}
	peer, typ := m.release(t)
	m.mu.Unlock()
	m.handler.OnChannelClose(peer, typ)
}

func (h *l2capHandler) OnConfigInd(cid l2cap.ChannelID, opts *l2cap.ConfigOptions) {}

func (h *l2capHandler) OnConfigCfm(cid l2cap.ChannelID, result l2cap.ConfigResult) {
	if result != l2cap.ConfigResultOK {
		h.m().log.Warn("configuration refused",
			zap.Uint16("cid", uint16(cid)),
			zap.Uint16("result", uint16(result)))
	}
}

func (h *l2capHandler) OnOpen(cid l2cap.ChannelID) {
	m := h.m()
	m.mu.Lock()
	t := m.findTCBByCID(cid)
	if t == nil {
		m.mu.Unlock()
		return
	}
	t.state = tcConnected
	peer, typ := t.peer, t.typ
	m.mu.Unlock()
	m.handler.OnChannelOpen(peer, typ, cid)
}

func (h *l2capHandler) OnDisconnectInd(cid l2cap.ChannelID, reason l2cap.DisconnectReason) {
	h.channelGone(cid)
}

func (h *l2capHandler) OnDisconnectCfm(cid l2cap.ChannelID) {
	h.channelGone(cid)
}

func (h *l2capHandler) channelGone(cid l2cap.ChannelID) {
	m := h.m()
	m.mu.Lock()
	t := m.findTCBByCID(cid)
	if t == nil {
		m.mu.Unlock()
		return
	}
	peer, typ := m.release(t)
	m.mu.Unlock()
	m.handler.OnChannelClose(peer, typ)
}

func (h *l2capHandler) OnDataInd(cid l2cap.ChannelID, sdu []byte) {
	m := h.m()
	m.mu.Lock()
	t := m.findTCBByCID(cid)
	if t == nil || t.state != tcConnected {
		m.mu.Unlock()
		return
	}
	peer, typ := t.peer, t.typ
	m.mu.Unlock()
	m.handler.OnMessage(peer, typ, sdu)
}

func (h *l2capHandler) OnCongestionStatus(cid l2cap.ChannelID, congested bool) {
	if congested {
		h.m().log.Debug("channel congested", zap.Uint16("cid", uint16(cid)))
	}
}
