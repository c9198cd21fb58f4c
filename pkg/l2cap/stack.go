package l2cap

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Transport is the lower edge of the stack: it moves whole PDUs and link
// lifecycle events between the engine and whatever carries them. Completion
// of CreateLink and DisconnectLink arrives asynchronously through OnLinkUp
// and OnLinkDown.
type Transport interface {
	CreateLink(peer PeerAddr, kind TransportKind) error
	SendData(handle uint16, pkt []byte) error
	DisconnectLink(handle uint16) error
}

// EventKind classifies stack events delivered to subscribers.
type EventKind uint8

const (
	EventLinkUp EventKind = iota
	EventLinkDown
)

type Event struct {
	Kind      EventKind
	Peer      PeerAddr
	Transport TransportKind
}

// Stack is the protocol engine. All protocol state is confined to a single
// goroutine: API calls and transport events are posted to it as closures and
// executed in arrival order, so no internal locking exists anywhere in the
// control blocks. Upper layer callbacks run on a separate dispatcher
// goroutine, in order, so handlers may call back into the API freely.
type Stack struct {
	cfg   Config
	log   *zap.Logger
	clk   clock.Clock
	tr    Transport
	guard SecurityGuard

	events chan func()
	cbq    chan func()
	done   chan struct{}

	lcbs []lcb
	ccbs []ccb
	rcbs []rcb

	subs map[uuid.UUID]func(Event)

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Stack)

func WithConfig(cfg Config) Option {
	return func(s *Stack) { s.cfg = cfg.withDefaults() }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Stack) { s.log = log }
}

// WithClock substitutes the time source, letting tests drive every timer
// deterministically.
func WithClock(clk clock.Clock) Option {
	return func(s *Stack) { s.clk = clk }
}

func WithSecurityGuard(g SecurityGuard) Option {
	return func(s *Stack) { s.guard = g }
}

func NewStack(tr Transport, opts ...Option) *Stack {
	s := &Stack{
		cfg:    DefaultConfig(),
		log:    zap.NewNop(),
		clk:    clock.New(),
		tr:     tr,
		events: make(chan func(), 256),
		cbq:    make(chan func(), 256),
		done:   make(chan struct{}),
		subs:   make(map[uuid.UUID]func(Event)),
	}
	for _, o := range opts {
		o(s)
	}
	s.lcbs = make([]lcb, s.cfg.MaxLinks)
	s.ccbs = make([]ccb, s.cfg.MaxChannels)
	s.rcbs = make([]rcb, s.cfg.MaxServices)
	for i := range s.lcbs {
		s.lcbs[i].idx = i
	}
	for i := range s.ccbs {
		s.ccbs[i].idx = i
	}
	for i := range s.rcbs {
		s.rcbs[i].idx = i
	}
	go s.run()
	go s.runCallbacks()
	return s
}

func (s *Stack) run() {
	for {
		select {
		case f := <-s.events:
			f()
		case <-s.done:
			return
		}
	}
}

func (s *Stack) runCallbacks() {
	for {
		select {
		case f := <-s.cbq:
			f()
		case <-s.done:
			return
		}
	}
}

// post hands a closure to the stack goroutine. Safe from any goroutine,
// including timer fires and transport callbacks.
func (s *Stack) post(f func()) {
	select {
	case s.events <- f:
	case <-s.done:
	}
}

// call runs a closure on the stack goroutine and waits for its result.
func (s *Stack) call(f func() error) error {
	res := make(chan error, 1)
	select {
	case s.events <- func() { res <- f() }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// dispatch queues an upper layer callback. Callbacks run in dispatch order
// on one goroutine, which keeps per-channel delivery ordered.
func (s *Stack) dispatch(f func()) {
	select {
	case s.cbq <- f:
	case <-s.done:
	}
}

// Close tears down every open link and stops both goroutines. Pending
// callbacks that have not yet run are dropped.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.call(func() error {
			var err error
			for i := range s.ccbs {
				c := &s.ccbs[i]
				if c.inUse {
					c.stopRTX()
					c.fcr.stopTimers()
				}
			}
			for i := range s.lcbs {
				l := &s.lcbs[i]
				if l.inUse && l.state != linkIdle {
					err = multierr.Append(err, s.tr.DisconnectLink(l.handle))
				}
				if l.inUse {
					l.stopIdleTimer()
				}
			}
			return err
		})
		close(s.done)
	})
	return s.closeErr
}

// Subscribe registers an observer for link events. Events are delivered on
// the callback goroutine.
func (s *Stack) Subscribe(fn func(Event)) uuid.UUID {
	id := uuid.New()
	s.post(func() { s.subs[id] = fn })
	return id
}

func (s *Stack) Unsubscribe(id uuid.UUID) {
	s.post(func() { delete(s.subs, id) })
}

func (s *Stack) emit(ev Event) {
	for _, fn := range s.subs {
		fn := fn
		s.dispatch(func() { fn(ev) })
	}
}

// --- transport upcalls ---

// OnLinkUp reports a link the transport brought up, whether we asked for it
// or the peer did. Classic links hold dynamic channel establishment until
// the information exchange completes.
func (s *Stack) OnLinkUp(peer PeerAddr, kind TransportKind, handle uint16) {
	s.post(func() {
		l := s.findLCBByPeer(peer, kind)
		if l == nil {
			var err error
			if l, err = s.allocLCB(peer, kind); err != nil {
				s.log.Warn("link pool exhausted, dropping link",
					zap.String("peer", peer.String()))
				_ = s.tr.DisconnectLink(handle)
				return
			}
		}
		l.handle = handle
		l.state = linkOpen
		s.log.Info("link up",
			zap.String("peer", peer.String()),
			zap.Uint16("handle", handle))
		s.emit(Event{Kind: EventLinkUp, Peer: peer, Transport: kind})
		if kind == TransportClassic {
			s.startInfoExchange(l)
		} else {
			l.infoDone = true
			s.flushPending(l)
		}
	})
}

func (s *Stack) OnLinkDown(handle uint16) {
	s.post(func() {
		l := s.findLCBByHandle(handle)
		if l == nil {
			return
		}
		s.log.Info("link down",
			zap.String("peer", l.peer.String()),
			zap.Uint16("handle", handle))
		s.emit(Event{Kind: EventLinkDown, Peer: l.peer, Transport: l.kind})
		s.linkDown(l)
	})
}

// OnDataReceived hands one inbound PDU to the engine. The buffer is copied
// before crossing goroutines, so the transport may reuse it on return.
func (s *Stack) OnDataReceived(handle uint16, pkt []byte) {
	buf := append([]byte(nil), pkt...)
	s.post(func() {
		l := s.findLCBByHandle(handle)
		if l == nil {
			s.log.Debug("data for unknown link dropped", zap.Uint16("handle", handle))
			return
		}
		s.receiveFrame(l, buf)
	})
}

func (s *Stack) receiveFrame(l *lcb, buf []byte) {
	f, err := UnmarshalFrame(buf)
	if err != nil {
		s.log.Warn("malformed frame dropped",
			zap.String("peer", l.peer.String()), zap.Error(err))
		return
	}
	switch f := f.(type) {
	case *GFrame:
		if r := s.findRCB(f.PSM); r != nil {
			h, payload := r.handler, f.Payload
			s.dispatch(func() { h.OnDataInd(ChannelIDConnectionless, payload) })
		}
	case *BFrame:
		switch {
		case f.ChannelID == l.kind.SignallingCID():
			s.receiveSignalling(l, f.Payload)
		case f.ChannelID.IsDynamic():
			c := s.findCCBOnLink(l, f.ChannelID)
			if c == nil {
				s.log.Debug("data for unknown channel dropped",
					zap.Uint16("cid", uint16(f.ChannelID)))
				return
			}
			s.csmEvent(c, evPeerData, f.Payload)
		default:
			s.log.Debug("data for unsupported fixed channel dropped",
				zap.Uint16("cid", uint16(f.ChannelID)))
		}
	}
}

// receivePDU routes channel payload through the negotiated flow control
// mode.
func (s *Stack) receivePDU(c *ccb, buf []byte) {
	switch {
	case c.creditBased:
		s.creditReceive(c, buf)
	case c.mode == FCRModeERTM || c.mode == FCRModeStreaming:
		s.fcrReceive(c, buf)
	default:
		if len(buf) > int(c.rxMTU) {
			s.failChannel(c, DisconnectReasonProtocolViolation)
			return
		}
		s.notifyData(c, buf)
	}
}

// startInfoExchange asks the peer for its extended features. Dynamic channel
// establishment is parked until the answer (or its timeout) arrives.
func (s *Stack) startInfoExchange(l *lcb) {
	id := l.nextIdentifier()
	l.infoReqID = id
	s.sendPacket(l, &InformationRequestPacket{
		Identifier: id,
		InfoType:   InfoTypeExtendedFeaturesSupported,
	})
	idx := l.idx
	s.clk.AfterFunc(s.cfg.InfoTimeout, func() {
		s.post(func() {
			li := s.lcbAt(idx)
			if li == nil || li.infoDone || li.infoReqID != id {
				return
			}
			// a peer that never answers is treated as feature-free.
			li.infoDone = true
			s.flushPending(li)
		})
	})
}

// --- outbound plumbing ---

func (s *Stack) sendFrame(l *lcb, cid ChannelID, payload []byte) {
	if l == nil {
		return
	}
	b, err := (&BFrame{ChannelID: cid, Payload: payload}).Marshal()
	if err != nil {
		s.log.Error("marshal frame", zap.Error(err))
		return
	}
	if err := s.tr.SendData(l.handle, b); err != nil {
		s.log.Warn("transport send failed",
			zap.String("peer", l.peer.String()), zap.Error(err))
	}
}

func (s *Stack) sendSig(l *lcb, cmd []byte) {
	if l == nil {
		return
	}
	s.sendFrame(l, l.kind.SignallingCID(), cmd)
}

func (s *Stack) sendPacket(l *lcb, p SignallingPacket) {
	b, err := p.Marshal()
	if err != nil {
		s.log.Error("marshal command", zap.Error(err))
		return
	}
	s.sendSig(l, b)
}

// --- public API ---

// ServiceConfig carries per registration policy.
type ServiceConfig struct {
	// AcceptLE permits inbound LE credit based connections on the PSM.
	AcceptLE bool
	// RequireSecurity runs the security guard before inbound connects are
	// surfaced to the handler.
	RequireSecurity bool
}

// Register claims a PSM with default policy. The handler receives every
// indication for channels on that PSM, locally or remotely initiated.
func (s *Stack) Register(psm PSM, h Handler) (ServiceHandle, error) {
	return s.RegisterService(psm, h, ServiceConfig{})
}

func (s *Stack) RegisterService(psm PSM, h Handler, sc ServiceConfig) (ServiceHandle, error) {
	if psm == 0 || h == nil {
		return 0, ErrIllegalParameter
	}
	var handle ServiceHandle
	err := s.call(func() error {
		r, err := s.allocRCB(psm, h)
		if err != nil {
			return err
		}
		r.acceptLE = sc.AcceptLE
		r.requireSecurity = sc.RequireSecurity
		handle = ServiceHandle(r.idx)
		return nil
	})
	return handle, err
}

// Deregister releases the PSM and force-stops every channel that still
// belongs to it. No further callbacks are delivered for those channels.
func (s *Stack) Deregister(handle ServiceHandle) error {
	return s.call(func() error {
		if int(handle) < 0 || int(handle) >= len(s.rcbs) || !s.rcbs[handle].inUse {
			return ErrInvalidCID
		}
		for i := range s.ccbs {
			c := &s.ccbs[i]
			if !c.inUse || c.rcbIdx != int(handle) {
				continue
			}
			c.rcbIdx = -1 // silence callbacks for the doomed channel
			switch c.state {
			case stateOpen, stateWaitConfig:
				s.startDisconnect(c, DisconnectReasonLocal)
			case stateWaitDisconnectRsp:
			default:
				s.releaseCCB(c)
			}
		}
		s.releaseRCB(&s.rcbs[handle])
		return nil
	})
}

// Connect opens a classic channel to psm on peer, bringing the link up
// first if needed. The outcome arrives through OnConnectCfm; configuration
// and OnOpen follow on success. The PSM must be locally registered, since
// its handler receives the callbacks.
func (s *Stack) Connect(peer PeerAddr, psm PSM) (ChannelID, error) {
	return s.connect(peer, psm, TransportClassic)
}

// ConnectLE opens an LE credit based channel. On success the channel goes
// straight to OnOpen; there is no configuration stage.
func (s *Stack) ConnectLE(peer PeerAddr, psm PSM) (ChannelID, error) {
	return s.connect(peer, psm, TransportLE)
}

func (s *Stack) connect(peer PeerAddr, psm PSM, kind TransportKind) (ChannelID, error) {
	var cid ChannelID
	err := s.call(func() error {
		r := s.findRCB(psm)
		if r == nil {
			return ErrIllegalParameter
		}
		l, err := s.connectLink(peer, kind)
		if err != nil {
			return err
		}
		c, err := s.allocCCB(l, r)
		if err != nil {
			return err
		}
		if kind == TransportLE {
			c.creditBased = true
			c.rxMPS = MaxMPS
			c.rxCredits = s.cfg.DefaultCredits
		}
		cid = c.localCID
		s.csmEvent(c, evAPIConnect, nil)
		return nil
	})
	return cid, err
}

// ConnectEnhanced opens up to CreditBasedMaxCIDs credit based channels to
// one PSM in a single exchange. The LE link to the peer must already be up.
func (s *Stack) ConnectEnhanced(peer PeerAddr, psm PSM, count int) ([]ChannelID, error) {
	if count < 1 || count > CreditBasedMaxCIDs {
		return nil, ErrIllegalParameter
	}
	var cids []ChannelID
	err := s.call(func() error {
		r := s.findRCB(psm)
		if r == nil {
			return ErrIllegalParameter
		}
		l := s.findLCBByPeer(peer, TransportLE)
		if l == nil || l.state != linkOpen {
			return ErrWrongState
		}
		chans := make([]*ccb, 0, count)
		for i := 0; i < count; i++ {
			c, err := s.allocCCB(l, r)
			if err != nil {
				for _, cc := range chans {
					s.releaseCCB(cc)
				}
				return err
			}
			c.creditBased = true
			c.rxMPS = MaxMPS
			c.rxCredits = s.cfg.DefaultCredits
			chans = append(chans, c)
		}
		req := &CreditBasedConnectionRequestPacket{
			Identifier:     l.nextIdentifier(),
			SPSM:           psm,
			MTU:            DefaultMTU,
			MPS:            MaxMPS,
			InitialCredits: s.cfg.DefaultCredits,
		}
		for _, c := range chans {
			req.SourceCIDs = append(req.SourceCIDs, c.localCID)
			cids = append(cids, c.localCID)
		}
		b, err := req.Marshal()
		if err != nil {
			return err
		}
		for i, c := range chans {
			c.state = stateWaitConnectRsp
			c.localInitiated = true
			c.reqID = req.Identifier
			if i == 0 {
				// one channel owns the retransmission copy so the request
				// is not duplicated per channel.
				c.lastReq = b
				c.reqRetries = 0
				c.reqTimeout = s.cfg.ConnectTimeout
			}
			s.startRTX(c, s.cfg.ConnectTimeout)
		}
		s.sendSig(l, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cids, nil
}

// ConnectRsp answers an OnConnectInd. ConnResultPending keeps the peer
// waiting; any other non-OK result refuses and releases the channel.
func (s *Stack) ConnectRsp(cid ChannelID, result ConnResult) error {
	return s.call(func() error {
		c := s.findCCB(cid)
		if c == nil {
			return ErrInvalidCID
		}
		if c.state != stateWaitLocalConnectRsp {
			return ErrWrongState
		}
		s.csmEvent(c, evAPIConnectRsp, result)
		return nil
	})
}

// Configure starts (or on an open channel, restarts) the outbound
// configuration round with the given proposal. A nil opts proposes defaults.
func (s *Stack) Configure(cid ChannelID, opts *ConfigOptions) error {
	return s.call(func() error {
		c := s.findCCB(cid)
		if c == nil {
			return ErrInvalidCID
		}
		if c.state != stateWaitConfig && c.state != stateOpen {
			return ErrWrongState
		}
		if c.creditBased {
			return ErrWrongState
		}
		s.csmEvent(c, evAPIConfig, opts)
		return nil
	})
}

// SendData queues one SDU for transmission. The SDU is accepted even over
// quota, but ErrCongested tells the caller to pause until the uncongested
// callback fires.
func (s *Stack) SendData(cid ChannelID, data []byte) error {
	buf := append([]byte(nil), data...)
	return s.call(func() error {
		c := s.findCCB(cid)
		if c == nil {
			return ErrInvalidCID
		}
		if c.state != stateOpen {
			return ErrWrongState
		}
		if len(buf) > int(c.txMTU) {
			return ErrMTUExceeded
		}
		s.csmEvent(c, evAPIDataWrite, buf)
		if c.congested {
			return ErrCongested
		}
		return nil
	})
}

// SendConnectionless sends a G-frame to the peer's PSM outside any channel.
func (s *Stack) SendConnectionless(peer PeerAddr, kind TransportKind, psm PSM, data []byte) error {
	buf := append([]byte(nil), data...)
	return s.call(func() error {
		l := s.findLCBByPeer(peer, kind)
		if l == nil || l.state != linkOpen {
			return ErrWrongState
		}
		b, err := (&GFrame{PSM: psm, Payload: buf}).Marshal()
		if err != nil {
			return err
		}
		return s.tr.SendData(l.handle, b)
	})
}

// Disconnect closes the channel. Completion arrives through OnDisconnectCfm.
func (s *Stack) Disconnect(cid ChannelID) error {
	return s.call(func() error {
		c := s.findCCB(cid)
		if c == nil {
			return ErrInvalidCID
		}
		s.csmEvent(c, evAPIDisconnect, nil)
		return nil
	})
}

// SetPriority moves the channel between transmit scheduling classes.
func (s *Stack) SetPriority(cid ChannelID, p Priority) error {
	if p > PriorityLow {
		return ErrIllegalParameter
	}
	return s.call(func() error {
		c := s.findCCB(cid)
		if c == nil {
			return ErrInvalidCID
		}
		c.priority = p
		if l := s.lcbAt(c.lcbIdx); l != nil {
			s.sortChannels(l)
			s.serviceLink(l)
		}
		return nil
	})
}

// SendCredits grants the peer additional credits beyond the automatic
// low-water replenishment.
func (s *Stack) SendCredits(cid ChannelID, credits uint16) error {
	if credits == 0 {
		return ErrIllegalParameter
	}
	return s.call(func() error {
		c := s.findCCB(cid)
		if c == nil {
			return ErrInvalidCID
		}
		if !c.creditBased || c.state != stateOpen {
			return ErrWrongState
		}
		c.rxCredits += credits
		l := s.lcbAt(c.lcbIdx)
		s.sendPacket(l, &FlowControlCreditIndicationPacket{
			Identifier: l.nextIdentifier(),
			CID:        c.localCID,
			Credits:    credits,
		})
		return nil
	})
}

// ReconfigureEnhanced raises the receive MTU/MPS of one or more credit
// based channels on the same link. Reductions are not allowed.
func (s *Stack) ReconfigureEnhanced(cids []ChannelID, mtu, mps uint16) error {
	if len(cids) == 0 || len(cids) > CreditBasedMaxCIDs {
		return ErrIllegalParameter
	}
	return s.call(func() error {
		var l *lcb
		var idxs []int
		for _, cid := range cids {
			c := s.findCCB(cid)
			if c == nil {
				return ErrInvalidCID
			}
			if !c.creditBased || c.state != stateOpen {
				return ErrWrongState
			}
			if mtu < c.rxMTU || mps < c.rxMPS {
				return ErrIllegalParameter
			}
			cl := s.lcbAt(c.lcbIdx)
			if l == nil {
				l = cl
			} else if l != cl {
				return ErrIllegalParameter
			}
			idxs = append(idxs, c.idx)
		}
		if l.reconfigCIDs != nil {
			return ErrWrongState
		}
		req := &CreditBasedReconfigureRequestPacket{
			Identifier: l.nextIdentifier(),
			MTU:        mtu,
			MPS:        mps,
			CIDs:       cids,
		}
		l.reconfigID = req.Identifier
		l.reconfigCIDs = idxs
		l.reconfigMTU = mtu
		l.reconfigMPS = mps
		s.sendPacket(l, req)
		return nil
	})
}

// Echo sends an echo request over a classic link and delivers the peer's
// answer (or ErrTimeout) to cb on the callback goroutine. One echo may be
// outstanding per link.
func (s *Stack) Echo(peer PeerAddr, data []byte, cb func([]byte, error)) error {
	buf := append([]byte(nil), data...)
	return s.call(func() error {
		l := s.findLCBByPeer(peer, TransportClassic)
		if l == nil || l.state != linkOpen {
			return ErrWrongState
		}
		if l.echoCb != nil {
			return ErrWrongState
		}
		id := l.nextIdentifier()
		l.echoID = id
		l.echoCb = cb
		idx := l.idx
		l.echoTimer = s.clk.AfterFunc(s.cfg.InfoTimeout, func() {
			s.post(func() {
				li := s.lcbAt(idx)
				if li == nil || li.echoCb == nil || li.echoID != id {
					return
				}
				fn := li.echoCb
				li.echoCb = nil
				li.echoTimer = nil
				s.dispatch(func() { fn(nil, ErrTimeout) })
			})
		})
		s.sendPacket(l, &EchoRequestPacket{Identifier: id, EchoData: buf})
		return nil
	})
}
