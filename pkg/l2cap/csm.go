package l2cap

import (
	"time"

	"go.uber.org/zap"
)

type chanEvent uint8

const (
	evAPIConnect chanEvent = iota
	evAPIConnectRsp
	evAPIConfig
	evAPIDisconnect
	evAPIDataWrite
	evPeerConnectReq
	evPeerConnectRsp
	evPeerConnectRspPnd
	evPeerConnectRspNeg
	evPeerConfigReq
	evPeerConfigRsp
	evPeerConfigRspNeg
	evPeerDisconnectReq
	evPeerDisconnectRsp
	evPeerData
	evPeerCredit
	evLinkDown
	evSecurityPass
	evSecurityFail
	evTimeout
)

func (e chanEvent) String() string {
	switch e {
	case evAPIConnect:
		return "API_CONNECT"
	case evAPIConnectRsp:
		return "API_CONNECT_RSP"
	case evAPIConfig:
		return "API_CONFIG"
	case evAPIDisconnect:
		return "API_DISCONNECT"
	case evAPIDataWrite:
		return "API_DATA_WRITE"
	case evPeerConnectReq:
		return "PEER_CONNECT_REQ"
	case evPeerConnectRsp:
		return "PEER_CONNECT_RSP"
	case evPeerConnectRspPnd:
		return "PEER_CONNECT_RSP_PND"
	case evPeerConnectRspNeg:
		return "PEER_CONNECT_RSP_NEG"
	case evPeerConfigReq:
		return "PEER_CONFIG_REQ"
	case evPeerConfigRsp:
		return "PEER_CONFIG_RSP"
	case evPeerConfigRspNeg:
		return "PEER_CONFIG_RSP_NEG"
	case evPeerDisconnectReq:
		return "PEER_DISCONNECT_REQ"
	case evPeerDisconnectRsp:
		return "PEER_DISCONNECT_RSP"
	case evPeerData:
		return "PEER_DATA"
	case evPeerCredit:
		return "PEER_CREDIT"
	case evLinkDown:
		return "LINK_DOWN"
	case evSecurityPass:
		return "SECURITY_PASS"
	case evSecurityFail:
		return "SECURITY_FAIL"
	case evTimeout:
		return "TIMEOUT"
	}
	return "UNKNOWN"
}

// csmEvent is the single entry point of the channel state machine. Every
// (state, event) pair reachable from CLOSED has defined behavior; events a
// state does not care about are logged and dropped without touching state.
func (s *Stack) csmEvent(c *ccb, ev chanEvent, arg interface{}) {
	s.log.Debug("csm event",
		zap.Uint16("cid", uint16(c.localCID)),
		zap.Stringer("state", c.state),
		zap.Stringer("event", ev))

	// Bounded retransmission of the outstanding request. Once retries are
	// exhausted the timeout falls through to the state handler, which
	// treats it as a synthesized peer rejection.
	if ev == evTimeout && c.lastReq != nil && c.reqRetries < s.cfg.MaxRTXRetries {
		c.reqRetries++
		s.sendSig(s.lcbAt(c.lcbIdx), c.lastReq)
		s.startRTX(c, c.reqTimeout)
		return
	}

	switch c.state {
	case stateClosed:
		s.csmClosed(c, ev, arg)
	case stateWaitSecurity:
		s.csmWaitSecurity(c, ev, arg)
	case stateWaitConnectRsp:
		s.csmWaitConnectRsp(c, ev, arg)
	case stateWaitLocalConnectRsp:
		s.csmWaitLocalConnectRsp(c, ev, arg)
	case stateWaitConfig:
		s.csmWaitConfig(c, ev, arg)
	case stateOpen:
		s.csmOpen(c, ev, arg)
	case stateWaitDisconnectRsp:
		s.csmWaitDisconnectRsp(c, ev, arg)
	}
}

func (s *Stack) csmClosed(c *ccb, ev chanEvent, arg interface{}) {
	switch ev {
	case evAPIConnect:
		l := s.lcbAt(c.lcbIdx)
		if l == nil {
			s.connectFailed(c, ConnResultNoLink)
			return
		}
		if l.state != linkOpen || (l.kind == TransportClassic && !l.infoDone) {
			// link still coming up; resume on link up / info done.
			l.pending = append(l.pending, pendingConnect{ccbIdx: c.idx})
			return
		}
		s.securityGate(c, true)
	case evPeerConnectReq:
		s.securityGate(c, false)
	case evAPIDisconnect:
		s.releaseCCB(c)
	case evLinkDown:
		s.connectFailed(c, ConnResultNoLink)
	default:
		// stray peer traffic for a dead channel; nothing to roll back.
	}
}

// securityGate runs the security collaborator ahead of the connect
// handshake, parking the channel while the check is pending.
func (s *Stack) securityGate(c *ccb, outgoing bool) {
	guard := s.guard
	r := c.rcb(s)
	if guard == nil || (!outgoing && r != nil && !r.requireSecurity) {
		s.securityDone(c, outgoing, true)
		return
	}
	l := s.lcbAt(c.lcbIdx)
	idx := c.idx
	c.localInitiated = outgoing
	switch guard.Check(l.peer, c.psm, outgoing, func(ok bool) {
		s.post(func() {
			cc := &s.ccbs[idx]
			if !cc.inUse || cc.state != stateWaitSecurity {
				return
			}
			if ok {
				s.csmEvent(cc, evSecurityPass, nil)
			} else {
				s.csmEvent(cc, evSecurityFail, nil)
			}
		})
	}) {
	case SecurityPass:
		s.securityDone(c, outgoing, true)
	case SecurityFail:
		s.securityDone(c, outgoing, false)
	case SecurityPending:
		c.state = stateWaitSecurity
	}
}

func (s *Stack) securityDone(c *ccb, outgoing, ok bool) {
	c.localInitiated = outgoing
	if !ok {
		if outgoing {
			s.connectFailed(c, ConnResultSecurityBlock)
		} else {
			s.sendConnectRsp(c, ConnResultSecurityBlock)
			s.releaseCCB(c)
		}
		return
	}
	if outgoing {
		s.sendConnectReq(c)
		return
	}
	c.state = stateWaitLocalConnectRsp
	if r := c.rcb(s); r != nil {
		cid, psm := c.localCID, c.psm
		peer := s.lcbAt(c.lcbIdx).peer
		s.dispatch(func() { r.handler.OnConnectInd(cid, psm, peer) })
	}
}

func (s *Stack) csmWaitSecurity(c *ccb, ev chanEvent, arg interface{}) {
	switch ev {
	case evSecurityPass:
		s.securityDone(c, c.localInitiated, true)
	case evSecurityFail:
		s.securityDone(c, c.localInitiated, false)
	case evAPIDisconnect:
		s.notifyDisconnectCfm(c)
		s.releaseCCB(c)
	case evPeerDisconnectReq:
		s.replyDisconnect(c, arg.(*DisconnectionRequestPacket))
		s.notifyDisconnectInd(c, DisconnectReasonPeer)
		s.releaseCCB(c)
	case evLinkDown:
		if c.localInitiated {
			s.connectFailed(c, ConnResultNoLink)
		} else {
			s.releaseCCB(c)
		}
	}
}

func (s *Stack) csmWaitConnectRsp(c *ccb, ev chanEvent, arg interface{}) {
	switch ev {
	case evPeerConnectRsp:
		c.stopRTX()
		c.lastReq = nil
		if c.creditBased {
			rsp := arg.(*LECreditBasedConnectionResponsePacket)
			c.remoteCID = rsp.DestinationCID
			c.txMTU = rsp.MTU
			c.txMPS = rsp.MPS
			c.txCredits = rsp.InitialCredits
			c.state = stateOpen
			s.notifyConnectCfm(c, ConnResultOK)
			s.notifyOpen(c)
			return
		}
		rsp := arg.(*ConnectionResponsePacket)
		c.remoteCID = rsp.DestinationCID
		c.state = stateWaitConfig
		s.notifyConnectCfm(c, ConnResultOK)
	case evPeerConnectRspPnd:
		// peer needs more time (security, authorization); rearm once with
		// the extended timeout.
		s.startRTX(c, c.reqTimeout)
	case evPeerConnectRspNeg:
		c.stopRTX()
		c.lastReq = nil
		s.connectFailed(c, arg.(ConnResult))
	case evAPIDisconnect:
		// no remote CID yet, so there is nothing to signal; abandon the
		// outstanding request and release.
		c.stopRTX()
		c.lastReq = nil
		s.notifyDisconnectCfm(c)
		s.releaseCCB(c)
	case evPeerDisconnectReq:
		s.replyDisconnect(c, arg.(*DisconnectionRequestPacket))
		s.notifyDisconnectInd(c, DisconnectReasonPeer)
		s.releaseCCB(c)
	case evTimeout:
		s.connectFailed(c, ConnResultTimeout)
	case evLinkDown:
		s.connectFailed(c, ConnResultNoLink)
	}
}

func (s *Stack) csmWaitLocalConnectRsp(c *ccb, ev chanEvent, arg interface{}) {
	switch ev {
	case evAPIConnectRsp:
		result := arg.(ConnResult)
		if c.creditBased {
			s.sendLEConnectRsp(c, result)
			if result != ConnResultOK {
				s.releaseCCB(c)
				return
			}
			c.state = stateOpen
			s.notifyOpen(c)
			return
		}
		s.sendConnectRsp(c, result)
		if result == ConnResultPending {
			return
		}
		if result != ConnResultOK {
			s.releaseCCB(c)
			return
		}
		c.state = stateWaitConfig
	case evAPIDisconnect:
		s.sendConnectRsp(c, ConnResultNoResources)
		s.notifyDisconnectCfm(c)
		s.releaseCCB(c)
	case evPeerDisconnectReq:
		s.replyDisconnect(c, arg.(*DisconnectionRequestPacket))
		s.notifyDisconnectInd(c, DisconnectReasonPeer)
		s.releaseCCB(c)
	case evLinkDown:
		s.releaseCCB(c)
	}
}

func (s *Stack) csmWaitConfig(c *ccb, ev chanEvent, arg interface{}) {
	switch ev {
	case evAPIConfig:
		s.sendConfigReq(c, arg.(*ConfigOptions))
	case evPeerConfigReq:
		s.handlePeerConfigReq(c, arg.(*ConfigurationRequestPacket))
	case evPeerConfigRsp:
		c.stopRTX()
		c.lastReq = nil
		rsp := arg.(*ConfigurationResponsePacket)
		if opts, _, err := UnmarshalConfigOptions(rsp.Options); err == nil {
			s.adoptConfigRsp(c, opts)
		}
		c.cfgDone |= cfgOutboundDone
		s.notifyConfigCfm(c, ConfigResultOK)
		s.maybeOpen(c)
	case evPeerConfigRspNeg:
		c.stopRTX()
		c.lastReq = nil
		rsp := arg.(*ConfigurationResponsePacket)
		c.cfgTries++
		if c.cfgTries >= s.cfg.MaxFCRConfigTries {
			s.notifyConfigCfm(c, rsp.Result)
			s.failChannel(c, DisconnectReasonNegotiationFailed)
			return
		}
		// adopt the peer's corrective values and try one more round.
		if opts, _, err := UnmarshalConfigOptions(rsp.Options); err == nil {
			s.adoptConfigRsp(c, opts)
		}
		s.sendConfigReq(c, &c.localOpts)
	case evPeerDisconnectReq:
		s.replyDisconnect(c, arg.(*DisconnectionRequestPacket))
		s.notifyDisconnectInd(c, DisconnectReasonPeer)
		s.releaseCCB(c)
	case evAPIDisconnect:
		c.stopRTX()
		c.lastReq = nil
		s.startDisconnect(c, DisconnectReasonLocal)
	case evTimeout:
		// synthesized config rejection after exhausted retries.
		s.notifyConfigCfm(c, ConfigResultRejected)
		s.failChannel(c, DisconnectReasonTimeout)
	case evPeerData:
		s.log.Debug("data before configuration complete, dropped",
			zap.Uint16("cid", uint16(c.localCID)))
	case evLinkDown:
		s.notifyDisconnectInd(c, DisconnectReasonLinkDown)
		s.releaseCCB(c)
	}
}

func (s *Stack) csmOpen(c *ccb, ev chanEvent, arg interface{}) {
	switch ev {
	case evAPIDataWrite:
		s.enqueueSDU(c, arg.([]byte))
		s.serviceChannel(c)
	case evPeerData:
		s.receivePDU(c, arg.([]byte))
	case evPeerCredit:
		s.creditGrantReceived(c, arg.(uint16))
	case evAPIConfig:
		// renegotiation: both directions must complete again.
		c.cfgDone = cfgReconfig
		c.cfgTries = 0
		c.state = stateWaitConfig
		s.sendConfigReq(c, arg.(*ConfigOptions))
	case evPeerConfigReq:
		c.cfgDone = cfgReconfig | (c.cfgDone &^ cfgInboundDone)
		c.state = stateWaitConfig
		s.handlePeerConfigReq(c, arg.(*ConfigurationRequestPacket))
	case evAPIDisconnect:
		s.startDisconnect(c, DisconnectReasonLocal)
	case evPeerDisconnectReq:
		s.replyDisconnect(c, arg.(*DisconnectionRequestPacket))
		s.notifyDisconnectInd(c, DisconnectReasonPeer)
		s.releaseCCB(c)
	case evLinkDown:
		s.notifyDisconnectInd(c, DisconnectReasonLinkDown)
		s.releaseCCB(c)
	}
}

func (s *Stack) csmWaitDisconnectRsp(c *ccb, ev chanEvent, arg interface{}) {
	switch ev {
	case evPeerDisconnectRsp:
		c.stopRTX()
		c.lastReq = nil
		s.notifyDisconnectCfm(c)
		s.releaseCCB(c)
	case evPeerDisconnectReq:
		// crossed disconnects: answer and finish.
		s.replyDisconnect(c, arg.(*DisconnectionRequestPacket))
		s.notifyDisconnectCfm(c)
		s.releaseCCB(c)
	case evTimeout:
		// peer never confirmed; tear down locally.
		s.notifyDisconnectCfm(c)
		s.releaseCCB(c)
	case evLinkDown:
		// already mid release; finish without a second indication.
		s.notifyDisconnectCfm(c)
		s.releaseCCB(c)
	case evPeerData:
		// late data after disconnect request, dropped.
	}
}

// --- shared actions ---

func (s *Stack) sendConnectReq(c *ccb) {
	l := s.lcbAt(c.lcbIdx)
	c.state = stateWaitConnectRsp
	if c.creditBased {
		s.sendChannelRequest(c, &LECreditBasedConnectionRequestPacket{
			Identifier:     l.nextIdentifier(),
			SPSM:           c.psm,
			SourceCID:      c.localCID,
			MTU:            c.rxMTU,
			MPS:            c.rxMPS,
			InitialCredits: c.rxCredits,
		}, s.cfg.ConnectTimeout)
		return
	}
	s.sendChannelRequest(c, &ConnectionRequestPacket{
		Identifier: l.nextIdentifier(),
		PSM:        c.psm,
		SourceCID:  c.localCID,
	}, s.cfg.ConnectTimeout)
}

func (s *Stack) sendConnectRsp(c *ccb, result ConnResult) {
	var status ConnStatus
	if result == ConnResultPending {
		status = ConnStatusAuthorizationPending
	}
	s.sendPacket(s.lcbAt(c.lcbIdx), &ConnectionResponsePacket{
		Identifier:     c.reqID,
		DestinationCID: c.localCID,
		SourceCID:      c.remoteCID,
		Result:         result,
		Status:         status,
	})
}

func (s *Stack) sendLEConnectRsp(c *ccb, result ConnResult) {
	r := LECreditBasedConnectionResultSuccessful
	switch result {
	case ConnResultOK:
	case ConnResultNoPSM:
		r = LECreditBasedConnectionResultRefusedSPSMNotSupported
	case ConnResultNoResources:
		r = LECreditBasedConnectionResultRefusedNoResourcesAvailable
	case ConnResultSecurityBlock:
		r = LECreditBasedConnectionResultRefusedInsufficientAuthentication
	default:
		r = LECreditBasedConnectionResultRefusedUnacceptableParameters
	}
	p := &LECreditBasedConnectionResponsePacket{Identifier: c.reqID, Result: r}
	if result == ConnResultOK {
		c.rxCredits = s.cfg.DefaultCredits
		p.DestinationCID = c.localCID
		p.MTU = c.rxMTU
		p.MPS = c.rxMPS
		p.InitialCredits = c.rxCredits
	}
	s.sendPacket(s.lcbAt(c.lcbIdx), p)
}

func (s *Stack) startDisconnect(c *ccb, reason DisconnectReason) {
	l := s.lcbAt(c.lcbIdx)
	c.state = stateWaitDisconnectRsp
	c.fcr.stopTimers()
	c.txQueue = nil
	s.sendChannelRequest(c, &DisconnectionRequestPacket{
		Identifier:     l.nextIdentifier(),
		DestinationCID: c.remoteCID,
		SourceCID:      c.localCID,
	}, s.cfg.DisconnectTimeout)
}

// failChannel tears a channel down for an internally detected failure
// (protocol violation, retransmission exhaustion). The owner gets one
// disconnect indication now; the remaining handshake is silent.
func (s *Stack) failChannel(c *ccb, reason DisconnectReason) {
	s.notifyDisconnectInd(c, reason)
	c.rcbIdx = -1
	s.startDisconnect(c, reason)
}

func (s *Stack) replyDisconnect(c *ccb, req *DisconnectionRequestPacket) {
	s.sendPacket(s.lcbAt(c.lcbIdx), &DisconnectionResponsePacket{
		Identifier:     req.Identifier,
		DestinationCID: req.DestinationCID,
		SourceCID:      req.SourceCID,
	})
}

func (s *Stack) connectFailed(c *ccb, result ConnResult) {
	s.notifyConnectCfm(c, result)
	s.releaseCCB(c)
}

// sendChannelRequest transmits a request command and arms the response
// timer. The marshaled bytes are retained for bounded retransmission.
func (s *Stack) sendChannelRequest(c *ccb, p SignallingPacket, timeout time.Duration) {
	b, err := p.Marshal()
	if err != nil {
		s.log.Error("marshal request", zap.Error(err))
		return
	}
	c.reqID = b[1]
	c.lastReq = b
	c.reqRetries = 0
	c.reqTimeout = timeout
	s.sendSig(s.lcbAt(c.lcbIdx), b)
	s.startRTX(c, timeout)
}

func (s *Stack) startRTX(c *ccb, d time.Duration) {
	c.timerGen++
	gen := c.timerGen
	idx := c.idx
	if c.rtxTimer != nil {
		c.rtxTimer.Stop()
	}
	c.rtxTimer = s.clk.AfterFunc(d, func() {
		s.post(func() {
			cc := &s.ccbs[idx]
			if !cc.inUse || cc.timerGen != gen {
				return
			}
			s.csmEvent(cc, evTimeout, nil)
		})
	})
}

// --- upper layer notifications ---

func (s *Stack) notifyConnectCfm(c *ccb, result ConnResult) {
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		s.dispatch(func() { r.handler.OnConnectCfm(cid, result) })
	}
}

func (s *Stack) notifyConfigCfm(c *ccb, result ConfigResult) {
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		s.dispatch(func() { r.handler.OnConfigCfm(cid, result) })
	}
}

func (s *Stack) notifyOpen(c *ccb) {
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		s.dispatch(func() { r.handler.OnOpen(cid) })
	}
}

func (s *Stack) notifyDisconnectInd(c *ccb, reason DisconnectReason) {
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		s.dispatch(func() { r.handler.OnDisconnectInd(cid, reason) })
	}
}

func (s *Stack) notifyDisconnectCfm(c *ccb) {
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		s.dispatch(func() { r.handler.OnDisconnectCfm(cid) })
	}
}

func (s *Stack) notifyData(c *ccb, sdu []byte) {
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		s.dispatch(func() { r.handler.OnDataInd(cid, sdu) })
	}
}
