package l2cap

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// Extended feature mask advertised in information responses.
const featureMask uint32 = 0x000000B8 // ERTM, streaming, FCS option, fixed channels

// receiveSignalling processes the signalling channel payload of one PDU. A
// payload may carry several concatenated commands; each is framed as
// [opcode:1][id:1][len:2][params].
func (s *Stack) receiveSignalling(l *lcb, buf []byte) {
	if len(buf) > int(SignallingMTU) {
		id := uint8(0)
		if len(buf) >= 2 {
			id = buf[1]
		}
		s.sendCommandReject(l, id, CommandRejectReasonSignalingMTUExceeded,
			u16le(SignallingMTU))
		return
	}
	for len(buf) > 0 {
		if len(buf) < 4 {
			s.log.Warn("truncated command header, remainder dropped",
				zap.String("peer", l.peer.String()))
			return
		}
		clen := int(binary.LittleEndian.Uint16(buf[2:]))
		if 4+clen > len(buf) {
			// the embedded length runs past the carrier: unwalkable, so
			// reject and stop rather than resynchronize on garbage.
			s.sendCommandReject(l, buf[1], CommandRejectReasonCommandNotUnderstood, nil)
			return
		}
		s.handleCommand(l, buf[:4+clen])
		buf = buf[4+clen:]
	}
}

func (s *Stack) handleCommand(l *lcb, cmd []byte) {
	op, id := Opcode(cmd[0]), cmd[1]
	p, err := UnmarshalSignallingPacket(cmd)
	if err != nil {
		s.log.Debug("bad command", zap.Uint8("opcode", uint8(op)), zap.Error(err))
		if op.IsRequest() {
			s.sendCommandReject(l, id, CommandRejectReasonCommandNotUnderstood, nil)
		}
		return
	}
	switch p := p.(type) {
	case *CommandRejectResponsePacket:
		s.handleCommandReject(l, p)
	case *ConnectionRequestPacket:
		s.handleConnectionReq(l, p)
	case *ConnectionResponsePacket:
		s.handleConnectionRsp(l, p)
	case *ConfigurationRequestPacket:
		s.handleConfigReq(l, p)
	case *ConfigurationResponsePacket:
		s.handleConfigRsp(l, p)
	case *DisconnectionRequestPacket:
		s.handleDisconnectReq(l, p)
	case *DisconnectionResponsePacket:
		if c := s.findCCBOnLink(l, p.SourceCID); c != nil && c.reqID == p.Identifier {
			s.csmEvent(c, evPeerDisconnectRsp, p)
		}
	case *EchoRequestPacket:
		s.sendPacket(l, &EchoResponsePacket{Identifier: p.Identifier, EchoData: p.EchoData})
	case *EchoResponsePacket:
		s.handleEchoRsp(l, p)
	case *InformationRequestPacket:
		s.handleInfoReq(l, p)
	case *InformationResponsePacket:
		s.handleInfoRsp(l, p)
	case *ConnectionParameterUpdateRequestPacket:
		// parameters are owned by the transport; acknowledge.
		s.sendPacket(l, &ConnectionParameterUpdateResponsePacket{
			Identifier: p.Identifier,
			Result:     ConnectionParameterUpdateResultAccepted,
		})
	case *ConnectionParameterUpdateResponsePacket:
	case *LECreditBasedConnectionRequestPacket:
		s.handleLEConnectionReq(l, p)
	case *LECreditBasedConnectionResponsePacket:
		s.handleLEConnectionRsp(l, p)
	case *FlowControlCreditIndicationPacket:
		if c := s.findCCBByRemote(l, p.CID); c != nil {
			s.csmEvent(c, evPeerCredit, p.Credits)
		}
	case *CreditBasedConnectionRequestPacket:
		s.handleEnhancedConnectionReq(l, p)
	case *CreditBasedConnectionResponsePacket:
		s.handleEnhancedConnectionRsp(l, p)
	case *CreditBasedReconfigureRequestPacket:
		s.handleReconfigureReq(l, p)
	case *CreditBasedReconfigureResponsePacket:
		s.handleReconfigureRsp(l, p)
	}
}

// handleCommandReject maps a peer reject of our outstanding request onto the
// matching negative state machine event.
func (s *Stack) handleCommandReject(l *lcb, p *CommandRejectResponsePacket) {
	c := s.findCCBByReqID(l, p.Identifier)
	if c == nil {
		return
	}
	s.log.Warn("command rejected by peer",
		zap.Uint16("cid", uint16(c.localCID)),
		zap.Uint16("reason", uint16(p.CommandRejectReason)))
	switch c.state {
	case stateWaitConnectRsp:
		s.csmEvent(c, evPeerConnectRspNeg, ConnResultNoResources)
	case stateWaitConfig:
		s.csmEvent(c, evPeerConfigRspNeg,
			&ConfigurationResponsePacket{Result: ConfigResultRejected})
	case stateWaitDisconnectRsp:
		s.csmEvent(c, evPeerDisconnectRsp, nil)
	}
}

func (s *Stack) handleConnectionReq(l *lcb, p *ConnectionRequestPacket) {
	reject := func(result ConnResult) {
		s.sendPacket(l, &ConnectionResponsePacket{
			Identifier: p.Identifier,
			SourceCID:  p.SourceCID,
			Result:     result,
		})
	}
	r := s.findRCB(p.PSM)
	if r == nil {
		// no registration, answered without ever allocating a channel.
		reject(ConnResultNoPSM)
		return
	}
	if !p.SourceCID.IsDynamic() {
		reject(ConnResultInvalidSourceCID)
		return
	}
	if s.findCCBByRemote(l, p.SourceCID) != nil {
		reject(ConnResultSourceCIDAlreadyAllocated)
		return
	}
	c, err := s.allocCCB(l, r)
	if err != nil {
		reject(ConnResultNoResources)
		return
	}
	c.remoteCID = p.SourceCID
	c.reqID = p.Identifier
	s.csmEvent(c, evPeerConnectReq, nil)
}

func (s *Stack) handleConnectionRsp(l *lcb, p *ConnectionResponsePacket) {
	// the source CID of the response is the one we chose in the request.
	c := s.findCCBOnLink(l, p.SourceCID)
	if c == nil || c.reqID != p.Identifier {
		return
	}
	switch p.Result {
	case ConnResultOK:
		s.csmEvent(c, evPeerConnectRsp, p)
	case ConnResultPending:
		s.csmEvent(c, evPeerConnectRspPnd, p)
	default:
		s.csmEvent(c, evPeerConnectRspNeg, p.Result)
	}
}

func (s *Stack) handleConfigReq(l *lcb, p *ConfigurationRequestPacket) {
	c := s.findCCBOnLink(l, p.DestinationCID)
	if c == nil {
		s.sendCommandReject(l, p.Identifier, CommandRejectReasonInvalidCIDInRequest,
			append(u16le(uint16(p.DestinationCID)), 0, 0))
		return
	}
	s.csmEvent(c, evPeerConfigReq, p)
}

func (s *Stack) handleConfigRsp(l *lcb, p *ConfigurationResponsePacket) {
	c := s.findCCBOnLink(l, p.SourceCID)
	if c == nil || c.reqID != p.Identifier {
		return
	}
	switch p.Result {
	case ConfigResultOK:
		s.csmEvent(c, evPeerConfigRsp, p)
	case ConfigResultPending:
		s.startRTX(c, c.reqTimeout)
	default:
		s.csmEvent(c, evPeerConfigRspNeg, p)
	}
}

func (s *Stack) handleDisconnectReq(l *lcb, p *DisconnectionRequestPacket) {
	c := s.findCCBOnLink(l, p.DestinationCID)
	if c == nil || c.remoteCID != p.SourceCID {
		s.sendCommandReject(l, p.Identifier, CommandRejectReasonInvalidCIDInRequest,
			append(u16le(uint16(p.DestinationCID)), u16le(uint16(p.SourceCID))...))
		return
	}
	s.csmEvent(c, evPeerDisconnectReq, p)
}

func (s *Stack) handleEchoRsp(l *lcb, p *EchoResponsePacket) {
	if l.echoCb == nil || l.echoID != p.Identifier {
		return
	}
	cb := l.echoCb
	l.echoCb = nil
	if l.echoTimer != nil {
		l.echoTimer.Stop()
		l.echoTimer = nil
	}
	data := append([]byte(nil), p.EchoData...)
	s.dispatch(func() { cb(data, nil) })
}

func (s *Stack) handleInfoReq(l *lcb, p *InformationRequestPacket) {
	rsp := &InformationResponsePacket{
		Identifier: p.Identifier,
		InfoType:   p.InfoType,
	}
	switch p.InfoType {
	case InfoTypeConnectionlessMTU:
		rsp.Info = u16le(DefaultMTU)
	case InfoTypeExtendedFeaturesSupported:
		rsp.Info = make([]byte, 4)
		binary.LittleEndian.PutUint32(rsp.Info, featureMask)
	case InfoTypeFixedChannelsSupported:
		rsp.Info = make([]byte, 8)
		rsp.Info[0] = 1 << uint(ChannelIDSignallingACLU) // signalling
	default:
		rsp.Result = InfoTypeResultNotSupported
	}
	s.sendPacket(l, rsp)
}

// handleInfoRsp completes the information exchange that gates classic
// dynamic channel establishment, then resumes parked connect requests.
func (s *Stack) handleInfoRsp(l *lcb, p *InformationResponsePacket) {
	if l.infoDone || l.infoReqID != p.Identifier {
		return
	}
	l.infoDone = true
	s.flushPending(l)
}

// flushPending resumes connect requests held while the link came up.
func (s *Stack) flushPending(l *lcb) {
	pending := l.pending
	l.pending = nil
	for _, pc := range pending {
		c := &s.ccbs[pc.ccbIdx]
		if c.inUse && c.state == stateClosed {
			s.csmEvent(c, evAPIConnect, nil)
		}
	}
	s.checkLinkIdle(l)
}

func (s *Stack) handleLEConnectionReq(l *lcb, p *LECreditBasedConnectionRequestPacket) {
	reject := func(result LECreditBasedConnectionResult) {
		s.sendPacket(l, &LECreditBasedConnectionResponsePacket{
			Identifier: p.Identifier,
			Result:     result,
		})
	}
	r := s.findRCB(p.SPSM)
	if r == nil || !r.acceptLE {
		reject(LECreditBasedConnectionResultRefusedSPSMNotSupported)
		return
	}
	if !p.SourceCID.IsDynamic() {
		reject(LECreditBasedConnectionResultRefusedInvalidSourceCID)
		return
	}
	if s.findCCBByRemote(l, p.SourceCID) != nil {
		reject(LECreditBasedConnectionResultRefusedSourceCIDAlreadyAllocated)
		return
	}
	if p.MTU < MinLEMTU || p.MPS < MinLEMTU || p.MPS > MaxMPS {
		reject(LECreditBasedConnectionResultRefusedUnacceptableParameters)
		return
	}
	c, err := s.allocCCB(l, r)
	if err != nil {
		reject(LECreditBasedConnectionResultRefusedNoResourcesAvailable)
		return
	}
	c.creditBased = true
	c.remoteCID = p.SourceCID
	c.reqID = p.Identifier
	c.txMTU = p.MTU
	c.txMPS = p.MPS
	c.txCredits = p.InitialCredits
	c.rxMPS = MaxMPS
	s.csmEvent(c, evPeerConnectReq, nil)
}

func (s *Stack) handleLEConnectionRsp(l *lcb, p *LECreditBasedConnectionResponsePacket) {
	// the response carries no source CID; correlate on the transaction id.
	c := s.findCCBByReqID(l, p.Identifier)
	if c == nil || !c.creditBased || c.state != stateWaitConnectRsp {
		return
	}
	if p.Result == LECreditBasedConnectionResultSuccessful {
		s.csmEvent(c, evPeerConnectRsp, p)
		return
	}
	s.csmEvent(c, evPeerConnectRspNeg, leResultToConnResult(p.Result))
}

func leResultToConnResult(r LECreditBasedConnectionResult) ConnResult {
	switch r {
	case LECreditBasedConnectionResultRefusedSPSMNotSupported:
		return ConnResultNoPSM
	case LECreditBasedConnectionResultRefusedInsufficientAuthentication,
		LECreditBasedConnectionResultRefusedInsufficientAuthorization,
		LECreditBasedConnectionResultRefusedEncryptionKeySizeTooShort,
		LECreditBasedConnectionResultRefusedInsufficientEncryption:
		return ConnResultSecurityBlock
	}
	return ConnResultNoResources
}

// handleEnhancedConnectionReq establishes up to CreditBasedMaxCIDs channels
// in one exchange. Channels on a registered PSM are accepted directly; the
// owner learns of each through OnOpen.
func (s *Stack) handleEnhancedConnectionReq(l *lcb, p *CreditBasedConnectionRequestPacket) {
	rsp := &CreditBasedConnectionResponsePacket{
		Identifier:     p.Identifier,
		MTU:            DefaultMTU,
		MPS:            MaxMPS,
		InitialCredits: s.cfg.DefaultCredits,
	}
	r := s.findRCB(p.SPSM)
	switch {
	case len(p.SourceCIDs) == 0 || len(p.SourceCIDs) > CreditBasedMaxCIDs:
		rsp.Result = CreditBasedConnectionResultAllConnectionsRefusedInvalidParameters
	case r == nil || !r.acceptLE:
		rsp.Result = CreditBasedConnectionResultAllConnectionsRefusedSPSMNotSupported
	case p.MTU < MinLEMTU || p.MPS < MinLEMTU || p.MPS > MaxMPS:
		rsp.Result = CreditBasedConnectionResultAllConnectionsRefusedUnacceptableParameters
	}
	if rsp.Result != CreditBasedConnectionResultAllConnectionsSuccessful {
		s.sendPacket(l, rsp)
		return
	}
	rsp.DestinationCIDs = make([]ChannelID, len(p.SourceCIDs))
	var opened []*ccb
	for i, scid := range p.SourceCIDs {
		switch {
		case !scid.IsDynamic():
			rsp.Result = CreditBasedConnectionResultSomeConnectionsRefusedInvalidSourceCID
			continue
		case s.findCCBByRemote(l, scid) != nil:
			rsp.Result = CreditBasedConnectionResultSomeConnectionsRefusedSourceCIDAlreadyAllocated
			continue
		}
		c, err := s.allocCCB(l, r)
		if err != nil {
			rsp.Result = CreditBasedConnectionResultSomeConnectionsRefusedInsufficientResources
			continue
		}
		c.creditBased = true
		c.remoteCID = scid
		c.txMTU = p.MTU
		c.txMPS = p.MPS
		c.txCredits = p.InitialCredits
		c.rxMPS = MaxMPS
		c.rxCredits = s.cfg.DefaultCredits
		c.state = stateOpen
		rsp.DestinationCIDs[i] = c.localCID
		opened = append(opened, c)
	}
	s.sendPacket(l, rsp)
	for _, c := range opened {
		s.notifyOpen(c)
	}
}

func (s *Stack) handleEnhancedConnectionRsp(l *lcb, p *CreditBasedConnectionResponsePacket) {
	// the request allocated channels in pool order, so collecting matching
	// channels in index order restores the source CID order of the request.
	var pending []*ccb
	for i := range s.ccbs {
		c := &s.ccbs[i]
		if c.inUse && c.lcbIdx == l.idx && c.creditBased &&
			c.state == stateWaitConnectRsp && c.reqID == p.Identifier {
			pending = append(pending, c)
		}
	}
	for i, c := range pending {
		c.stopRTX()
		c.lastReq = nil
		if i >= len(p.DestinationCIDs) || p.DestinationCIDs[i] == 0 {
			s.connectFailed(c, ConnResultNoResources)
			continue
		}
		c.remoteCID = p.DestinationCIDs[i]
		c.txMTU = p.MTU
		c.txMPS = p.MPS
		c.txCredits = p.InitialCredits
		c.state = stateOpen
		s.notifyConnectCfm(c, ConnResultOK)
		s.notifyOpen(c)
	}
}

// handleReconfigureReq applies a peer update of its receive parameters, which
// bound our transmit side. Shrinking the MTU is refused, as is shrinking the
// MPS across more than one channel.
func (s *Stack) handleReconfigureReq(l *lcb, p *CreditBasedReconfigureRequestPacket) {
	rsp := &CreditBasedReconfigureResponsePacket{Identifier: p.Identifier}
	var chans []*ccb
	for _, cid := range p.CIDs {
		c := s.findCCBByRemote(l, cid)
		if c == nil || !c.creditBased || c.state != stateOpen {
			rsp.Result = CreditBasedReconfigureResultInvalidCID
			break
		}
		if p.MTU < c.txMTU {
			rsp.Result = CreditBasedReconfigureResultMTUReductionRefused
			break
		}
		if p.MPS < c.txMPS && len(p.CIDs) > 1 {
			rsp.Result = CreditBasedReconfigureResultMPSReductionRefused
			break
		}
		chans = append(chans, c)
	}
	if rsp.Result == CreditBasedReconfigureResultSuccess {
		for _, c := range chans {
			c.txMTU = p.MTU
			c.txMPS = p.MPS
		}
	}
	s.sendPacket(l, rsp)
}

func (s *Stack) handleReconfigureRsp(l *lcb, p *CreditBasedReconfigureResponsePacket) {
	if l.reconfigCIDs == nil || l.reconfigID != p.Identifier {
		return
	}
	cids, mtu, mps := l.reconfigCIDs, l.reconfigMTU, l.reconfigMPS
	l.reconfigCIDs = nil
	if p.Result != CreditBasedReconfigureResultSuccess {
		s.log.Warn("reconfigure refused", zap.Uint16("result", uint16(p.Result)))
		return
	}
	for _, ci := range cids {
		c := &s.ccbs[ci]
		if c.inUse && c.creditBased {
			c.rxMTU = mtu
			c.rxMPS = mps
		}
	}
}

func (s *Stack) findCCBByReqID(l *lcb, id uint8) *ccb {
	for i := range s.ccbs {
		c := &s.ccbs[i]
		if c.inUse && c.lcbIdx == l.idx && c.lastReq != nil && c.reqID == id {
			return c
		}
	}
	return nil
}

func (s *Stack) sendCommandReject(l *lcb, id uint8, reason CommandRejectReason, data []byte) {
	s.sendPacket(l, &CommandRejectResponsePacket{
		Identifier:          id,
		CommandRejectReason: reason,
		ReasonData:          data,
	})
}

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
