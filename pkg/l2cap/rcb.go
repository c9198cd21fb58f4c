package l2cap

// Handler receives upper layer indications for channels belonging to one
// registered service. Callbacks are delivered in order on a dedicated
// goroutine, so a handler may call back into the stack API.
type Handler interface {
	// OnConnectInd reports an inbound connection request. The handler must
	// eventually answer with ConnectRsp.
	OnConnectInd(cid ChannelID, psm PSM, peer PeerAddr)
	// OnConnectCfm reports the outcome of a locally initiated Connect.
	OnConnectCfm(cid ChannelID, result ConnResult)
	// OnConfigInd reports the peer's configuration proposal after it has
	// been accepted by the engine.
	OnConfigInd(cid ChannelID, opts *ConfigOptions)
	// OnConfigCfm reports the peer's answer to our configuration proposal.
	OnConfigCfm(cid ChannelID, result ConfigResult)
	// OnOpen fires once both configuration directions are complete and the
	// channel can carry data.
	OnOpen(cid ChannelID)
	// OnDisconnectInd reports a channel closed by the peer, a link loss, a
	// timeout, or a protocol violation.
	OnDisconnectInd(cid ChannelID, reason DisconnectReason)
	// OnDisconnectCfm reports completion of a locally requested Disconnect.
	OnDisconnectCfm(cid ChannelID)
	// OnDataInd delivers one reassembled SDU.
	OnDataInd(cid ChannelID, sdu []byte)
	// OnCongestionStatus reports transmit queue congestion transitions.
	// After congested=true the owner should stop producing until the
	// matching congested=false fires.
	OnCongestionStatus(cid ChannelID, congested bool)
}

// SecurityResult is the answer of the security collaborator.
type SecurityResult uint8

const (
	SecurityPass SecurityResult = iota
	SecurityFail
	SecurityPending
)

// SecurityGuard gates channel establishment. Check runs on the stack
// goroutine and must not block; a SecurityPending return parks the channel
// until complete is invoked (from any goroutine).
type SecurityGuard interface {
	Check(peer PeerAddr, psm PSM, outgoing bool, complete func(ok bool)) SecurityResult
}

// ServiceHandle identifies a registration.
type ServiceHandle int

// rcb is a registration control block: one per registered PSM.
type rcb struct {
	inUse   bool
	idx     int
	psm     PSM
	handler Handler

	// AcceptLE permits inbound LE credit based connections on this PSM.
	acceptLE bool
	// RequireSecurity runs the security guard for inbound connections.
	requireSecurity bool
}

func (s *Stack) allocRCB(psm PSM, h Handler) (*rcb, error) {
	for i := range s.rcbs {
		r := &s.rcbs[i]
		if r.inUse && r.psm == psm {
			return nil, ErrPSMInUse
		}
	}
	for i := range s.rcbs {
		r := &s.rcbs[i]
		if !r.inUse {
			*r = rcb{inUse: true, idx: i, psm: psm, handler: h}
			return r, nil
		}
	}
	return nil, ErrNoResources
}

func (s *Stack) findRCB(psm PSM) *rcb {
	for i := range s.rcbs {
		if s.rcbs[i].inUse && s.rcbs[i].psm == psm {
			return &s.rcbs[i]
		}
	}
	return nil
}

// releaseRCB fully reinitializes the slot so a later registration cannot
// observe stale state.
func (s *Stack) releaseRCB(r *rcb) {
	*r = rcb{idx: r.idx}
}
