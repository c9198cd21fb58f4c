package l2cap

import "go.uber.org/zap"

// Configuration negotiation. Each direction is negotiated independently:
// our request describes what we can receive, the peer's request describes
// what it can receive (so it bounds what we may transmit). The channel opens
// once both direction done bits are set.

func (s *Stack) sendConfigReq(c *ccb, opts *ConfigOptions) {
	if opts == nil {
		opts = &ConfigOptions{}
	}
	c.localOpts = *opts
	if c.localOpts.MTU == nil {
		c.localOpts.MTU = u16p(DefaultMTU)
	}
	c.rxMTU = *c.localOpts.MTU
	if c.localOpts.FCR != nil {
		c.rxMPS = c.localOpts.FCR.MPS
	}
	c.state = stateWaitConfig
	c.cfgDone &^= cfgOutboundDone
	l := s.lcbAt(c.lcbIdx)
	s.sendChannelRequest(c, &ConfigurationRequestPacket{
		Identifier:     l.nextIdentifier(),
		DestinationCID: c.remoteCID,
		Options:        c.localOpts.Marshal(),
	}, s.cfg.ConfigTimeout)
}

func (s *Stack) handlePeerConfigReq(c *ccb, req *ConfigurationRequestPacket) {
	l := s.lcbAt(c.lcbIdx)
	opts, rejected, err := UnmarshalConfigOptions(req.Options)
	if err != nil {
		s.sendPacket(l, &ConfigurationResponsePacket{
			Identifier: req.Identifier,
			SourceCID:  c.remoteCID,
			Result:     ConfigResultRejected,
		})
		return
	}

	if len(rejected) > 0 {
		// unknown non-hint options: report every offending type back.
		bad := make([]byte, 0, len(rejected)*2)
		for _, t := range rejected {
			bad = append(bad, t, 0)
		}
		s.sendPacket(l, &ConfigurationResponsePacket{
			Identifier: req.Identifier,
			SourceCID:  c.remoteCID,
			Result:     ConfigResultUnknownOptions,
			Options:    bad,
		})
		return
	}

	// Check proposed values against our bounds. Corrections are always
	// reported to the peer, never silently clamped.
	var corrective ConfigOptions
	unacceptable := false
	if opts.MTU != nil && *opts.MTU < MinMTU {
		corrective.MTU = u16p(MinMTU)
		unacceptable = true
	}
	if opts.FCR != nil {
		switch opts.FCR.Mode {
		case FCRModeBasic, FCRModeERTM, FCRModeStreaming:
		default:
			// no common mode: counter-propose ours, disconnect once the
			// bounded negotiation rounds are spent.
			fcr := *opts.FCR
			fcr.Mode = c.preferredMode()
			corrective.FCR = &fcr
			unacceptable = true
		}
		if opts.FCR.TxWindow == 0 || opts.FCR.TxWindow >= seqModulo {
			if corrective.FCR == nil {
				fcr := *opts.FCR
				corrective.FCR = &fcr
			}
			corrective.FCR.TxWindow = s.cfg.TxWindow
			unacceptable = true
		}
		if mode := opts.FCR.Mode; mode == FCRModeERTM || mode == FCRModeStreaming {
			if opts.FCR.MPS < MinMPS || opts.FCR.MPS > MaxMPS {
				if corrective.FCR == nil {
					fcr := *opts.FCR
					corrective.FCR = &fcr
				}
				if opts.FCR.MPS < MinMPS {
					corrective.FCR.MPS = MinMPS
				} else {
					corrective.FCR.MPS = MaxMPS
				}
				unacceptable = true
			}
		}
	}
	if unacceptable {
		c.cfgTries++
		s.sendPacket(l, &ConfigurationResponsePacket{
			Identifier: req.Identifier,
			SourceCID:  c.remoteCID,
			Result:     ConfigResultUnacceptableParams,
			Options:    corrective.Marshal(),
		})
		if c.cfgTries >= s.cfg.MaxFCRConfigTries && corrective.FCR != nil {
			s.log.Warn("no common mode with peer, disconnecting",
				zap.Uint16("cid", uint16(c.localCID)))
			s.failChannel(c, DisconnectReasonNegotiationFailed)
		}
		return
	}

	// Accepted: the peer's receive parameters bound our transmit side.
	mergeOptions(&c.peerOpts, opts)
	if req.Flags&ConfigFlagContinuation != 0 {
		s.sendPacket(l, &ConfigurationResponsePacket{
			Identifier: req.Identifier,
			SourceCID:  c.remoteCID,
			Flags:      ConfigFlagContinuation,
			Result:     ConfigResultOK,
		})
		return
	}
	if c.peerOpts.MTU != nil {
		c.txMTU = *c.peerOpts.MTU
	}
	if c.peerOpts.FCR != nil {
		c.mode = c.peerOpts.FCR.Mode
		c.txMPS = c.peerOpts.FCR.MPS
	}
	if c.peerOpts.FCS != nil {
		c.fcsEnabled = *c.peerOpts.FCS != 0
	}
	s.sendPacket(l, &ConfigurationResponsePacket{
		Identifier: req.Identifier,
		SourceCID:  c.remoteCID,
		Result:     ConfigResultOK,
		Options:    req.Options,
	})
	c.cfgDone |= cfgInboundDone
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		peerOpts := c.peerOpts
		s.dispatch(func() { r.handler.OnConfigInd(cid, &peerOpts) })
	}
	s.maybeOpen(c)
}

// adoptConfigRsp merges the corrective values a peer sent along with its
// configuration response into our proposal, so the retry round proposes
// what the peer said it could accept.
func (s *Stack) adoptConfigRsp(c *ccb, opts *ConfigOptions) {
	mergeOptions(&c.localOpts, opts)
	if c.localOpts.MTU != nil {
		c.rxMTU = *c.localOpts.MTU
	}
	if c.localOpts.FCR != nil {
		c.rxMPS = c.localOpts.FCR.MPS
	}
}

func (s *Stack) maybeOpen(c *ccb) {
	if c.cfgDone&cfgInboundDone == 0 || c.cfgDone&cfgOutboundDone == 0 {
		return
	}
	c.state = stateOpen
	c.cfgTries = 0
	if c.mode == FCRModeERTM || c.mode == FCRModeStreaming {
		s.fcrInit(c)
	}
	if c.cfgDone&cfgReconfig == 0 {
		s.notifyOpen(c)
	}
	c.cfgDone |= cfgReconfig
	s.serviceChannel(c)
}

func (c *ccb) preferredMode() FCRMode {
	if c.localOpts.FCR != nil {
		return c.localOpts.FCR.Mode
	}
	return FCRModeBasic
}

func mergeOptions(dst *ConfigOptions, src *ConfigOptions) {
	if src.MTU != nil {
		dst.MTU = src.MTU
	}
	if src.FlushTimeout != nil {
		dst.FlushTimeout = src.FlushTimeout
	}
	if src.QoS != nil {
		dst.QoS = src.QoS
	}
	if src.FCR != nil {
		dst.FCR = src.FCR
	}
	if src.FCS != nil {
		dst.FCS = src.FCS
	}
	if src.ExtFlow != nil {
		dst.ExtFlow = src.ExtFlow
	}
}
