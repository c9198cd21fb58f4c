package l2cap

// Transmit hold queue and congestion signalling.
//
// SDUs are never dropped here: anything accepted by SendData stays queued
// until the flow control layer lets it out. Backpressure is reported through
// the one-shot congestion callbacks with half-quota hysteresis so the owner
// is not flapped on every enqueue/dequeue pair.

func (s *Stack) enqueueSDU(c *ccb, sdu []byte) {
	c.txQueue = append(c.txQueue, sdu)
	s.checkCongestion(c)
}

// checkCongestion fires the congestion callback on upward crossings of the
// quota and the uncongestion callback once the queue drains to half of it.
func (s *Stack) checkCongestion(c *ccb) {
	if c.quota == 0 {
		return
	}
	if c.congested {
		if len(c.txQueue) <= c.quota/2 {
			c.congested = false
			s.notifyCongestion(c, false)
		}
	} else {
		if len(c.txQueue) > c.quota {
			c.congested = true
			s.notifyCongestion(c, true)
		}
	}
}

func (s *Stack) notifyCongestion(c *ccb, congested bool) {
	if r := c.rcb(s); r != nil {
		cid := c.localCID
		s.dispatch(func() { r.handler.OnCongestionStatus(cid, congested) })
	}
}

// serviceChannel lets the channel's flow control mode move queued SDUs to
// the wire, bounded by the priority burst quota so one busy channel cannot
// starve its link siblings.
func (s *Stack) serviceChannel(c *ccb) {
	if c.state != stateOpen {
		return
	}
	burst := c.priority.burstQuota()
	// a partially sent head SDU counts as pending work even when the hold
	// queue itself is empty.
	for burst > 0 && (len(c.txQueue) > 0 || c.txPending != nil || c.fcr.txSDU != nil) {
		var sent bool
		switch {
		case c.creditBased:
			sent = s.creditSendNext(c)
		case c.mode == FCRModeERTM || c.mode == FCRModeStreaming:
			sent = s.fcrSendNext(c)
		default:
			sdu := c.txQueue[0]
			c.txQueue = c.txQueue[1:]
			s.sendFrame(s.lcbAt(c.lcbIdx), c.remoteCID, sdu)
			sent = true
		}
		if !sent {
			break
		}
		burst--
	}
	s.checkCongestion(c)
}

// serviceLink gives every open channel on the link one service pass.
// Channels are kept in priority order on the link list, so high priority
// queues drain first. Runs when the scheduling order changes.
func (s *Stack) serviceLink(l *lcb) {
	for _, ci := range l.channels {
		s.serviceChannel(&s.ccbs[ci])
	}
}
