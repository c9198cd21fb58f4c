package l2cap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lePeerCID = ChannelID(0x0150)

func (e *testEnv) expectLEConnReq() *LECreditBasedConnectionRequestPacket {
	e.t.Helper()
	for _, p := range e.takeSig() {
		if q, ok := p.(*LECreditBasedConnectionRequestPacket); ok {
			return q
		}
	}
	e.t.Fatal("no LE connection request sent")
	return nil
}

func (e *testEnv) expectCreditInd() *FlowControlCreditIndicationPacket {
	e.t.Helper()
	for _, p := range e.takeSig() {
		if q, ok := p.(*FlowControlCreditIndicationPacket); ok {
			return q
		}
	}
	e.t.Fatal("no credit indication sent")
	return nil
}

// openLE drives an outbound LE credit based establishment and returns the
// local CID. mtu/mps/credits are what the fake peer grants for our transmit
// direction.
func (e *testEnv) openLE(peer PeerAddr, handle uint16, psm PSM, mtu, mps, credits uint16) ChannelID {
	e.t.Helper()
	e.s.OnLinkUp(peer, TransportLE, handle)
	e.barrier()
	cid, err := e.s.ConnectLE(peer, psm)
	require.NoError(e.t, err)

	req := e.expectLEConnReq()
	require.Equal(e.t, psm, req.SPSM)
	require.Equal(e.t, cid, req.SourceCID)
	e.feedSig(handle, TransportLE, &LECreditBasedConnectionResponsePacket{
		Identifier:     req.Identifier,
		DestinationCID: lePeerCID,
		MTU:            mtu,
		MPS:            mps,
		InitialCredits: credits,
		Result:         LECreditBasedConnectionResultSuccessful,
	})
	ev := e.h.expect(e.t, "connect_cfm")
	require.Equal(e.t, ConnResultOK, ev.connRes)
	e.h.expect(e.t, "open")
	e.flush()
	return cid
}

// kframes reassembles the SDU length prefix view of outbound K-frames.
func kframeSDULen(t *testing.T, frame []byte) uint16 {
	t.Helper()
	require.GreaterOrEqual(t, len(frame), 2)
	return binary.LittleEndian.Uint16(frame)
}

func TestLECreditSendStallAndResume(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 30, 2)

	// 80 byte SDU plus length prefix is three 30/30/22 byte K-frames, but
	// only two credits are available.
	sdu := make([]byte, 80)
	for i := range sdu {
		sdu[i] = byte(i)
	}
	require.NoError(t, e.s.SendData(cid, sdu))
	frames := e.takeData(lePeerCID)
	require.Len(t, frames, 2)
	assert.Len(t, frames[0], 30)
	assert.Len(t, frames[1], 30)
	assert.Equal(t, uint16(80), kframeSDULen(t, frames[0]))

	// a credit grant releases the stalled tail.
	e.feedSig(testHandle, TransportLE, &FlowControlCreditIndicationPacket{
		Identifier: 9,
		CID:        lePeerCID,
		Credits:    5,
	})
	frames = e.takeData(lePeerCID)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 22)
	assert.Equal(t, sdu[58:], frames[0])
}

func TestLECreditInboundReassemblyAndReplenish(t *testing.T) {
	e := newTestEnv(t, WithConfig(Config{DefaultCredits: 4, CreditLowWater: 2}))
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 50, 10)

	sdu := make([]byte, 40)
	for i := range sdu {
		sdu[i] = byte(0x80 + i)
	}
	first := append(u16le(40), sdu[:20]...)
	e.feedData(testHandle, cid, first)
	e.h.expectNone(t) // SDU not complete yet

	e.feedData(testHandle, cid, sdu[20:])
	ev := e.h.expect(t, "data")
	assert.Equal(t, sdu, ev.data)

	// two frames consumed two of four credits, reaching the low-water mark.
	ind := e.expectCreditInd()
	assert.Equal(t, cid, ind.CID)
	assert.Equal(t, uint16(4), ind.Credits)
}

func TestLECreditZeroCreditViolation(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 50, 10)

	require.NoError(t, e.s.call(func() error {
		e.s.findCCB(cid).rxCredits = 0
		return nil
	}))
	e.feedData(testHandle, cid, append(u16le(4), 1, 2, 3, 4))
	ev := e.h.expect(t, "disconnect_ind")
	assert.Equal(t, DisconnectReasonProtocolViolation, ev.reason)
	e.expectDiscReq()
}

func TestLECreditOversizeSDUViolation(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 50, 10)

	// announced SDU length beyond our receive MTU.
	e.feedData(testHandle, cid, append(u16le(0xffff), 1, 2))
	ev := e.h.expect(t, "disconnect_ind")
	assert.Equal(t, DisconnectReasonProtocolViolation, ev.reason)
}

func TestLECreditGrantOverflow(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	e.openLE(peerA, testHandle, testPSM, 100, 50, 0xfff0)

	e.feedSig(testHandle, TransportLE, &FlowControlCreditIndicationPacket{
		Identifier: 5,
		CID:        lePeerCID,
		Credits:    0x0100,
	})
	ev := e.h.expect(t, "disconnect_ind")
	assert.Equal(t, DisconnectReasonProtocolViolation, ev.reason)
	e.expectDiscReq()
}

func TestCongestionHysteresis(t *testing.T) {
	e := newTestEnv(t, WithConfig(Config{TxQuota: 4}))
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 50, 0)

	// zero transmit credits: everything stays queued. The sixth write
	// crosses the quota and reports congestion exactly once.
	for i := 0; i < 5; i++ {
		require.NoError(t, e.s.SendData(cid, []byte{byte(i)}))
	}
	require.ErrorIs(t, e.s.SendData(cid, []byte{5}), ErrCongested)
	ev := e.h.expect(t, "congestion")
	assert.True(t, ev.congested)

	// the grant drains past half quota and clears congestion once.
	e.feedSig(testHandle, TransportLE, &FlowControlCreditIndicationPacket{
		Identifier: 6,
		CID:        lePeerCID,
		Credits:    100,
	})
	ev = e.h.expect(t, "congestion")
	assert.False(t, ev.congested)
}

func TestSendCreditsAPI(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 50, 10)

	require.ErrorIs(t, e.s.SendCredits(cid, 0), ErrIllegalParameter)
	require.NoError(t, e.s.SendCredits(cid, 20))
	ind := e.expectCreditInd()
	assert.Equal(t, cid, ind.CID)
	assert.Equal(t, uint16(20), ind.Credits)
}

func TestConfigureRejectedOnCreditChannel(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 50, 10)
	assert.ErrorIs(t, e.s.Configure(cid, nil), ErrWrongState)
}

func TestInboundLEConnect(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.RegisterService(testPSM, e.h, ServiceConfig{AcceptLE: true})
	require.NoError(t, err)
	e.s.OnLinkUp(peerA, TransportLE, testHandle)
	e.barrier()

	e.feedSig(testHandle, TransportLE, &LECreditBasedConnectionRequestPacket{
		Identifier:     3,
		SPSM:           testPSM,
		SourceCID:      lePeerCID,
		MTU:            200,
		MPS:            60,
		InitialCredits: 5,
	})
	e.h.expect(t, "connect_ind")
	e.h.expect(t, "open")
	sigs := e.takeSig()
	require.Len(t, sigs, 1)
	rsp := sigs[0].(*LECreditBasedConnectionResponsePacket)
	assert.Equal(t, LECreditBasedConnectionResultSuccessful, rsp.Result)
	assert.NotZero(t, rsp.DestinationCID)
	assert.Equal(t, e.s.cfg.DefaultCredits, rsp.InitialCredits)
}

func TestInboundLEConnectRefused(t *testing.T) {
	e := newTestEnv(t)
	// registered, but not for LE.
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	e.s.OnLinkUp(peerA, TransportLE, testHandle)
	e.barrier()

	e.feedSig(testHandle, TransportLE, &LECreditBasedConnectionRequestPacket{
		Identifier:     4,
		SPSM:           testPSM,
		SourceCID:      lePeerCID,
		MTU:            200,
		MPS:            60,
		InitialCredits: 5,
	})
	sigs := e.takeSig()
	require.Len(t, sigs, 1)
	rsp := sigs[0].(*LECreditBasedConnectionResponsePacket)
	assert.Equal(t, LECreditBasedConnectionResultRefusedSPSMNotSupported, rsp.Result)

	// parameters below the protocol floor are refused too.
	_, err = e.s.RegisterService(0x1003, e.h, ServiceConfig{AcceptLE: true})
	require.NoError(t, err)
	e.feedSig(testHandle, TransportLE, &LECreditBasedConnectionRequestPacket{
		Identifier:     5,
		SPSM:           0x1003,
		SourceCID:      lePeerCID,
		MTU:            10,
		MPS:            10,
		InitialCredits: 5,
	})
	sigs = e.takeSig()
	require.Len(t, sigs, 1)
	rsp = sigs[0].(*LECreditBasedConnectionResponsePacket)
	assert.Equal(t, LECreditBasedConnectionResultRefusedUnacceptableParameters, rsp.Result)
}

func TestEnhancedConnectOutbound(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	e.s.OnLinkUp(peerA, TransportLE, testHandle)
	e.barrier()

	cids, err := e.s.ConnectEnhanced(peerA, testPSM, 2)
	require.NoError(t, err)
	require.Len(t, cids, 2)

	var req *CreditBasedConnectionRequestPacket
	for _, p := range e.takeSig() {
		if q, ok := p.(*CreditBasedConnectionRequestPacket); ok {
			req = q
		}
	}
	require.NotNil(t, req)
	assert.Equal(t, cids, req.SourceCIDs)

	e.feedSig(testHandle, TransportLE, &CreditBasedConnectionResponsePacket{
		Identifier:      req.Identifier,
		MTU:             200,
		MPS:             100,
		InitialCredits:  9,
		Result:          CreditBasedConnectionResultAllConnectionsSuccessful,
		DestinationCIDs: []ChannelID{lePeerCID, lePeerCID + 1},
	})
	for _, want := range cids {
		ev := e.h.expect(t, "connect_cfm")
		assert.Equal(t, want, ev.cid)
		assert.Equal(t, ConnResultOK, ev.connRes)
		ev = e.h.expect(t, "open")
		assert.Equal(t, want, ev.cid)
	}

	// both channels carry data on their own destination CID.
	e.flush()
	require.NoError(t, e.s.SendData(cids[1], []byte("b")))
	frames := e.takeData(lePeerCID + 1)
	require.Len(t, frames, 1)
}

func TestEnhancedConnectPartialRefusal(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	e.s.OnLinkUp(peerA, TransportLE, testHandle)
	e.barrier()

	cids, err := e.s.ConnectEnhanced(peerA, testPSM, 2)
	require.NoError(t, err)
	var req *CreditBasedConnectionRequestPacket
	for _, p := range e.takeSig() {
		if q, ok := p.(*CreditBasedConnectionRequestPacket); ok {
			req = q
		}
	}
	require.NotNil(t, req)

	// a zero destination CID refuses that channel only.
	e.feedSig(testHandle, TransportLE, &CreditBasedConnectionResponsePacket{
		Identifier:      req.Identifier,
		MTU:             200,
		MPS:             100,
		InitialCredits:  9,
		Result:          CreditBasedConnectionResultSomeConnectionsRefusedInsufficientResources,
		DestinationCIDs: []ChannelID{lePeerCID, 0},
	})
	ev := e.h.expect(t, "connect_cfm")
	assert.Equal(t, cids[0], ev.cid)
	assert.Equal(t, ConnResultOK, ev.connRes)
	e.h.expect(t, "open")
	ev = e.h.expect(t, "connect_cfm")
	assert.Equal(t, cids[1], ev.cid)
	assert.Equal(t, ConnResultNoResources, ev.connRes)
}

func TestEnhancedConnectInbound(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.RegisterService(testPSM, e.h, ServiceConfig{AcceptLE: true})
	require.NoError(t, err)
	e.s.OnLinkUp(peerA, TransportLE, testHandle)
	e.barrier()

	e.feedSig(testHandle, TransportLE, &CreditBasedConnectionRequestPacket{
		Identifier:     2,
		SPSM:           testPSM,
		MTU:            100,
		MPS:            50,
		InitialCredits: 3,
		SourceCIDs:     []ChannelID{lePeerCID, lePeerCID + 1},
	})
	sigs := e.takeSig()
	require.Len(t, sigs, 1)
	rsp := sigs[0].(*CreditBasedConnectionResponsePacket)
	assert.Equal(t, CreditBasedConnectionResultAllConnectionsSuccessful, rsp.Result)
	require.Len(t, rsp.DestinationCIDs, 2)
	e.h.expect(t, "open")
	e.h.expect(t, "open")

	// data flows immediately on the accepted channels.
	e.feedData(testHandle, rsp.DestinationCIDs[0], append(u16le(2), 0xca, 0xfe))
	ev := e.h.expect(t, "data")
	assert.Equal(t, []byte{0xca, 0xfe}, ev.data)
}

func TestEnhancedReconfigure(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 50, 10)

	// reductions are refused locally before anything hits the wire.
	require.ErrorIs(t, e.s.ReconfigureEnhanced([]ChannelID{cid}, 100, 100), ErrIllegalParameter)

	require.NoError(t, e.s.ReconfigureEnhanced([]ChannelID{cid}, 1200, 1100))
	var req *CreditBasedReconfigureRequestPacket
	for _, p := range e.takeSig() {
		if q, ok := p.(*CreditBasedReconfigureRequestPacket); ok {
			req = q
		}
	}
	require.NotNil(t, req)
	assert.Equal(t, uint16(1200), req.MTU)

	// only one reconfigure may be in flight.
	require.ErrorIs(t, e.s.ReconfigureEnhanced([]ChannelID{cid}, 1300, 1200), ErrWrongState)

	e.feedSig(testHandle, TransportLE, &CreditBasedReconfigureResponsePacket{
		Identifier: req.Identifier,
		Result:     CreditBasedReconfigureResultSuccess,
	})
	require.NoError(t, e.s.call(func() error {
		c := e.s.findCCB(cid)
		assert.Equal(t, uint16(1200), c.rxMTU)
		assert.Equal(t, uint16(1100), c.rxMPS)
		return nil
	}))

	// peer initiated reconfigure raises our transmit bounds.
	e.feedSig(testHandle, TransportLE, &CreditBasedReconfigureRequestPacket{
		Identifier: 8,
		MTU:        300,
		MPS:        80,
		CIDs:       []ChannelID{lePeerCID},
	})
	sigs := e.takeSig()
	require.Len(t, sigs, 1)
	rsp := sigs[0].(*CreditBasedReconfigureResponsePacket)
	assert.Equal(t, CreditBasedReconfigureResultSuccess, rsp.Result)
	require.NoError(t, e.s.call(func() error {
		c := e.s.findCCB(cid)
		assert.Equal(t, uint16(300), c.txMTU)
		assert.Equal(t, uint16(80), c.txMPS)
		return nil
	}))
}

// TestSetPriorityBurstScheduling checks that the per-pass transmit burst
// follows the channel's scheduling class: high priority channels may move
// fifteen frames per service pass, low priority ones five.
func TestSetPriorityBurstScheduling(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 10, 0)

	assert.ErrorIs(t, e.s.SetPriority(cid, Priority(3)), ErrIllegalParameter)
	assert.ErrorIs(t, e.s.SetPriority(ChannelID(0x00ff), PriorityHigh), ErrInvalidCID)

	// no credits yet, so all eight SDUs sit in the hold queue.
	require.NoError(t, e.s.SetPriority(cid, PriorityHigh))
	for i := 0; i < 8; i++ {
		require.NoError(t, e.s.SendData(cid, []byte{byte(i), 0, 0, 0, 0, 0}))
	}
	require.Empty(t, e.takeData(lePeerCID))

	// one grant, one service pass: high priority drains all eight.
	e.feedSig(testHandle, TransportLE, &FlowControlCreditIndicationPacket{
		Identifier: 3,
		CID:        lePeerCID,
		Credits:    100,
	})
	require.Len(t, e.takeData(lePeerCID), 8)

	// drop to low priority, stall again, and requeue.
	require.NoError(t, e.s.SetPriority(cid, PriorityLow))
	require.NoError(t, e.s.call(func() error {
		e.s.findCCB(cid).txCredits = 0
		return nil
	}))
	for i := 0; i < 8; i++ {
		require.NoError(t, e.s.SendData(cid, []byte{byte(0x10 + i), 0, 0, 0, 0, 0}))
	}
	require.Empty(t, e.takeData(lePeerCID))

	e.feedSig(testHandle, TransportLE, &FlowControlCreditIndicationPacket{
		Identifier: 4,
		CID:        lePeerCID,
		Credits:    100,
	})
	require.Len(t, e.takeData(lePeerCID), 5)

	// the remainder waits for the next pass.
	e.feedSig(testHandle, TransportLE, &FlowControlCreditIndicationPacket{
		Identifier: 5,
		CID:        lePeerCID,
		Credits:    10,
	})
	require.Len(t, e.takeData(lePeerCID), 3)
}

// TestSetPriorityServicesLink: changing a channel's scheduling class gives
// its link a service pass, so a queue that became sendable without a wire
// event drains in the new order.
func TestSetPriorityServicesLink(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.s.Register(testPSM, e.h)
	require.NoError(t, err)
	cid := e.openLE(peerA, testHandle, testPSM, 100, 10, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.s.SendData(cid, []byte{byte(i), 1, 2}))
	}
	require.Empty(t, e.takeData(lePeerCID))

	require.NoError(t, e.s.call(func() error {
		e.s.findCCB(cid).txCredits = 10
		return nil
	}))
	require.Empty(t, e.takeData(lePeerCID))

	require.NoError(t, e.s.SetPriority(cid, PriorityHigh))
	require.Len(t, e.takeData(lePeerCID), 3)
}
