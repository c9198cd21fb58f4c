package avdtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/muxable/l2cap/pkg/l2cap"
	"github.com/muxable/l2cap/pkg/transport"
)

var (
	addrA = l2cap.PeerAddr{0xaa, 2, 3, 4, 5, 6}
	addrB = l2cap.PeerAddr{0xbb, 5, 4, 3, 2, 1}
)

type avEvent struct {
	kind string // "open", "close", "msg"
	peer l2cap.PeerAddr
	typ  ChannelType
	data []byte
}

type sessionRec struct {
	events chan avEvent
}

func newSessionRec() *sessionRec {
	return &sessionRec{events: make(chan avEvent, 16)}
}

func (r *sessionRec) OnChannelOpen(peer l2cap.PeerAddr, typ ChannelType, cid l2cap.ChannelID) {
	r.events <- avEvent{kind: "open", peer: peer, typ: typ}
}

func (r *sessionRec) OnChannelClose(peer l2cap.PeerAddr, typ ChannelType) {
	r.events <- avEvent{kind: "close", peer: peer, typ: typ}
}

func (r *sessionRec) OnMessage(peer l2cap.PeerAddr, typ ChannelType, data []byte) {
	r.events <- avEvent{kind: "msg", peer: peer, typ: typ, data: append([]byte(nil), data...)}
}

func (r *sessionRec) expect(t *testing.T, kind string, typ ChannelType) avEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		require.Equal(t, kind, ev.kind, "event kind")
		require.Equal(t, typ, ev.typ, "channel type")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s %s", typ, kind)
		return avEvent{}
	}
}

func (r *sessionRec) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected session event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

type sessionEnv struct {
	ma, mb *Manager
	ra, rb *sessionRec
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	pa, pb := transport.NewPair(addrA, addrB)
	log := zaptest.NewLogger(t)
	sa := l2cap.NewStack(pa, l2cap.WithLogger(log.Named("a")))
	sb := l2cap.NewStack(pb, l2cap.WithLogger(log.Named("b")))
	pa.SetSink(sa)
	pb.SetSink(sb)

	ra := newSessionRec()
	rb := newSessionRec()
	ma, err := NewManager(sa, ra, 0, log.Named("avdtp-a"))
	require.NoError(t, err)
	mb, err := NewManager(sb, rb, 0, log.Named("avdtp-b"))
	require.NoError(t, err)

	t.Cleanup(func() {
		sa.Close()
		sb.Close()
		pa.Close()
		pb.Close()
	})
	return &sessionEnv{ma: ma, mb: mb, ra: ra, rb: rb}
}

func TestSignallingChannelComesFirst(t *testing.T) {
	e := newSessionEnv(t)

	// media and reporting are refused until signalling is connected.
	assert.ErrorIs(t, e.ma.Open(addrB, ChannelMedia), l2cap.ErrWrongState)
	assert.ErrorIs(t, e.ma.Open(addrB, ChannelReport), l2cap.ErrWrongState)
	assert.ErrorIs(t, e.ma.Open(addrB, ChannelType(9)), l2cap.ErrIllegalParameter)

	require.NoError(t, e.ma.Open(addrB, ChannelSignalling))
	e.ra.expect(t, "open", ChannelSignalling)
	e.rb.expect(t, "open", ChannelSignalling)

	// a second signalling channel to the same peer is refused.
	assert.ErrorIs(t, e.ma.Open(addrB, ChannelSignalling), l2cap.ErrWrongState)

	require.NoError(t, e.ma.Open(addrB, ChannelMedia))
	e.ra.expect(t, "open", ChannelMedia)
	e.rb.expect(t, "open", ChannelMedia)
}

// TestInboundTypedByArrivalOrder checks that the acceptor, which never sees
// a type on the wire, assigns signalling, media, report in sequence.
func TestInboundTypedByArrivalOrder(t *testing.T) {
	e := newSessionEnv(t)

	for _, typ := range []ChannelType{ChannelSignalling, ChannelMedia, ChannelReport} {
		require.NoError(t, e.ma.Open(addrB, typ))
		e.ra.expect(t, "open", typ)
		ev := e.rb.expect(t, "open", typ)
		assert.Equal(t, addrA, ev.peer)
	}

	// a fourth channel has no type left; the acceptor refuses it and the
	// session layer on either side stays silent.
	_, err := e.ma.stack.Connect(addrB, PSM)
	require.NoError(t, err)
	e.ra.expectNone(t)
	e.rb.expectNone(t)
}

func TestSessionMessages(t *testing.T) {
	e := newSessionEnv(t)

	require.NoError(t, e.ma.Open(addrB, ChannelSignalling))
	e.ra.expect(t, "open", ChannelSignalling)
	e.rb.expect(t, "open", ChannelSignalling)
	require.NoError(t, e.ma.Open(addrB, ChannelMedia))
	e.ra.expect(t, "open", ChannelMedia)
	e.rb.expect(t, "open", ChannelMedia)

	require.NoError(t, e.ma.Send(addrB, ChannelMedia, []byte("rtp payload")))
	ev := e.rb.expect(t, "msg", ChannelMedia)
	assert.Equal(t, []byte("rtp payload"), ev.data)

	require.NoError(t, e.mb.Send(addrA, ChannelSignalling, []byte{0x02, 0x01}))
	ev = e.ra.expect(t, "msg", ChannelSignalling)
	assert.Equal(t, []byte{0x02, 0x01}, ev.data)

	// no reporting channel is open.
	assert.ErrorIs(t, e.ma.Send(addrB, ChannelReport, []byte{0}), l2cap.ErrWrongState)
}

func TestCloseChannelAndSlotReuse(t *testing.T) {
	e := newSessionEnv(t)

	require.NoError(t, e.ma.Open(addrB, ChannelSignalling))
	e.ra.expect(t, "open", ChannelSignalling)
	e.rb.expect(t, "open", ChannelSignalling)
	require.NoError(t, e.ma.Open(addrB, ChannelMedia))
	e.ra.expect(t, "open", ChannelMedia)
	e.rb.expect(t, "open", ChannelMedia)

	require.NoError(t, e.ma.CloseChannel(addrB, ChannelMedia))
	e.ra.expect(t, "close", ChannelMedia)
	e.rb.expect(t, "close", ChannelMedia)

	// a released slot is retyped from scratch: the next inbound channel on
	// the acceptor becomes media again.
	require.NoError(t, e.ma.Open(addrB, ChannelMedia))
	e.ra.expect(t, "open", ChannelMedia)
	e.rb.expect(t, "open", ChannelMedia)

	assert.ErrorIs(t, e.ma.CloseChannel(addrB, ChannelReport), l2cap.ErrWrongState)
}

func TestManagerCloseDeregisters(t *testing.T) {
	e := newSessionEnv(t)

	require.NoError(t, e.ma.Open(addrB, ChannelSignalling))
	e.ra.expect(t, "open", ChannelSignalling)
	e.rb.expect(t, "open", ChannelSignalling)

	require.NoError(t, e.mb.Close())
	// the acceptor's channel is force closed by deregistration; the
	// initiator sees the peer's disconnect.
	e.ra.expect(t, "close", ChannelSignalling)

	// with signalling gone, media cannot be opened.
	assert.ErrorIs(t, e.ma.Open(addrB, ChannelMedia), l2cap.ErrWrongState)
}
