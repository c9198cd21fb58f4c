package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/muxable/l2cap/pkg/l2cap"
)

type sockEvent struct {
	kind   string
	peer   l2cap.PeerAddr
	tkind  l2cap.TransportKind
	handle uint16
	pkt    []byte
}

type sockSink struct {
	events chan sockEvent
}

func newSockSink() *sockSink {
	return &sockSink{events: make(chan sockEvent, 16)}
}

func (s *sockSink) OnLinkUp(peer l2cap.PeerAddr, kind l2cap.TransportKind, handle uint16) {
	s.events <- sockEvent{kind: "up", peer: peer, tkind: kind, handle: handle}
}

func (s *sockSink) OnLinkDown(handle uint16) {
	s.events <- sockEvent{kind: "down", handle: handle}
}

func (s *sockSink) OnDataReceived(handle uint16, pkt []byte) {
	s.events <- sockEvent{kind: "data", handle: handle, pkt: append([]byte(nil), pkt...)}
}

func (s *sockSink) next(t *testing.T) sockEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return sockEvent{}
	}
}

func TestSocketPairFraming(t *testing.T) {
	sa, sb, err := NewSocketPair(addrA, addrB, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sa.Close()
	defer sb.Close()

	ska := newSockSink()
	skb := newSockSink()
	sa.Start(ska)
	sb.Start(skb)

	require.NoError(t, sa.CreateLink(addrB, l2cap.TransportLE))

	// both ends observe the link with the same handle.
	up := ska.next(t)
	assert.Equal(t, "up", up.kind)
	assert.Equal(t, addrB, up.peer)
	assert.Equal(t, l2cap.TransportLE, up.tkind)

	up = skb.next(t)
	assert.Equal(t, "up", up.kind)
	assert.Equal(t, addrA, up.peer)
	assert.Equal(t, l2cap.TransportLE, up.tkind)
	handle := up.handle

	// message boundaries survive: two writes arrive as two events.
	require.NoError(t, sa.SendData(handle, []byte{0xde, 0xad}))
	require.NoError(t, sa.SendData(handle, []byte{0xbe}))
	ev := skb.next(t)
	assert.Equal(t, "data", ev.kind)
	assert.Equal(t, []byte{0xde, 0xad}, ev.pkt)
	ev = skb.next(t)
	assert.Equal(t, []byte{0xbe}, ev.pkt)

	require.NoError(t, sb.SendData(handle, []byte{0x01}))
	ev = ska.next(t)
	assert.Equal(t, "data", ev.kind)
	assert.Equal(t, []byte{0x01}, ev.pkt)

	require.NoError(t, sa.DisconnectLink(handle))
	assert.Equal(t, "down", ska.next(t).kind)
	assert.Equal(t, "down", skb.next(t).kind)
}

func TestSocketRejectsUnknownTargets(t *testing.T) {
	sa, sb, err := NewSocketPair(addrA, addrB, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer sa.Close()
	defer sb.Close()
	sa.Start(newSockSink())

	assert.Error(t, sa.CreateLink(l2cap.PeerAddr{9, 9, 9, 9, 9, 9}, l2cap.TransportClassic))
	assert.Error(t, sa.SendData(7, []byte{0}))
	assert.Error(t, sa.DisconnectLink(7))
}

func TestSocketCloseStopsReadLoop(t *testing.T) {
	sa, sb, err := NewSocketPair(addrA, addrB, zaptest.NewLogger(t))
	require.NoError(t, err)
	sk := newSockSink()
	sa.Start(sk)
	sb.Start(newSockSink())

	require.NoError(t, sa.Close())
	require.NoError(t, sa.Close()) // idempotent
	require.NoError(t, sb.Close())

	select {
	case ev := <-sk.events:
		t.Fatalf("unexpected event after close: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
