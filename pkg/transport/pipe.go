package transport

import (
	"errors"
	"sync"

	"github.com/muxable/l2cap/pkg/l2cap"
)

// Sink is the upper half a transport delivers into. *l2cap.Stack satisfies it.
type Sink interface {
	OnLinkUp(peer l2cap.PeerAddr, kind l2cap.TransportKind, handle uint16)
	OnLinkDown(handle uint16)
	OnDataReceived(handle uint16, pkt []byte)
}

var errNoLink = errors.New("no such link")

// Pipe is an in-memory transport connecting exactly two stacks. Each side
// delivers into its sink from a single goroutine, so frames arrive in send
// order and a send never re-enters the sending stack.
type Pipe struct {
	addr l2cap.PeerAddr
	peer *Pipe

	mu     sync.Mutex
	sink   Sink
	links  map[uint16]l2cap.TransportKind
	nextID uint16

	rx     chan func()
	closed chan struct{}
	once   sync.Once

	// Loss, when set, is consulted for every outbound frame; returning true
	// silently drops it. Used to exercise retransmission.
	Loss func(pkt []byte) bool
}

// NewPair returns two connected pipes. Each side must have its sink attached
// with SetSink before links are created.
func NewPair(a, b l2cap.PeerAddr) (*Pipe, *Pipe) {
	pa := newPipe(a)
	pb := newPipe(b)
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

func newPipe(addr l2cap.PeerAddr) *Pipe {
	p := &Pipe{
		addr:   addr,
		links:  make(map[uint16]l2cap.TransportKind),
		nextID: 1,
		rx:     make(chan func(), 64),
		closed: make(chan struct{}),
	}
	go p.deliver()
	return p
}

func (p *Pipe) deliver() {
	for {
		select {
		case f := <-p.rx:
			f()
		case <-p.closed:
			return
		}
	}
}

// enqueue hands a sink call to the delivery goroutine.
func (p *Pipe) enqueue(f func()) {
	select {
	case p.rx <- f:
	case <-p.closed:
	}
}

func (p *Pipe) SetSink(s Sink) {
	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()
}

// Close stops this side's delivery goroutine. Frames already queued are
// dropped.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *Pipe) getSink() Sink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *Pipe) CreateLink(peer l2cap.PeerAddr, kind l2cap.TransportKind) error {
	if peer != p.peer.addr {
		return errors.New("unknown peer")
	}
	p.mu.Lock()
	handle := p.nextID
	p.nextID++
	p.links[handle] = kind
	p.mu.Unlock()

	// both ends see the same handle for one link.
	p.peer.mu.Lock()
	p.peer.links[handle] = kind
	if p.peer.nextID <= handle {
		p.peer.nextID = handle + 1
	}
	p.peer.mu.Unlock()

	local, remote := p.addr, p.peer.addr
	p.enqueue(func() { p.getSink().OnLinkUp(remote, kind, handle) })
	p.peer.enqueue(func() { p.peer.getSink().OnLinkUp(local, kind, handle) })
	return nil
}

func (p *Pipe) SendData(handle uint16, pkt []byte) error {
	p.mu.Lock()
	_, ok := p.links[handle]
	loss := p.Loss
	p.mu.Unlock()
	if !ok {
		return errNoLink
	}
	if loss != nil && loss(pkt) {
		return nil
	}
	buf := append([]byte(nil), pkt...)
	p.peer.enqueue(func() { p.peer.getSink().OnDataReceived(handle, buf) })
	return nil
}

func (p *Pipe) DisconnectLink(handle uint16) error {
	p.mu.Lock()
	_, ok := p.links[handle]
	delete(p.links, handle)
	p.mu.Unlock()
	if !ok {
		return errNoLink
	}
	p.peer.mu.Lock()
	delete(p.peer.links, handle)
	p.peer.mu.Unlock()

	p.enqueue(func() { p.getSink().OnLinkDown(handle) })
	p.peer.enqueue(func() { p.peer.getSink().OnLinkDown(handle) })
	return nil
}
