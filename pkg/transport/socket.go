package transport

import (
	"io"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/muxable/l2cap/pkg/l2cap"
)

// Wire tags for the socketpair framing. Each datagram is one message:
// [tag:1][payload] for data, [tag:1][kind:1] for link control.
const (
	tagData     = 0x01
	tagLinkUp   = 0x02
	tagLinkDown = 0x03
)

// socketHandle is the single link a socket transport carries.
const socketHandle uint16 = 1

// Socket carries one link over a SOCK_SEQPACKET unix socket, preserving
// message boundaries so each write is one PDU. Intended for connecting two
// stacks across processes (or tests that want real fds).
type Socket struct {
	fd     int
	local  l2cap.PeerAddr
	remote l2cap.PeerAddr
	log    *zap.Logger

	mu   sync.Mutex
	sink Sink
	up   bool

	wmu    sync.Mutex
	closed chan struct{}
}

// NewSocketPair returns two connected socket transports.
func NewSocketPair(a, b l2cap.PeerAddr, log *zap.Logger) (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, err
	}
	sa := &Socket{fd: fds[0], local: a, remote: b, log: log, closed: make(chan struct{})}
	sb := &Socket{fd: fds[1], local: b, remote: a, log: log, closed: make(chan struct{})}
	return sa, sb, nil
}

// Start attaches the sink and begins the read loop.
func (s *Socket) Start(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	go s.readLoop()
}

func (s *Socket) readLoop() {
	buf := make([]byte, math.MaxUint16)
	for {
		n, err := s.read(buf)
		if err != nil {
			return
		}
		if n < 1 {
			continue
		}
		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		switch buf[0] {
		case tagData:
			sink.OnDataReceived(socketHandle, buf[1:n])
		case tagLinkUp:
			if n < 2 {
				continue
			}
			s.mu.Lock()
			s.up = true
			s.mu.Unlock()
			sink.OnLinkUp(s.remote, l2cap.TransportKind(buf[1]), socketHandle)
		case tagLinkDown:
			s.mu.Lock()
			wasUp := s.up
			s.up = false
			s.mu.Unlock()
			if wasUp {
				sink.OnLinkDown(socketHandle)
			}
		default:
			s.log.Warn("unknown message tag", zap.Uint8("tag", buf[0]))
		}
	}
}

func (s *Socket) read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	return unix.Read(s.fd, p)
}

func (s *Socket) write(p []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := unix.Write(s.fd, p)
	return err
}

func (s *Socket) CreateLink(peer l2cap.PeerAddr, kind l2cap.TransportKind) error {
	if peer != s.remote {
		return errNoLink
	}
	if err := s.write([]byte{tagLinkUp, byte(kind)}); err != nil {
		return err
	}
	s.mu.Lock()
	s.up = true
	sink := s.sink
	s.mu.Unlock()
	go sink.OnLinkUp(peer, kind, socketHandle)
	return nil
}

func (s *Socket) SendData(handle uint16, pkt []byte) error {
	if handle != socketHandle {
		return errNoLink
	}
	return s.write(append([]byte{tagData}, pkt...))
}

func (s *Socket) DisconnectLink(handle uint16) error {
	if handle != socketHandle {
		return errNoLink
	}
	if err := s.write([]byte{tagLinkDown}); err != nil {
		return err
	}
	s.mu.Lock()
	wasUp := s.up
	s.up = false
	sink := s.sink
	s.mu.Unlock()
	if wasUp {
		go sink.OnLinkDown(socketHandle)
	}
	return nil
}

func (s *Socket) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	return unix.Close(s.fd)
}
