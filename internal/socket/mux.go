// Package socket provides the physical socket multiplexer: UDP binding and
// sending, TCP trial listening, and a blocking poll that delivers received
// datagrams on the caller's goroutine.
package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/wisdark/ztnode/internal/logging"
)

// ErrSocketClosed is returned when sending on a closed socket.
var ErrSocketClosed = errors.New("socket: closed")

// defaultTTL is the IPv4 TTL restored after a per-send override.
const defaultTTL = 255

// incomingQueueDepth bounds datagrams buffered between the per-socket
// readers and Poll. Overflow drops, matching UDP semantics.
const incomingQueueDepth = 1024

// Socket is one bound UDP socket.
type Socket interface {
	// ID is a stable handle usable across the engine callback boundary.
	ID() int64

	// LocalAddr returns the bound local address.
	LocalAddr() netip.AddrPort

	// Send transmits a datagram. ttl > 0 overrides the IPv4 TTL for this
	// send only.
	Send(to netip.AddrPort, data []byte, ttl int) error

	Close() error
}

// Datagram is one received packet, delivered through Poll.
type Datagram struct {
	Socket Socket
	From   netip.AddrPort
	Data   []byte
}

// Multiplexer owns a set of bound UDP sockets and a poll/wake primitive.
type Multiplexer interface {
	// UDPBind opens and registers a UDP socket on the given local address.
	UDPBind(local netip.AddrPort) (Socket, error)

	// TCPListenProbe reports whether a TCP listener could be opened on the
	// given local address. The probe listener is closed immediately.
	TCPListenProbe(local netip.AddrPort) bool

	// Poll blocks until at least one datagram arrives, the timeout expires,
	// or Wake is called, then delivers all ready datagrams to handler on
	// the calling goroutine.
	Poll(timeout time.Duration, handler func(Datagram))

	// Wake unblocks a concurrent Poll immediately.
	Wake()

	// Socket returns a registered socket by handle.
	Socket(id int64) (Socket, bool)

	// CloseAll closes every registered socket.
	CloseAll()
}

// Mux is the production Multiplexer over the OS socket layer.
type Mux struct {
	log      *slog.Logger
	incoming chan Datagram
	wake     chan struct{}
	nextID   atomic.Int64

	mu    sync.Mutex
	socks map[int64]*udpSocket
}

// NewMux creates an empty multiplexer.
func NewMux() *Mux {
	return &Mux{
		log:      logging.WithComponent("socket"),
		incoming: make(chan Datagram, incomingQueueDepth),
		wake:     make(chan struct{}, 1),
		socks:    make(map[int64]*udpSocket),
	}
}

type udpSocket struct {
	mux   *Mux
	id    int64
	local netip.AddrPort
	conn  *net.UDPConn
	pc4   *ipv4.PacketConn // non-nil for IPv4 sockets

	closeOnce sync.Once
}

func (s *udpSocket) ID() int64                 { return s.id }
func (s *udpSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *udpSocket) Send(to netip.AddrPort, data []byte, ttl int) error {
	if ttl > 0 && s.pc4 != nil {
		if err := s.pc4.SetTTL(ttl); err == nil {
			defer s.pc4.SetTTL(defaultTTL)
		}
	}
	_, err := s.conn.WriteToUDPAddrPort(data, to)
	return err
}

func (s *udpSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mux.remove(s.id)
		err = s.conn.Close()
	})
	return err
}

// UDPBind opens a UDP socket on local and starts its reader.
func (m *Mux) UDPBind(local netip.AddrPort) (Socket, error) {
	network := "udp4"
	if local.Addr().Is6() {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("socket: udp bind %s: %w", local, err)
	}

	s := &udpSocket{
		mux:   m,
		id:    m.nextID.Add(1),
		local: local,
		conn:  conn,
	}
	if local.Addr().Is4() {
		s.pc4 = ipv4.NewPacketConn(conn)
	}

	m.mu.Lock()
	m.socks[s.id] = s
	m.mu.Unlock()

	go m.readLoop(s)
	return s, nil
}

// TCPListenProbe opens and immediately closes a TCP listener on local.
func (m *Mux) TCPListenProbe(local netip.AddrPort) bool {
	network := "tcp4"
	if local.Addr().Is6() {
		network = "tcp6"
	}
	l, err := net.ListenTCP(network, net.TCPAddrFromAddrPort(local))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// readLoop shuttles datagrams from one socket into the shared incoming
// queue until the socket closes.
func (m *Mux) readLoop(s *udpSocket) {
	buf := make([]byte, 65536)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Debug("udp read error", "local", s.local, "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case m.incoming <- Datagram{Socket: s, From: from, Data: data}:
		default:
			// Queue full; shed load the way the wire would.
		}
	}
}

// Poll blocks for up to timeout, then drains all ready datagrams.
func (m *Mux) Poll(timeout time.Duration, handler func(Datagram)) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-m.incoming:
		handler(d)
	case <-m.wake:
		return
	case <-timer.C:
		return
	}

	// Drain whatever else is already queued without blocking again.
	for {
		select {
		case d := <-m.incoming:
			handler(d)
		default:
			return
		}
	}
}

// Wake unblocks a concurrent Poll.
func (m *Mux) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Socket returns a registered socket by handle.
func (m *Mux) Socket(id int64) (Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.socks[id]
	return s, ok
}

// CloseAll closes every registered socket.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	socks := make([]*udpSocket, 0, len(m.socks))
	for _, s := range m.socks {
		socks = append(socks, s)
	}
	m.mu.Unlock()

	for _, s := range socks {
		s.Close()
	}
}

func (m *Mux) remove(id int64) {
	m.mu.Lock()
	delete(m.socks, id)
	m.mu.Unlock()
}
