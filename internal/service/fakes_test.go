package service

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/wisdark/ztnode/internal/adapter"
	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/socket"
)

// fakeMux implements socket.Multiplexer in memory. Poll blocks for the
// timeout or until Wake so run-loop tests do not spin.
type fakeMux struct {
	mu         sync.Mutex
	nextID     int64
	open       map[int64]*fakeSocket
	udpBlocked bool
	wake       chan struct{}
	incoming   chan socket.Datagram
}

type fakeSocket struct {
	mux    *fakeMux
	id     int64
	local  netip.AddrPort
	sends  [][]byte
	sendTo []netip.AddrPort
	ttls   []int
}

func newFakeMux() *fakeMux {
	return &fakeMux{
		open:     make(map[int64]*fakeSocket),
		wake:     make(chan struct{}, 1),
		incoming: make(chan socket.Datagram, 64),
	}
}

func (m *fakeMux) UDPBind(local netip.AddrPort) (socket.Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.udpBlocked {
		return nil, socket.ErrSocketClosed
	}
	m.nextID++
	s := &fakeSocket{mux: m, id: m.nextID, local: local}
	m.open[s.id] = s
	return s, nil
}

func (m *fakeMux) TCPListenProbe(local netip.AddrPort) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.udpBlocked
}

func (m *fakeMux) Poll(timeout time.Duration, handler func(socket.Datagram)) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-m.incoming:
		handler(d)
	case <-m.wake:
	case <-timer.C:
	}
}

func (m *fakeMux) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *fakeMux) Socket(id int64) (socket.Socket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[id]
	return s, ok
}

func (m *fakeMux) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.open {
		delete(m.open, id)
	}
}

func (s *fakeSocket) ID() int64                 { return s.id }
func (s *fakeSocket) LocalAddr() netip.AddrPort { return s.local }

func (s *fakeSocket) Send(to netip.AddrPort, data []byte, ttl int) error {
	s.mux.mu.Lock()
	defer s.mux.mu.Unlock()
	s.sends = append(s.sends, append([]byte(nil), data...))
	s.sendTo = append(s.sendTo, to)
	s.ttls = append(s.ttls, ttl)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mux.mu.Lock()
	defer s.mux.mu.Unlock()
	delete(s.mux.open, s.id)
	return nil
}

// fakeEngine implements engine.Engine with scriptable state.
type fakeEngine struct {
	mu sync.Mutex

	host    engine.Host
	online  bool
	address uint64
	prng    uint64

	peers []engine.PeerInfo

	joins, leaves []uint64
	subs, unsubs  []engine.MulticastGroup
	localAddrs    []netip.AddrPort
	clears        int
	bgCalls       int
	wireCalls     int
	frameCalls    int
	multipath     []int
	closed        bool

	nextDeadline int64
	bgResult     engine.ResultCode
}

func newFakeEngine(address uint64) *fakeEngine {
	return &fakeEngine{address: address, online: true}
}

func (e *fakeEngine) factory() engine.Factory {
	return func(host engine.Host, now int64) (engine.Engine, error) {
		e.mu.Lock()
		e.host = host
		e.mu.Unlock()
		return e, nil
	}
}

func (e *fakeEngine) setPeers(peers []engine.PeerInfo) {
	e.mu.Lock()
	e.peers = peers
	e.mu.Unlock()
}

func (e *fakeEngine) setOnline(v bool) {
	e.mu.Lock()
	e.online = v
	e.mu.Unlock()
}

func (e *fakeEngine) ProcessBackgroundTasks(now int64) (int64, engine.ResultCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bgCalls++
	if e.nextDeadline == 0 {
		e.nextDeadline = now + 100
	}
	return e.nextDeadline, e.bgResult
}

func (e *fakeEngine) ProcessWirePacket(now int64, localSocket int64, from netip.AddrPort, data []byte) (int64, engine.ResultCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wireCalls++
	return e.nextDeadline, engine.ResultOK
}

func (e *fakeEngine) ProcessVirtualNetworkFrame(now int64, networkID uint64, srcMAC, dstMAC uint64, etherType, vlanID int, data []byte) (int64, engine.ResultCode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frameCalls++
	return e.nextDeadline, engine.ResultOK
}

func (e *fakeEngine) Join(networkID uint64) engine.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joins = append(e.joins, networkID)
	return engine.ResultOK
}

func (e *fakeEngine) Leave(networkID uint64) engine.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaves = append(e.leaves, networkID)
	return engine.ResultOK
}

func (e *fakeEngine) MulticastSubscribe(networkID uint64, g engine.MulticastGroup) engine.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, g)
	return engine.ResultOK
}

func (e *fakeEngine) MulticastUnsubscribe(networkID uint64, g engine.MulticastGroup) engine.ResultCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubs = append(e.unsubs, g)
	return engine.ResultOK
}

func (e *fakeEngine) ClearLocalInterfaceAddresses() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clears++
	e.localAddrs = nil
}

func (e *fakeEngine) AddLocalInterfaceAddress(addr netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localAddrs = append(e.localAddrs, addr)
}

func (e *fakeEngine) SetMultipathMode(mode int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.multipath = append(e.multipath, mode)
}

func (e *fakeEngine) Peers() []engine.PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.PeerInfo, 0, len(e.peers))
	for i := range e.peers {
		out = append(out, e.peers[i].Clone())
	}
	return out
}

func (e *fakeEngine) Address() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

func (e *fakeEngine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *fakeEngine) PRNG() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prng++
	return e.prng - 1
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// fakeMapper implements portmap.Mapper with a scriptable external set.
type fakeMapper struct {
	mu        sync.Mutex
	localPort uint16
	external  []netip.AddrPort
	closed    bool
}

func (m *fakeMapper) SetLocalPort(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localPort = port
}

func (m *fakeMapper) ExternalAddresses() []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]netip.AddrPort(nil), m.external...)
}

func (m *fakeMapper) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// fakeAdapter implements adapter.Interface and records operations.
type fakeAdapter struct {
	mu        sync.Mutex
	networkID uint64
	ips       []netip.Prefix
	ops       []string
	failAdd   map[netip.Prefix]bool
	puts      int
	mtu       int
	closed    bool

	scanAdded, scanRemoved []engine.MulticastGroup
}

// fakeAdapterFactory builds fakeAdapters and keeps them reachable.
type fakeAdapterFactory struct {
	mu       sync.Mutex
	adapters map[uint64]*fakeAdapter
	handler  adapter.FrameHandler
	fail     bool
}

func newFakeAdapterFactory() *fakeAdapterFactory {
	return &fakeAdapterFactory{adapters: make(map[uint64]*fakeAdapter)}
}

func (f *fakeAdapterFactory) factory() adapter.Factory {
	return func(cfg adapter.Config, handler adapter.FrameHandler) (adapter.Interface, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			return nil, adapter.ErrNotSupported
		}
		a := &fakeAdapter{networkID: cfg.NetworkID, mtu: cfg.MTU, failAdd: make(map[netip.Prefix]bool)}
		f.adapters[cfg.NetworkID] = a
		f.handler = handler
		return a, nil
	}
}

func (f *fakeAdapterFactory) get(networkID uint64) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[networkID]
}

func (a *fakeAdapter) Name() string      { return fmt.Sprintf("zt-fake-%x", a.networkID) }
func (a *fakeAdapter) NetworkID() uint64 { return a.networkID }

func (a *fakeAdapter) AddIP(p netip.Prefix) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAdd[p] {
		a.ops = append(a.ops, "add-failed "+p.String())
		return adapter.ErrNotSupported
	}
	a.ips = append(a.ips, p)
	a.ops = append(a.ops, "add "+p.String())
	return nil
}

func (a *fakeAdapter) RemoveIP(p netip.Prefix) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.ips {
		if e == p {
			a.ips = append(a.ips[:i], a.ips[i+1:]...)
			break
		}
	}
	a.ops = append(a.ops, "remove "+p.String())
	return nil
}

func (a *fakeAdapter) IPs() []netip.Prefix {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]netip.Prefix(nil), a.ips...)
}

func (a *fakeAdapter) SetMTU(mtu int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mtu = mtu
	return nil
}

func (a *fakeAdapter) Put(srcMAC, dstMAC uint64, etherType int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.puts++
	return nil
}

func (a *fakeAdapter) ScanMulticastGroups() (added, removed []engine.MulticastGroup) {
	a.mu.Lock()
	defer a.mu.Unlock()
	added, removed = a.scanAdded, a.scanRemoved
	a.scanAdded, a.scanRemoved = nil, nil
	return added, removed
}

func (a *fakeAdapter) HasIPv4() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.ips {
		if p.Addr().Unmap().Is4() {
			return true
		}
	}
	return false
}

func (a *fakeAdapter) HasIPv6() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.ips {
		if !p.Addr().Unmap().Is4() {
			return true
		}
	}
	return false
}

func (a *fakeAdapter) Up() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) opLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ops...)
}
