// Package binder manages the node's physical UDP bindings: port selection
// with NAT-friendly fallbacks, and keeping one socket per usable local
// interface address as interfaces come and go.
package binder

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/wisdark/ztnode/internal/logging"
	"github.com/wisdark/ztnode/internal/policy"
	"github.com/wisdark/ztnode/internal/socket"
)

// ErrPrimaryPortUnavailable means no usable primary port could be bound.
// This is fatal for the node.
var ErrPrimaryPortUnavailable = errors.New("binder: cannot bind primary port")

const (
	// Random and derived port hunting stays inside [20000, 65499].
	portHuntBase  = 20000
	portHuntRange = 45500

	// randomPortTrials bounds the primary port hunt.
	randomPortTrials = 256

	// incrementalPortTrials bounds the secondary/tertiary port searches.
	incrementalPortTrials = 1000
)

// NetInterface is one enumerated physical interface.
type NetInterface struct {
	Name  string
	Addrs []netip.Addr
}

// InterfaceLister enumerates candidate physical interfaces. Injectable so
// tests can run without touching the host's interfaces.
type InterfaceLister func() ([]NetInterface, error)

// Binder owns the bound socket set.
type Binder struct {
	mux  socket.Multiplexer
	pol  *policy.Policy
	list InterfaceLister
	log  *slog.Logger

	mu    sync.Mutex
	bound map[netip.AddrPort]socket.Socket
}

// New creates a binder over the given multiplexer and policy. A nil
// lister uses the OS interface table.
func New(mux socket.Multiplexer, pol *policy.Policy, list InterfaceLister) *Binder {
	if list == nil {
		list = systemInterfaces
	}
	return &Binder{
		mux:   mux,
		pol:   pol,
		list:  list,
		log:   logging.WithComponent("binder"),
		bound: make(map[netip.AddrPort]socket.Socket),
	}
}

// TrialBind reports whether a port is usable: a UDP bind plus a TCP listen
// probe must both succeed on at least one address family. Everything
// opened is closed immediately.
func (b *Binder) TrialBind(port uint16) bool {
	for _, addr := range []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()} {
		local := netip.AddrPortFrom(addr, port)
		s, err := b.mux.UDPBind(local)
		if err != nil {
			continue
		}
		s.Close()
		if b.mux.TCPListenProbe(local) {
			return true
		}
	}
	return false
}

// SelectPrimaryPort returns a usable primary port. A configured nonzero
// port gets a single trial; zero hunts randomly. Failure is fatal for
// the caller.
func (b *Binder) SelectPrimaryPort(configured uint16, rng func() uint64) (uint16, error) {
	if configured != 0 {
		if b.TrialBind(configured) {
			return configured, nil
		}
		return 0, ErrPrimaryPortUnavailable
	}
	for i := 0; i < randomPortTrials; i++ {
		port := uint16(portHuntBase + rng()%portHuntRange)
		if b.TrialBind(port) {
			return port, nil
		}
	}
	return 0, ErrPrimaryPortUnavailable
}

// SelectSecondaryPort returns a second usable port, derived from the node
// address when not configured. Some NATs misbehave when multiple devices
// behind them use the same internal source port, so every node prefers a
// distinct one. Returns 0 when the search fails; that is not fatal.
func (b *Binder) SelectSecondaryPort(nodeAddress uint64, configured uint16) uint16 {
	seed := configured
	if seed == 0 {
		seed = uint16(portHuntBase + uint32(nodeAddress)%portHuntRange)
	}
	return b.incrementalHunt(seed)
}

// SelectTertiaryPort returns a third usable port for explicit port
// mapping. Mapped ports get their own socket because some NATs mangle
// ports that carry both mapped and unmapped flows. Returns 0 on failure.
func (b *Binder) SelectTertiaryPort(secondary uint16, configured uint16) uint16 {
	seed := configured
	if seed == 0 {
		seed = secondary
	}
	if seed == 0 {
		return 0
	}
	return b.incrementalHunt(seed)
}

// incrementalHunt walks ports upward from seed, wrapping back to the hunt
// base at 65536. The seed itself is skipped.
func (b *Binder) incrementalHunt(seed uint16) uint16 {
	port := uint32(seed)
	for i := 0; i <= incrementalPortTrials; i++ {
		port++
		if port >= 65536 {
			port = portHuntBase
		}
		if b.TrialBind(uint16(port)) {
			return uint16(port)
		}
	}
	return 0
}

// Refresh reconciles the bound socket set against the current interface
// table: every eligible interface address is bound on every given port,
// and bindings whose address disappeared are closed. localManaged holds
// addresses assigned to this node's own adapters so the binder never
// binds the overlay to itself.
func (b *Binder) Refresh(ports []uint16, localManaged []netip.Addr) (added, removed int) {
	ifaces, err := b.list()
	if err != nil {
		b.log.Warn("interface enumeration failed", "error", err)
		return 0, 0
	}

	desired := make(map[netip.AddrPort]struct{})
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			addr = addr.Unmap()
			if !addr.IsValid() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
				continue
			}
			if !b.pol.ShouldBindInterface(iface.Name, addr, localManaged) {
				continue
			}
			for _, port := range ports {
				if port == 0 {
					continue
				}
				desired[netip.AddrPortFrom(addr, port)] = struct{}{}
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for local, s := range b.bound {
		if _, ok := desired[local]; !ok {
			s.Close()
			delete(b.bound, local)
			removed++
			b.log.Info("unbound", "local", local)
		}
	}
	for local := range desired {
		if _, ok := b.bound[local]; ok {
			continue
		}
		s, err := b.mux.UDPBind(local)
		if err != nil {
			b.log.Debug("bind failed", "local", local, "error", err)
			continue
		}
		b.bound[local] = s
		added++
		b.log.Info("bound", "local", local)
	}
	return added, removed
}

// BoundLocalAddresses returns a snapshot of every bound local address.
func (b *Binder) BoundLocalAddresses() []netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(b.bound))
	for local := range b.bound {
		out = append(out, local)
	}
	return out
}

// SendAll transmits from every bound socket whose family matches the
// destination. Used when the overlay does not care which local socket
// carries a packet. Reports whether at least one send succeeded.
func (b *Binder) SendAll(to netip.AddrPort, data []byte, ttl int) bool {
	want4 := to.Addr().Unmap().Is4()

	b.mu.Lock()
	socks := make([]socket.Socket, 0, len(b.bound))
	for local, s := range b.bound {
		if local.Addr().Unmap().Is4() == want4 {
			socks = append(socks, s)
		}
	}
	b.mu.Unlock()

	sent := false
	for _, s := range socks {
		if s.Send(to, data, ttl) == nil {
			sent = true
		}
	}
	return sent
}

// CloseAll closes every bound socket.
func (b *Binder) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for local, s := range b.bound {
		s.Close()
		delete(b.bound, local)
	}
}

// systemInterfaces reads the OS interface table.
func systemInterfaces() ([]NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]NetInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		ni := NetInterface{Name: iface.Name}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			ni.Addrs = append(ni.Addrs, addr.Unmap())
		}
		out = append(out, ni)
	}
	return out, nil
}
