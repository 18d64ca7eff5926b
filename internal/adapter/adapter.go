// Package adapter provides the per-virtual-network software network
// adapter: it turns overlay frames into OS-visible interface traffic and
// back. TAP mode carries full Ethernet frames; TUN mode carries IP packets
// with synthesized addressing.
package adapter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"

	"github.com/wisdark/ztnode/internal/engine"
)

// Adapter errors.
var (
	ErrNotSupported = errors.New("adapter: not supported on this platform")
	ErrClosed       = errors.New("adapter: closed")
	ErrUnknownMode  = errors.New("adapter: unknown mode")
)

// Well-known MAC constants.
const (
	broadcastMAC = uint64(0xffffffffffff)

	// EtherTypes seen on the frame path.
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeVLAN = 0x8100
	etherTypeIPv6 = 0x86dd
)

// FrameHandler receives frames read from the adapter, bound for the
// overlay. The data slice is only valid for the duration of the call.
type FrameHandler func(networkID uint64, srcMAC, dstMAC uint64, etherType, vlanID int, data []byte)

// Config describes one adapter instance.
type Config struct {
	NetworkID uint64
	Name      string // defaults to DeviceName(NetworkID)
	MAC       uint64 // interface MAC in TAP mode
	MTU       int
	Metric    int
}

// Interface is one per-network adapter. AddIP/RemoveIP apply managed
// addresses; Put injects an overlay frame toward the OS.
type Interface interface {
	Name() string
	NetworkID() uint64

	AddIP(p netip.Prefix) error
	RemoveIP(p netip.Prefix) error

	// IPs returns the currently assigned addresses.
	IPs() []netip.Prefix

	SetMTU(mtu int) error

	// Put delivers a decoded overlay frame to the OS interface.
	Put(srcMAC, dstMAC uint64, etherType int, data []byte) error

	// ScanMulticastGroups diffs the interface's current multicast group
	// membership against the previous scan.
	ScanMulticastGroups() (added, removed []engine.MulticastGroup)

	// HasIPv4 and HasIPv6 report per-family address readiness.
	HasIPv4() bool
	HasIPv6() bool

	// Up reports whether the interface is up and passing traffic.
	Up() bool

	Close() error
}

// Factory creates adapters. The service injects one at construction so
// tests can substitute a fake.
type Factory func(cfg Config, handler FrameHandler) (Interface, error)

// NewFactory returns the adapter factory for the given mode. "tap" is the
// kernel layer 2 device; "netstack" is an unprivileged userspace stack.
func NewFactory(mode string) (Factory, error) {
	switch mode {
	case "tap", "":
		return newTAP, nil
	case "netstack":
		return newNetstack, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// DeviceName derives the interface name from the network ID, short enough
// for every platform's interface name limit.
func DeviceName(networkID uint64) string {
	return "zt" + strconv.FormatUint(networkID, 36)
}

// ipSet tracks assigned addresses and multicast group membership for an
// adapter implementation.
type ipSet struct {
	mu         sync.Mutex
	ips        []netip.Prefix
	lastGroups map[engine.MulticastGroup]struct{}
}

func (s *ipSet) add(p netip.Prefix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ips {
		if e == p {
			return
		}
	}
	s.ips = append(s.ips, p)
}

func (s *ipSet) remove(p netip.Prefix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ips[:0]
	for _, e := range s.ips {
		if e != p {
			out = append(out, e)
		}
	}
	s.ips = out
}

func (s *ipSet) list() []netip.Prefix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.Prefix(nil), s.ips...)
}

func (s *ipSet) hasFamily(want4 bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.ips {
		if e.Addr().Unmap().Is4() == want4 {
			return true
		}
	}
	return false
}

// scanGroups diffs the groups implied by the current address set against
// the previous scan.
func (s *ipSet) scanGroups() (added, removed []engine.MulticastGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[engine.MulticastGroup]struct{})
	for _, g := range groupsForIPs(s.ips) {
		current[g] = struct{}{}
	}
	for g := range current {
		if _, ok := s.lastGroups[g]; !ok {
			added = append(added, g)
		}
	}
	for g := range s.lastGroups {
		if _, ok := current[g]; !ok {
			removed = append(removed, g)
		}
	}
	s.lastGroups = current
	return added, removed
}

// groupsForIPs derives the multicast groups an interface with the given
// addresses belongs to: Ethernet broadcast, the per-subnet IPv4 broadcast
// group, and the IPv6 solicited-node group for each address.
func groupsForIPs(ips []netip.Prefix) []engine.MulticastGroup {
	groups := []engine.MulticastGroup{{MAC: broadcastMAC, ADI: 0}}
	for _, p := range ips {
		addr := p.Addr().Unmap()
		if addr.Is4() {
			groups = append(groups, engine.MulticastGroup{
				MAC: broadcastMAC,
				ADI: subnetBroadcast(p),
			})
		} else {
			b := addr.As16()
			mac := uint64(0x3333ff000000) | uint64(b[13])<<16 | uint64(b[14])<<8 | uint64(b[15])
			groups = append(groups, engine.MulticastGroup{MAC: mac, ADI: 0})
		}
	}
	return groups
}

// subnetBroadcast computes the IPv4 subnet broadcast address as a uint32.
func subnetBroadcast(p netip.Prefix) uint32 {
	a := p.Addr().Unmap().As4()
	ip := binary.BigEndian.Uint32(a[:])
	if p.Bits() >= 32 {
		return ip
	}
	mask := uint32(0xffffffff) >> p.Bits()
	return ip | mask
}

// macFromBytes decodes a 6-byte hardware address into a uint64.
func macFromBytes(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// macBytes encodes a hardware address as 6 bytes.
func macBytes(mac uint64) [6]byte {
	return [6]byte{
		byte(mac >> 40), byte(mac >> 32), byte(mac >> 24),
		byte(mac >> 16), byte(mac >> 8), byte(mac),
	}
}

// etherTypeForIPVersion maps an IP packet's version nibble to the frame
// EtherType used in TUN mode.
func etherTypeForIPVersion(b byte) (int, bool) {
	switch b >> 4 {
	case 4:
		return etherTypeIPv4, true
	case 6:
		return etherTypeIPv6, true
	default:
		return 0, false
	}
}
