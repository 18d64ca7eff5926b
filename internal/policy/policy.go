// Package policy implements path and interface security policy: per-peer
// and global endpoint blacklists, path hints, managed-address eligibility,
// and physical interface bind eligibility.
package policy

import (
	"fmt"
	"net/netip"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/wisdark/ztnode/internal/config"
	"github.com/wisdark/ztnode/internal/engine"
)

// NetworkSettings is the resolved per-network local policy.
type NetworkSettings struct {
	// AllowManaged permits assignment of controller-managed addresses and
	// routes to the network's adapter.
	AllowManaged bool

	// AllowGlobal permits managed addresses/routes with global scope.
	AllowGlobal bool

	// AllowDefault permits a managed default route.
	AllowDefault bool

	// AllowManagedWhitelist, when non-empty, restricts managed assignment
	// to targets contained in one of these ranges.
	AllowManagedWhitelist []netip.Prefix
}

// DefaultNetworkSettings returns the default per-network policy:
// managed on, global off, default route off.
func DefaultNetworkSettings() NetworkSettings {
	return NetworkSettings{AllowManaged: true}
}

// ResolveNetworkSettings applies a config override on top of the defaults.
func ResolveNetworkSettings(override *config.NetworkSettings) (NetworkSettings, error) {
	s := DefaultNetworkSettings()
	if override == nil {
		return s, nil
	}
	if override.AllowManaged != nil {
		s.AllowManaged = *override.AllowManaged
	}
	if override.AllowGlobal != nil {
		s.AllowGlobal = *override.AllowGlobal
	}
	if override.AllowDefault != nil {
		s.AllowDefault = *override.AllowDefault
	}
	for _, c := range override.AllowManagedWhitelist {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return s, fmt.Errorf("policy: invalid whitelist entry %q: %w", c, err)
		}
		s.AllowManagedWhitelist = append(s.AllowManagedWhitelist, p)
	}
	return s, nil
}

// CheckIfManagedIsAllowed reports whether a managed IP or route target may
// be applied under the given settings. Pure: same inputs, same answer.
func CheckIfManagedIsAllowed(s NetworkSettings, target netip.Prefix) bool {
	if !s.AllowManaged {
		return false
	}

	if len(s.AllowManagedWhitelist) > 0 {
		allowed := false
		for _, w := range s.AllowManagedWhitelist {
			// The whitelist entry must contain the target and be at least
			// as broad.
			if w.Contains(target.Addr()) && w.Bits() <= target.Bits() {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if target.Bits() == 0 {
		return s.AllowDefault
	}

	addr := target.Addr().Unmap()
	switch {
	case !addr.IsValid() || addr.IsUnspecified():
		return false
	case addr.IsMulticast() || addr.IsLinkLocalMulticast():
		return false
	case addr.IsLoopback():
		return false
	case addr.IsLinkLocalUnicast():
		return false
	case addr.IsPrivate():
		return true
	case addr.IsGlobalUnicast():
		return s.AllowGlobal
	default:
		return true
	}
}

// Policy holds the peer and interface tables. Read-mostly; mutated only by
// configuration reload.
type Policy struct {
	mu sync.RWMutex

	v4Hints map[uint64][]netip.AddrPort
	v6Hints map[uint64][]netip.AddrPort

	v4Blacklists map[uint64][]netip.Prefix
	v6Blacklists map[uint64][]netip.Prefix

	globalV4Blacklist []netip.Prefix
	globalV6Blacklist []netip.Prefix

	interfacePrefixBlacklist []string
}

// New creates an empty policy.
func New() *Policy {
	return &Policy{
		v4Hints:      make(map[uint64][]netip.AddrPort),
		v6Hints:      make(map[uint64][]netip.AddrPort),
		v4Blacklists: make(map[uint64][]netip.Prefix),
		v6Blacklists: make(map[uint64][]netip.Prefix),
	}
}

// Reload replaces the tables from configuration.
func (p *Policy) Reload(cfg config.PolicyConfig) error {
	globalV4, err := parsePrefixes(cfg.GlobalV4Blacklist)
	if err != nil {
		return err
	}
	globalV6, err := parsePrefixes(cfg.GlobalV6Blacklist)
	if err != nil {
		return err
	}

	v4Hints := make(map[uint64][]netip.AddrPort)
	v6Hints := make(map[uint64][]netip.AddrPort)
	v4Blacklists := make(map[uint64][]netip.Prefix)
	v6Blacklists := make(map[uint64][]netip.Prefix)

	for id, pp := range cfg.Peers {
		peer, err := strconv.ParseUint(id, 16, 64)
		if err != nil {
			return fmt.Errorf("policy: invalid peer address %q: %w", id, err)
		}
		bl, err := parsePrefixes(pp.Blacklist)
		if err != nil {
			return err
		}
		for _, b := range bl {
			if b.Addr().Unmap().Is4() {
				v4Blacklists[peer] = append(v4Blacklists[peer], b)
			} else {
				v6Blacklists[peer] = append(v6Blacklists[peer], b)
			}
		}
		if v4Hints[peer], err = parseEndpoints(pp.TryV4); err != nil {
			return err
		}
		if v6Hints[peer], err = parseEndpoints(pp.TryV6); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.globalV4Blacklist = globalV4
	p.globalV6Blacklist = globalV6
	p.v4Hints = v4Hints
	p.v6Hints = v6Hints
	p.v4Blacklists = v4Blacklists
	p.v6Blacklists = v6Blacklists
	p.interfacePrefixBlacklist = append([]string(nil), cfg.InterfacePrefixBlacklist...)
	p.mu.Unlock()
	return nil
}

// PathCheck reports whether a remote endpoint is usable for reaching the
// given peer. localManaged holds the address ranges currently assigned to
// this node's own adapters; anything inside them is rejected to keep the
// overlay from routing over itself.
func (p *Policy) PathCheck(peer uint64, remote netip.AddrPort, localManaged []netip.Prefix) bool {
	addr := remote.Addr().Unmap()
	for _, m := range localManaged {
		if m.Contains(addr) {
			return false
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var perPeer []netip.Prefix
	var global []netip.Prefix
	if addr.Is4() {
		perPeer = p.v4Blacklists[peer]
		global = p.globalV4Blacklist
	} else {
		perPeer = p.v6Blacklists[peer]
		global = p.globalV6Blacklist
	}
	for _, b := range perPeer {
		if b.Contains(addr) {
			return false
		}
	}
	for _, b := range global {
		if b.Contains(addr) {
			return false
		}
	}
	return true
}

// PathLookup returns a suggested endpoint for a peer, if any hints are
// configured. When family is FamilyAny the family is chosen from rng, as
// is the hint picked within a list.
func (p *Policy) PathLookup(peer uint64, family int, rng func() uint64) (netip.AddrPort, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var hints []netip.AddrPort
	switch family {
	case engine.FamilyAny:
		if rng()&1 == 0 {
			hints = p.v4Hints[peer]
		} else {
			hints = p.v6Hints[peer]
		}
	case engine.FamilyIPv4:
		hints = p.v4Hints[peer]
	case engine.FamilyIPv6:
		hints = p.v6Hints[peer]
	default:
		return netip.AddrPort{}, false
	}
	if len(hints) == 0 {
		return netip.AddrPort{}, false
	}
	return hints[rng()%uint64(len(hints))], true
}

// ShouldBindInterface reports whether the binder may use the given
// physical interface address. localManaged holds the addresses currently
// assigned to this node's own adapters.
func (p *Policy) ShouldBindInterface(ifname string, addr netip.Addr, localManaged []netip.Addr) bool {
	for _, prefix := range platformExcludedPrefixes() {
		if strings.HasPrefix(ifname, prefix) {
			return false
		}
	}

	p.mu.RLock()
	for _, prefix := range p.interfacePrefixBlacklist {
		if strings.HasPrefix(ifname, prefix) {
			p.mu.RUnlock()
			return false
		}
	}
	a := addr.Unmap()
	global := p.globalV6Blacklist
	if a.Is4() {
		global = p.globalV4Blacklist
	}
	for _, b := range global {
		if b.Contains(a) {
			p.mu.RUnlock()
			return false
		}
	}
	p.mu.RUnlock()

	for _, m := range localManaged {
		if m.Unmap() == a {
			return false
		}
	}
	return true
}

// platformExcludedPrefixes lists interface name prefixes never eligible
// for binding: loopback, our own adapters, and common tunnel devices.
func platformExcludedPrefixes() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"lo", "zt", "tun", "tap", "utun", "feth"}
	case "linux":
		return []string{"lo", "zt", "tun", "tap"}
	default:
		return []string{"lo", "zt"}
	}
}

func parsePrefixes(in []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(in))
	for _, s := range in {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid CIDR %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func parseEndpoints(in []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(in))
	for _, s := range in {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid endpoint %q: %w", s, err)
		}
		out = append(out, ap)
	}
	return out, nil
}
