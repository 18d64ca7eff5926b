package service

import (
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/wisdark/ztnode/internal/adapter"
	"github.com/wisdark/ztnode/internal/config"
	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/events"
	"github.com/wisdark/ztnode/internal/policy"
)

// ErrAdapterMissing means a configuration update arrived for a network
// whose adapter was never created or already failed.
var ErrAdapterMissing = errors.New("service: network adapter missing")

// networkState is everything the service tracks per joined network.
type networkState struct {
	adapter  adapter.Interface
	config   *engine.NetworkConfig
	settings policy.NetworkSettings

	// managedIPs is the address set actually applied to the adapter,
	// sorted. Failed operations keep it truthful.
	managedIPs []netip.Prefix

	// lastStatus drives the status-transition events. The zero value is
	// RequestingConfiguration, so a network reports nothing until its
	// status first moves.
	lastStatus engine.NetworkStatus
}

// VirtualNetworkConfig is the engine's network lifecycle callback.
func (s *Service) VirtualNetworkConfig(networkID uint64, op engine.ConfigOperation, cfg *engine.NetworkConfig) error {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	n := s.nets[networkID]
	if n == nil {
		n = &networkState{settings: s.networkSettings(networkID)}
		s.nets[networkID] = n
	}

	switch op {
	case engine.ConfigOperationUp:
		if n.adapter == nil {
			a, err := s.adapterFactory(adapter.Config{
				NetworkID: networkID,
				MAC:       cfg.MAC,
				MTU:       cfg.MTU,
				Metric:    adapterMetric,
			}, s.handleAdapterFrame)
			if err != nil {
				delete(s.nets, networkID)
				return fmt.Errorf("service: adapter for %.16x: %w", networkID, err)
			}
			n.adapter = a
			s.met.NetworksJoined.Set(float64(s.adapterCount()))
		}
		// Coming up also applies the delivered configuration.
		return s.applyConfigUpdate(n, networkID, cfg, op)

	case engine.ConfigOperationUpdate:
		return s.applyConfigUpdate(n, networkID, cfg, op)

	case engine.ConfigOperationDown, engine.ConfigOperationDestroy:
		if n.adapter != nil {
			n.adapter.Close()
		}
		delete(s.nets, networkID)
		s.met.NetworksJoined.Set(float64(s.adapterCount()))
		if op == engine.ConfigOperationDestroy && s.cfg.NetworkCaching {
			// Local settings die with the membership, not with a mere down.
			s.store.RemoveNetworkLocalConfig(networkID)
		}
		s.emit(events.NetworkDown, &events.NetworkDetails{NetworkID: networkID})
		return nil
	}
	return nil
}

// applyConfigUpdate copies the delivered configuration wholesale, then
// reconciles managed addresses and the adapter MTU. Callers hold netsMu.
func (s *Service) applyConfigUpdate(n *networkState, networkID uint64, cfg *engine.NetworkConfig, op engine.ConfigOperation) error {
	cloned := cfg.Clone()
	n.config = &cloned
	if n.adapter == nil {
		delete(s.nets, networkID)
		return ErrAdapterMissing
	}

	s.syncManaged(networkID, n)
	if cfg.MTU > 0 {
		if err := n.adapter.SetMTU(cfg.MTU); err != nil {
			s.log.Warn("mtu update failed",
				"network", fmt.Sprintf("%.16x", networkID), "mtu", cfg.MTU, "error", err)
		}
	}

	// A genuine update is reported; the initial bring-up is not, since
	// its configuration is usually still half empty.
	if op == engine.ConfigOperationUpdate {
		s.emit(events.NetworkUpdate, networkDetails(networkID, n))
	}
	return nil
}

// syncManaged reconciles the adapter's assigned addresses with the
// controller's wishes: filter through local policy, sort and dedup,
// removals before additions. Only addresses the OS actually accepted or
// released are tracked and reported. Callers hold netsMu.
func (s *Service) syncManaged(networkID uint64, n *networkState) {
	desired := make([]netip.Prefix, 0, len(n.config.AssignedAddresses))
	for _, p := range n.config.AssignedAddresses {
		if policy.CheckIfManagedIsAllowed(n.settings, p) {
			desired = append(desired, p)
		}
	}
	sortPrefixes(desired)
	desired = slices.Compact(desired)

	kept := n.managedIPs[:0]
	for _, p := range n.managedIPs {
		if _, found := slices.BinarySearchFunc(desired, p, comparePrefixes); found {
			kept = append(kept, p)
			continue
		}
		if err := n.adapter.RemoveIP(p); err != nil {
			s.log.Error("unable to remove address",
				"network", fmt.Sprintf("%.16x", networkID), "addr", p, "error", err)
			kept = append(kept, p)
			continue
		}
		s.emitAddrEvent(networkID, p, false)
	}
	n.managedIPs = kept

	for _, p := range desired {
		if _, found := slices.BinarySearchFunc(n.managedIPs, p, comparePrefixes); found {
			continue
		}
		if err := n.adapter.AddIP(p); err != nil {
			s.log.Error("unable to add address",
				"network", fmt.Sprintf("%.16x", networkID), "addr", p, "error", err)
			continue
		}
		n.managedIPs = append(n.managedIPs, p)
		sortPrefixes(n.managedIPs)
		s.emitAddrEvent(networkID, p, true)
	}
}

func (s *Service) emitAddrEvent(networkID uint64, p netip.Prefix, added bool) {
	code := events.AddrRemovedIPv6
	switch {
	case added && p.Addr().Unmap().Is4():
		code = events.AddrAddedIPv4
	case added:
		code = events.AddrAddedIPv6
	case p.Addr().Unmap().Is4():
		code = events.AddrRemovedIPv4
	}
	s.emit(code, &events.AddrDetails{NetworkID: networkID, Addr: p})
}

// networkSettings resolves the local policy for one network from
// configuration, falling back to defaults on bad entries.
func (s *Service) networkSettings(networkID uint64) policy.NetworkSettings {
	key := fmt.Sprintf("%.16x", networkID)
	settings, err := policy.ResolveNetworkSettings(lookupNetworkOverride(s.cfg, key))
	if err != nil {
		s.log.Warn("invalid network settings, using defaults", "network", key, "error", err)
		return policy.DefaultNetworkSettings()
	}
	return settings
}

func lookupNetworkOverride(cfg *config.NodeConfig, key string) *config.NetworkSettings {
	if o, ok := cfg.Networks[key]; ok {
		return &o
	}
	return nil
}

// managedAddresses returns every address currently applied to any
// adapter.
func (s *Service) managedAddresses() []netip.Addr {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()
	var out []netip.Addr
	for _, n := range s.nets {
		for _, p := range n.managedIPs {
			out = append(out, p.Addr().Unmap())
		}
	}
	return out
}

// managedPrefixes returns every managed range currently applied to any
// adapter.
func (s *Service) managedPrefixes() []netip.Prefix {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()
	var out []netip.Prefix
	for _, n := range s.nets {
		out = append(out, n.managedIPs...)
	}
	return out
}

func (s *Service) adapterCount() int {
	count := 0
	for _, n := range s.nets {
		if n.adapter != nil {
			count++
		}
	}
	return count
}

// Networks returns a snapshot of every joined network.
func (s *Service) Networks() []events.NetworkDetails {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()
	out := make([]events.NetworkDetails, 0, len(s.nets))
	for id, n := range s.nets {
		if n.config == nil {
			out = append(out, events.NetworkDetails{NetworkID: id})
			continue
		}
		out = append(out, *networkDetails(id, n))
	}
	slices.SortFunc(out, func(a, b events.NetworkDetails) int {
		return cmp.Compare(a.NetworkID, b.NetworkID)
	})
	return out
}

// PortDeviceName returns the OS device name for a joined network.
func (s *Service) PortDeviceName(networkID uint64) (string, bool) {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()
	n := s.nets[networkID]
	if n == nil || n.adapter == nil {
		return "", false
	}
	return n.adapter.Name(), true
}

// NetworkSettings returns the resolved local policy for a joined network.
func (s *Service) NetworkSettings(networkID uint64) (policy.NetworkSettings, bool) {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()
	n := s.nets[networkID]
	if n == nil {
		return policy.NetworkSettings{}, false
	}
	return n.settings, true
}

// networkDetails builds an immutable event payload. Callers hold netsMu.
func networkDetails(networkID uint64, n *networkState) *events.NetworkDetails {
	d := &events.NetworkDetails{
		NetworkID:         networkID,
		AssignedAddresses: append([]netip.Prefix(nil), n.managedIPs...),
	}
	if n.config != nil {
		d.Name = n.config.Name
		d.Status = n.config.Status
		d.MAC = n.config.MAC
		d.MTU = n.config.MTU
		d.Routes = append([]engine.Route(nil), n.config.Routes...)
	}
	return d
}

func comparePrefixes(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

func sortPrefixes(ps []netip.Prefix) {
	slices.SortFunc(ps, comparePrefixes)
}
