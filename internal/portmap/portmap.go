// Package portmap defines the NAT port-mapping boundary. The node points a
// mapper at its tertiary port and advertises whatever external endpoints
// the mapper obtains; the mapping protocol itself (uPnP, NAT-PMP) lives
// behind the interface.
package portmap

import "net/netip"

// Mapper obtains and maintains NAT mappings for one local UDP port.
type Mapper interface {
	// SetLocalPort points the mapper at the port to keep mapped. Calling it
	// again with a different port replaces the mapping target.
	SetLocalPort(port uint16)

	// ExternalAddresses returns the currently mapped public endpoints. The
	// set changes as mappings are acquired, renewed, or lost.
	ExternalAddresses() []netip.AddrPort

	Close()
}

// Disabled is the mapper used when port mapping is turned off.
type Disabled struct{}

func (Disabled) SetLocalPort(uint16)                 {}
func (Disabled) ExternalAddresses() []netip.AddrPort { return nil }
func (Disabled) Close()                              {}
