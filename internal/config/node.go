package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/wisdark/ztnode/internal/logging"
)

// NodeConfig is the top-level configuration for one node instance. Caching
// toggles and policy live here rather than in process-wide state so that
// multiple nodes (e.g. under test) do not interfere.
type NodeConfig struct {
	// Home is the node home directory: identity, planet, networks.d,
	// peers.d. Defaults to $HOME/.ztnode.
	Home string `yaml:"home"`

	// PrimaryPort is the main control/transport port. 0 means hunt for a
	// random available port.
	PrimaryPort uint16 `yaml:"primary_port"`

	// SecondaryPort overrides the address-derived NAT-workaround port.
	SecondaryPort uint16 `yaml:"secondary_port"`

	// TertiaryPort overrides the port used exclusively for uPnP/NAT-PMP
	// mappings.
	TertiaryPort uint16 `yaml:"tertiary_port"`

	// PortMapping enables uPnP/NAT-PMP discovery on the tertiary port.
	PortMapping bool `yaml:"port_mapping"`

	// NetworkCaching persists per-network configs under networks.d and
	// rejoins them on start.
	NetworkCaching bool `yaml:"network_caching"`

	// PeerCaching persists per-peer records under peers.d.
	PeerCaching bool `yaml:"peer_caching"`

	// MultipathMode selects the engine's multipath policy; 0 disables it.
	MultipathMode int `yaml:"multipath_mode"`

	API     APIConfig      `yaml:"api"`
	Logging logging.Config `yaml:"logging"`
	Policy  PolicyConfig   `yaml:"policy"`

	// Networks holds per-network local settings keyed by 16-hex-digit
	// network ID.
	Networks map[string]NetworkSettings `yaml:"networks"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // loopback address:port
}

// PolicyConfig is the on-disk form of path/interface security policy.
// Addresses are CIDR strings; hints are host:port endpoints.
type PolicyConfig struct {
	InterfacePrefixBlacklist []string              `yaml:"interface_prefix_blacklist"`
	GlobalV4Blacklist        []string              `yaml:"global_v4_blacklist"`
	GlobalV6Blacklist        []string              `yaml:"global_v6_blacklist"`
	Peers                    map[string]PeerPolicy `yaml:"peers"` // keyed by 10-hex peer address
}

// PeerPolicy is per-peer path policy: endpoints to never use and endpoints
// to try first.
type PeerPolicy struct {
	Blacklist []string `yaml:"blacklist"` // CIDRs
	TryV4     []string `yaml:"try_v4"`    // host:port hints
	TryV6     []string `yaml:"try_v6"`
}

// NetworkSettings is local per-network policy. Pointer fields distinguish
// "unset" from an explicit false; defaults are managed=true, global=false,
// default=false.
type NetworkSettings struct {
	AllowManaged          *bool    `yaml:"allow_managed"`
	AllowGlobal           *bool    `yaml:"allow_global"`
	AllowDefault          *bool    `yaml:"allow_default"`
	AllowManagedWhitelist []string `yaml:"allow_managed_whitelist"` // CIDRs
}

// DefaultNodeConfig returns the default node configuration.
func DefaultNodeConfig() NodeConfig {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return NodeConfig{
		Home:           filepath.Join(home, ".ztnode"),
		PortMapping:    true,
		NetworkCaching: true,
		PeerCaching:    true,
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9993",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate checks the configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory must be set")
	}
	if c.API.Enabled {
		ap, err := netip.ParseAddrPort(c.API.Listen)
		if err != nil {
			return fmt.Errorf("invalid api listen address %q: %w", c.API.Listen, err)
		}
		if !ap.Addr().IsLoopback() {
			return fmt.Errorf("api listen address %q must be a loopback address", c.API.Listen)
		}
	}
	for id := range c.Networks {
		if len(id) != 16 {
			return fmt.Errorf("network id %q must be 16 hex digits", id)
		}
	}
	for _, cidrs := range [][]string{c.Policy.GlobalV4Blacklist, c.Policy.GlobalV6Blacklist} {
		for _, s := range cidrs {
			if _, err := netip.ParsePrefix(s); err != nil {
				return fmt.Errorf("invalid blacklist entry %q: %w", s, err)
			}
		}
	}
	for id, pp := range c.Policy.Peers {
		for _, s := range pp.Blacklist {
			if _, err := netip.ParsePrefix(s); err != nil {
				return fmt.Errorf("invalid blacklist entry %q for peer %s: %w", s, id, err)
			}
		}
		for _, hints := range [][]string{pp.TryV4, pp.TryV6} {
			for _, s := range hints {
				if _, err := netip.ParseAddrPort(s); err != nil {
					return fmt.Errorf("invalid hint %q for peer %s: %w", s, id, err)
				}
			}
		}
	}
	return nil
}
