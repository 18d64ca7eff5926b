package adapter

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"

	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/logging"
)

const defaultNetstackMTU = 2800

// netstackAdapter is a layer 3 adapter backed by a userspace network
// stack. It needs no privileges and no kernel device; traffic enters and
// leaves through the stack's socket API rather than an OS interface.
// Ethernet addressing is synthesized, so bridging does not work in this
// mode.
type netstackAdapter struct {
	cfg     Config
	handler FrameHandler
	log     *slog.Logger

	mu   sync.Mutex
	dev  tun.Device
	tnet *netstack.Net
	mtu  int

	ips    ipSet
	closed atomic.Bool
}

func newNetstack(cfg Config, handler FrameHandler) (Interface, error) {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = defaultNetstackMTU
	}
	n := &netstackAdapter{
		cfg:     cfg,
		handler: handler,
		mtu:     mtu,
		log: logging.WithComponent("adapter").With(
			"dev", "netstack", "network", fmt.Sprintf("%.16x", cfg.NetworkID)),
	}
	n.log.Info("netstack adapter created")
	return n, nil
}

func (n *netstackAdapter) Name() string      { return "netstack" }
func (n *netstackAdapter) NetworkID() uint64 { return n.cfg.NetworkID }

func (n *netstackAdapter) AddIP(p netip.Prefix) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.ips.add(p)
	return n.rebuild()
}

func (n *netstackAdapter) RemoveIP(p netip.Prefix) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.ips.remove(p)
	return n.rebuild()
}

func (n *netstackAdapter) IPs() []netip.Prefix { return n.ips.list() }

func (n *netstackAdapter) SetMTU(mtu int) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.mu.Lock()
	same := n.mtu == mtu
	n.mu.Unlock()
	if same {
		return nil
	}
	n.mu.Lock()
	n.mtu = mtu
	n.mu.Unlock()
	return n.rebuild()
}

// Put injects an overlay frame into the stack. Only IP payloads are
// meaningful at layer 3; everything else is dropped.
func (n *netstackAdapter) Put(srcMAC, dstMAC uint64, etherType int, data []byte) error {
	if etherType != etherTypeIPv4 && etherType != etherTypeIPv6 {
		return nil
	}
	n.mu.Lock()
	dev := n.dev
	n.mu.Unlock()
	if dev == nil {
		return ErrClosed
	}
	_, err := dev.Write([][]byte{data}, 0)
	return err
}

func (n *netstackAdapter) ScanMulticastGroups() (added, removed []engine.MulticastGroup) {
	return n.ips.scanGroups()
}

func (n *netstackAdapter) HasIPv4() bool { return n.ips.hasFamily(true) }
func (n *netstackAdapter) HasIPv6() bool { return n.ips.hasFamily(false) }

func (n *netstackAdapter) Up() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dev != nil && !n.closed.Load()
}

func (n *netstackAdapter) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	n.mu.Lock()
	dev := n.dev
	n.dev = nil
	n.tnet = nil
	n.mu.Unlock()
	if dev != nil {
		dev.Close()
	}
	n.log.Info("netstack adapter closed")
	return nil
}

// Net returns the stack's dial/listen surface, or nil while the adapter
// has no addresses. Lets in-process code open sockets on the overlay.
func (n *netstackAdapter) Net() *netstack.Net {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tnet
}

// rebuild tears down and recreates the stack with the current address set.
// The stack fixes its addresses at creation, so readdressing drops open
// connections, as it would on a kernel interface.
func (n *netstackAdapter) rebuild() error {
	addrs := make([]netip.Addr, 0, 4)
	for _, p := range n.ips.list() {
		addrs = append(addrs, p.Addr().Unmap())
	}

	n.mu.Lock()
	old := n.dev
	n.dev = nil
	n.tnet = nil
	mtu := n.mtu
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if len(addrs) == 0 || n.closed.Load() {
		return nil
	}

	dev, tnet, err := netstack.CreateNetTUN(addrs, nil, mtu)
	if err != nil {
		return fmt.Errorf("adapter: create netstack: %w", err)
	}

	n.mu.Lock()
	if n.closed.Load() {
		n.mu.Unlock()
		dev.Close()
		return ErrClosed
	}
	n.dev = dev
	n.tnet = tnet
	n.mu.Unlock()

	go n.readLoop(dev)
	return nil
}

// readLoop moves packets originated by the stack toward the overlay until
// the device closes. Each rebuild starts a fresh loop on its own device.
func (n *netstackAdapter) readLoop(dev tun.Device) {
	bufs := [][]byte{make([]byte, maxIPPacketLen)}
	sizes := make([]int, 1)
	for {
		count, err := dev.Read(bufs, sizes, 0)
		if err != nil {
			return
		}
		for i := 0; i < count; i++ {
			pkt := bufs[i][:sizes[i]]
			if len(pkt) == 0 {
				continue
			}
			etherType, ok := etherTypeForIPVersion(pkt[0])
			if !ok {
				continue
			}
			n.handler(n.cfg.NetworkID, n.cfg.MAC, dstMACForPacket(etherType, pkt), etherType, 0, pkt)
		}
	}
}

const maxIPPacketLen = 1 << 16

// dstMACForPacket synthesizes a destination hardware address for a routed
// IP packet: the mapped group address for multicast and broadcast, zero
// for unicast, which the overlay resolves by member address.
func dstMACForPacket(etherType int, pkt []byte) uint64 {
	switch etherType {
	case etherTypeIPv4:
		if len(pkt) < 20 {
			return 0
		}
		dst := pkt[16:20]
		if dst[0] == 255 && dst[1] == 255 && dst[2] == 255 && dst[3] == 255 {
			return broadcastMAC
		}
		if dst[0] >= 224 && dst[0] < 240 {
			return uint64(0x01005e000000) |
				uint64(dst[1]&0x7f)<<16 | uint64(dst[2])<<8 | uint64(dst[3])
		}
	case etherTypeIPv6:
		if len(pkt) < 40 {
			return 0
		}
		dst := pkt[24:40]
		if dst[0] == 0xff {
			return uint64(0x333300000000) |
				uint64(dst[12])<<24 | uint64(dst[13])<<16 | uint64(dst[14])<<8 | uint64(dst[15])
		}
	}
	return 0
}
