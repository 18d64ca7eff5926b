//go:build linux

package adapter

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wisdark/ztnode/internal/engine"
	"github.com/wisdark/ztnode/internal/logging"
)

const (
	etherHeaderLen = 14
	vlanHeaderLen  = 4
	maxFrameLen    = 1 << 16
)

// tapAdapter is a layer 2 adapter over a kernel TAP device. Frames pass
// through unmodified in both directions.
type tapAdapter struct {
	cfg     Config
	name    string
	file    *os.File
	ctl     int
	handler FrameHandler
	log     *slog.Logger

	ips    ipSet
	up     atomic.Bool
	closed atomic.Bool
}

func newTAP(cfg Config, handler FrameHandler) (Interface, error) {
	name := cfg.Name
	if name == "" {
		name = DeviceName(cfg.NetworkID)
	}

	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("adapter: open /dev/net/tun: %w", err)
	}

	ifr, err := newIfreq(name)
	if err != nil {
		file.Close()
		return nil, err
	}
	binary.LittleEndian.PutUint16(ifr.data[:2], unix.IFF_TAP|unix.IFF_NO_PI)
	if err := ioctl(int(file.Fd()), unix.TUNSETIFF, unsafe.Pointer(&ifr)); err != nil {
		file.Close()
		return nil, fmt.Errorf("adapter: create tap %s: %w", name, err)
	}

	ctl, err := ctlSocket()
	if err != nil {
		file.Close()
		return nil, err
	}

	t := &tapAdapter{
		cfg:     cfg,
		name:    name,
		file:    file,
		ctl:     ctl,
		handler: handler,
		log:     logging.WithComponent("adapter").With("dev", name),
	}

	if err := setLinkHWAddr(ctl, name, cfg.MAC); err != nil {
		t.Close()
		return nil, err
	}
	if cfg.MTU > 0 {
		if err := setLinkMTU(ctl, name, cfg.MTU); err != nil {
			t.Close()
			return nil, err
		}
	}
	if err := setLinkUp(ctl, name); err != nil {
		t.Close()
		return nil, err
	}
	t.up.Store(true)

	go t.readLoop()
	t.log.Info("tap adapter created", "network", fmt.Sprintf("%.16x", cfg.NetworkID))
	return t, nil
}

func (t *tapAdapter) Name() string      { return t.name }
func (t *tapAdapter) NetworkID() uint64 { return t.cfg.NetworkID }

func (t *tapAdapter) AddIP(p netip.Prefix) error {
	if err := addLinkAddr(t.name, p); err != nil {
		return err
	}
	t.ips.add(p)
	return nil
}

func (t *tapAdapter) RemoveIP(p netip.Prefix) error {
	if err := delLinkAddr(t.name, p); err != nil {
		return err
	}
	t.ips.remove(p)
	return nil
}

func (t *tapAdapter) IPs() []netip.Prefix { return t.ips.list() }

func (t *tapAdapter) SetMTU(mtu int) error {
	return setLinkMTU(t.ctl, t.name, mtu)
}

// Put writes an overlay frame to the OS as a full Ethernet frame.
func (t *tapAdapter) Put(srcMAC, dstMAC uint64, etherType int, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	frame := make([]byte, etherHeaderLen+len(data))
	dst := macBytes(dstMAC)
	src := macBytes(srcMAC)
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(etherType))
	copy(frame[etherHeaderLen:], data)
	_, err := t.file.Write(frame)
	return err
}

func (t *tapAdapter) ScanMulticastGroups() (added, removed []engine.MulticastGroup) {
	return t.ips.scanGroups()
}

func (t *tapAdapter) HasIPv4() bool { return t.ips.hasFamily(true) }
func (t *tapAdapter) HasIPv6() bool { return t.ips.hasFamily(false) }
func (t *tapAdapter) Up() bool      { return t.up.Load() && !t.closed.Load() }

func (t *tapAdapter) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.up.Store(false)
	err := t.file.Close()
	unix.Close(t.ctl)
	t.log.Info("tap adapter closed")
	return err
}

// readLoop moves frames from the OS toward the overlay until the device
// closes. VLAN tags are stripped and reported separately.
func (t *tapAdapter) readLoop() {
	buf := make([]byte, maxFrameLen)
	for {
		n, err := t.file.Read(buf)
		if err != nil {
			if !t.closed.Load() {
				t.log.Debug("tap read error", "error", err)
			}
			return
		}
		if n < etherHeaderLen {
			continue
		}
		frame := buf[:n]
		dst := macFromBytes(frame[0:6])
		src := macFromBytes(frame[6:12])
		etherType := int(binary.BigEndian.Uint16(frame[12:14]))
		vlanID := 0
		payload := frame[etherHeaderLen:]
		if etherType == etherTypeVLAN && n >= etherHeaderLen+vlanHeaderLen {
			vlanID = int(binary.BigEndian.Uint16(frame[14:16]) & 0x0fff)
			etherType = int(binary.BigEndian.Uint16(frame[16:18]))
			payload = frame[etherHeaderLen+vlanHeaderLen:]
		}
		t.handler(t.cfg.NetworkID, src, dst, etherType, vlanID, payload)
	}
}
