//go:build linux

package adapter

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ifreq mirrors struct ifreq for interface ioctls.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data [24]byte
}

func newIfreq(name string) (ifreq, error) {
	var ifr ifreq
	if len(name) >= unix.IFNAMSIZ {
		return ifr, fmt.Errorf("adapter: interface name %q too long", name)
	}
	copy(ifr.name[:], name)
	return ifr, nil
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ctlSocket opens a throwaway datagram socket for interface ioctls.
func ctlSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("adapter: control socket: %w", err)
	}
	return fd, nil
}

func setLinkMTU(ctl int, name string, mtu int) error {
	ifr, err := newIfreq(name)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(ifr.data[:4], uint32(mtu))
	if err := ioctl(ctl, unix.SIOCSIFMTU, unsafe.Pointer(&ifr)); err != nil {
		return fmt.Errorf("adapter: set mtu on %s: %w", name, err)
	}
	return nil
}

func setLinkHWAddr(ctl int, name string, mac uint64) error {
	ifr, err := newIfreq(name)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(ifr.data[:2], unix.ARPHRD_ETHER)
	b := macBytes(mac)
	copy(ifr.data[2:8], b[:])
	if err := ioctl(ctl, unix.SIOCSIFHWADDR, unsafe.Pointer(&ifr)); err != nil {
		return fmt.Errorf("adapter: set hwaddr on %s: %w", name, err)
	}
	return nil
}

func setLinkUp(ctl int, name string) error {
	ifr, err := newIfreq(name)
	if err != nil {
		return err
	}
	if err := ioctl(ctl, unix.SIOCGIFFLAGS, unsafe.Pointer(&ifr)); err != nil {
		return fmt.Errorf("adapter: get flags on %s: %w", name, err)
	}
	flags := binary.LittleEndian.Uint16(ifr.data[:2])
	flags |= unix.IFF_UP | unix.IFF_RUNNING
	binary.LittleEndian.PutUint16(ifr.data[:2], flags)
	if err := ioctl(ctl, unix.SIOCSIFFLAGS, unsafe.Pointer(&ifr)); err != nil {
		return fmt.Errorf("adapter: set flags on %s: %w", name, err)
	}
	return nil
}

// addLinkAddr assigns an address via rtnetlink. Works for both families,
// unlike the address ioctls which only manage the primary IPv4 address.
func addLinkAddr(name string, p netip.Prefix) error {
	return netlinkAddrRequest(unix.RTM_NEWADDR,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK|unix.NLM_F_CREATE|unix.NLM_F_REPLACE,
		name, p)
}

func delLinkAddr(name string, p netip.Prefix) error {
	return netlinkAddrRequest(unix.RTM_DELADDR,
		unix.NLM_F_REQUEST|unix.NLM_F_ACK,
		name, p)
}

const (
	nlmsgHdrLen   = 16
	ifaddrmsgLen  = 8
	rtattrHdrLen  = 4
	netlinkBufLen = 4096
)

// netlinkAddrRequest builds and executes one RTM_NEWADDR/RTM_DELADDR
// exchange against NETLINK_ROUTE and waits for the kernel ack.
func netlinkAddrRequest(msgType, flags uint16, name string, p netip.Prefix) error {
	link, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("adapter: lookup %s: %w", name, err)
	}

	addr := p.Addr().Unmap()
	family := byte(unix.AF_INET6)
	raw := addr.AsSlice()
	if addr.Is4() {
		family = unix.AF_INET
	}

	attr := func(typ uint16, payload []byte) []byte {
		l := rtattrHdrLen + len(payload)
		b := make([]byte, (l+3)&^3)
		binary.LittleEndian.PutUint16(b[0:2], uint16(l))
		binary.LittleEndian.PutUint16(b[2:4], typ)
		copy(b[rtattrHdrLen:], payload)
		return b
	}

	body := make([]byte, ifaddrmsgLen)
	body[0] = family
	body[1] = byte(p.Bits())
	binary.LittleEndian.PutUint32(body[4:8], uint32(link.Index))
	body = append(body, attr(unix.IFA_LOCAL, raw)...)
	body = append(body, attr(unix.IFA_ADDRESS, raw)...)

	msg := make([]byte, nlmsgHdrLen, nlmsgHdrLen+len(body))
	binary.LittleEndian.PutUint32(msg[0:4], uint32(nlmsgHdrLen+len(body)))
	binary.LittleEndian.PutUint16(msg[4:6], msgType)
	binary.LittleEndian.PutUint16(msg[6:8], flags)
	binary.LittleEndian.PutUint32(msg[8:12], 1) // seq
	msg = append(msg, body...)

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("adapter: netlink socket: %w", err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("adapter: netlink bind: %w", err)
	}
	if err := unix.Sendto(fd, msg, 0, sa); err != nil {
		return fmt.Errorf("adapter: netlink send: %w", err)
	}

	buf := make([]byte, netlinkBufLen)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("adapter: netlink recv: %w", err)
	}
	return parseNetlinkAck(buf[:n])
}

// parseNetlinkAck scans a netlink response for NLMSG_ERROR. An errno of
// zero is the ack.
func parseNetlinkAck(b []byte) error {
	for len(b) >= nlmsgHdrLen {
		l := binary.LittleEndian.Uint32(b[0:4])
		if l < nlmsgHdrLen || int(l) > len(b) {
			break
		}
		typ := binary.LittleEndian.Uint16(b[4:6])
		if typ == unix.NLMSG_ERROR {
			if len(b) < nlmsgHdrLen+4 {
				return fmt.Errorf("adapter: short netlink error message")
			}
			errno := int32(binary.LittleEndian.Uint32(b[nlmsgHdrLen : nlmsgHdrLen+4]))
			if errno == 0 {
				return nil
			}
			return fmt.Errorf("adapter: netlink: %w", unix.Errno(-errno))
		}
		b = b[(l+3)&^3:]
	}
	return fmt.Errorf("adapter: no netlink ack received")
}
