//go:build linux

package netio

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// TUN device — the virtual interface the host claims traffic through
// -------------------------------------------------------------------------

// tunDev is the clone device for TUN allocation.
const tunDev = "/dev/net/tun"

// TunReadOffset is the zero-prefix the bridge prepends to tunnel reads.
// The device is opened with the 4-byte packet-info header enabled, so a
// read yields flags(2) + proto(2) + IP packet; with 10 zero bytes in
// front, the IP payload lands at the standard Ethernet payload offset
// and the proto field doubles as the frame's EtherType.
const TunReadOffset = 10

// TunDevice is a point-to-point IP tunnel. Reads yield raw IP packets
// prefixed with the packet-info header; writes expect the same layout.
// The descriptor is non-blocking and poller-backed, so Close unblocks a
// pending read.
type TunDevice struct {
	f    *os.File
	name string
}

// OpenTun allocates a TUN device and brings the link up. name requests a
// device name; empty lets the kernel pick one. The effective name is
// available via Name.
func OpenTun(name string) (*TunDevice, error) {
	fd, err := unix.Open(tunDev, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDev, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", err)
	}

	dev := &TunDevice{
		f:    os.NewFile(uintptr(fd), tunDev),
		name: ifr.Name(),
	}

	if err := setLinkUp(dev.name); err != nil {
		_ = dev.Close()
		return nil, err
	}

	return dev, nil
}

// Read blocks until a packet arrives and copies it into buf.
func (t *TunDevice) Read(buf []byte) (int, error) {
	n, err := t.f.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("read on %s: %w", t.name, err)
	}
	return n, nil
}

// Write hands buf to the IP stack as one packet.
func (t *TunDevice) Write(buf []byte) (int, error) {
	n, err := t.f.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("write on %s: %w", t.name, err)
	}
	return n, nil
}

// Close releases the device, unblocking any pending read.
func (t *TunDevice) Close() error {
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", t.name, err)
	}
	return nil
}

// Name returns the effective device name.
func (t *TunDevice) Name() string { return t.name }

// -------------------------------------------------------------------------
// Interface configuration ioctls
// -------------------------------------------------------------------------

// ctlSocket opens a throwaway AF_INET datagram socket for interface
// ioctls.
func ctlSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_IP)
	if err != nil {
		return 0, fmt.Errorf("control socket: %w", err)
	}
	return fd, nil
}

// setLinkUp sets IFF_UP|IFF_RUNNING on the named interface.
func setLinkUp(ifname string) error {
	fd, err := ctlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(ifname)
	if err != nil {
		return fmt.Errorf("ifreq %q: %w", ifname, err)
	}

	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCGIFFLAGS %s: %w", ifname, err)
	}

	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCSIFFLAGS %s: %w", ifname, err)
	}

	return nil
}

// TunSetIPv4 assigns addr with the given prefix length to the named
// interface. The maintainer calls this with /32 once the client address
// has been identified.
func TunSetIPv4(ifname string, addr netip.Addr, prefixLen int) error {
	if !addr.Is4() {
		return fmt.Errorf("tun address %s: %w", addr, errNotIPv4)
	}

	fd, err := ctlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(ifname)
	if err != nil {
		return fmt.Errorf("ifreq %q: %w", ifname, err)
	}

	a4 := addr.As4()
	if err := ifr.SetInet4Addr(a4[:]); err != nil {
		return fmt.Errorf("set address %s: %w", addr, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFADDR, ifr); err != nil {
		return fmt.Errorf("SIOCSIFADDR %s: %w", ifname, err)
	}

	m4 := prefixMask4(prefixLen)
	if err := ifr.SetInet4Addr(m4[:]); err != nil {
		return fmt.Errorf("set netmask /%d: %w", prefixLen, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFNETMASK, ifr); err != nil {
		return fmt.Errorf("SIOCSIFNETMASK %s: %w", ifname, err)
	}

	return nil
}

// errNotIPv4 indicates a non-IPv4 address was offered for the tunnel.
var errNotIPv4 = errors.New("not an IPv4 address")

// prefixMask4 builds the dotted netmask for a prefix length.
func prefixMask4(prefixLen int) [4]byte {
	var m [4]byte
	for i := 0; i < prefixLen && i < 32; i++ {
		m[i/8] |= 0x80 >> (i % 8)
	}
	return m
}
