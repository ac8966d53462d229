//go:build linux

package netio

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// PacketSocket — promiscuous AF_PACKET capture on a physical interface
// -------------------------------------------------------------------------

// PacketSocket is a raw AF_PACKET/ETH_P_ALL socket bound to one
// interface. Reads yield whole Ethernet frames in both directions
// (promiscuous capture sees locally transmitted frames too); writes
// inject frames on the wire.
//
// The descriptor is opened non-blocking and wrapped in an os.File so
// reads park on the runtime poller and Close unblocks them — the
// receive loops need no out-of-band cancellation.
type PacketSocket struct {
	f      *os.File
	ifname string
	hw     net.HardwareAddr
}

// htons converts a short to network byte order for the socket protocol
// argument.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// OpenPacketSocket opens a raw socket on the named interface, binds it to
// the interface index, records the hardware address, and joins
// promiscuous mode via a PACKET_MR_PROMISC membership (dropped
// automatically when the socket closes).
func OpenPacketSocket(ifname string) (*PacketSocket, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("packet socket on %s: %w", ifname, err)
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind packet socket to %s: %w", ifname, err)
	}

	mreq := unix.PacketMreq{
		Ifindex: int32(ifi.Index),
		Type:    unix.PACKET_MR_PROMISC,
	}
	if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("enable promiscuous mode on %s: %w", ifname, err)
	}

	return &PacketSocket{
		f:      os.NewFile(uintptr(fd), "packet:"+ifname),
		ifname: ifname,
		hw:     append(net.HardwareAddr(nil), ifi.HardwareAddr...),
	}, nil
}

// Read blocks until a frame arrives and copies it into buf.
func (s *PacketSocket) Read(buf []byte) (int, error) {
	n, err := s.f.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("read on %s: %w", s.ifname, err)
	}
	return n, nil
}

// Write injects buf as one frame on the wire.
func (s *PacketSocket) Write(buf []byte) (int, error) {
	n, err := s.f.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("write on %s: %w", s.ifname, err)
	}
	return n, nil
}

// Close releases the socket, unblocking any pending read.
func (s *PacketSocket) Close() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close packet socket on %s: %w", s.ifname, err)
	}
	return nil
}

// Name returns the interface name.
func (s *PacketSocket) Name() string { return s.ifname }

// HWAddr returns the interface hardware address.
func (s *PacketSocket) HWAddr() net.HardwareAddr { return s.hw }
