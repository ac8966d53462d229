package bridge_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	clientMAC  = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}
	routerMAC  = net.HardwareAddr{0xdd, 0xee, 0xff, 0x00, 0x00, 0x01}
	strayMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x99}
	outsideMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	insideMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize frame: %v", err)
	}
	return buf.Bytes()
}

// arpReply builds an ARP reply announcing senderIP from senderMAC.
func arpReply(t *testing.T, senderMAC net.HardwareAddr, senderIP string) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       senderMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   senderMAC,
		SourceProtAddress: netip.MustParseAddr(senderIP).AsSlice(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte{10, 0, 0, 1},
	}
	return serialize(t, eth, arp)
}

// routerAdvert builds an IPv6 router advertisement from srcMAC.
func routerAdvert(t *testing.T, srcMAC net.HardwareAddr, srcIP string) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x01},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      netip.MustParseAddr(srcIP).AsSlice(),
		DstIP:      netip.MustParseAddr("ff02::1").AsSlice(),
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeRouterAdvertisement, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		t.Fatalf("icmpv6 checksum layer: %v", err)
	}
	return serialize(t, eth, ip6, icmp, gopacket.Payload(make([]byte, 16)))
}

// tcpFrame builds an Ethernet/IPv4/TCP frame.
func tcpFrame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, src, dst string, sport, dport uint16) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    netip.MustParseAddr(src).AsSlice(),
		DstIP:    netip.MustParseAddr(dst).AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		SYN:     true,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
		t.Fatalf("tcp checksum layer: %v", err)
	}
	return serialize(t, eth, ip4, tcp)
}

// tunPacket converts an Ethernet frame into what a TUN read yields: the
// 4-byte packet-info header (whose proto field coincides with the
// frame's EtherType) followed by the IP packet. That is exactly the
// frame from byte 10 on.
func tunPacket(frame []byte) []byte {
	return frame[10:]
}
