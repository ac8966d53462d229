package frame_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/endoor-net/endoor/internal/frame"
)

var (
	clientMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}
	routerMAC = net.HardwareAddr{0xdd, 0xee, 0xff, 0x00, 0x00, 0x01}
)

// serialize builds a frame from the given layers, failing the test on
// serialization errors.
func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serialize frame: %v", err)
	}
	return buf.Bytes()
}

// arpFrame builds an ARP frame announcing senderIP from senderMAC.
func arpFrame(t *testing.T, senderMAC net.HardwareAddr, senderIP string, op uint16) []byte {
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
		Operation:         op,
		SourceHwAddress:   senderMAC,
		SourceProtAddress: netip.MustParseAddr(senderIP).AsSlice(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    []byte{10, 0, 0, 1},
	}
	return serialize(t, eth, arp)
}

// ndFrame builds an ICMPv6 neighbor discovery frame of the given type.
func ndFrame(t *testing.T, srcMAC net.HardwareAddr, srcIP string, icmpType uint8) []byte {
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
		TypeCode: layers.CreateICMPv6TypeCode(icmpType, 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip6); err != nil {
		t.Fatalf("icmpv6 checksum layer: %v", err)
	}
	// Minimal type-specific body; the parser only reads the type.
	body := gopacket.Payload(make([]byte, 16))
	return serialize(t, eth, ip6, icmp, body)
}

// tcp4Frame builds an IPv4 TCP frame.
func tcp4Frame(t *testing.T, srcMAC net.HardwareAddr, src, dst string, sport, dport uint16) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       routerMAC,
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

// icmp4Frame builds an IPv4 ICMP frame with the given type/code and
// echo identifier.
func icmp4Frame(t *testing.T, src, dst string, icmpType, code uint8, id uint16) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       clientMAC,
		DstMAC:       routerMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    netip.MustParseAddr(src).AsSlice(),
		DstIP:    netip.MustParseAddr(dst).AsSlice(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpType, code),
		Id:       id,
		Seq:      1,
	}
	return serialize(t, eth, ip4, icmp, gopacket.Payload([]byte("ping")))
}

// udp6Frame builds an IPv6 UDP frame.
func udp6Frame(t *testing.T, src, dst string, sport, dport uint16) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       clientMAC,
		DstMAC:       routerMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      netip.MustParseAddr(src).AsSlice(),
		DstIP:      netip.MustParseAddr(dst).AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
		t.Fatalf("udp checksum layer: %v", err)
	}
	return serialize(t, eth, ip6, udp, gopacket.Payload([]byte("data")))
}

func TestSourceARP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   uint16
	}{
		{"request", layers.ARPRequest},
		{"reply", layers.ARPReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := frame.NewParser()
			src, err := p.Source(arpFrame(t, clientMAC, "10.0.0.5", tt.op))
			if err != nil {
				t.Fatalf("Source() error: %v", err)
			}

			if src.HW.String() != clientMAC.String() {
				t.Errorf("HW = %s, want %s", src.HW, clientMAC)
			}
			if src.Family != frame.FamilyIPv4 {
				t.Errorf("Family = %v, want FamilyIPv4", src.Family)
			}
			if src.Addr != netip.MustParseAddr("10.0.0.5") {
				t.Errorf("Addr = %s, want 10.0.0.5", src.Addr)
			}
			if src.Flags != 0 {
				t.Errorf("Flags = %d, want 0", src.Flags)
			}
		})
	}
}

func TestSourceNeighborDiscovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		icmpType  uint8
		wantFlags int
	}{
		{"router solicitation", layers.ICMPv6TypeRouterSolicitation, 0},
		{"router advertisement", layers.ICMPv6TypeRouterAdvertisement, frame.FlagRouter},
		{"neighbor solicitation", layers.ICMPv6TypeNeighborSolicitation, 0},
		{"neighbor advertisement", layers.ICMPv6TypeNeighborAdvertisement, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := frame.NewParser()
			src, err := p.Source(ndFrame(t, routerMAC, "fe80::1", tt.icmpType))
			if err != nil {
				t.Fatalf("Source() error: %v", err)
			}

			if src.Family != frame.FamilyIPv6 {
				t.Fatalf("Family = %v, want FamilyIPv6", src.Family)
			}
			if src.Addr != netip.MustParseAddr("fe80::1") {
				t.Errorf("Addr = %s, want fe80::1", src.Addr)
			}
			if src.Flags != tt.wantFlags {
				t.Errorf("Flags = %d, want %d", src.Flags, tt.wantFlags)
			}
		})
	}
}

func TestSourceBareMAC(t *testing.T) {
	t.Parallel()

	p := frame.NewParser()

	// A TCP frame vouches for no protocol address.
	src, err := p.Source(tcp4Frame(t, clientMAC, "10.0.0.5", "93.184.216.34", 1234, 80))
	if err != nil {
		t.Fatalf("Source() error: %v", err)
	}

	if src.Family != frame.FamilyMAC {
		t.Errorf("Family = %v, want FamilyMAC", src.Family)
	}
	if src.HW.String() != clientMAC.String() {
		t.Errorf("HW = %s, want %s", src.HW, clientMAC)
	}
}

func TestSourceICMPv6EchoIsBareMAC(t *testing.T) {
	t.Parallel()

	p := frame.NewParser()

	// ICMPv6 echo request (type 128) is not neighbor discovery.
	src, err := p.Source(ndFrame(t, clientMAC, "fe80::2", 128))
	if err != nil {
		t.Fatalf("Source() error: %v", err)
	}
	if src.Family != frame.FamilyMAC {
		t.Errorf("Family = %v, want FamilyMAC", src.Family)
	}
}

func TestSourceShortFrame(t *testing.T) {
	t.Parallel()

	p := frame.NewParser()
	if _, err := p.Source(make([]byte, 10)); err == nil {
		t.Fatal("Source() on 10-byte frame: want error")
	}
}

func TestFlowTCP4(t *testing.T) {
	t.Parallel()

	p := frame.NewParser()
	fl, err := p.Flow(tcp4Frame(t, clientMAC, "10.0.0.5", "93.184.216.34", 54321, 80), frame.Outgoing)
	if err != nil {
		t.Fatalf("Flow() error: %v", err)
	}

	want := frame.Flow{
		Family:  frame.FamilyIPv4,
		Proto:   layers.IPProtocolTCP,
		SrcIP:   netip.MustParseAddr("10.0.0.5"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		SrcPort: 54321,
		DstPort: 80,
	}
	if fl != want {
		t.Errorf("Flow() = %+v, want %+v", fl, want)
	}
}

func TestFlowICMPEcho(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		icmpType uint8
		code     uint8
		dir      frame.Direction
		wantErr  bool
	}{
		{"echo request outgoing", 8, 0, frame.Outgoing, false},
		{"echo reply incoming", 0, 0, frame.Incoming, false},
		{"echo request incoming", 8, 0, frame.Incoming, true},
		{"echo reply outgoing", 0, 0, frame.Outgoing, true},
		{"dest unreachable outgoing", 3, 1, frame.Outgoing, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := frame.NewParser()
			fl, err := p.Flow(icmp4Frame(t, "10.0.0.5", "8.8.8.8", tt.icmpType, tt.code, 0x4242), tt.dir)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Flow() want error, got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Flow() error: %v", err)
			}
			if fl.SrcPort != 0 {
				t.Errorf("SrcPort = %d, want 0", fl.SrcPort)
			}
			if fl.DstPort != 0x4242 {
				t.Errorf("DstPort (identifier) = %#x, want 0x4242", fl.DstPort)
			}
		})
	}
}

func TestFlowUDP6(t *testing.T) {
	t.Parallel()

	p := frame.NewParser()
	fl, err := p.Flow(udp6Frame(t, "2001:db8::1", "2001:db8::2", 5353, 53), frame.Outgoing)
	if err != nil {
		t.Fatalf("Flow() error: %v", err)
	}

	if fl.Family != frame.FamilyIPv6 {
		t.Errorf("Family = %v, want FamilyIPv6", fl.Family)
	}
	if fl.Proto != layers.IPProtocolUDP {
		t.Errorf("Proto = %v, want UDP", fl.Proto)
	}
	if fl.SrcPort != 5353 || fl.DstPort != 53 {
		t.Errorf("ports = %d->%d, want 5353->53", fl.SrcPort, fl.DstPort)
	}
}

func TestFlowICMPv6NotTracked(t *testing.T) {
	t.Parallel()

	p := frame.NewParser()
	if _, err := p.Flow(ndFrame(t, clientMAC, "fe80::2", 128), frame.Incoming); err == nil {
		t.Fatal("Flow() on ICMPv6: want error (IPv6 tracks TCP/UDP only)")
	}
}

func TestFlowNonIP(t *testing.T) {
	t.Parallel()

	p := frame.NewParser()
	if _, err := p.Flow(arpFrame(t, clientMAC, "10.0.0.5", layers.ARPReply), frame.Incoming); err == nil {
		t.Fatal("Flow() on ARP frame: want error")
	}
}

func TestFlowReverse(t *testing.T) {
	t.Parallel()

	fl := frame.Flow{
		Family:  frame.FamilyIPv4,
		Proto:   layers.IPProtocolTCP,
		SrcIP:   netip.MustParseAddr("10.0.0.5"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		SrcPort: 54321,
		DstPort: 80,
	}

	r := fl.Reverse()
	if r.SrcIP != fl.DstIP || r.DstIP != fl.SrcIP {
		t.Errorf("Reverse() addresses = %s->%s", r.SrcIP, r.DstIP)
	}
	if r.SrcPort != 80 || r.DstPort != 54321 {
		t.Errorf("Reverse() ports = %d->%d, want 80->54321", r.SrcPort, r.DstPort)
	}

	// ICMP keeps the identifier in the destination slot.
	echo := frame.Flow{
		Family:  frame.FamilyIPv4,
		Proto:   layers.IPProtocolICMPv4,
		SrcIP:   netip.MustParseAddr("10.0.0.5"),
		DstIP:   netip.MustParseAddr("8.8.8.8"),
		SrcPort: 0,
		DstPort: 0x4242,
	}
	re := echo.Reverse()
	if re.SrcIP != echo.DstIP || re.DstIP != echo.SrcIP {
		t.Errorf("Reverse() echo addresses = %s->%s", re.SrcIP, re.DstIP)
	}
	if re.SrcPort != 0 || re.DstPort != 0x4242 {
		t.Errorf("Reverse() echo ports = %d->%d, want 0->0x4242", re.SrcPort, re.DstPort)
	}
}

func TestEtherType(t *testing.T) {
	t.Parallel()

	buf := tcp4Frame(t, clientMAC, "10.0.0.5", "8.8.8.8", 1, 2)
	et, err := frame.EtherType(buf)
	if err != nil {
		t.Fatalf("EtherType() error: %v", err)
	}
	if et != layers.EthernetTypeIPv4 {
		t.Errorf("EtherType() = %v, want IPv4", et)
	}

	if _, err := frame.EtherType(buf[:13]); err == nil {
		t.Error("EtherType() on short frame: want error")
	}
}
