// Package frame decodes Ethernet frames for the bridging switch.
//
// Two decoding paths are provided: Source extracts the layer-2 source and
// any protocol address it vouches for (ARP sender, NDP source), feeding the
// passive address learning tables; Flow extracts the 5-tuple used by the
// connection state table. Both are built on gopacket's DecodingLayerParser,
// whose layer buffers are reused from frame to frame.
package frame

import (
	"errors"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Address family identifiers. The numeric values follow the Linux AF_*
// constants so table snapshots stay wire-compatible with existing
// consumers of the dump format.
type Family uint8

const (
	FamilyNone Family = 0
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 10
	FamilyMAC  Family = 17
)

// String returns a short name for the family.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "inet"
	case FamilyIPv6:
		return "inet6"
	case FamilyMAC:
		return "packet"
	default:
		return "none"
	}
}

// AddrLen returns the number of bytes an address of this family occupies.
// Unknown families report 0.
func (f Family) AddrLen() int {
	switch f {
	case FamilyIPv4:
		return 4
	case FamilyIPv6:
		return 16
	case FamilyMAC:
		return 6
	default:
		return 0
	}
}

// Flags carried by learned protocol addresses.
const (
	// FlagRouter marks an address learned from an IPv6 router advertisement.
	FlagRouter = 1
	// FlagClient is reserved for explicit operator marking.
	FlagClient = 2
)

// Direction of a frame relative to the host: Incoming frames arrive on the
// outside interface, Outgoing frames leave through the tunnel.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Decoding errors. ErrTruncated covers frames too short or otherwise
// ill-formed for their declared type (silent drop); ErrUnsupported covers
// well-formed frames whose protocol the state table does not track
// (drop, but worth a notice).
var (
	ErrTruncated   = errors.New("frame truncated or ill-formed")
	ErrUnsupported = errors.New("protocol not supported")
)

// EthernetHeaderLen is the length of an untagged Ethernet header.
const EthernetHeaderLen = 14

// Source describes the originator of a frame: its MAC address, and, when
// the frame is an ARP or NDP message, the protocol address it announced.
type Source struct {
	// HW is the Ethernet source address.
	HW net.HardwareAddr
	// Family is FamilyIPv4 or FamilyIPv6 when a protocol address was
	// announced, FamilyMAC otherwise.
	Family Family
	// Addr is the announced protocol address; only valid when Family is
	// FamilyIPv4 or FamilyIPv6.
	Addr netip.Addr
	// Flags to attach to the learned address (FlagRouter for RAs).
	Flags int
}

// Flow is the state-table view of a packet: a (family, proto, endpoints)
// tuple. For ICMP echo the identifier takes the destination port slot and
// the source port is zero.
type Flow struct {
	Family  Family
	Proto   layers.IPProtocol
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Reverse returns the flow with source and destination endpoints swapped.
// For ICMP echo only the addresses swap; the identifier stays in the
// destination slot, matching how echo replies are recognized.
func (f Flow) Reverse() Flow {
	r := Flow{
		Family:  f.Family,
		Proto:   f.Proto,
		SrcIP:   f.DstIP,
		DstIP:   f.SrcIP,
		SrcPort: f.DstPort,
		DstPort: f.SrcPort,
	}
	if f.Proto == layers.IPProtocolICMPv4 {
		r.SrcPort = f.SrcPort
		r.DstPort = f.DstPort
	}
	return r
}

// EtherType reads the EtherType field of the frame in buf.
func EtherType(buf []byte) (layers.EthernetType, error) {
	if len(buf) < EthernetHeaderLen {
		return 0, ErrTruncated
	}
	return layers.EthernetType(uint16(buf[12])<<8 | uint16(buf[13])), nil
}

// SrcMACSlot returns the byte range of the Ethernet source address.
func SrcMACSlot(buf []byte) []byte {
	return buf[6:12]
}

// DstMACSlot returns the byte range of the Ethernet destination address.
func DstMACSlot(buf []byte) []byte {
	return buf[0:6]
}

// Parser decodes Ethernet frames. It reuses its layer buffers between
// calls and is therefore not safe for concurrent use; every receive loop
// owns one Parser.
type Parser struct {
	eth   layers.Ethernet
	arp   layers.ARP
	ip4   layers.IPv4
	ip6   layers.IPv6
	icmp4 layers.ICMPv4
	icmp6 layers.ICMPv6
	tcp   layers.TCP
	udp   layers.UDP
	pay   gopacket.Payload

	dlp     *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewParser creates a Parser for the layers the bridge cares about.
func NewParser() *Parser {
	p := &Parser{}
	p.dlp = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.arp, &p.ip4, &p.ip6, &p.icmp4, &p.icmp6, &p.tcp, &p.udp, &p.pay)
	// Frames regularly carry protocols outside the registered set; the
	// decoded prefix is still usable.
	p.dlp.IgnoreUnsupported = true
	p.decoded = make([]gopacket.LayerType, 0, 8)
	return p
}

// decode runs the layer parser over buf. The returned slice lists the
// successfully decoded layer types in order; a decoding error mid-packet
// leaves the prefix intact.
func (p *Parser) decode(buf []byte) []gopacket.LayerType {
	// Decode errors after Ethernet still leave a usable prefix, so the
	// error itself is not interesting here.
	_ = p.dlp.DecodeLayers(buf, &p.decoded)
	return p.decoded
}

// has reports whether typ is among the decoded layers.
func has(decoded []gopacket.LayerType, typ gopacket.LayerType) bool {
	for _, t := range decoded {
		if t == typ {
			return true
		}
	}
	return false
}

// Source extracts the frame's source addresses for the learning table.
//
// ARP requests and replies (Ethernet/IPv4 only) yield the sender's IPv4
// address; ICMPv6 router/neighbor discovery yields the IPv6 source, with
// FlagRouter attached to router advertisements. Every other frame yields
// the bare MAC.
func (p *Parser) Source(buf []byte) (Source, error) {
	if len(buf) < EthernetHeaderLen {
		return Source{}, ErrTruncated
	}

	decoded := p.decode(buf)
	if !has(decoded, layers.LayerTypeEthernet) {
		return Source{}, ErrTruncated
	}

	src := Source{
		HW:     append(net.HardwareAddr(nil), p.eth.SrcMAC...),
		Family: FamilyMAC,
	}

	switch {
	case has(decoded, layers.LayerTypeARP):
		if p.arp.AddrType != layers.LinkTypeEthernet ||
			p.arp.Protocol != layers.EthernetTypeIPv4 ||
			(p.arp.Operation != layers.ARPRequest && p.arp.Operation != layers.ARPReply) {
			break
		}
		addr, ok := netip.AddrFromSlice(p.arp.SourceProtAddress)
		if !ok || !addr.Is4() {
			break
		}
		src.Family = FamilyIPv4
		src.Addr = addr

	case has(decoded, layers.LayerTypeIPv6) && has(decoded, layers.LayerTypeICMPv6):
		switch p.icmp6.TypeCode.Type() {
		case layers.ICMPv6TypeRouterAdvertisement:
			src.Flags |= FlagRouter
			fallthrough
		case layers.ICMPv6TypeRouterSolicitation,
			layers.ICMPv6TypeNeighborSolicitation,
			layers.ICMPv6TypeNeighborAdvertisement:
			addr, ok := netip.AddrFromSlice(p.ip6.SrcIP)
			if !ok {
				break
			}
			src.Family = FamilyIPv6
			src.Addr = addr
		}
	}

	return src, nil
}

// Flow extracts the state-table 5-tuple of the packet in buf.
//
// IPv4 packets may carry TCP, UDP, or ICMP echo (request when dir is
// Outgoing, reply when Incoming; the echo identifier is stored as the
// destination port). IPv6 packets may carry TCP or UDP only — ICMPv6
// flows are deliberately not tracked. Returns ErrTruncated for frames
// too short or mangled, ErrUnsupported for protocols outside that set.
func (p *Parser) Flow(buf []byte, dir Direction) (Flow, error) {
	if len(buf) < EthernetHeaderLen {
		return Flow{}, ErrTruncated
	}

	decoded := p.decode(buf)

	switch {
	case has(decoded, layers.LayerTypeIPv4):
		return p.ipv4Flow(decoded, dir)
	case has(decoded, layers.LayerTypeIPv6):
		return p.ipv6Flow(decoded)
	}
	return Flow{}, ErrTruncated
}

func (p *Parser) ipv4Flow(decoded []gopacket.LayerType, dir Direction) (Flow, error) {
	srcIP, ok := netip.AddrFromSlice(p.ip4.SrcIP)
	if !ok {
		return Flow{}, ErrTruncated
	}
	dstIP, ok := netip.AddrFromSlice(p.ip4.DstIP)
	if !ok {
		return Flow{}, ErrTruncated
	}

	fl := Flow{
		Family: FamilyIPv4,
		Proto:  p.ip4.Protocol,
		SrcIP:  srcIP,
		DstIP:  dstIP,
	}

	switch p.ip4.Protocol {
	case layers.IPProtocolTCP:
		if !has(decoded, layers.LayerTypeTCP) {
			return Flow{}, ErrTruncated
		}
		fl.SrcPort = uint16(p.tcp.SrcPort)
		fl.DstPort = uint16(p.tcp.DstPort)

	case layers.IPProtocolUDP:
		if !has(decoded, layers.LayerTypeUDP) {
			return Flow{}, ErrTruncated
		}
		fl.SrcPort = uint16(p.udp.SrcPort)
		fl.DstPort = uint16(p.udp.DstPort)

	case layers.IPProtocolICMPv4:
		if !has(decoded, layers.LayerTypeICMPv4) {
			return Flow{}, ErrTruncated
		}
		want := layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0)
		if dir == Outgoing {
			want = layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)
		}
		if p.icmp4.TypeCode != want {
			return Flow{}, ErrUnsupported
		}
		// The echo identifier takes the destination port slot.
		fl.SrcPort = 0
		fl.DstPort = p.icmp4.Id

	default:
		return Flow{}, ErrUnsupported
	}

	return fl, nil
}

func (p *Parser) ipv6Flow(decoded []gopacket.LayerType) (Flow, error) {
	srcIP, ok := netip.AddrFromSlice(p.ip6.SrcIP)
	if !ok {
		return Flow{}, ErrTruncated
	}
	dstIP, ok := netip.AddrFromSlice(p.ip6.DstIP)
	if !ok {
		return Flow{}, ErrTruncated
	}

	fl := Flow{
		Family: FamilyIPv6,
		Proto:  p.ip6.NextHeader,
		SrcIP:  srcIP,
		DstIP:  dstIP,
	}

	// Only UDP and TCP are tracked for IPv6; extension headers are not
	// walked, so anything else in the next-header slot is unsupported.
	switch p.ip6.NextHeader {
	case layers.IPProtocolTCP:
		if !has(decoded, layers.LayerTypeTCP) {
			return Flow{}, ErrTruncated
		}
		fl.SrcPort = uint16(p.tcp.SrcPort)
		fl.DstPort = uint16(p.tcp.DstPort)

	case layers.IPProtocolUDP:
		if !has(decoded, layers.LayerTypeUDP) {
			return Flow{}, ErrTruncated
		}
		fl.SrcPort = uint16(p.udp.SrcPort)
		fl.DstPort = uint16(p.udp.DstPort)

	default:
		return Flow{}, ErrUnsupported
	}

	return fl, nil
}
