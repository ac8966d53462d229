package frame

import (
	"errors"

	"github.com/google/gopacket/layers"
)

// NetBIOS name service runs over UDP port 137.
const NetBIOSPort = 137

// nbnsHeaderLen is the fixed NBNS header (DNS-compatible layout).
const nbnsHeaderLen = 12

// encodedNameLen is the first-level encoded length of a NetBIOS name:
// 16 name bytes, each split into two half-octets.
const encodedNameLen = 32

// NetBIOS decoding errors.
var (
	ErrNetBIOSEncoding = errors.New("invalid netbios name encoding")
	ErrNetBIOSShort    = errors.New("netbios packet too short")
)

// nbCharValid reports whether c is a valid half-octet character of the
// NetBIOS first-level encoding ('A'..'P').
func nbCharValid(c byte) bool {
	return c >= 'A' && c <= 'P'
}

// DecodeNetBIOSName decodes a first-level-encoded NetBIOS name. Each
// output byte is assembled from two input characters in the range
// 'A'..'P', one nibble each. The input length must be even.
func DecodeNetBIOSName(src []byte) (string, error) {
	if len(src)%2 != 0 {
		return "", ErrNetBIOSEncoding
	}

	dst := make([]byte, 0, len(src)/2)
	for i := 0; i+1 < len(src); i += 2 {
		if !nbCharValid(src[i]) || !nbCharValid(src[i+1]) {
			return "", ErrNetBIOSEncoding
		}
		dst = append(dst, (src[i]-'A')<<4|(src[i+1]-'A'))
	}

	// The 16th byte is the NetBIOS suffix (service type), and names are
	// space-padded; strip both.
	if len(dst) == 16 {
		dst = dst[:15]
	}
	for len(dst) > 0 && dst[len(dst)-1] == ' ' {
		dst = dst[:len(dst)-1]
	}

	return string(dst), nil
}

// HostName extracts a NetBIOS host name announcement from the frame in
// buf: a UDP datagram touching port 137 whose payload carries a
// decodable first-level-encoded name. Most such datagrams are the
// client's own registration or refresh, so the name is attributed to the
// frame's source.
func (p *Parser) HostName(buf []byte) (string, bool) {
	decoded := p.decode(buf)
	if !has(decoded, layers.LayerTypeUDP) {
		return "", false
	}
	if p.udp.SrcPort != NetBIOSPort && p.udp.DstPort != NetBIOSPort {
		return "", false
	}

	name, err := NetBIOSName(p.udp.Payload)
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

// NetBIOSName extracts the first question/resource name from a NetBIOS
// name service payload (the UDP payload of a port-137 datagram).
//
// The name is expected directly after the 12-byte header as a single
// label of 32 encoded bytes. Compressed or scoped names are not handled;
// they yield an error and the caller simply learns no name.
func NetBIOSName(payload []byte) (string, error) {
	if len(payload) < nbnsHeaderLen+1+encodedNameLen {
		return "", ErrNetBIOSShort
	}

	if payload[nbnsHeaderLen] != encodedNameLen {
		return "", ErrNetBIOSEncoding
	}

	name := payload[nbnsHeaderLen+1 : nbnsHeaderLen+1+encodedNameLen]
	return DecodeNetBIOSName(name)
}
