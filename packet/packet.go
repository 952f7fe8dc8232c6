// Package packet decodes the Ethernet, IPv4 and TCP headers of a captured
// frame and exposes the TCP payload.
//
// The decoder reads the headers field by field from the byte buffer. It
// never overlays structs on the buffer, so the result does not depend on
// host endianness or padding.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EthernetHeaderLength is the length of an Ethernet II header.
const EthernetHeaderLength = 14

// minHeaderLength is the minimum length of both the IPv4 and TCP headers.
const minHeaderLength = 20

// ErrMalformedHeader is returned when a header length field is below the
// protocol minimum or when the captured bytes do not contain the headers.
var ErrMalformedHeader = errors.New("malformed header")

// EtherTypeIPv4 is the ethertype of IPv4 frames.
const EtherTypeIPv4 = 0x0800

// Packet is a decoded frame. It owns a private copy of the captured bytes,
// so it remains valid after the capture buffer is reused.
type Packet struct {
	raw       []byte
	length    int
	ipHdrLen  int
	tcpHdrLen int
}

// Parse copies data and decodes its headers. totalLen is the length of the
// frame on the wire, which may exceed len(data) when the capture was
// truncated by the snapshot length.
func Parse(data []byte, totalLen int) (*Packet, error) {
	p := &Packet{
		raw:    append([]byte(nil), data...),
		length: totalLen,
	}
	if len(p.raw) < EthernetHeaderLength+1 {
		return nil, fmt.Errorf("%w: %d bytes cannot hold an IPv4 header", ErrMalformedHeader, len(p.raw))
	}
	p.ipHdrLen = int(p.raw[EthernetHeaderLength]&0x0f) * 4
	if p.ipHdrLen < minHeaderLength {
		return nil, fmt.Errorf("%w: invalid IP header length: %d bytes", ErrMalformedHeader, p.ipHdrLen)
	}
	offOffset := EthernetHeaderLength + p.ipHdrLen + 12
	if len(p.raw) <= offOffset {
		return nil, fmt.Errorf("%w: %d bytes cannot hold a TCP header", ErrMalformedHeader, len(p.raw))
	}
	p.tcpHdrLen = int(p.raw[offOffset]>>4) * 4
	if p.tcpHdrLen < minHeaderLength {
		return nil, fmt.Errorf("%w: invalid TCP header length: %d bytes", ErrMalformedHeader, p.tcpHdrLen)
	}
	return p, nil
}

// Length is the length of the frame on the wire.
func (p *Packet) Length() int { return p.length }

// EthernetHeaderLength is always 14.
func (p *Packet) EthernetHeaderLength() int { return EthernetHeaderLength }

// IPHeaderLength is the IPv4 header length in bytes.
func (p *Packet) IPHeaderLength() int { return p.ipHdrLen }

// TCPHeaderLength is the TCP header length in bytes.
func (p *Packet) TCPHeaderLength() int { return p.tcpHdrLen }

// PayloadOffset is the offset of the TCP payload from the start of the
// frame.
func (p *Packet) PayloadOffset() int {
	return EthernetHeaderLength + p.ipHdrLen + p.tcpHdrLen
}

// PayloadLength is the TCP payload length derived from the wire length.
// It is negative when the wire length is shorter than the headers, in
// which case the packet must be treated as malformed.
func (p *Packet) PayloadLength() int {
	return p.length - p.PayloadOffset()
}

// Payload returns the captured part of the TCP payload. It aliases the
// packet's private copy.
func (p *Packet) Payload() []byte {
	off := p.PayloadOffset()
	if off >= len(p.raw) {
		return nil
	}
	return p.raw[off:]
}

// EtherType returns the ethertype field of the Ethernet header.
func (p *Packet) EtherType() uint16 {
	return binary.BigEndian.Uint16(p.raw[12:14])
}

// SourcePort returns the TCP source port, or 0 when it was not captured.
func (p *Packet) SourcePort() uint16 {
	off := EthernetHeaderLength + p.ipHdrLen
	if len(p.raw) < off+2 {
		return 0
	}
	return binary.BigEndian.Uint16(p.raw[off : off+2])
}
