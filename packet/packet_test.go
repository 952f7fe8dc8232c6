package packet_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/relay-throughput/packet"
)

func serialize(tcpOptions []layers.TCPOption, payload []byte) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{
		SrcPort: 9001,
		DstPort: 40000,
		ACK:     true,
		Window:  1024,
		Options: tcpOptions,
	}
	rtx.Must(tcp.SetNetworkLayerForChecksum(ip), "Could not set network layer")
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	rtx.Must(gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)), "Could not serialize")
	return buf.Bytes()
}

// rawFrame builds a frame with arbitrary header length fields.
func rawFrame(ihl, dataOffset byte, payload int) []byte {
	ipLen := int(ihl) * 4
	if ipLen < 20 {
		ipLen = 20
	}
	tcpLen := int(dataOffset) * 4
	if tcpLen < 20 {
		tcpLen = 20
	}
	b := make([]byte, packet.EthernetHeaderLength+ipLen+tcpLen+payload)
	b[12], b[13] = 0x08, 0x00
	b[14] = 0x40 | ihl
	b[14+int(ihl)*4+12] = dataOffset << 4
	return b
}

func TestParse_RoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		options    []layers.TCPOption
		payload    []byte
		wantTCPLen int
	}{
		{
			name:       "no-options",
			payload:    bytes.Repeat([]byte("a"), 100),
			wantTCPLen: 20,
		},
		{
			name: "mss-option",
			options: []layers.TCPOption{
				{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			},
			payload:    bytes.Repeat([]byte("b"), 1448),
			wantTCPLen: 24,
		},
		{
			name: "timestamps",
			options: []layers.TCPOption{
				{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
				{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
				{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: make([]byte, 8)},
			},
			payload:    bytes.Repeat([]byte("c"), 512),
			wantTCPLen: 32,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := serialize(tt.options, tt.payload)
			p, err := packet.Parse(frame, len(frame))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if p.IPHeaderLength() != 20 {
				t.Errorf("IPHeaderLength() = %d, want 20", p.IPHeaderLength())
			}
			if p.TCPHeaderLength() != tt.wantTCPLen {
				t.Errorf("TCPHeaderLength() = %d, want %d", p.TCPHeaderLength(), tt.wantTCPLen)
			}
			if p.PayloadOffset()+p.PayloadLength() != p.Length() {
				t.Errorf("offset %d + length %d != total %d", p.PayloadOffset(), p.PayloadLength(), p.Length())
			}
			if p.PayloadLength() != len(tt.payload) {
				t.Errorf("PayloadLength() = %d, want %d", p.PayloadLength(), len(tt.payload))
			}
			if !bytes.Equal(p.Payload(), tt.payload) {
				t.Error("Payload() does not match the serialized payload")
			}
			if p.EtherType() != packet.EtherTypeIPv4 {
				t.Errorf("EtherType() = %#x", p.EtherType())
			}
			if p.SourcePort() != 9001 {
				t.Errorf("SourcePort() = %d", p.SourcePort())
			}
		})
	}
}

func TestParse_CopiesInput(t *testing.T) {
	frame := serialize(nil, []byte("hello world"))
	p, err := packet.Parse(frame, len(frame))
	rtx.Must(err, "Could not parse")
	for i := range frame {
		frame[i] = 0
	}
	if string(p.Payload()) != "hello world" {
		t.Errorf("Payload() = %q after the capture buffer was reused", p.Payload())
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "ihl-4", frame: rawFrame(4, 5, 10)},
		{name: "ihl-0", frame: rawFrame(0, 5, 10)},
		{name: "data-offset-4", frame: rawFrame(5, 4, 10)},
		{name: "too-short-for-ip", frame: make([]byte, 10)},
		{name: "too-short-for-tcp", frame: rawFrame(5, 5, 0)[:30]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := packet.Parse(tt.frame, len(tt.frame))
			if !errors.Is(err, packet.ErrMalformedHeader) {
				t.Errorf("Parse() error = %v, want ErrMalformedHeader", err)
			}
			if p != nil {
				t.Error("Parse() returned a packet for a malformed frame")
			}
		})
	}
}

func TestParse_TruncatedWireLength(t *testing.T) {
	frame := rawFrame(5, 5, 0)
	p, err := packet.Parse(frame, 40)
	rtx.Must(err, "Could not parse")
	if p.PayloadLength() >= 0 {
		t.Errorf("PayloadLength() = %d, want negative", p.PayloadLength())
	}
}

func TestParse_SnaplenTruncation(t *testing.T) {
	frame := serialize(nil, bytes.Repeat([]byte("x"), 3000))
	p, err := packet.Parse(frame[:96], len(frame))
	rtx.Must(err, "Could not parse")
	if p.PayloadLength() != 3000 {
		t.Errorf("PayloadLength() = %d, want 3000", p.PayloadLength())
	}
	if len(p.Payload()) != 96-54 {
		t.Errorf("len(Payload()) = %d, want %d", len(p.Payload()), 96-54)
	}
}
