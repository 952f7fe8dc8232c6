package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/relay-throughput/counter"
)

func frame(payload int) []byte {
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
	tcp := &layers.TCP{SrcPort: 9001, DstPort: 40000, ACK: true, Window: 1024}
	rtx.Must(tcp.SetNetworkLayerForChecksum(ip), "Could not set network layer")
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	rtx.Must(gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(bytes.Repeat([]byte("a"), payload))), "Could not serialize")
	return buf.Bytes()
}

type read struct {
	data []byte
	wire int
	err  error
}

// fakeSource replays reads and then returns io.EOF.
type fakeSource struct {
	reads  []read
	onRead func()
}

func (f *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if f.onRead != nil {
		f.onRead()
	}
	if len(f.reads) == 0 {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return r.data, gopacket.CaptureInfo{CaptureLength: len(r.data), Length: r.wire}, r.err
}

func TestFilter(t *testing.T) {
	if got := Filter(net.IPv4(10, 1, 2, 3), 9001); got != "host 10.1.2.3 and src port 9001" {
		t.Errorf("Filter() = %q", got)
	}
}

func TestSampler_Run(t *testing.T) {
	big := frame(1000)
	small := frame(100)
	malformed := make([]byte, 60)
	malformed[14] = 0x44 // IHL 4
	src := &fakeSource{reads: []read{
		{data: big, wire: len(big)},
		{err: pcap.NextErrorTimeoutExpired},
		{data: small, wire: len(small)},
		{data: malformed, wire: 60},
		// Snapped at 64 bytes, the wire length still counts.
		{data: big[:64], wire: len(big)},
		// Wire length shorter than the headers.
		{data: small, wire: 40},
	}}
	var c counter.Bytes
	s := &Sampler{Counter: &c}
	if err := s.Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if got := c.Load(); got != 2100 {
		t.Errorf("counted %d bytes, want 2100", got)
	}
}

func TestSampler_RunError(t *testing.T) {
	src := &fakeSource{reads: []read{{err: errors.New("device went away")}}}
	s := &Sampler{Counter: &counter.Bytes{}}
	if err := s.Run(context.Background(), src); err == nil {
		t.Error("Run() succeeded after a read error")
	}
}

func TestSampler_RunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := frame(500)
	src := &fakeSource{}
	// Endless source of timeouts and frames; cancel after a few reads.
	n := 0
	src.onRead = func() {
		n++
		if n == 5 {
			cancel()
		}
		src.reads = append(src.reads, read{data: f, wire: len(f)})
	}
	var c counter.Bytes
	s := &Sampler{Counter: &c}
	done := make(chan error)
	go func() { done <- s.Run(ctx, src) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	// The frame read after cancellation is not counted.
	if got := c.Load(); got != 4*500 {
		t.Errorf("counted %d bytes, want %d", got, 4*500)
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Snaplen != 8192 || c.Timeout != time.Second || c.Device != "" {
		t.Errorf("DefaultConfig() = %+v", c)
	}
}
