// Package capture samples the TCP payload bytes sent by the relay
// adjacent to this host, as seen on the wire.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/m-lab/relay-throughput/counter"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/packet"
	"github.com/m-lab/relay-throughput/spec"
)

// Filter returns the BPF expression matching traffic sent from ip:port.
func Filter(ip net.IP, port uint16) string {
	return fmt.Sprintf("host %s and src port %d", ip, port)
}

// Config configures the capture session.
type Config struct {
	// Device is the interface to capture on. Empty selects the first
	// device reported by libpcap.
	Device  string
	Snaplen int32
	// Timeout is the libpcap read timeout. It bounds how long a sampler
	// takes to observe termination.
	Timeout time.Duration
}

// DefaultConfig mirrors the non-promiscuous BUFSIZ capture with a one
// second read timeout.
func DefaultConfig() Config {
	return Config{Snaplen: spec.CaptureSnaplen, Timeout: spec.CaptureTimeout}
}

// Source is a packet source that must be closed after use, such as a
// *pcap.Handle.
type Source interface {
	gopacket.PacketDataSource
	Close()
}

// OpenSource is Open returning a Source.
func OpenSource(cfg Config, filter string) (Source, error) {
	h, err := Open(cfg, filter)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Open starts a non-promiscuous live capture restricted by filter.
func Open(cfg Config, filter string) (*pcap.Handle, error) {
	dev := cfg.Device
	if dev == "" {
		devs, err := pcap.FindAllDevs()
		if err != nil {
			return nil, fmt.Errorf("couldn't find default device: %w", err)
		}
		if len(devs) == 0 {
			return nil, errors.New("couldn't find default device: no devices")
		}
		dev = devs[0].Name
	}
	h, err := pcap.OpenLive(dev, cfg.Snaplen, false, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("couldn't open device %s: %w", dev, err)
	}
	if err := h.SetBPFFilter(filter); err != nil {
		h.Close()
		return nil, fmt.Errorf("couldn't install filter %q: %w", filter, err)
	}
	logging.Logger.WithField("device", dev).Debugf("capture: filter %q", filter)
	return h, nil
}

// Sampler adds the payload length of every captured frame to Counter.
type Sampler struct {
	Counter *counter.Bytes
}

// Run reads frames from src until ctx is done or src is exhausted. The
// caller owns src. Frames whose headers cannot be decoded are dropped.
func (s *Sampler) Run(ctx context.Context, src gopacket.PacketDataSource) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := src.ReadPacketData()
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil:
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, pcap.NextErrorNoMorePackets):
			return nil
		default:
			return fmt.Errorf("capture: %w", err)
		}
		length := ci.Length
		if length == 0 {
			length = len(data)
		}
		p, err := packet.Parse(data, length)
		if err != nil || p.PayloadLength() < 0 {
			metrics.MalformedPackets.Inc()
			continue
		}
		s.Counter.Add(p.PayloadLength())
		metrics.CapturedBytes.Add(float64(p.PayloadLength()))
	}
}
