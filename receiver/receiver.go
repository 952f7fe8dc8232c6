// Package receiver samples the goodput of the measured stream: the
// bytes actually delivered to this process.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/m-lab/relay-throughput/counter"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/spec"
	"github.com/m-lab/relay-throughput/tcpinfox"
)

// ErrReceive wraps the error that ended the stream early.
var ErrReceive = errors.New("goodput receive failure")

// Receiver reads from Conn and adds every received byte to Counter.
type Receiver struct {
	Conn    net.Conn
	Counter *counter.Bytes
	// PollInterval bounds each blocking read so that cancellation is
	// observed promptly.
	PollInterval time.Duration

	total int64
}

// New returns a Receiver polling at the default interval.
func New(conn net.Conn, c *counter.Bytes) *Receiver {
	return &Receiver{Conn: conn, Counter: c, PollInterval: spec.ReceivePollInterval}
}

// Run receives until ctx is done, returning nil, or until the stream
// fails or is closed by the peer, returning an error wrapping
// ErrReceive.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, spec.MaxBufferSize)
	for ctx.Err() == nil {
		if err := r.Conn.SetReadDeadline(time.Now().Add(r.PollInterval)); err != nil {
			return fmt.Errorf("%w: %v", ErrReceive, err)
		}
		n, err := r.Conn.Read(buf)
		if n > 0 {
			r.Counter.Add(n)
			r.total += int64(n)
			metrics.ReceivedBytes.Add(float64(n))
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		return fmt.Errorf("%w: %v", ErrReceive, err)
	}
	return nil
}

// Total returns the number of bytes received so far. It must not be
// called concurrently with Run.
func (r *Receiver) Total() int64 {
	return r.total
}

// KernelBytesReceived returns the byte count the kernel reports for the
// receiver's socket, or an error when the connection is not a kernel
// socket or TCP_INFO is unavailable.
func (r *Receiver) KernelBytesReceived() (int64, error) {
	sc, ok := r.Conn.(syscall.Conn)
	if !ok {
		return 0, tcpinfox.ErrNoSupport
	}
	return tcpinfox.BytesReceived(sc)
}
