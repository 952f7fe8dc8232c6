package generator

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/relay-throughput/cdf"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/metrics"
)

// Policy decides what is sent on a connection once the preamble has
// been read.
type Policy interface {
	// Mode names the policy in metrics and logs.
	Mode() string
	// Send writes buf to conn until the peer goes away or ctx is done.
	// It returns nil when the peer closed the connection.
	Send(ctx context.Context, conn net.Conn, buf []byte) error
}

// errPeerClosed ends a send loop without an error.
var errPeerClosed = errors.New("peer closed the connection")

// classify maps a write error to errPeerClosed when the peer is gone,
// to nil when the write should be retried, and to itself otherwise.
func classify(err error) error {
	switch {
	case errors.Is(err, unix.EINTR):
		logging.Logger.WithError(err).Debug("generator: interrupted write")
		return nil
	case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return errPeerClosed
	}
	return err
}

// Continuous sends full buffers back to back.
type Continuous struct{}

// Mode returns "continuous".
func (Continuous) Mode() string { return "continuous" }

// Send writes buf until the connection closes.
func (c Continuous) Send(ctx context.Context, conn net.Conn, buf []byte) error {
	sent := metrics.GeneratorBytesSent.WithLabelValues(c.Mode())
	for ctx.Err() == nil {
		n, err := conn.Write(buf)
		sent.Add(float64(n))
		if err == nil {
			continue
		}
		switch err = classify(err); err {
		case nil:
			continue
		case errPeerClosed:
			return nil
		default:
			return err
		}
	}
	return nil
}

// Bursty alternates bursts and gaps drawn from two distributions.
type Bursty struct {
	// Burst draws burst sizes in bytes.
	Burst *cdf.Sampler
	// Gap draws the pause after each burst in seconds.
	Gap *cdf.Sampler
}

// Mode returns "bursty".
func (Bursty) Mode() string { return "bursty" }

// Send writes bursts of exactly the drawn size, each followed by the
// drawn gap.
func (b Bursty) Send(ctx context.Context, conn net.Conn, buf []byte) error {
	sent := metrics.GeneratorBytesSent.WithLabelValues(b.Mode())
	for ctx.Err() == nil {
		remaining := int(math.Round(b.Burst.Next()))
		for remaining > 0 {
			chunk := remaining
			if chunk > len(buf) {
				chunk = len(buf)
			}
			n, err := conn.Write(buf[:chunk])
			sent.Add(float64(n))
			remaining -= n
			if err != nil {
				switch err = classify(err); err {
				case nil:
					continue
				case errPeerClosed:
					return nil
				default:
					return err
				}
			}
			if n == 0 {
				return nil
			}
		}
		if err := sleep(ctx, gapDuration(b.Gap.Next())); err != nil {
			return nil
		}
	}
	return nil
}

func gapDuration(seconds float64) time.Duration {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
