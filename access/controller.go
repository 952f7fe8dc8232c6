// Package access decides whether the traffic generator may serve one
// more connection.
package access

import (
	"sync/atomic"

	"github.com/m-lab/relay-throughput/metrics"
)

// MaxController controls the total number of connections that may be
// served simultaneously. A zero Max means no limit.
type MaxController struct {
	Max     int64
	Current int64
}

// Admit reserves a slot for a new connection. When ok is true the caller
// must call release once the connection is done. When ok is false the
// connection must be refused.
func (c *MaxController) Admit() (release func(), ok bool) {
	cur := atomic.AddInt64(&c.Current, 1)
	metrics.GeneratorActiveWorkers.Set(float64(cur))
	release = func() {
		cur := atomic.AddInt64(&c.Current, -1)
		metrics.GeneratorActiveWorkers.Set(float64(cur))
	}
	if c.Max > 0 && cur > c.Max {
		release()
		metrics.GeneratorRejected.Inc()
		return nil, false
	}
	return release, true
}
