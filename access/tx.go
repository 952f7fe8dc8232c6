package access

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"

	"github.com/m-lab/relay-throughput/logging"
)

var (
	txDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_access_txcontroller_connections_total",
			Help: "Total number of connections handled by the access txcontroller.",
		},
		[]string{"decision"},
	)
)

// TxController calculates the bits transmitted every period from the
// named device, and refuses connections while the rate exceeds a limit.
type TxController struct {
	period  time.Duration
	device  string
	current uint64
	limit   uint64
	pfs     procfs.FS
}

// NewTxController creates a controller reading procPath (usually
// "/proc") every second. The caller should run Watch in a goroutine to
// update the current rate.
func NewTxController(procPath, device string, rate uint64) (*TxController, error) {
	pfs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, err
	}
	// Read the device once to verify that the device exists.
	if _, err := readNetDevLine(pfs, device); err != nil {
		return nil, err
	}
	return &TxController{
		device: device,
		limit:  rate,
		pfs:    pfs,
		period: time.Second,
	}, nil
}

// Admit reports whether a new connection may be served. With a zero
// limit every connection is admitted.
func (tx *TxController) Admit() bool {
	cur := atomic.LoadUint64(&tx.current)
	if tx.limit > 0 && cur > tx.limit {
		txDecisions.WithLabelValues("rejected").Inc()
		return false
	}
	txDecisions.WithLabelValues("accepted").Inc()
	return true
}

// Watch updates the current rate every period until ctx is done, and
// then returns the context error. With a zero limit Watch returns nil
// immediately.
func (tx *TxController) Watch(ctx context.Context) error {
	if tx.limit == 0 {
		return nil
	}
	t := time.NewTicker(tx.period)
	defer t.Stop()

	v, err := readNetDevLine(tx.pfs, tx.device)
	if err != nil {
		return err
	}
	for prev := v.TxBytes; ; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		v, err := readNetDevLine(tx.pfs, tx.device)
		if err != nil {
			logging.Logger.WithError(err).Warn("access: cannot read net/dev")
			continue
		}
		atomic.StoreUint64(&tx.current, (v.TxBytes-prev)*8)
		prev = v.TxBytes
	}
}

func readNetDevLine(pfs procfs.FS, device string) (procfs.NetDevLine, error) {
	nd, err := pfs.NetDev()
	if err != nil {
		return procfs.NetDevLine{}, err
	}
	v, ok := nd[device]
	if !ok {
		return procfs.NetDevLine{}, fmt.Errorf("given device not found: %q", device)
	}
	return v, nil
}
