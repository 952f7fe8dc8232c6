// traffic-server is the far end of a measurement stream. It accepts TCP
// connections, reads the client preamble and then sends filler data,
// either back to back or in bursts separated by gaps drawn from two
// empirical distributions.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/relay-throughput/access"
	"github.com/m-lab/relay-throughput/cdf"
	"github.com/m-lab/relay-throughput/generator"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/measurer"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/platformx"
)

const usage = `Usage: traffic-server [flags] <listen_port> [<burst_cdf_path> <gap_cdf_path>]

With only a port the server sends continuously. With both distributions
it sends bursts of the sampled size in bytes separated by sampled gaps in
seconds.`

var (
	maxWorkers  = flag.Int("generator.max-workers", 0, "Maximum number of concurrent connections, 0 for no limit")
	congestion  = flag.String("generator.congestion", "", "Congestion control algorithm of the streams, e.g. bbr, empty for the system default")
	seed        = flag.Uint64("generator.seed", 0, "Seed of the burst and gap samplers, 0 to seed from the clock")
	procPath    = flag.String("tx.proc", "/proc", "Path of the proc filesystem")
	txDevice    = flag.String("tx.device", "", "Refuse connections while this device transmits above -tx.max-rate")
	txMaxRate   = flag.Uint64("tx.max-rate", 0, "Transmit rate limit in bits per second, 0 for no limit")
	metricsAddr = flag.String("metrics.addr", ":9991", "Address of the metrics and pprof server, empty to disable")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

// parseArgs returns the listen address and the send policy.
func parseArgs(args []string, seed uint64) (string, generator.Policy, error) {
	if len(args) != 1 && len(args) != 3 {
		return "", nil, fmt.Errorf("%w: got %d arguments, want 1 or 3", measurer.ErrConfigInvalid, len(args))
	}
	if _, err := strconv.ParseUint(args[0], 10, 16); err != nil {
		return "", nil, fmt.Errorf("%w: port %q", measurer.ErrConfigInvalid, args[0])
	}
	addr := net.JoinHostPort("", args[0])
	if len(args) == 1 {
		return addr, generator.Continuous{}, nil
	}
	var samplers [2]*cdf.Sampler
	for i, path := range args[1:] {
		t, err := cdf.LoadFile(path)
		if err != nil {
			return "", nil, err
		}
		if samplers[i], err = cdf.NewSampler(t, seed+uint64(i)); err != nil {
			return "", nil, err
		}
	}
	return addr, generator.Bursty{Burst: samplers[0], Gap: samplers[1]}, nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")
	defer cancel()
	platformx.WarnIfNotFullySupported()

	s := *seed
	if s == 0 {
		s = uint64(time.Now().UnixNano())
	}
	addr, policy, err := parseArgs(flag.Args(), s)
	rtx.Must(err, "Invalid arguments, see -help")

	if *metricsAddr != "" {
		_, err := metrics.ServeAsync(ctx, *metricsAddr)
		rtx.Must(err, "Could not start the metrics server")
	}

	srv := &generator.Server{Policy: policy, Congestion: *congestion}
	if *maxWorkers > 0 {
		srv.Max = &access.MaxController{Max: int64(*maxWorkers)}
	}
	if *txDevice != "" {
		tx, err := access.NewTxController(*procPath, *txDevice, *txMaxRate)
		rtx.Must(err, "Could not create the tx controller")
		srv.Tx = tx
		go func() {
			if err := tx.Watch(ctx); err != nil && ctx.Err() == nil {
				logging.Logger.WithError(err).Warn("tx controller stopped")
			}
		}()
	}
	rtx.Must(srv.ListenAndServe(ctx, addr), "Could not start the server")
	logging.Logger.WithField("addr", srv.Addr().String()).Infof("Serving %s traffic", policy.Mode())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case <-sigs:
		cancel()
	case <-ctx.Done():
	}
	srv.Wait()
}
