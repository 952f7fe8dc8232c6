// relay-throughput measures the per-hop throughput and goodput of middle
// relays. For every relay of the list it builds guard -> middle -> exit,
// downloads from the traffic server through it and records the rates.
package main

import (
	"context"
	"errors"
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
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/relay-throughput/capture"
	"github.com/m-lab/relay-throughput/circuit"
	"github.com/m-lab/relay-throughput/control"
	"github.com/m-lab/relay-throughput/experiment"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/measurer"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/platformx"
	"github.com/m-lab/relay-throughput/relay"
	"github.com/m-lab/relay-throughput/results"
	"github.com/m-lab/relay-throughput/spec"
)

const usage = `Usage: relay-throughput [flags] <server_ip> <server_port> <duration_s>
       <interval_s> <guard_nick> <guard_fp> <exit_nick> <exit_fp> <relay_list_path>

A duration of 0 runs each round until it is interrupted.`

var (
	socksAddr      = flag.String("socks", spec.DefaultSocksAddr, "The SOCKS5 endpoint of the anonymity daemon")
	socksTimeout   = flag.Duration("socks.timeout", 30*time.Second, "Bound on the SOCKS handshake")
	controlAddr    = flag.String("control", spec.DefaultControlAddr, "The control port of the anonymity daemon")
	controlTimeout = flag.Duration("control.timeout", time.Minute, "Bound on each control port response, 0 for none")
	creationCount  = flag.Int("circuit.creation-count", spec.CircuitCreationCount, "Number of extendcircuit attempts per middle relay")
	setupDelay     = flag.Duration("circuit.setup-delay", spec.CircuitSetupDelay, "How long a new circuit is left to settle")
	warmup         = flag.Duration("sampler.warmup", spec.SamplerWarmup, "Pause between starting the samplers and starting the server")
	outputDir      = flag.String("output.dir", "Output", "Directory of the result files")
	captureDevice  = flag.String("capture.device", "", "Capture device, default is the first device found")
	captureSnaplen = flag.Int("capture.snaplen", spec.CaptureSnaplen, "Capture snapshot length")
	metricsAddr    = flag.String("metrics.addr", ":9990", "Address of the metrics and pprof server, empty to disable")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

// parseArgs decodes the positional arguments.
func parseArgs(args []string) (experiment.Config, string, error) {
	cfg := experiment.Config{}
	if len(args) != 9 {
		return cfg, "", fmt.Errorf("%w: got %d arguments, want 9", measurer.ErrConfigInvalid, len(args))
	}
	ip := net.ParseIP(args[0]).To4()
	if ip == nil {
		return cfg, "", fmt.Errorf("%w: server ip %q", measurer.ErrConfigInvalid, args[0])
	}
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return cfg, "", fmt.Errorf("%w: server port %q", measurer.ErrConfigInvalid, args[1])
	}
	cfg.Server = &net.TCPAddr{IP: ip, Port: int(port)}
	var secs [2]time.Duration
	for i := range secs {
		f, err := strconv.ParseFloat(args[2+i], 64)
		if err != nil {
			return cfg, "", fmt.Errorf("%w: %q is not a number", measurer.ErrConfigInvalid, args[2+i])
		}
		if secs[i], err = measurer.Seconds(f); err != nil {
			return cfg, "", err
		}
	}
	cfg.Measurement = measurer.Config{Duration: secs[0], Interval: secs[1]}
	if err := cfg.Measurement.Validate(); err != nil {
		return cfg, "", err
	}
	cfg.Guard = circuit.Hop{Nickname: args[4], Fingerprint: args[5]}
	cfg.Exit = circuit.Hop{Nickname: args[6], Fingerprint: args[7]}
	return cfg, args[8], nil
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

	cfg, listPath, err := parseArgs(flag.Args())
	rtx.Must(err, "Invalid arguments, see -help")
	cfg.SetupDelay = *setupDelay
	cfg.Warmup = *warmup
	cfg.SocksAddr = *socksAddr
	cfg.SocksTimeout = *socksTimeout
	cfg.Capture = capture.DefaultConfig()
	cfg.Capture.Device = *captureDevice
	cfg.Capture.Snaplen = int32(*captureSnaplen)

	relays, err := relay.LoadFile(listPath)
	rtx.Must(err, "Could not load the relay list")

	if *metricsAddr != "" {
		_, err := metrics.ServeAsync(ctx, *metricsAddr)
		rtx.Must(err, "Could not start the metrics server")
	}

	files, err := results.Open(*outputDir)
	rtx.Must(err, "Could not create the result files")
	defer warnonerror.Close(files, "Could not close the result files")

	ctl, err := control.Dial(*controlAddr, *controlTimeout)
	rtx.Must(err, "Could not connect to the control port")
	ctl.Timeout = *controlTimeout
	defer warnonerror.Close(ctl, "Could not close the control connection")

	// SIGINT stops everything at once; rows already written are kept.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			logging.Logger.Info("Interrupted, exiting")
			ctl.Close()
			files.Close()
			os.Exit(0)
		case <-ctx.Done():
		}
	}()
	sleeper := measurer.NewSignalSleeper(syscall.SIGUSR1)
	defer sleeper.Stop()

	o := circuit.New(ctl)
	o.CreationCount = *creationCount
	rtx.Must(o.Bootstrap(), "Could not configure the daemon")

	e := experiment.New(cfg, o, files, sleeper)
	err = e.Run(ctx, relays)
	if qerr := ctl.Quit(); qerr != nil {
		logging.Logger.WithError(qerr).Debug("quit")
	}
	switch {
	case errors.Is(err, measurer.ErrSamplerStart):
		logging.Logger.WithError(err).Error("Could not start a sampler")
		files.Close()
		os.Exit(2)
	case err != nil && ctx.Err() == nil:
		files.Close()
		rtx.Must(err, "Measurement aborted")
	}
	logging.Logger.Info("All circuits tested")
}
