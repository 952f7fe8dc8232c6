// relay-client downloads from the traffic server through the anonymity
// daemon's default circuit and records the throughput seen from the guard
// next to the goodput seen by the application.
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

	"github.com/apex/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/relay-throughput/capture"
	"github.com/m-lab/relay-throughput/generator"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/measurer"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/platformx"
	"github.com/m-lab/relay-throughput/receiver"
	"github.com/m-lab/relay-throughput/results"
	"github.com/m-lab/relay-throughput/socks"
	"github.com/m-lab/relay-throughput/spec"
)

const usage = `Usage: relay-client [flags] <socks_ip> <socks_port> <server_ip> <server_port>
       <end_host_id> <seed_char> <duration_s> <interval_s> <offset_s>
       <guard_ip> <guard_port>

A duration of 0 measures until the client is interrupted.`

var (
	outputDir      = flag.String("output.dir", ".", "Directory of the client output file")
	socksTimeout   = flag.Duration("socks.timeout", 30*time.Second, "Bound on the SOCKS handshake")
	captureDevice  = flag.String("capture.device", "", "Capture device, default is the first device found")
	captureSnaplen = flag.Int("capture.snaplen", spec.CaptureSnaplen, "Capture snapshot length")
	metricsAddr    = flag.String("metrics.addr", "", "Address of the metrics and pprof server, empty to disable")

	openCapture = capture.OpenSource

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

type config struct {
	Socks       string
	Server      *net.TCPAddr
	EndHostID   uint16
	Seed        byte
	Measurement measurer.Config
	GuardIP     net.IP
	GuardPort   uint16
}

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q is not an IPv4 address", measurer.ErrConfigInvalid, s)
	}
	return ip, nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", measurer.ErrConfigInvalid, s)
	}
	return uint16(v), nil
}

func parseArgs(args []string) (config, error) {
	cfg := config{}
	if len(args) != 11 {
		return cfg, fmt.Errorf("%w: got %d arguments, want 11", measurer.ErrConfigInvalid, len(args))
	}
	var err error
	var ports [4]uint16
	for i, a := range []string{args[1], args[3], args[4], args[10]} {
		if ports[i], err = parseUint16(a); err != nil {
			return cfg, err
		}
	}
	socksIP, err := parseIPv4(args[0])
	if err != nil {
		return cfg, err
	}
	cfg.Socks = net.JoinHostPort(socksIP.String(), strconv.Itoa(int(ports[0])))
	serverIP, err := parseIPv4(args[2])
	if err != nil {
		return cfg, err
	}
	cfg.Server = &net.TCPAddr{IP: serverIP, Port: int(ports[1])}
	cfg.EndHostID = ports[2]
	if args[5] == "" {
		return cfg, fmt.Errorf("%w: empty seed character", measurer.ErrConfigInvalid)
	}
	cfg.Seed = args[5][0]
	var secs [3]time.Duration
	for i := range secs {
		f, err := strconv.ParseFloat(args[6+i], 64)
		if err != nil {
			return cfg, fmt.Errorf("%w: %q is not a number", measurer.ErrConfigInvalid, args[6+i])
		}
		if secs[i], err = measurer.Seconds(f); err != nil {
			return cfg, err
		}
	}
	cfg.Measurement = measurer.Config{Duration: secs[0], Interval: secs[1], Offset: secs[2]}
	if err := cfg.Measurement.Validate(); err != nil {
		return cfg, err
	}
	if cfg.GuardIP, err = parseIPv4(args[9]); err != nil {
		return cfg, err
	}
	cfg.GuardPort = ports[3]
	return cfg, nil
}

// run measures until the configured duration elapses or ctx is done.
func run(ctx context.Context, cfg config, capCfg capture.Config, sleeper measurer.Sleeper) error {
	l := logging.Logger.WithFields(log.Fields{"server": cfg.Server.String(), "end_host_id": cfg.EndHostID})
	sc, err := socks.Dial(cfg.Socks, *socksTimeout)
	if err != nil {
		return err
	}
	defer warnonerror.Close(sc.Conn, "relay-client: cannot close connection")
	if err := sc.Connect(cfg.Server.IP, uint16(cfg.Server.Port)); err != nil {
		return err
	}
	l.Info("Connected to the server")
	if err := generator.WriteEndHostID(sc.Conn, cfg.EndHostID); err != nil {
		return err
	}
	src, err := openCapture(capCfg, capture.Filter(cfg.GuardIP, cfg.GuardPort))
	if err != nil {
		return err
	}
	defer src.Close()

	file, err := results.OpenClientFile(*outputDir, cfg.EndHostID, cfg.Seed)
	if err != nil {
		return err
	}
	defer file.Close()

	session := measurer.NewSession(ctx)
	defer session.Wait()
	sampler := &capture.Sampler{Counter: &session.Throughput}
	if err := session.Go("throughput", func(ctx context.Context) error {
		return sampler.Run(ctx, src)
	}); err != nil {
		return err
	}
	rcv := receiver.New(sc.Conn, &session.Goodput)
	if err := session.Go("goodput", rcv.Run); err != nil {
		return err
	}
	if err := generator.WriteSeed(sc.Conn, cfg.Seed); err != nil {
		return err
	}
	loop := &measurer.Loop{Config: cfg.Measurement, Session: session, Sleeper: sleeper, Rows: file}
	summary, err := loop.Run(session.Context())
	session.Wait()
	if err != nil {
		l.WithError(err).Warn("Some rows could not be written")
	}
	l.WithFields(log.Fields{
		"rows": summary.Rows, "throughput": summary.Throughput, "goodput": summary.Goodput, "file": file.Name(),
	}).Info("Measurement done")
	if ctx.Err() != nil {
		return nil
	}
	return session.Err()
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

	cfg, err := parseArgs(flag.Args())
	rtx.Must(err, "Invalid arguments, see -help")
	capCfg := capture.DefaultConfig()
	capCfg.Device = *captureDevice
	capCfg.Snaplen = int32(*captureSnaplen)

	if *metricsAddr != "" {
		_, err := metrics.ServeAsync(ctx, *metricsAddr)
		rtx.Must(err, "Could not start the metrics server")
	}

	// SIGINT ends the measurement; the rows written so far are kept.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			logging.Logger.Info("Interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()
	sleeper := measurer.NewSignalSleeper(syscall.SIGUSR1)
	defer sleeper.Stop()

	err = run(ctx, cfg, capCfg, sleeper)
	if errors.Is(err, measurer.ErrSamplerStart) {
		logging.Logger.WithError(err).Error("Could not start a sampler")
		os.Exit(2)
	}
	rtx.Must(err, "Measurement failed")
}
