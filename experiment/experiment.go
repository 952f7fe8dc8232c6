// Package experiment runs the measurement rounds of the orchestrator:
// for every candidate middle relay it builds a circuit, attaches a
// stream to it, measures throughput and goodput, and records the result.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/apex/log"
	guuid "github.com/google/uuid"
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/relay-throughput/capture"
	"github.com/m-lab/relay-throughput/circuit"
	"github.com/m-lab/relay-throughput/control"
	"github.com/m-lab/relay-throughput/generator"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/measurer"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/receiver"
	"github.com/m-lab/relay-throughput/relay"
	"github.com/m-lab/relay-throughput/results"
	"github.com/m-lab/relay-throughput/socks"
	"github.com/m-lab/relay-throughput/spec"
)

// Round outcomes, used as metric labels.
const (
	OutcomeOK            = "ok"
	OutcomeBuildFailed   = "build-failed"
	OutcomeSocksFailed   = "socks-failed"
	OutcomeWronglyRouted = "wrongly-routed"
	OutcomeAttachFailed  = "attach-failed"
	OutcomeGoodputFailed = "goodput-failed"
	OutcomeCaptureFailed = "capture-failed"
	OutcomeFatal         = "fatal"
)

// Config configures an Experiment.
type Config struct {
	// Server is the traffic generator reached through the circuit.
	Server *net.TCPAddr
	Guard  circuit.Hop
	Exit   circuit.Hop

	Measurement measurer.Config
	// SetupDelay is the time a new circuit is left to settle.
	SetupDelay time.Duration
	// Warmup is the time the samplers get before the server is started.
	Warmup time.Duration

	Capture      capture.Config
	SocksAddr    string
	SocksTimeout time.Duration
}

// Experiment drives the rounds. Rounds run one at a time.
type Experiment struct {
	Config       Config
	Orchestrator *circuit.Orchestrator
	Files        *results.Files
	// Sleeper paces the measurement loop.
	Sleeper measurer.Sleeper
	// OpenCapture opens the packet source of a round.
	OpenCapture func(cfg capture.Config, filter string) (capture.Source, error)
	// DialSocks connects to the SOCKS endpoint of the daemon.
	DialSocks func(addr string, timeout time.Duration) (*socks.Client, error)
}

// New returns an Experiment using libpcap and the real SOCKS endpoint.
func New(cfg Config, o *circuit.Orchestrator, files *results.Files, sleeper measurer.Sleeper) *Experiment {
	return &Experiment{
		Config:       cfg,
		Orchestrator: o,
		Files:        files,
		Sleeper:      sleeper,
		OpenCapture:  capture.OpenSource,
		DialSocks:    socks.Dial,
	}
}

// Run measures every relay that is not the exit. Per-round failures are
// recorded and skipped; Run returns early only on fatal errors, i.e. a
// lost control channel, a sampler that cannot be started, or ctx being
// done.
func (e *Experiment) Run(ctx context.Context, relays []relay.Relay) error {
	for i, r := range relays {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Nickname == e.Config.Exit.Nickname {
			logging.Logger.WithFields(log.Fields{"index": i + 1, "middle": r.Nickname, "exit": e.Config.Exit.Nickname}).
				Info("Skipping the middleman node that is also the exit node")
			continue
		}
		outcome, err := e.Round(ctx, r)
		metrics.RoundsTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			return err
		}
	}
	return nil
}

// Round measures one middle relay. It returns the outcome of the round
// and a non-nil error only when the experiment cannot continue.
func (e *Experiment) Round(ctx context.Context, middle relay.Relay) (string, error) {
	l := logging.Logger.WithFields(logging.RoundFields(
		guuid.New().String(), middle.Nickname, middle.Fingerprint, e.Config.Exit.Nickname))
	l.Info("Testing new circuit")
	defer l.Info("Circuit test completed")

	o := e.Orchestrator
	if err := o.TearDown(); err != nil {
		return OutcomeFatal, err
	}
	c, err := o.Extend(e.Config.Guard, middle.Hop(), e.Config.Exit)
	if errors.Is(err, circuit.ErrBuildFailed) {
		return e.skip(l, OutcomeBuildFailed, "Circuit creation error", middle, err)
	}
	if err != nil {
		return OutcomeFatal, err
	}
	l = l.WithField("circuit", c.ID)
	l.Info("Waiting for the circuit to set up completely")
	if err := sleep(ctx, e.Config.SetupDelay); err != nil {
		return OutcomeFatal, err
	}
	outcome, err := e.measure(ctx, l, c, middle)
	if err != nil && !fatal(ctx, err) {
		return e.skip(l, outcome, diagnostic(err), middle, err)
	}
	return outcome, err
}

func (e *Experiment) measure(ctx context.Context, l *log.Entry, c circuit.Circuit, middle relay.Relay) (string, error) {
	o := e.Orchestrator
	sc, err := e.DialSocks(e.Config.SocksAddr, e.Config.SocksTimeout)
	if err != nil {
		return OutcomeSocksFailed, err
	}
	defer warnonerror.Close(sc.Conn, "experiment: cannot close stream")
	if err := sc.Authenticate(); err != nil {
		return OutcomeSocksFailed, err
	}
	server := e.Config.Server
	stream, err := o.AttachStream(c, func() error {
		return sc.WriteConnect(server.IP, uint16(server.Port))
	})
	if err != nil {
		return OutcomeAttachFailed, err
	}
	l.WithField("stream", stream.ID).Info("Attached stream to circuit")
	if _, err := sc.ReadConnectReply(); err != nil {
		return OutcomeSocksFailed, err
	}
	if err := o.Verify(c); err != nil {
		return OutcomeWronglyRouted, err
	}
	e.note(l, "Tor is probably using the right circuit.", middle)

	if err := generator.WriteEndHostID(sc.Conn, spec.EndHostID); err != nil {
		return OutcomeSocksFailed, fmt.Errorf("cannot send end host id: %w", err)
	}
	src, err := e.OpenCapture(e.Config.Capture, capture.Filter(middle.IP, middle.ORPort))
	if err != nil {
		return OutcomeCaptureFailed, err
	}
	defer src.Close()

	session := measurer.NewSession(ctx)
	defer session.Wait()
	sampler := &capture.Sampler{Counter: &session.Throughput}
	if err := session.Go("throughput", func(ctx context.Context) error {
		return sampler.Run(ctx, src)
	}); err != nil {
		return OutcomeFatal, err
	}
	rcv := receiver.New(sc.Conn, &session.Goodput)
	if err := session.Go("goodput", rcv.Run); err != nil {
		return OutcomeFatal, err
	}
	rows := e.Files.Round(middle.Nickname, middle.Fingerprint, e.Config.Exit.Nickname)
	var summary measurer.Summary
	// A failed warmup means the session already terminated; its error is
	// reported below.
	if err := sleep(session.Context(), e.Config.Warmup); err == nil {
		if err := generator.WriteSeed(sc.Conn, spec.SeedChar); err != nil {
			return OutcomeSocksFailed, fmt.Errorf("cannot send client character: %w", err)
		}
		loop := &measurer.Loop{
			Config:  e.Config.Measurement,
			Session: session,
			Sleeper: e.Sleeper,
			Rows:    rows,
		}
		summary, err = loop.Run(session.Context())
		if err != nil {
			l.WithError(err).Warn("Some rows could not be written")
		}
	}
	session.Wait()
	if kernel, kerr := rcv.KernelBytesReceived(); kerr == nil {
		l.WithFields(log.Fields{"app_bytes": rcv.Total(), "kernel_bytes": kernel}).Info("Goodput cross-check")
	}
	if ctx.Err() != nil {
		return OutcomeFatal, ctx.Err()
	}
	if serr := session.Err(); serr != nil {
		if errors.Is(serr, receiver.ErrReceive) {
			return OutcomeGoodputFailed, serr
		}
		return OutcomeCaptureFailed, serr
	}
	if err := rows.WriteSummary(summary); err != nil {
		l.WithError(err).Warn("Cannot write summary")
	}
	return OutcomeOK, nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, control.ErrIO) ||
		errors.Is(err, measurer.ErrSamplerStart)
}

// diagnostic returns the leading text of the row recorded for a skipped
// round.
func diagnostic(err error) string {
	var rejected *socks.ConnectRejectedError
	switch {
	case errors.As(err, &rejected):
		return fmt.Sprintf("SOCKS connection error (status = %x)", rejected.Status)
	case errors.Is(err, circuit.ErrWronglyRouted):
		return "Tor is not using the right circuit"
	case errors.Is(err, circuit.ErrStreamAttach):
		return "Stream attach error"
	case errors.Is(err, receiver.ErrReceive):
		return "Goodput receive failure"
	}
	return fmt.Sprintf("Measurement error (%v)", err)
}

func (e *Experiment) skip(l *log.Entry, outcome, what string, middle relay.Relay, err error) (string, error) {
	l.WithError(err).Warn(what)
	e.note(l, what+". Skipping this circuit.", middle)
	return outcome, nil
}

// note writes msg, followed by the relay names, to both result files.
func (e *Experiment) note(l *log.Entry, msg string, middle relay.Relay) {
	line := fmt.Sprintf("%s [Middleman: %s] [Exit: %s]", msg, middle.Nickname, e.Config.Exit.Nickname)
	if err := e.Files.WriteDiagnostic(line); err != nil {
		l.WithError(err).Warn("Cannot write diagnostic")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	return measurer.TimerSleeper{}.Sleep(ctx, d)
}
