// Package circuit drives the control port to build, verify and tear down
// the three-hop measurement circuits, and to attach application streams
// to them.
package circuit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"

	"github.com/m-lab/relay-throughput/control"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/spec"
)

var (
	// ErrBuildFailed means no extendcircuit attempt was acknowledged.
	ErrBuildFailed = errors.New("circuit creation error")
	// ErrWronglyRouted means the daemon does not report the expected
	// circuit as built.
	ErrWronglyRouted = errors.New("not the right circuit")
	// ErrStreamAttach means the stream could not be attached.
	ErrStreamAttach = errors.New("stream attach error")
)

// maxEventReads bounds how many responses are read while waiting for the
// stream notification.
const maxEventReads = 16

// Controller is the subset of *control.Conn used by the Orchestrator.
type Controller interface {
	Command(cmd string) (string, error)
	Send(cmd string) error
	Await(extra ...string) (string, error)
}

// Hop identifies a relay by nickname and fingerprint. The daemon may
// report either one in circuit listings.
type Hop struct {
	Nickname    string
	Fingerprint string
}

// Matches reports whether a path token from a circuit listing names h.
// Tokens look like "$FP~nick", "$FP=nick", "$FP" or "nick".
func (h Hop) Matches(token string) bool {
	token = strings.TrimPrefix(token, "$")
	fp := strings.TrimPrefix(h.Fingerprint, "$")
	for _, part := range strings.FieldsFunc(token, func(r rune) bool { return r == '~' || r == '=' }) {
		if part == h.Nickname || (fp != "" && strings.EqualFold(part, fp)) {
			return true
		}
	}
	return false
}

func (h Hop) String() string {
	return h.Nickname
}

// Circuit is a built measurement circuit.
type Circuit struct {
	ID     uint32
	Guard  Hop
	Middle Hop
	Exit   Hop
}

// Stream is an application stream attached to a circuit.
type Stream struct {
	ID        uint32
	CircuitID uint32
}

// Orchestrator issues the control port dialogue. It must be used by a
// single goroutine since responses are strictly serialized.
type Orchestrator struct {
	Control Controller
	// CreationCount is the number of extendcircuit attempts per circuit.
	CreationCount int
}

// New returns an Orchestrator with the default creation count.
func New(c Controller) *Orchestrator {
	return &Orchestrator{Control: c, CreationCount: spec.CircuitCreationCount}
}

// Bootstrap sends the deterministic-routing script. Any command that is
// not acknowledged with "250 OK" is fatal.
func (o *Orchestrator) Bootstrap() error {
	for _, cmd := range spec.BootstrapCommands {
		resp, err := o.Control.Command(cmd)
		if err != nil {
			return err
		}
		if !control.IsOK(resp) {
			return fmt.Errorf("%w: %q rejected: %s", control.ErrProtocol, cmd, strings.TrimSpace(resp))
		}
	}
	return nil
}

// TearDown closes every circuit the daemon currently reports.
func (o *Orchestrator) TearDown() error {
	resp, err := o.Control.Command("getinfo circuit-status")
	if err != nil {
		return err
	}
	for _, e := range control.ParseCircuitStatus(resp) {
		reply, err := o.Control.Command("closecircuit " + e.ID)
		if err != nil {
			return err
		}
		if !control.IsOK(reply) {
			logging.Logger.WithField("circuit", e.ID).Debugf("closecircuit: %s", strings.TrimSpace(reply))
		}
	}
	return nil
}

// Extend builds guard -> middle -> exit. The middle is named by
// fingerprint so that nickname collisions cannot select another relay.
// Control channel failures are returned as is; a build that was never
// acknowledged returns ErrBuildFailed.
func (o *Orchestrator) Extend(guard, middle, exit Hop) (Circuit, error) {
	cmd := fmt.Sprintf("extendcircuit 0 %s,%s,%s", guard.Nickname, middle.Fingerprint, exit.Nickname)
	attempts := o.CreationCount
	if attempts < 1 {
		attempts = 1
	}
	var last string
	failures := 0
	for i := 0; i < attempts; i++ {
		resp, err := o.Control.Command(cmd)
		if err != nil {
			return Circuit{}, err
		}
		if !strings.Contains(resp, spec.ReplyExtended) {
			failures++
			metrics.CircuitExtendFailures.Inc()
			logging.Logger.WithFields(log.Fields{
				"middle": middle.Nickname, "exit": exit.Nickname, "attempt": i + 1,
			}).Warnf("extendcircuit: %s", strings.TrimSpace(resp))
			continue
		}
		last = resp
	}
	if failures == attempts {
		return Circuit{}, fmt.Errorf("%w: %d failed attempts", ErrBuildFailed, failures)
	}
	id, err := control.ParseExtended(last)
	if err != nil {
		return Circuit{}, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	return Circuit{ID: id, Guard: guard, Middle: middle, Exit: exit}, nil
}

// Verify checks that c is reported as a built general-purpose circuit.
// Each hop may be reported by nickname or by fingerprint. A hop list with
// a "." in it belongs to a circuit that is not completely built.
func (o *Orchestrator) Verify(c Circuit) error {
	resp, err := o.Control.Command("getinfo circuit-status")
	if err != nil {
		return err
	}
	for _, e := range control.ParseCircuitStatus(resp) {
		if e.Status != spec.CircuitStatusBuilt || e.Purpose != "GENERAL" || len(e.Path) != 3 {
			continue
		}
		if strings.Contains(strings.Join(e.Path, ","), ".") {
			continue
		}
		if c.Guard.Matches(e.Path[0]) && c.Middle.Matches(e.Path[1]) && c.Exit.Matches(e.Path[2]) {
			return nil
		}
	}
	return fmt.Errorf("%w: [Middleman: %s] [Exit: %s]", ErrWronglyRouted, c.Middle.Nickname, c.Exit.Nickname)
}

// AttachStream attaches the next application stream to c. connect must
// write the SOCKS CONNECT request without reading the reply: the reply
// may only be consumed after this function returns, otherwise the daemon
// could attach the stream to a circuit of its choosing.
func (o *Orchestrator) AttachStream(c Circuit, connect func() error) (Stream, error) {
	resp, err := o.Control.Command("setevents stream")
	if err != nil {
		return Stream{}, err
	}
	if !control.IsOK(resp) {
		return Stream{}, fmt.Errorf("%w: setevents stream: %s", control.ErrProtocol, strings.TrimSpace(resp))
	}
	if err := connect(); err != nil {
		// Quiesce the channel before giving up on the round.
		if _, qerr := o.Control.Command("setevents"); qerr != nil {
			return Stream{}, qerr
		}
		return Stream{}, err
	}
	var ev control.StreamEvent
	for i := 0; ; i++ {
		resp, err = o.Control.Await(spec.EventStream)
		if err != nil {
			return Stream{}, err
		}
		ev, err = control.ParseStreamEvent(resp)
		if err == nil {
			break
		}
		if i+1 == maxEventReads {
			return Stream{}, fmt.Errorf("%w: %v", ErrStreamAttach, err)
		}
	}
	if resp, err = o.Control.Command("setevents"); err != nil {
		return Stream{}, err
	}
	if !control.IsOK(resp) {
		return Stream{}, fmt.Errorf("%w: setevents: %s", control.ErrProtocol, strings.TrimSpace(resp))
	}
	resp, err = o.Control.Command(fmt.Sprintf("attachstream %d %d", ev.StreamID, c.ID))
	if err != nil {
		return Stream{}, err
	}
	if !control.IsOK(resp) {
		return Stream{}, fmt.Errorf("%w: stream %d to circuit %d: %s", ErrStreamAttach, ev.StreamID, c.ID, strings.TrimSpace(resp))
	}
	return Stream{ID: ev.StreamID, CircuitID: c.ID}, nil
}
