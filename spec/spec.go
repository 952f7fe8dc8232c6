// Package spec contains the constants of the relay measurement protocol:
// the control-port dialogue, the SOCKS endpoint, and the timing of a
// measurement round.
package spec

import "time"

// DefaultSocksAddr is where the anonymity daemon listens for SOCKS5.
const DefaultSocksAddr = "127.0.0.1:9050"

// DefaultControlAddr is where the anonymity daemon listens for control
// port connections.
const DefaultControlAddr = "127.0.0.1:9051"

// MaxBufferSize is the size of every receive and send buffer.
const MaxBufferSize = 4096

// CircuitCreationCount is the number of times the extendcircuit command
// is issued for a middle relay.
const CircuitCreationCount = 1

// CircuitSetupDelay is how long a freshly extended circuit is left to
// settle before it is used.
const CircuitSetupDelay = 10 * time.Second

// SamplerWarmup is the pause between starting the samplers and asking
// the server to start sending.
const SamplerWarmup = 500 * time.Millisecond

// CaptureTimeout is the read timeout of the packet capture session. It
// also bounds how long the throughput sampler takes to notice termination.
const CaptureTimeout = time.Second

// CaptureSnaplen mirrors BUFSIZ, the snapshot length of the capture.
const CaptureSnaplen = 8192

// ReceivePollInterval bounds how long the goodput sampler blocks in a
// single receive before checking the termination flag again.
const ReceivePollInterval = 250 * time.Millisecond

// MinMeasurementInterval is the smallest accepted measurement interval.
// Shorter intervals are coerced to this value.
const MinMeasurementInterval = time.Microsecond

// EndHostID is the identifier the orchestrator announces to the server.
const EndHostID = 1

// SeedChar is the fill character the orchestrator asks the server for.
const SeedChar = 'a'

// BootstrapCommands place the daemon in deterministic-routing mode. Each
// one must be acknowledged with "250 OK".
var BootstrapCommands = []string{
	`authenticate ""`,
	"setconf __DisablePredictedCircuits=1",
	"setconf MaxOnionsPending=0",
	"setconf newcircuitperiod=999999999",
	"setconf maxcircuitdirtiness=999999999",
	"setconf EnforceDistinctSubnets=0",
	"setconf UseEntryGuards=0",
	"setconf __LeaveStreamsUnattached=1",
}

// Reply markers that terminate a control port response.
const (
	ReplyOK            = "250 OK"
	ReplyExtended      = "250 EXTENDED"
	ReplyClosing       = "250 closing connection"
	ReplyUnrecognized  = "510 Unrecognized command"
	ReplyUnmanaged     = "551"
	ReplyNoSuchRouter  = "552 No such router"
	ReplyUnknownCirc   = "552 Unknown circuit"
	EventStream        = "650 STREAM"
	CircuitStatusKey   = "circuit-status="
	PurposeGeneral     = "PURPOSE=GENERAL"
	CircuitStatusBuilt = "BUILT"
)

// Terminators is the set of markers that end a command response.
var Terminators = []string{
	ReplyOK,
	ReplyExtended,
	ReplyClosing,
	ReplyUnrecognized,
	ReplyUnmanaged,
	ReplyNoSuchRouter,
	ReplyUnknownCirc,
}
