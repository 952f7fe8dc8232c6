package generator

import (
	"net"
	"time"

	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/netx"
)

// RawListener accepts TCP connections and sets the keepalive options on
// them, so that dead connections (e.g. a client host that went away amid
// a measurement) eventually release their worker.
//
// Note: Adapted from net/http package.
type RawListener struct {
	*net.TCPListener
	// Congestion optionally selects the congestion control algorithm of
	// every accepted connection.
	Congestion string
}

// Accept accepts the TCP connection and then sets the connection's options.
func (ln *RawListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	if err := netx.SetCongestion(tc, ln.Congestion); err != nil {
		logging.Logger.WithError(err).Warnf("generator: cannot select %s", ln.Congestion)
	}
	return tc, nil
}
