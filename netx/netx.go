// Package netx extends the functionality of the net package. It selects
// the TCP congestion control algorithm of a single connection, so that
// the traffic generator can be run with a fixed sender behavior.
package netx

import (
	"errors"
	"net"
)

// ErrNoSupport is returned on platforms without per-socket congestion
// control.
var ErrNoSupport = errors.New("per-socket congestion control not supported")

// SetCongestion sets the congestion control algorithm of tc, e.g. "bbr"
// or "cubic". An empty algorithm leaves the system default in place.
func SetCongestion(tc *net.TCPConn, algorithm string) error {
	if algorithm == "" {
		return nil
	}
	return setCongestion(tc, algorithm)
}

// Congestion returns the congestion control algorithm of tc.
func Congestion(tc *net.TCPConn) (string, error) {
	return congestion(tc)
}
