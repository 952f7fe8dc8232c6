//go:build !linux

package netx

import (
	"net"
)

func setCongestion(*net.TCPConn, string) error {
	return ErrNoSupport
}

func congestion(*net.TCPConn) (string, error) {
	return "", ErrNoSupport
}
