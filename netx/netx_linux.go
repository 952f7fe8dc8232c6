package netx

import (
	"net"

	"golang.org/x/sys/unix"
)

func setCongestion(tc *net.TCPConn, algorithm string) error {
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION, algorithm)
	})
	if err != nil {
		return err
	}
	return serr
}

func congestion(tc *net.TCPConn) (string, error) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return "", err
	}
	var (
		algo string
		gerr error
	)
	err = raw.Control(func(fd uintptr) {
		algo, gerr = unix.GetsockoptString(int(fd), unix.IPPROTO_TCP, unix.TCP_CONGESTION)
	})
	if err != nil {
		return "", err
	}
	return algo, gerr
}
