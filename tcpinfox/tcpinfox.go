// Package tcpinfox reads the kernel TCP_INFO statistics of a socket.
package tcpinfox

import (
	"errors"
	"syscall"

	"github.com/m-lab/tcp-info/tcp"
)

// ErrNoSupport is returned on systems that do not support TCP_INFO.
var ErrNoSupport = errors.New("TCP_INFO not supported")

// GetTCPInfo returns the TCP_INFO of conn. The socket is read in place,
// without duplicating its file descriptor.
func GetTCPInfo(conn syscall.Conn) (*tcp.LinuxTCPInfo, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		info    *tcp.LinuxTCPInfo
		infoErr error
	)
	if err := rc.Control(func(fd uintptr) {
		info, infoErr = getTCPInfo(fd)
	}); err != nil {
		return nil, err
	}
	return info, infoErr
}

// BytesReceived returns the number of bytes the kernel acknowledged as
// received on conn, as reported by tcpi_bytes_received.
func BytesReceived(conn syscall.Conn) (int64, error) {
	info, err := GetTCPInfo(conn)
	if err != nil {
		return 0, err
	}
	return info.BytesReceived, nil
}
