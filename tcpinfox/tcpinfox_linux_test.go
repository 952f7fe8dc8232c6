package tcpinfox

import (
	"io"
	"net"
	"testing"

	"github.com/m-lab/go/rtx"
)

func TestBytesReceived(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	rtx.Must(err, "cannot listen")
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(make([]byte, 10000))
	}()
	conn, err := net.Dial("tcp4", ln.Addr().String())
	rtx.Must(err, "cannot dial")
	defer conn.Close()
	n, err := io.Copy(io.Discard, conn)
	rtx.Must(err, "cannot read")
	got, err := BytesReceived(conn.(*net.TCPConn))
	rtx.Must(err, "cannot read TCP_INFO")
	// The FIN is not counted as a byte.
	if got != n || n != 10000 {
		t.Errorf("BytesReceived() = %d, read %d", got, n)
	}
}
