// Package control implements a client for the line-oriented control port
// of the anonymity daemon.
//
// A request is a single command line. Its response is read with repeated
// receives into one buffer until the buffer contains one of the
// terminating markers. The peer is expected to answer commands strictly
// in order, so only one command may be outstanding at a time.
package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/metrics"
	"github.com/m-lab/relay-throughput/spec"
)

var (
	// ErrIO is returned when the control channel cannot be read or written.
	// The orchestrator cannot recover a lost control channel.
	ErrIO = errors.New("control: I/O error")
	// ErrProtocol is returned when a response cannot be interpreted.
	ErrProtocol = errors.New("control: protocol error")
)

// Conn is a control port connection. It is not safe for concurrent use.
type Conn struct {
	conn net.Conn
	// Timeout bounds the wait for a complete response. Zero means no
	// deadline.
	Timeout time.Duration
}

// New wraps an established connection.
func New(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// Dial connects to the control port at addr.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp4", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot connect to control port: %v", ErrIO, err)
	}
	return New(conn), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Send writes one command line without reading the response.
func (c *Conn) Send(cmd string) error {
	logging.Logger.Debugf("control: command: %s", cmd)
	if _, err := io.WriteString(c.conn, cmd+"\n"); err != nil {
		return fmt.Errorf("%w: failed to send command [%s]: %v", ErrIO, cmd, err)
	}
	return nil
}

// Command sends cmd and returns its complete response.
func (c *Conn) Command(cmd string) (string, error) {
	if err := c.Send(cmd); err != nil {
		return "", err
	}
	resp, err := c.Await()
	if err != nil {
		return resp, err
	}
	metrics.ControlCommands.WithLabelValues(verb(cmd), replyStatus(resp)).Inc()
	return resp, nil
}

// Await reads until the accumulated response contains a complete line
// with one of the standard terminators or one of the extra markers, e.g.
// spec.EventStream while a stream notification is expected.
func (c *Conn) Await(extra ...string) (string, error) {
	markers := spec.Terminators
	if len(extra) > 0 {
		markers = append(append([]string{}, spec.Terminators...), extra...)
	}
	if c.Timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrIO, err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}
	var sb strings.Builder
	chunk := make([]byte, spec.MaxBufferSize)
	for {
		n, err := c.conn.Read(chunk)
		sb.Write(chunk[:n])
		if terminated(sb.String(), markers) {
			logging.Logger.Debugf("control: response: %s", sb.String())
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), fmt.Errorf("%w: failed to receive response: %v", ErrIO, err)
		}
	}
}

// Quit ends the control session. The caller still has to Close.
func (c *Conn) Quit() error {
	_, err := c.Command("quit")
	return err
}

// IsOK reports whether resp acknowledges a command with "250 OK".
func IsOK(resp string) bool {
	return strings.Contains(resp, spec.ReplyOK)
}

// terminated reports whether s holds one of markers on a line that has
// already been ended by a newline.
func terminated(s string, markers []string) bool {
	for _, m := range markers {
		i := strings.Index(s, m)
		if i >= 0 && strings.IndexByte(s[i:], '\n') >= 0 {
			return true
		}
	}
	return false
}

func verb(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return strings.ToLower(cmd[:i])
	}
	return strings.ToLower(cmd)
}

// replyStatus returns the status code of the last line of resp.
func replyStatus(resp string) string {
	lines := strings.Split(strings.TrimRight(resp, "\r\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if len(last) >= 3 {
		return last[:3]
	}
	return "unknown"
}
