// Package socks implements the subset of SOCKS5 used to open the measured
// stream: the no-authentication method and IPv4 TCP CONNECT.
//
// A CONNECT is split in two halves, WriteConnect and ReadConnectReply, so
// that a caller can attach the stream to a circuit on the control port
// before the daemon answers the request.
package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Protocol constants.
const (
	Version5 = 0x05

	MethodNone         = 0x00
	MethodUnacceptable = 0xFF

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04

	StatusGranted = 0x00
)

// Wire sizes.
const (
	AuthRequestSize = 3
	AuthReplySize   = 2
	ConnRequestSize = 10
	ConnReplySize   = 10
)

var (
	// ErrAuthRejected means the proxy did not accept the no-authentication method.
	ErrAuthRejected = errors.New("socks: authentication method rejected")
	// ErrNotIPv4 is returned for destinations that are not IPv4 addresses.
	ErrNotIPv4 = errors.New("socks: only IPv4 destinations are supported")
	// ErrShortMessage is returned when a message has the wrong length.
	ErrShortMessage = errors.New("socks: short message")
)

// ConnectRejectedError carries the status of a refused CONNECT.
type ConnectRejectedError struct {
	Status byte
}

func (e *ConnectRejectedError) Error() string {
	return fmt.Sprintf("socks: connection error (status = %x): %s", e.Status, StatusText(e.Status))
}

// StatusText describes a CONNECT reply status.
func StatusText(status byte) string {
	switch status {
	case 0x00:
		return "request granted"
	case 0x01:
		return "general failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused by destination host"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported / protocol error"
	case 0x08:
		return "address type not supported"
	default:
		return "unknown status"
	}
}

// AuthRequest is the client greeting with a single method.
type AuthRequest struct {
	Version byte
	Method  byte
}

// Marshal encodes the greeting as ver | nmethods=1 | method.
func (r AuthRequest) Marshal() []byte {
	return []byte{r.Version, 1, r.Method}
}

// AuthReply is the method chosen by the proxy.
type AuthReply struct {
	Version byte
	Method  byte
}

// ParseAuthReply decodes a method selection message.
func ParseAuthReply(b []byte) (AuthReply, error) {
	if len(b) != AuthReplySize {
		return AuthReply{}, ErrShortMessage
	}
	return AuthReply{Version: b[0], Method: b[1]}, nil
}

// ConnRequest is a CONNECT (or other command) request with an IPv4
// destination.
type ConnRequest struct {
	Version  byte
	Command  byte
	AddrType byte
	IP       net.IP
	Port     uint16
}

// Marshal encodes the request: ver | cmd | rsv | atype | ipv4(4) | port(2),
// with the address and port in network byte order.
func (r ConnRequest) Marshal() ([]byte, error) {
	ip4 := r.IP.To4()
	if ip4 == nil || r.AddrType != AddrIPv4 {
		return nil, ErrNotIPv4
	}
	b := make([]byte, ConnRequestSize)
	b[0] = r.Version
	b[1] = r.Command
	b[2] = 0x00
	b[3] = r.AddrType
	copy(b[4:8], ip4)
	binary.BigEndian.PutUint16(b[8:10], r.Port)
	return b, nil
}

// ConnReply is the proxy's answer to a request.
type ConnReply struct {
	Version  byte
	Status   byte
	AddrType byte
	IP       net.IP
	Port     uint16
}

// ParseConnReply decodes a 10-byte IPv4 reply. A reply with another
// address type is decoded as far as the status.
func ParseConnReply(b []byte) (ConnReply, error) {
	if len(b) < 4 {
		return ConnReply{}, ErrShortMessage
	}
	r := ConnReply{Version: b[0], Status: b[1], AddrType: b[3]}
	if len(b) >= ConnReplySize && r.AddrType == AddrIPv4 {
		r.IP = net.IPv4(b[4], b[5], b[6], b[7]).To4()
		r.Port = binary.BigEndian.Uint16(b[8:10])
	}
	return r, nil
}

// Client speaks SOCKS5 on an established connection to the proxy.
type Client struct {
	Conn net.Conn
	// Timeout bounds every handshake read. Zero means no deadline.
	Timeout time.Duration
}

func (c *Client) readFull(b []byte) error {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return err
		}
		defer c.Conn.SetReadDeadline(time.Time{})
	}
	_, err := io.ReadFull(c.Conn, b)
	return err
}

// Authenticate offers the no-authentication method.
func (c *Client) Authenticate() error {
	req := AuthRequest{Version: Version5, Method: MethodNone}
	if _, err := c.Conn.Write(req.Marshal()); err != nil {
		return fmt.Errorf("socks: sending authentication method request: %w", err)
	}
	b := make([]byte, AuthReplySize)
	if err := c.readFull(b); err != nil {
		return fmt.Errorf("socks: receiving authentication method response: %w", err)
	}
	reply, err := ParseAuthReply(b)
	if err != nil {
		return err
	}
	if reply.Method == MethodUnacceptable {
		return ErrAuthRejected
	}
	return nil
}

// WriteConnect sends a CONNECT request for ip:port without waiting for
// the reply.
func (c *Client) WriteConnect(ip net.IP, port uint16) error {
	req := ConnRequest{
		Version:  Version5,
		Command:  CmdConnect,
		AddrType: AddrIPv4,
		IP:       ip,
		Port:     port,
	}
	b, err := req.Marshal()
	if err != nil {
		return err
	}
	if _, err := c.Conn.Write(b); err != nil {
		return fmt.Errorf("socks: sending connection request: %w", err)
	}
	return nil
}

// ReadConnectReply reads the CONNECT reply. A status other than granted
// is returned as a *ConnectRejectedError.
func (c *Client) ReadConnectReply() (ConnReply, error) {
	b := make([]byte, ConnReplySize)
	if err := c.readFull(b); err != nil {
		return ConnReply{}, fmt.Errorf("socks: receiving connection response: %w", err)
	}
	reply, err := ParseConnReply(b)
	if err != nil {
		return reply, err
	}
	if reply.Status != StatusGranted {
		return reply, &ConnectRejectedError{Status: reply.Status}
	}
	return reply, nil
}

// Connect runs the whole handshake: authentication, request and reply.
func (c *Client) Connect(ip net.IP, port uint16) error {
	if err := c.Authenticate(); err != nil {
		return err
	}
	if err := c.WriteConnect(ip, port); err != nil {
		return err
	}
	_, err := c.ReadConnectReply()
	return err
}

// Dial connects to the proxy at proxyAddr and returns a Client on it.
func Dial(proxyAddr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp4", proxyAddr, timeout)
	if err != nil {
		return nil, fmt.Errorf("socks: cannot connect to SOCKS server: %w", err)
	}
	return &Client{Conn: conn, Timeout: timeout}, nil
}
