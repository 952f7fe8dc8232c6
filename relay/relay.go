// Package relay loads the list of candidate middle relays.
package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/m-lab/relay-throughput/circuit"
)

// MinColumns is the number of whitespace separated columns each line of
// a relay list must have.
const MinColumns = 9

// ErrFormat is returned for lines that cannot be decoded.
var ErrFormat = errors.New("unknown relay list format")

// Relay describes one relay. Only the nickname, address, OR port and
// fingerprint are used by the measurement.
type Relay struct {
	Nickname    string
	IP          net.IP
	ORPort      uint16
	SOCKSPort   uint16
	DirPort     uint16
	Fingerprint string
	Flags       []string
}

// Hop returns the identity used when building and verifying circuits.
func (r Relay) Hop() circuit.Hop {
	return circuit.Hop{Nickname: r.Nickname, Fingerprint: r.Fingerprint}
}

// Addr returns the OR address, i.e. the address traffic from this relay
// is captured from.
func (r Relay) Addr() string {
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(int(r.ORPort)))
}

// Parse decodes a single non-empty line.
func Parse(line string) (Relay, error) {
	f := strings.Fields(line)
	if len(f) < MinColumns {
		return Relay{}, fmt.Errorf("%w: %d columns, want at least %d", ErrFormat, len(f), MinColumns)
	}
	ip := net.ParseIP(f[1]).To4()
	if ip == nil {
		return Relay{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrFormat, f[1])
	}
	var ports [3]uint16
	for i := range ports {
		p, err := strconv.ParseUint(f[2+i], 10, 16)
		if err != nil {
			return Relay{}, fmt.Errorf("%w: bad port %q", ErrFormat, f[2+i])
		}
		ports[i] = uint16(p)
	}
	return Relay{
		Nickname:    f[0],
		IP:          ip,
		ORPort:      ports[0],
		SOCKSPort:   ports[1],
		DirPort:     ports[2],
		Fingerprint: f[5],
		Flags:       f[6:],
	}, nil
}

// Load reads a relay list. Blank lines and CR line endings are
// tolerated; any other malformed line fails the whole list.
func Load(r io.Reader) ([]Relay, error) {
	var relays []Relay
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		rel, err := Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		relays = append(relays, rel)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return relays, nil
}

// LoadFile reads the relay list at path.
func LoadFile(path string) ([]Relay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
