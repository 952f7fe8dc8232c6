package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/m-lab/relay-throughput/spec"
)

// CircuitEntry is one line of a circuit-status response.
type CircuitEntry struct {
	ID      string
	Status  string
	Path    []string
	Purpose string
	// Line is the original line without the reply prefix.
	Line string
}

// ParseCircuitStatus tokenizes the response to "getinfo circuit-status".
// Both the single-line form (250-circuit-status=...) and the data form
// (250+circuit-status= followed by lines and a lone ".") are accepted.
func ParseCircuitStatus(resp string) []CircuitEntry {
	var entries []CircuitEntry
	for _, line := range splitLines(resp) {
		if i := strings.Index(line, spec.CircuitStatusKey); i >= 0 && strings.HasPrefix(line, "250") {
			line = line[i+len(spec.CircuitStatusKey):]
		}
		if line == "" || line == "." || strings.HasPrefix(line, "250 ") || strings.HasPrefix(line, "650 ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		e := CircuitEntry{ID: fields[0], Status: fields[1], Line: line}
		rest := fields[2:]
		if len(rest) > 0 && !strings.Contains(rest[0], "=") {
			e.Path = strings.Split(rest[0], ",")
			rest = rest[1:]
		}
		for _, kv := range rest {
			if strings.HasPrefix(kv, "PURPOSE=") {
				e.Purpose = strings.TrimPrefix(kv, "PURPOSE=")
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// ParseExtended returns the circuit id of a "250 EXTENDED <id>" reply.
func ParseExtended(resp string) (uint32, error) {
	fields := strings.Fields(resp)
	for i := 0; i+2 < len(fields); i++ {
		if fields[i] == "250" && fields[i+1] == "EXTENDED" {
			id, err := strconv.ParseUint(fields[i+2], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("%w: bad circuit id %q", ErrProtocol, fields[i+2])
			}
			return uint32(id), nil
		}
	}
	return 0, fmt.Errorf("%w: failed to read circuit ID from %q", ErrProtocol, resp)
}

// StreamEvent is an asynchronous "650 STREAM" notification.
type StreamEvent struct {
	StreamID  uint32
	Status    string
	CircuitID uint32
	Target    string
}

// ParseStreamEvent returns the first stream event contained in resp.
func ParseStreamEvent(resp string) (StreamEvent, error) {
	for _, line := range splitLines(resp) {
		if !strings.HasPrefix(line, spec.EventStream) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			return StreamEvent{}, fmt.Errorf("%w: failed to read stream ID from %q", ErrProtocol, line)
		}
		id, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return StreamEvent{}, fmt.Errorf("%w: bad stream id %q", ErrProtocol, fields[2])
		}
		ev := StreamEvent{StreamID: uint32(id), Status: fields[3], Target: fields[5]}
		if circ, err := strconv.ParseUint(fields[4], 10, 32); err == nil {
			ev.CircuitID = uint32(circ)
		}
		return ev, nil
	}
	return StreamEvent{}, fmt.Errorf("%w: no stream event in %q", ErrProtocol, resp)
}

func splitLines(resp string) []string {
	raw := strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' })
	lines := raw[:0]
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
