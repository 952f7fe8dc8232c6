package generator

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/m-lab/relay-throughput/spec"
)

// PreambleSize is the length of the preamble a client sends before any
// data flows: a 16 bit end host id in network order and a seed character.
const PreambleSize = 3

// Preamble identifies the client and the character to fill the stream
// with.
type Preamble struct {
	EndHostID uint16
	Seed      byte
}

// ReadPreamble reads the two preamble fields from r.
func ReadPreamble(r io.Reader) (Preamble, error) {
	var b [PreambleSize]byte
	if _, err := io.ReadFull(r, b[:2]); err != nil {
		return Preamble{}, fmt.Errorf("cannot read end host id: %w", err)
	}
	if _, err := io.ReadFull(r, b[2:]); err != nil {
		return Preamble{}, fmt.Errorf("cannot read seed character: %w", err)
	}
	return Preamble{EndHostID: binary.BigEndian.Uint16(b[:2]), Seed: b[2]}, nil
}

// WriteEndHostID sends the first preamble field.
func WriteEndHostID(w io.Writer, id uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], id)
	_, err := w.Write(b[:])
	return err
}

// WriteSeed sends the seed character. The server starts sending as soon
// as it is received.
func WriteSeed(w io.Writer, seed byte) error {
	_, err := w.Write([]byte{seed})
	return err
}

// FillBuffer returns a send buffer filled with seed, with a newline at
// every positive multiple of 40.
func FillBuffer(seed byte) []byte {
	buf := make([]byte, spec.MaxBufferSize)
	for i := range buf {
		if i > 0 && i%40 == 0 {
			buf[i] = '\n'
		} else {
			buf[i] = seed
		}
	}
	return buf
}
