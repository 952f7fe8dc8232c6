package results

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Column labels of the rate columns of a row.
const (
	ThroughputColumn = "Throughput(KBps)"
	GoodputColumn    = "Goodput(KBps)"
)

// ReadColumn returns the values of the named column from every row of r
// that has it, in order. Diagnostic lines are skipped.
func ReadColumn(r io.Reader, column string) ([]float64, error) {
	var values []float64
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		f := strings.Fields(s.Text())
		for i := 0; i+1 < len(f); i++ {
			if f[i] != column {
				continue
			}
			v, err := strconv.ParseFloat(f[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", n, err)
			}
			values = append(values, v)
			break
		}
	}
	return values, s.Err()
}

// ReadColumnFile is ReadColumn on the file at path.
func ReadColumnFile(path, column string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadColumn(f, column)
}
