// Package correlation computes the Pearson correlation coefficient of
// two series, in process or by delegating to an R interpreter.
package correlation

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
	pipe "gopkg.in/m-lab/pipe.v3"

	"github.com/m-lab/relay-throughput/logging"
)

// Sentinel is returned together with an error when the backend fails. It
// lies outside [-1, 1] so it cannot be mistaken for a coefficient.
const Sentinel = -2.0

var (
	// ErrInsufficientData is returned for series shorter than two
	// elements or of different lengths.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrUndefined is returned when a series has zero variance.
	ErrUndefined = errors.New("correlation undefined")
	// ErrBackend is returned when the external backend fails.
	ErrBackend = errors.New("correlation backend failure")
)

// Oracle computes the Pearson correlation of x and y.
type Oracle interface {
	Correlate(x, y []float64) (float64, error)
}

func check(x, y []float64) error {
	if len(x) != len(y) {
		return fmt.Errorf("%w: series of length %d and %d", ErrInsufficientData, len(x), len(y))
	}
	if len(x) < 2 {
		return fmt.Errorf("%w: %d elements, want at least 2", ErrInsufficientData, len(x))
	}
	return nil
}

// Pearson computes the coefficient in process.
type Pearson struct{}

// Correlate implements Oracle.
func (Pearson) Correlate(x, y []float64) (float64, error) {
	if err := check(x, y); err != nil {
		return Sentinel, err
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return Sentinel, ErrUndefined
	}
	// Rounding can push a perfect linear relation just past ±1.
	return math.Max(-1, math.Min(1, r)), nil
}

// RBackend runs "R CMD BATCH" on a generated script and reads the result
// from the output file.
type RBackend struct {
	// Command is the R executable. Empty means "R" from the PATH.
	Command string
	// TempDir holds the script and its output. Empty means os.TempDir().
	TempDir string
}

// Correlate implements Oracle. Any failure of the interpreter returns
// Sentinel and an error wrapping ErrBackend.
func (b RBackend) Correlate(x, y []float64) (float64, error) {
	if err := check(x, y); err != nil {
		return Sentinel, err
	}
	in, err := os.CreateTemp(b.TempDir, "Rtemp.")
	if err != nil {
		return Sentinel, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer os.Remove(in.Name())
	out := in.Name() + ".Rout"
	defer os.Remove(out)

	_, err = fmt.Fprintf(in, "x<-c(%s)\ny<-c(%s)\ncor(x,y)\n", join(x), join(y))
	if cerr := in.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Sentinel, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	cmd := b.Command
	if cmd == "" {
		cmd = "R"
	}
	err = pipe.Run(pipe.Exec(cmd, "CMD", "BATCH", "--no-save", "--no-restore",
		"--quiet", "--slave", "--no-timing", in.Name(), out))
	if err != nil {
		logging.Logger.WithError(err).Warnf("correlation: %s failed on %s", cmd, filepath.Base(in.Name()))
		return Sentinel, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return readResult(out)
}

func join(v []float64) string {
	s := make([]string, len(v))
	for i, f := range v {
		s[i] = strconv.FormatFloat(f, 'f', 6, 64)
	}
	return strings.Join(s, ",")
}

// readResult returns the value of the first "[1] v" line of path.
func readResult(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sentinel, fmt.Errorf("%w: cannot open output file: %v", ErrBackend, err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if !strings.HasPrefix(line, "[1]") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "[1]"))
		if len(fields) == 0 {
			break
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return Sentinel, fmt.Errorf("%w: bad result %q", ErrBackend, fields[0])
		}
		return v, nil
	}
	if err := s.Err(); err != nil {
		return Sentinel, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return Sentinel, fmt.Errorf("%w: incomplete data in output file", ErrBackend)
}
