// Package results writes measurement rows to the standard output and to
// the result files.
package results

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/measurer"
)

// Names of the files written by the orchestrator.
const (
	DetailedFileName = "all-tp-gp-data.txt"
	SummaryFileName  = "node-tp-gp.txt"
)

// File is a result file. Writes are serialized by the owner.
type File struct {
	// Writer is the writer for rows.
	Writer io.Writer

	// fp is the underlying file.
	fp *os.File
}

// newFile creates (or truncates) name inside dir.
func newFile(dir, name string) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fp, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &File{Writer: fp, fp: fp}, nil
}

// Close flushes and closes the file.
func (f *File) Close() error {
	if err := f.fp.Sync(); err != nil {
		f.fp.Close()
		return err
	}
	return f.fp.Close()
}

// Name returns the path of the file.
func (f *File) Name() string {
	return f.fp.Name()
}

// Files holds the detailed and summary files of the orchestrator. A
// single mutex serializes all writes so that lines never interleave.
type Files struct {
	// Stdout receives a copy of every row.
	Stdout io.Writer

	mu       sync.Mutex
	detailed *File
	summary  *File
}

// Open creates the detailed and summary files in dir.
func Open(dir string) (*Files, error) {
	detailed, err := newFile(dir, DetailedFileName)
	if err != nil {
		logging.Logger.WithError(err).Warn("results: cannot create detailed file")
		return nil, err
	}
	summary, err := newFile(dir, SummaryFileName)
	if err != nil {
		detailed.Close()
		logging.Logger.WithError(err).Warn("results: cannot create summary file")
		return nil, err
	}
	return &Files{Stdout: os.Stdout, detailed: detailed, summary: summary}, nil
}

// Close closes both files. It is safe to call more than once.
func (f *Files) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.detailed != nil {
		err = f.detailed.Close()
		f.detailed = nil
	}
	if f.summary != nil {
		if serr := f.summary.Close(); err == nil {
			err = serr
		}
		f.summary = nil
	}
	return err
}

// WriteDiagnostic writes msg as one line to both files.
func (f *Files) WriteDiagnostic(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(msg+"\n", f.detailed, f.summary)
}

func (f *Files) writeLocked(line string, files ...*File) error {
	var err error
	for _, fp := range files {
		if fp == nil {
			continue
		}
		if _, werr := io.WriteString(fp.Writer, line); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Round returns the row writer of one measurement round.
func (f *Files) Round(middle, middleFP, exit string) *Round {
	return &Round{files: f, middle: middle, middleFP: middleFP, exit: exit}
}

// Round formats the rows of one (middle, exit) pair.
type Round struct {
	files    *Files
	middle   string
	middleFP string
	exit     string
}

func (r *Round) format(t, tp, gp float64) string {
	return fmt.Sprintf("Middleman %s Exit %s Time %f Throughput(KBps) %f Goodput(KBps) %f MiddlemanFP %s\n",
		r.middle, r.exit, t, tp, gp, r.middleFP)
}

// WriteRow writes a per-interval row to stdout and to the detailed file.
func (r *Round) WriteRow(row measurer.Row) error {
	line := r.format(row.Time.Seconds(), row.Throughput, row.Goodput)
	r.files.mu.Lock()
	defer r.files.mu.Unlock()
	echo(r.files.Stdout, line)
	return r.files.writeLocked(line, r.files.detailed)
}

// WriteSummary writes the round means to stdout and to the summary file.
func (r *Round) WriteSummary(s measurer.Summary) error {
	line := r.format(s.Time.Seconds(), s.Throughput, s.Goodput)
	r.files.mu.Lock()
	defer r.files.mu.Unlock()
	echo(r.files.Stdout, line)
	return r.files.writeLocked(line, r.files.summary)
}

// echo copies line to w. A failing copy is logged and the row still goes
// to the file.
func echo(w io.Writer, line string) {
	if w == nil {
		return
	}
	if _, err := io.WriteString(w, line); err != nil {
		logging.Logger.WithError(err).Warn("results: cannot copy row to stdout")
	}
}

// ClientFile is the output file of the client program.
type ClientFile struct {
	// Stdout receives a copy of every row.
	Stdout io.Writer

	mu   sync.Mutex
	file *File
}

// ClientFileName returns the name of the file of a client identified by
// its end host id and seed character.
func ClientFileName(endHostID uint16, seed byte) string {
	return fmt.Sprintf("client-%d-%c.txt", endHostID, seed)
}

// OpenClientFile creates the client output file in dir.
func OpenClientFile(dir string, endHostID uint16, seed byte) (*ClientFile, error) {
	f, err := newFile(dir, ClientFileName(endHostID, seed))
	if err != nil {
		return nil, err
	}
	return &ClientFile{Stdout: os.Stdout, file: f}, nil
}

// WriteRow writes a row to stdout and to the file.
func (c *ClientFile) WriteRow(row measurer.Row) error {
	line := fmt.Sprintf("Time %f Throughput(KBps) %f Goodput(KBps) %f\n", row.Time.Seconds(), row.Throughput, row.Goodput)
	c.mu.Lock()
	defer c.mu.Unlock()
	echo(c.Stdout, line)
	if c.file == nil {
		return nil
	}
	_, err := io.WriteString(c.file.Writer, line)
	return err
}

// Name returns the path of the file.
func (c *ClientFile) Name() string {
	return c.file.Name()
}

// Close closes the file. It is safe to call more than once.
func (c *ClientFile) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		warnonerror.Close(c.file, "results: cannot close client file")
		c.file = nil
	}
}
