// correlate prints the Pearson correlation of one rate column of two
// result files, pairing the rows in order.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/relay-throughput/correlation"
	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/measurer"
	"github.com/m-lab/relay-throughput/results"
)

var (
	backend = flag.String("backend", "gonum", "Correlation backend: gonum or r")
	rPath   = flag.String("r.command", "R", "The R executable used by -backend=r")
	column  = flag.String("column", "throughput", "Column to correlate: throughput or goodput")
)

func oracle(name, command string) (correlation.Oracle, error) {
	switch name {
	case "gonum":
		return correlation.Pearson{}, nil
	case "r":
		return correlation.RBackend{Command: command}, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", measurer.ErrConfigInvalid, name)
}

func columnLabel(name string) (string, error) {
	switch name {
	case "throughput":
		return results.ThroughputColumn, nil
	case "goodput":
		return results.GoodputColumn, nil
	}
	return "", fmt.Errorf("%w: unknown column %q", measurer.ErrConfigInvalid, name)
}

// correlate reads both files and writes the coefficient to w. Series of
// different lengths are truncated to the shorter one.
func correlate(w io.Writer, o correlation.Oracle, label, a, b string) error {
	x, err := results.ReadColumnFile(a, label)
	if err != nil {
		return err
	}
	y, err := results.ReadColumnFile(b, label)
	if err != nil {
		return err
	}
	if len(x) != len(y) {
		n := len(x)
		if len(y) < n {
			n = len(y)
		}
		logging.Logger.Warnf("files have %d and %d rows, using the first %d", len(x), len(y), n)
		x, y = x[:n], y[:n]
	}
	r, err := o.Correlate(x, y)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%f\n", r)
	return err
}

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: correlate [flags] <file-a> <file-b>")
		flag.PrintDefaults()
	}
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	o, err := oracle(*backend, *rPath)
	rtx.Must(err, "Invalid -backend")
	label, err := columnLabel(*column)
	rtx.Must(err, "Invalid -column")
	rtx.Must(correlate(os.Stdout, o, label, flag.Arg(0), flag.Arg(1)), "Could not correlate")
}
