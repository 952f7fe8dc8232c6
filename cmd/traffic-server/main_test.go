package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/m-lab/go/osx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/relay-throughput/cdf"
	"github.com/m-lab/relay-throughput/generator"
	"github.com/m-lab/relay-throughput/measurer"
)

func writeCDF(t *testing.T, name, content string) string {
	p := filepath.Join(t.TempDir(), name)
	rtx.Must(os.WriteFile(p, []byte(content), 0644), "Could not write %s", name)
	return p
}

func TestParseArgs(t *testing.T) {
	burst := writeCDF(t, "burst.txt", "100 0.5\n200 1\n")
	gap := writeCDF(t, "gap.txt", "0.1 0.2\n0.3 0.9\n")
	bad := writeCDF(t, "bad.txt", "1 0.9\n0 1\n")

	addr, p, err := parseArgs([]string{"8080"}, 1)
	if err != nil || addr != ":8080" {
		t.Fatalf("parseArgs() = %q, %v", addr, err)
	}
	if _, ok := p.(generator.Continuous); !ok {
		t.Errorf("parseArgs() policy = %T, want Continuous", p)
	}
	_, p, err = parseArgs([]string{"8080", burst, gap}, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, ok := p.(generator.Bursty)
	if !ok {
		t.Fatalf("parseArgs() policy = %T, want Bursty", p)
	}
	for i := 0; i < 20; i++ {
		if v := b.Burst.Next(); v < 100 || v > 200 {
			t.Errorf("burst = %v, want [100, 200]", v)
		}
		if v := b.Gap.Next(); v < 0.1 || v > 0.3 {
			t.Errorf("gap = %v, want [0.1, 0.3]", v)
		}
	}

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no-args", nil, measurer.ErrConfigInvalid},
		{"two-args", []string{"8080", burst}, measurer.ErrConfigInvalid},
		{"bad-port", []string{"http"}, measurer.ErrConfigInvalid},
		{"bad-cdf", []string{"8080", bad, gap}, cdf.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := parseArgs(tt.args, 1); !errors.Is(err, tt.want) {
				t.Errorf("parseArgs() = %v, want %v", err, tt.want)
			}
		})
	}
	if _, _, err := parseArgs([]string{"8080", "/does/not/exist", gap}, 1); err == nil {
		t.Error("parseArgs() with a missing file succeeded")
	}
}

func Test_ContextCancelsMain(t *testing.T) {
	for _, ev := range []struct{ key, value string }{
		{"METRICS_ADDR", "127.0.0.1:0"},
		{"GENERATOR_MAX_WORKERS", "2"},
	} {
		t.Cleanup(osx.MustSetenv(ev.key, ev.value))
	}
	args := os.Args
	os.Args = []string{"traffic-server", "0"}
	defer func() { os.Args = args }()

	// Set up the global context for main()
	ctx, cancel = context.WithCancel(context.Background())
	before := runtime.NumGoroutine()

	// Run main, but cancel it very soon after starting.
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	// If this doesn't run forever, then canceling the context causes main to exit.
	main()

	// A sleep has been added here to allow all completed goroutines to exit.
	time.Sleep(100 * time.Millisecond)

	// signal.Notify starts a goroutine of the runtime the first time.
	if after := runtime.NumGoroutine(); after > before+1 {
		t.Errorf("After running NumGoroutines changed: %d to %d", before, after)
	}
}
