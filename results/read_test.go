package results

import (
	"reflect"
	"strings"
	"testing"
)

func TestReadColumn(t *testing.T) {
	in := strings.Join([]string{
		"Tor is probably using the right circuit. [Middleman: m] [Exit: e]",
		"Middleman m Exit e Time 1.000000 Throughput(KBps) 10.500000 Goodput(KBps) 9.000000 MiddlemanFP F",
		"",
		"Time 2.000000 Throughput(KBps) 11.000000 Goodput(KBps) 8.250000",
	}, "\r\n")
	tests := []struct {
		column string
		want   []float64
	}{
		{ThroughputColumn, []float64{10.5, 11}},
		{GoodputColumn, []float64{9, 8.25}},
		{"Latency", nil},
	}
	for _, tt := range tests {
		got, err := ReadColumn(strings.NewReader(in), tt.column)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ReadColumn(%q) = %v, want %v", tt.column, got, tt.want)
		}
	}
	if _, err := ReadColumn(strings.NewReader("Time 1 Throughput(KBps) fast"), ThroughputColumn); err == nil {
		t.Error("ReadColumn() accepted a bad value")
	}
}
