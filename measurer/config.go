// Package measurer contains the measurement session shared by the
// samplers and the periodic loop that turns its byte counters into
// throughput and goodput rows.
package measurer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/m-lab/relay-throughput/spec"
)

// ErrConfigInvalid is returned by Config.Validate.
var ErrConfigInvalid = errors.New("invalid measurement configuration")

// Config configures one measurement loop.
type Config struct {
	// Duration is the total measurement time. Zero means unbounded.
	Duration time.Duration
	// Interval is the time between two rows.
	Interval time.Duration
	// Offset is added to the time of every row.
	Offset time.Duration
}

// Validate checks c and coerces an interval shorter than one microsecond
// to exactly one microsecond.
func (c *Config) Validate() error {
	switch {
	case c.Duration < 0:
		return fmt.Errorf("%w: negative duration %v", ErrConfigInvalid, c.Duration)
	case c.Interval < 0:
		return fmt.Errorf("%w: negative interval %v", ErrConfigInvalid, c.Interval)
	case c.Offset < 0:
		return fmt.Errorf("%w: negative offset %v", ErrConfigInvalid, c.Offset)
	}
	if c.Interval < spec.MinMeasurementInterval {
		c.Interval = spec.MinMeasurementInterval
	}
	return nil
}

// Seconds converts a command line value in seconds to a Duration,
// rejecting values that are not finite.
func Seconds(s float64) (time.Duration, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) || math.Abs(s) > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("%w: %v seconds", ErrConfigInvalid, s)
	}
	return time.Duration(s * float64(time.Second)), nil
}
