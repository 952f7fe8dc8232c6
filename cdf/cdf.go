// Package cdf samples from piecewise-linear empirical cumulative
// distribution functions by inverse transform.
package cdf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/rand"
)

// ErrMalformed is returned for tables that cannot be sampled from.
var ErrMalformed = errors.New("malformed CDF")

// Point is one (x, F(x)) pair.
type Point struct {
	X float64
	Y float64
}

// Table is a CDF given as points ordered by x.
type Table []Point

// Load reads one "x y" pair per line. Blank lines and CR line endings are
// tolerated. If the last probability is below one, a final point
// (last x, 1) is appended.
func Load(r io.Reader) (Table, error) {
	var t Table
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		f := strings.Fields(s.Text())
		if len(f) == 0 {
			continue
		}
		if len(f) != 2 {
			return nil, fmt.Errorf("%w: line %d: %d fields, want 2", ErrMalformed, n, len(f))
		}
		x, err := strconv.ParseFloat(f[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, n, err)
		}
		y, err := strconv.ParseFloat(f[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, n, err)
		}
		t = append(t, Point{X: x, Y: y})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(t) > 0 && t[len(t)-1].Y < 1 {
		t = append(t, Point{X: t[len(t)-1].X, Y: 1})
	}
	return t, t.Validate()
}

// LoadFile reads the table at path.
func LoadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Validate checks that t has at least two points, that both coordinates
// never decrease, that probabilities start at or above zero, and that the
// last one is exactly one.
func (t Table) Validate() error {
	if len(t) < 2 {
		return fmt.Errorf("%w: %d points, want at least 2", ErrMalformed, len(t))
	}
	if t[0].Y < 0 {
		return fmt.Errorf("%w: negative probability %v", ErrMalformed, t[0].Y)
	}
	for i := 1; i < len(t); i++ {
		if t[i].Y < t[i-1].Y || t[i].X < t[i-1].X {
			return fmt.Errorf("%w: point %d decreases", ErrMalformed, i)
		}
	}
	if last := t[len(t)-1].Y; last != 1 {
		return fmt.Errorf("%w: last probability is %v", ErrMalformed, last)
	}
	return nil
}

// Inverse returns the x at which the CDF reaches u. Probabilities below
// the first point map to the first x. At a table probability the table x
// is returned exactly, otherwise the value is interpolated linearly.
// Inverse panics if t has fewer than two points.
func (t Table) Inverse(u float64) float64 {
	if u <= t[0].Y {
		return t[0].X
	}
	if u > 1 {
		u = 1
	}
	for i := 0; i+1 < len(t); i++ {
		lo, hi := t[i], t[i+1]
		if u < lo.Y || u > hi.Y {
			continue
		}
		switch {
		case u == lo.Y || hi.Y == lo.Y:
			return lo.X
		case u == hi.Y:
			return hi.X
		}
		return lo.X + (hi.X-lo.X)/(hi.Y-lo.Y)*(u-lo.Y)
	}
	return t[len(t)-1].X
}

// Sampler draws values distributed according to a table.
type Sampler struct {
	table Table

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a sampler over t seeded with seed.
func NewSampler(t Table, seed uint64) (*Sampler, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{table: t, rng: rand.New(rand.NewSource(seed))}, nil
}

// Next draws u uniformly from [0, 1) and returns Inverse(u).
func (s *Sampler) Next() float64 {
	s.mu.Lock()
	u := s.rng.Float64()
	s.mu.Unlock()
	return s.table.Inverse(u)
}
