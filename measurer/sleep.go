package measurer

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"
)

// ErrInterrupted is returned by a Sleeper that was woken early.
var ErrInterrupted = errors.New("sleep interrupted")

// Sleeper waits for a duration. Implementations return ErrInterrupted
// when the wait ends early for a reason other than ctx.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SignalSleeper is a Sleeper that is interrupted by the delivery of any
// of the given signals.
type SignalSleeper struct {
	c    chan os.Signal
	stop func()
}

// NewSignalSleeper returns a sleeper interrupted by sig. Call Stop to
// release the signal subscription.
func NewSignalSleeper(sig ...os.Signal) *SignalSleeper {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sig...)
	return &SignalSleeper{c: c, stop: func() { signal.Stop(c) }}
}

// Sleep waits for d, for a signal, or for ctx to be done.
func (s *SignalSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-s.c:
		return ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop unsubscribes from the signals.
func (s *SignalSleeper) Stop() {
	s.stop()
}

// TimerSleeper is a Sleeper that is never interrupted.
type TimerSleeper struct{}

// Sleep waits for d or for ctx to be done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
