package measurer

import (
	"context"
	"errors"
	"time"

	"github.com/m-lab/relay-throughput/logging"
	"github.com/m-lab/relay-throughput/metrics"
)

// Row is one per-interval measurement. Rates are in KBps.
type Row struct {
	// Time is the elapsed measurement time plus the configured offset.
	Time       time.Duration
	Throughput float64
	Goodput    float64
}

// Summary holds the mean rates of all the emitted rows.
type Summary struct {
	Time       time.Duration
	Throughput float64
	Goodput    float64
	Rows       int
}

// RowWriter receives rows as they are produced.
type RowWriter interface {
	WriteRow(Row) error
}

// Loop samples the counters of a session once per interval.
type Loop struct {
	Config  Config
	Session *Session
	Sleeper Sleeper
	Rows    RowWriter
}

// Run ticks until the configured duration elapses, the session is
// terminated, or ctx is done. It always terminates the session before
// returning and reports the means of the emitted rows. Run does not join
// the samplers; call Session.Wait for that.
//
// Each interval is slept in two parts, the whole seconds and then the
// remaining fraction. If either sleep is interrupted the tick is lost:
// both counters are zeroed, the elapsed time does not advance and no row
// is emitted. Time already spent in the whole-second part of a lost tick
// is not credited, so the wall clock may run ahead of the row times.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	defer l.Session.Terminate()
	if err := l.Config.Validate(); err != nil {
		return Summary{}, err
	}
	logging.Logger.Debug("measurer: loop start")
	defer logging.Logger.Debug("measurer: loop stop")

	cfg := l.Config
	whole := cfg.Interval.Truncate(time.Second)
	frac := cfg.Interval - whole
	seconds := cfg.Interval.Seconds()

	var (
		elapsed  time.Duration
		tpSum    float64
		gpSum    float64
		count    int
		writeErr error
	)
	for !l.Session.Terminated() && ctx.Err() == nil {
		if cfg.Duration > 0 && elapsed >= cfg.Duration {
			break
		}
		err := l.sleep(ctx, whole)
		if err == nil {
			err = l.sleep(ctx, frac)
		}
		if errors.Is(err, ErrInterrupted) {
			l.Session.Throughput.Drain()
			l.Session.Goodput.Drain()
			metrics.LostTicks.Inc()
			continue
		}
		if err != nil {
			break
		}
		elapsed += cfg.Interval
		tp := float64(l.Session.Throughput.Drain()) / seconds / 1024
		gp := float64(l.Session.Goodput.Drain()) / seconds / 1024
		metrics.IntervalRate.WithLabelValues("throughput").Observe(tp)
		metrics.IntervalRate.WithLabelValues("goodput").Observe(gp)
		tpSum += tp
		gpSum += gp
		count++
		if err := l.Rows.WriteRow(Row{Time: elapsed + cfg.Offset, Throughput: tp, Goodput: gp}); err != nil && writeErr == nil {
			writeErr = err
			logging.Logger.WithError(err).Warn("measurer: cannot write row")
		}
	}
	n := count
	if n < 1 {
		n = 1
	}
	return Summary{
		Time:       elapsed + cfg.Offset,
		Throughput: tpSum / float64(n),
		Goodput:    gpSum / float64(n),
		Rows:       count,
	}, writeErr
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return l.Sleeper.Sleep(ctx, d)
}
