package measurer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/m-lab/relay-throughput/counter"
	"github.com/m-lab/relay-throughput/logging"
)

// ErrSamplerStart is returned when a sampler cannot be started because
// the session was already joined.
var ErrSamplerStart = errors.New("cannot start sampler")

// Session is the state of one measurement round: the two byte counters,
// the termination flag and the samplers feeding the counters.
type Session struct {
	Throughput counter.Bytes
	Goodput    counter.Bytes

	ctx        context.Context
	cancel     context.CancelFunc
	terminated atomic.Bool
	wg         sync.WaitGroup

	mu     sync.Mutex
	joined bool
	err    error
}

// NewSession returns a session whose samplers are cancelled when ctx
// is done or when the session terminates.
func NewSession(ctx context.Context) *Session {
	s := &Session{}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Context is cancelled on termination.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Terminate sets the termination flag and cancels the samplers. It is
// safe to call more than once and from any goroutine.
func (s *Session) Terminate() {
	s.terminated.Store(true)
	s.cancel()
}

// Terminated reports whether the session was terminated.
func (s *Session) Terminated() bool {
	return s.terminated.Load()
}

// Go runs a sampler in the background. A sampler returning an error
// terminates the session; the first such error is kept for Err.
func (s *Session) Go(name string, sampler func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined {
		return ErrSamplerStart
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logging.Logger.Debugf("measurer: %s: start", name)
		defer logging.Logger.Debugf("measurer: %s: stop", name)
		if err := sampler(s.ctx); err != nil {
			logging.Logger.WithError(err).Warnf("measurer: %s failed", name)
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			s.Terminate()
		}
	}()
	return nil
}

// Wait terminates the session and joins every sampler.
func (s *Session) Wait() {
	s.mu.Lock()
	s.joined = true
	s.mu.Unlock()
	s.Terminate()
	s.wg.Wait()
}

// Err returns the first sampler error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
