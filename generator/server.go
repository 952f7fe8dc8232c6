// Package generator implements the traffic generating peer: it accepts
// measurement streams, reads the preamble and sends data according to a
// Policy until the client goes away.
package generator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	guuid "github.com/google/uuid"
	"github.com/m-lab/go/warnonerror"
	"github.com/m-lab/uuid"

	"github.com/m-lab/relay-throughput/access"
	"github.com/m-lab/relay-throughput/logging"
)

// Server serves every accepted connection on its own goroutine.
type Server struct {
	Policy Policy
	// Max optionally bounds the number of concurrent connections.
	Max *access.MaxController
	// Tx optionally refuses connections while the host transmits above
	// its limit.
	Tx *access.TxController
	// Congestion is the congestion control algorithm of every connection.
	// Empty keeps the system default.
	Congestion string

	listener *net.TCPListener
	wg       sync.WaitGroup
}

// ListenAndServe starts accepting on addr and returns immediately. The
// server stops when ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln.(*net.TCPListener)
	// Close the listener when the context is canceled, so that
	// cancellation interrupts the Accept() call.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.serve(ctx, &RawListener{TCPListener: s.listener, Congestion: s.Congestion})
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Wait waits for every connection handler to return.
func (s *Server) Wait() {
	s.wg.Wait()
}

const maxAcceptDelay = time.Second

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	var tempDelay time.Duration
	for ctx.Err() == nil {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// Back off on repeated failures, e.g. when out of file descriptors.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > maxAcceptDelay {
				tempDelay = maxAcceptDelay
			}
			logging.Logger.WithError(err).Warnf("generator: failed to accept connection; retrying in %v", tempDelay)
			select {
			case <-ctx.Done():
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logging.Logger.Errorf("generator: recovered from panic: %v", r)
				}
			}()
			s.handle(ctx, conn)
		}()
	}
}

func connID(conn net.Conn) string {
	if tc, ok := conn.(*net.TCPConn); ok {
		if id, err := uuid.FromTCPConn(tc); err == nil {
			return id
		}
	}
	return guuid.New().String()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer warnonerror.Close(conn, "generator: could not close connection")
	l := logging.Logger.WithFields(log.Fields{
		"id":     connID(conn),
		"client": conn.RemoteAddr().String(),
		"mode":   s.Policy.Mode(),
	})
	if s.Max != nil {
		release, ok := s.Max.Admit()
		if !ok {
			l.Warn("generator: too many connections")
			return
		}
		defer release()
	}
	if s.Tx != nil && !s.Tx.Admit() {
		l.Warn("generator: transmit rate above limit")
		return
	}

	// Unblock reads and writes once the server is stopped.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	p, err := ReadPreamble(conn)
	if err != nil {
		l.WithError(err).Warn("generator: bad preamble")
		return
	}
	l = l.WithFields(log.Fields{"end_host_id": p.EndHostID, "seed": string(p.Seed)})
	l.Info("generator: start")
	if err := s.Policy.Send(ctx, conn, FillBuffer(p.Seed)); err != nil && ctx.Err() == nil {
		l.WithError(err).Warn("generator: send failed")
		return
	}
	l.Info("generator: done")
}
