package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/trafficwatch/speed-daemon/internal/logging"
	"github.com/trafficwatch/speed-daemon/internal/metrics"
	"github.com/trafficwatch/speed-daemon/internal/ticket"
	"github.com/trafficwatch/speed-daemon/internal/world"
)

const (
	// DefaultListenAddr is the protocol's conventional port.
	DefaultListenAddr = ":1222"

	defaultMaxSessions  = 1500
	defaultOutQueueSize = 1024
	defaultReadDeadline = 60 * time.Second

	acceptBackoffInitial = 1 * time.Second
	acceptBackoffMax     = 64 * time.Second
	// 1+2+4+8+16+32+64: once the capped interval has been slept, the next
	// accept failure is fatal.
	acceptBackoffBudget = 127 * time.Second
)

// Server owns the TCP listener and coordinates session lifecycle.
type Server struct {
	mu    sync.RWMutex
	addr  string
	Store *world.Store

	engine       *ticket.Engine
	maxSessions  int64
	outQueueSize int
	readDeadline time.Duration

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	listener   net.Listener
	sem        *semaphore.Weighted
	sessionsMu sync.Mutex
	sessions   map[uint64]*Conn
	wg         sync.WaitGroup
	logger     *slog.Logger

	nextConnID        uint64
	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		maxSessions:  defaultMaxSessions,
		outQueueSize: defaultOutQueueSize,
		readDeadline: defaultReadDeadline,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		sessions:     make(map[uint64]*Conn),
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = DefaultListenAddr
	}
	if s.Store == nil {
		s.Store = world.New()
	}
	s.engine = ticket.New(s.Store, s.logger)
	s.sem = semaphore.NewWeighted(s.maxSessions)
	return s
}

func WithListenAddr(a string) ServerOption   { return func(s *Server) { s.addr = a } }
func WithStore(st *world.Store) ServerOption { return func(s *Server) { s.Store = st } }

func WithMaxSessions(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxSessions = int64(n)
		}
	}
}

func WithOutQueueSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.outQueueSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve binds the listener and accepts sessions until ctx is cancelled or
// the accept backoff budget is exhausted.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = DefaultListenAddr
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeSessions()
	}()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce waits for a session permit, accepts one connection and spawns
// its session. New connections wait for a permit rather than being refused.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return context.Canceled
	}
	conn, err := s.accept(ctx, ln)
	if err != nil {
		s.sem.Release(1)
		return err
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	c := NewConn(conn, s.readDeadline)
	sess := newSession(connID, c, s.Store, s.engine, s.outQueueSize, connLogger)
	s.sessionsMu.Lock()
	s.sessions[connID] = c
	n := len(s.sessions)
	s.sessionsMu.Unlock()
	metrics.SetSessions(n)
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		sess.run(ctx.Done())
		s.sessionsMu.Lock()
		delete(s.sessions, connID)
		n := len(s.sessions)
		s.sessionsMu.Unlock()
		metrics.SetSessions(n)
		s.totalDisconnected.Add(1)
		connLogger.Info("client_disconnected")
	}()
	return nil
}

// accept retries transient accept failures with exponential backoff
// (1s, 2s, 4s, ... capped at 64s) and gives up past the cap.
func (s *Server) accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = acceptBackoffInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = acceptBackoffMax
	bo.MaxElapsedTime = acceptBackoffBudget
	for {
		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, context.Canceled
		default:
		}
		d := bo.NextBackOff()
		if d == backoff.Stop {
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return nil, wrap
		}
		metrics.IncError(metrics.ErrTCPAccept)
		s.logger.Warn("accept_retry", "error", err, "backoff", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, context.Canceled
		}
	}
}

// closeSessions closes every live client socket so blocked reads return.
func (s *Server) closeSessions() {
	s.sessionsMu.Lock()
	for _, c := range s.sessions {
		_ = c.Close()
	}
	s.sessionsMu.Unlock()
}

// Shutdown closes the listener and all sessions, then waits for them to
// drain or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.closeSessions()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		snap := metrics.Snap()
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"cameras", s.Store.CameraCount(),
			"tickets_issued", snap.TicketsIssued,
			"tickets_delivered", snap.TicketsDelivered,
			"tickets_parked", s.Store.ParkedCount(),
			"violations", snap.Violations)
		return nil
	}
}
