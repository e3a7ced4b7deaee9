package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/trafficwatch/speed-daemon/internal/heartbeat"
	"github.com/trafficwatch/speed-daemon/internal/metrics"
	"github.com/trafficwatch/speed-daemon/internal/ticket"
	"github.com/trafficwatch/speed-daemon/internal/wire"
	"github.com/trafficwatch/speed-daemon/internal/world"
)

// sessionState is the per-connection role. Transitions out of
// stateUnidentified are one-way for the life of the connection.
type sessionState int

const (
	stateUnidentified sessionState = iota
	stateCamera
	stateDispatcher
)

// session binds one client socket to the world store and ticketing engine.
// Role state lives on the session, never in a global map.
type session struct {
	id     uint64
	conn   *Conn
	store  *world.Store
	engine *ticket.Engine
	logger *slog.Logger

	// out is the single bounded queue feeding the writer goroutine; the
	// session loop, heartbeat task and ticketing engine all produce into it.
	out      chan wire.ServerFrame
	done     chan struct{}
	doneOnce sync.Once

	state  sessionState
	roads  []uint16 // dispatcher roads, for deregistration
	hbSeen bool
}

func newSession(id uint64, conn *Conn, store *world.Store, engine *ticket.Engine, queueSize int, logger *slog.Logger) *session {
	return &session{
		id:     id,
		conn:   conn,
		store:  store,
		engine: engine,
		logger: logger,
		out:    make(chan wire.ServerFrame, queueSize),
		done:   make(chan struct{}),
	}
}

func (s *session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// run is the session loop: read a frame, apply the state machine, repeat.
// It returns when the peer disconnects, a protocol violation closes the
// connection, or the shutdown context fires.
func (s *session) run(ctxDone <-chan struct{}) {
	writerDone := make(chan struct{})
	go s.writeLoop(ctxDone, writerDone)
	defer func() {
		if s.state == stateDispatcher {
			s.store.RemoveDispatcher(s.id, s.roads)
		}
		s.finish()
		<-writerDone
		_ = s.conn.Close()
	}()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// clean disconnect
			case errors.Is(err, wire.ErrMalformed):
				s.fail("bad frame")
			case errors.Is(err, ErrDirtyEOF):
				metrics.IncError(metrics.ErrTCPRead)
				s.logger.Warn("conn_reset_mid_frame")
			case errors.Is(err, net.ErrClosed):
				// shutdown closed the socket under us
			default:
				metrics.IncError(metrics.ErrTCPRead)
				s.logger.Warn("read_error", "error", err)
			}
			return
		}
		if msg, ok := s.handle(f); !ok {
			s.fail(msg)
			return
		}
		select {
		case <-ctxDone:
			return
		default:
		}
	}
}

// handle applies one frame to the state machine. On a protocol violation it
// returns the Error-frame message and false; the session then closes.
func (s *session) handle(f wire.ClientFrame) (string, bool) {
	switch f := f.(type) {
	case wire.IAmCamera:
		if s.state != stateUnidentified {
			return "already identified", false
		}
		s.state = stateCamera
		s.store.AddCamera(s.id, world.Camera{Road: f.Road, Mile: f.Mile, Limit: f.Limit})
		s.logger.Info("camera_registered", "road", f.Road, "mile", f.Mile, "limit", f.Limit)
	case wire.IAmDispatcher:
		if s.state != stateUnidentified {
			return "already identified", false
		}
		s.state = stateDispatcher
		s.roads = f.Roads
		s.store.AddDispatcher(s.id, f.Roads, s.out)
		s.logger.Info("dispatcher_registered", "roads", len(f.Roads))
		s.engine.DrainRoads(f.Roads, s.out)
	case wire.Plate:
		switch s.state {
		case stateCamera:
			metrics.IncPlateRx()
			if err := s.engine.HandlePlate(s.id, f.Plate, f.Timestamp); err != nil {
				// Missing camera record for an identified camera.
				s.logger.Error("sighting_invariant", "error", err)
				return "internal error", false
			}
		case stateDispatcher:
			return "invalid frame from dispatcher", false
		default:
			return "not identified", false
		}
	case wire.WantHeartbeat:
		if s.hbSeen {
			return "duplicate WantHeartbeat", false
		}
		s.hbSeen = true
		heartbeat.Start(s.done, f.Interval, s.out)
	}
	return "", true
}

// fail enqueues an Error frame; the writer flushes it during its drain pass
// before the socket closes.
func (s *session) fail(msg string) {
	metrics.IncViolation()
	metrics.IncError(metrics.ErrProtocol)
	s.logger.Warn("protocol_violation", "reason", msg)
	select {
	case s.out <- wire.Error{Msg: msg}:
	default:
	}
}

// writeLoop is the single socket writer. Every outbound producer goes
// through s.out, which serializes Error frames, heartbeats and tickets.
// When the session ends it drains whatever is already queued, then exits.
func (s *session) writeLoop(ctxDone <-chan struct{}, writerDone chan<- struct{}) {
	defer close(writerDone)
	for {
		select {
		case f := <-s.out:
			if err := s.conn.WriteFrame(f); err != nil {
				metrics.IncError(metrics.ErrTCPWrite)
				s.logger.Debug("write_error", "error", err)
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			for {
				select {
				case f := <-s.out:
					if err := s.conn.WriteFrame(f); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctxDone:
			return
		}
	}
}
