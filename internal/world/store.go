// Package world holds the process-wide model: cameras, dispatchers,
// sightings, plate-days already covered by a ticket, and tickets parked for
// roads with no dispatcher. One store exists per process; every mutation
// goes through its methods under a single mutex. The mutex is never held
// across I/O or channel sends; methods hand out copies or channel values.
package world

import (
	"sync"

	"github.com/trafficwatch/speed-daemon/internal/metrics"
	"github.com/trafficwatch/speed-daemon/internal/wire"
)

// Camera is the immutable identity a camera connection registers.
// Limit is in miles per hour.
type Camera struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

// Observation is one prior sighting of a plate on a road.
type Observation struct {
	Mile      uint16
	Timestamp uint32
}

type sightingKey struct {
	plate string
	road  uint16
}

type plateDay struct {
	plate string
	day   uint32
}

// dispatcherEntry pairs a dispatcher's connection identity with its
// session outbound queue. Entries keep registration order per road.
type dispatcherEntry struct {
	id  uint64
	out chan<- wire.ServerFrame
}

// Store is the shared world model.
type Store struct {
	mu          sync.Mutex
	cameras     map[uint64]Camera
	dispatchers map[uint16][]dispatcherEntry
	sightings   map[sightingKey][]Observation
	ticketed    map[plateDay]struct{}
	parked      map[uint16][]wire.Ticket
}

// New creates an empty store.
func New() *Store {
	return &Store{
		cameras:     make(map[uint64]Camera),
		dispatchers: make(map[uint16][]dispatcherEntry),
		sightings:   make(map[sightingKey][]Observation),
		ticketed:    make(map[plateDay]struct{}),
		parked:      make(map[uint16][]wire.Ticket),
	}
}

// AddCamera registers the camera identity for a connection.
func (s *Store) AddCamera(id uint64, cam Camera) {
	s.mu.Lock()
	s.cameras[id] = cam
	n := len(s.cameras)
	s.mu.Unlock()
	metrics.SetCameras(n)
}

// Camera resolves a connection identity to its registered camera.
func (s *Store) Camera(id uint64) (Camera, bool) {
	s.mu.Lock()
	cam, ok := s.cameras[id]
	s.mu.Unlock()
	return cam, ok
}

// AddDispatcher appends the dispatcher's outbound queue to every listed
// road, in registration order. Roads may repeat; duplicates are harmless.
func (s *Store) AddDispatcher(id uint64, roads []uint16, out chan<- wire.ServerFrame) {
	s.mu.Lock()
	for _, road := range roads {
		s.dispatchers[road] = append(s.dispatchers[road], dispatcherEntry{id: id, out: out})
	}
	s.mu.Unlock()
	metrics.IncDispatchers()
}

// RemoveDispatcher drops a disconnected dispatcher from its roads so later
// tickets are parked instead of sent to a dead queue.
func (s *Store) RemoveDispatcher(id uint64, roads []uint16) {
	s.mu.Lock()
	for _, road := range roads {
		entries := s.dispatchers[road]
		kept := entries[:0]
		for _, e := range entries {
			if e.id != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.dispatchers, road)
		} else {
			s.dispatchers[road] = kept
		}
	}
	s.mu.Unlock()
	metrics.DecDispatchers()
}

// FirstDispatcherFor returns the outbound queue of the earliest-registered
// dispatcher for a road, if any. The caller sends outside the store lock.
func (s *Store) FirstDispatcherFor(road uint16) (chan<- wire.ServerFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.dispatchers[road]
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0].out, true
}

// AddSighting resolves the camera of the given connection and records the
// observation under (plate, road). Returns false when the connection has no
// camera record; that is a session-level invariant violation.
func (s *Store) AddSighting(id uint64, plate string, ts uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cam, ok := s.cameras[id]
	if !ok {
		return false
	}
	k := sightingKey{plate: plate, road: cam.Road}
	s.sightings[k] = append(s.sightings[k], Observation{Mile: cam.Mile, Timestamp: ts})
	return true
}

// Sightings returns a copy of the observations for (plate, road) in
// insertion order.
func (s *Store) Sightings(plate string, road uint16) []Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs := s.sightings[sightingKey{plate: plate, road: road}]
	if len(obs) == 0 {
		return nil
	}
	out := make([]Observation, len(obs))
	copy(out, obs)
	return out
}

// TryMarkTicketed records (day, plate) and reports whether it was newly
// inserted.
func (s *Store) TryMarkTicketed(day uint32, plate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := plateDay{plate: plate, day: day}
	if _, dup := s.ticketed[k]; dup {
		return false
	}
	s.ticketed[k] = struct{}{}
	return true
}

// MarkTicketedDays atomically claims every day in [dayLo, dayHi] for the
// plate. If any day is already claimed nothing is marked and it returns
// false; a ticket spanning those days must not be emitted.
func (s *Store) MarkTicketedDays(plate string, dayLo, dayHi uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for day := dayLo; ; day++ {
		if _, dup := s.ticketed[plateDay{plate: plate, day: day}]; dup {
			return false
		}
		if day == dayHi {
			break
		}
	}
	for day := dayLo; ; day++ {
		s.ticketed[plateDay{plate: plate, day: day}] = struct{}{}
		if day == dayHi {
			break
		}
	}
	return true
}

// Park queues a ticket for a road with no connected dispatcher.
func (s *Store) Park(t wire.Ticket) {
	s.mu.Lock()
	s.parked[t.Road] = append(s.parked[t.Road], t)
	s.mu.Unlock()
	metrics.IncTicketsParked()
}

// DrainRoad removes and returns the parked tickets for a road in the order
// they were parked.
func (s *Store) DrainRoad(road uint16) []wire.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	tickets := s.parked[road]
	if len(tickets) == 0 {
		return nil
	}
	delete(s.parked, road)
	return tickets
}

// CameraCount reports registered cameras; used by the shutdown summary.
func (s *Store) CameraCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cameras)
}

// ParkedCount reports tickets currently awaiting a dispatcher.
func (s *Store) ParkedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ts := range s.parked {
		n += len(ts)
	}
	return n
}
