// Package ticket turns plate sightings into speeding tickets. The engine is
// stateless; all shared state lives in the world store.
package ticket

import (
	"errors"
	"log/slog"

	"github.com/trafficwatch/speed-daemon/internal/logging"
	"github.com/trafficwatch/speed-daemon/internal/metrics"
	"github.com/trafficwatch/speed-daemon/internal/wire"
	"github.com/trafficwatch/speed-daemon/internal/world"
)

const secondsPerDay = 86400

// ErrUnknownCamera is returned when a Plate arrives on a connection that
// has no camera record. The session must close with an Error frame.
var ErrUnknownCamera = errors.New("ticket: no camera record for connection")

// Engine issues tickets against a world store.
type Engine struct {
	store  *world.Store
	logger *slog.Logger
}

// New creates an engine bound to the store.
func New(store *world.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.L()
	}
	return &Engine{store: store, logger: logger}
}

// HandlePlate processes a Plate frame from the camera on connection connID.
// Prior sightings of the plate on the camera's road are compared against the
// new one, in insertion order, before the new sighting is persisted; a
// camera's own report is therefore never paired with itself.
func (e *Engine) HandlePlate(connID uint64, plate string, ts uint32) error {
	cam, ok := e.store.Camera(connID)
	if !ok {
		return ErrUnknownCamera
	}
	for _, prior := range e.store.Sightings(plate, cam.Road) {
		e.checkPair(plate, cam, prior, ts)
	}
	if !e.store.AddSighting(connID, plate, ts) {
		return ErrUnknownCamera
	}
	return nil
}

// checkPair evaluates one (prior, new) sighting pair and emits at most one
// ticket. The limit applied is that of the camera whose connection
// delivered the new sighting; valid deployments configure one limit per
// road, so the choice is not observable.
func (e *Engine) checkPair(plate string, cam world.Camera, prior world.Observation, ts uint32) {
	mile1, ts1 := prior.Mile, prior.Timestamp
	mile2, ts2 := cam.Mile, ts
	if ts1 > ts2 {
		mile1, ts1, mile2, ts2 = mile2, ts2, mile1, ts1
	}
	if ts1 == ts2 {
		// Zero time span; speed is undefined.
		return
	}
	dist := uint64(mile2) - uint64(mile1)
	if mile1 > mile2 {
		dist = uint64(mile1) - uint64(mile2)
	}
	speed := dist * 3600 * 100 / uint64(ts2-ts1)
	if speed <= uint64(cam.Limit)*100 {
		return
	}
	dayLo := ts1 / secondsPerDay
	dayHi := ts2 / secondsPerDay
	if !e.store.MarkTicketedDays(plate, dayLo, dayHi) {
		// Some covered day already has a ticket for this plate.
		return
	}
	if speed > 65535 {
		speed = 65535
	}
	t := wire.Ticket{
		Plate:      plate,
		Road:       cam.Road,
		Mile1:      mile1,
		Timestamp1: ts1,
		Mile2:      mile2,
		Timestamp2: ts2,
		Speed:      uint16(speed),
	}
	metrics.IncTicketIssued()
	e.logger.Info("ticket_issued", "plate", plate, "road", t.Road, "speed", t.Speed, "day_lo", dayLo, "day_hi", dayHi)
	e.dispatch(t)
}

// dispatch hands the ticket to the first dispatcher registered for its road,
// or parks it. The send is non-blocking: a full or abandoned queue must not
// stall the camera session, and a parked ticket is re-delivered on the next
// registration.
func (e *Engine) dispatch(t wire.Ticket) {
	out, ok := e.store.FirstDispatcherFor(t.Road)
	if !ok {
		e.store.Park(t)
		return
	}
	select {
	case out <- t:
		metrics.IncTicketDelivered()
	default:
		e.store.Park(t)
	}
}

// DrainRoads delivers tickets parked for the given roads to out, in the
// order they were parked. Tickets that no longer fit the queue are parked
// again. Called on dispatcher registration.
func (e *Engine) DrainRoads(roads []uint16, out chan<- wire.ServerFrame) {
	for _, road := range roads {
		tickets := e.store.DrainRoad(road)
		for i := 0; i < len(tickets); i++ {
			select {
			case out <- tickets[i]:
				metrics.IncTicketDelivered()
				continue
			default:
			}
			for _, rest := range tickets[i:] {
				e.store.Park(rest)
			}
			break
		}
	}
}
