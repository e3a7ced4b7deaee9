package wire

// Frame type tags. One byte, first on the wire.
const (
	TagError         = 0x10
	TagPlate         = 0x20
	TagTicket        = 0x21
	TagWantHeartbeat = 0x40
	TagHeartbeat     = 0x41
	TagIAmCamera     = 0x80
	TagIAmDispatcher = 0x81
)

// ClientFrame is a frame a camera or dispatcher may send.
type ClientFrame interface {
	clientFrame()
}

// ServerFrame is a frame the daemon sends to a client.
type ServerFrame interface {
	appendTo(b []byte) []byte
}

// Plate reports a license-plate observation at the sending camera.
// The plate string is opaque octets, length 0..255.
type Plate struct {
	Plate     string
	Timestamp uint32
}

// WantHeartbeat requests periodic Heartbeat frames.
// Interval is in deci-seconds; 0 disables heartbeats.
type WantHeartbeat struct {
	Interval uint32
}

// IAmCamera identifies the connection as a camera on a road.
// Limit is in miles per hour.
type IAmCamera struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

// IAmDispatcher identifies the connection as a ticket dispatcher
// responsible for the listed roads. An empty list is legal.
type IAmDispatcher struct {
	Roads []uint16
}

func (Plate) clientFrame()         {}
func (WantHeartbeat) clientFrame() {}
func (IAmCamera) clientFrame()     {}
func (IAmDispatcher) clientFrame() {}

// Error carries a short diagnostic; the connection is closed after it.
type Error struct {
	Msg string
}

// Ticket describes a speeding event spanning two sightings on one road.
// Timestamp1 <= Timestamp2; Speed is in hundredths of a mile per hour.
type Ticket struct {
	Plate      string
	Road       uint16
	Mile1      uint16
	Timestamp1 uint32
	Mile2      uint16
	Timestamp2 uint32
	Speed      uint16
}

// Heartbeat is the periodic keepalive; no payload.
type Heartbeat struct{}
