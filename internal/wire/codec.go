package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrIncomplete reports that the buffer ends before the current frame does.
// The decoder consumed nothing; retry with more bytes appended.
var ErrIncomplete = errors.New("wire: incomplete frame")

// ErrMalformed reports an unparseable frame (unknown tag, server-only tag
// from a client). The stream is unrecoverable past this point.
var ErrMalformed = errors.New("wire: malformed frame")

// cursor is a read position over an append-only buffer. All getters return
// ErrIncomplete without advancing when the buffer is short.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) u8() (byte, error) {
	if c.pos+1 > len(c.buf) {
		return 0, ErrIncomplete
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if c.pos+2 > len(c.buf) {
		return 0, ErrIncomplete
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if c.pos+4 > len(c.buf) {
		return 0, ErrIncomplete
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

// str reads a u8 length prefix followed by that many opaque bytes.
func (c *cursor) str() (string, error) {
	n, err := c.u8()
	if err != nil {
		return "", err
	}
	if c.pos+int(n) > len(c.buf) {
		return "", ErrIncomplete
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

// Decode parses one client frame from the front of buf and returns it with
// the number of bytes consumed. On ErrIncomplete nothing was consumed and
// the same bytes must be offered again once more arrive. Any other error is
// a protocol violation wrapping ErrMalformed.
func Decode(buf []byte) (ClientFrame, int, error) {
	c := cursor{buf: buf}
	tag, err := c.u8()
	if err != nil {
		return nil, 0, err
	}
	switch tag {
	case TagPlate:
		plate, err := c.str()
		if err != nil {
			return nil, 0, err
		}
		ts, err := c.u32()
		if err != nil {
			return nil, 0, err
		}
		return Plate{Plate: plate, Timestamp: ts}, c.pos, nil
	case TagWantHeartbeat:
		iv, err := c.u32()
		if err != nil {
			return nil, 0, err
		}
		return WantHeartbeat{Interval: iv}, c.pos, nil
	case TagIAmCamera:
		road, err := c.u16()
		if err != nil {
			return nil, 0, err
		}
		mile, err := c.u16()
		if err != nil {
			return nil, 0, err
		}
		limit, err := c.u16()
		if err != nil {
			return nil, 0, err
		}
		return IAmCamera{Road: road, Mile: mile, Limit: limit}, c.pos, nil
	case TagIAmDispatcher:
		n, err := c.u8()
		if err != nil {
			return nil, 0, err
		}
		roads := make([]uint16, 0, n)
		for i := 0; i < int(n); i++ {
			road, err := c.u16()
			if err != nil {
				return nil, 0, err
			}
			roads = append(roads, road)
		}
		return IAmDispatcher{Roads: roads}, c.pos, nil
	default:
		return nil, 0, fmt.Errorf("%w: tag 0x%02X", ErrMalformed, tag)
	}
}

// Encode returns the wire representation of a server frame.
func Encode(f ServerFrame) []byte {
	return f.appendTo(nil)
}

// AppendFrame appends the wire representation of f to b.
func AppendFrame(b []byte, f ServerFrame) []byte {
	return f.appendTo(b)
}

func appendStr(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}

func (f Error) appendTo(b []byte) []byte {
	b = append(b, TagError)
	return appendStr(b, f.Msg)
}

func (f Ticket) appendTo(b []byte) []byte {
	b = append(b, TagTicket)
	b = appendStr(b, f.Plate)
	b = binary.BigEndian.AppendUint16(b, f.Road)
	b = binary.BigEndian.AppendUint16(b, f.Mile1)
	b = binary.BigEndian.AppendUint32(b, f.Timestamp1)
	b = binary.BigEndian.AppendUint16(b, f.Mile2)
	b = binary.BigEndian.AppendUint32(b, f.Timestamp2)
	return binary.BigEndian.AppendUint16(b, f.Speed)
}

func (Heartbeat) appendTo(b []byte) []byte {
	return append(b, TagHeartbeat)
}

// DecodeServer parses one server frame from the front of buf. It mirrors
// Decode and exists for clients and tests reading the daemon's output.
func DecodeServer(buf []byte) (ServerFrame, int, error) {
	c := cursor{buf: buf}
	tag, err := c.u8()
	if err != nil {
		return nil, 0, err
	}
	switch tag {
	case TagError:
		msg, err := c.str()
		if err != nil {
			return nil, 0, err
		}
		return Error{Msg: msg}, c.pos, nil
	case TagHeartbeat:
		return Heartbeat{}, c.pos, nil
	case TagTicket:
		var t Ticket
		if t.Plate, err = c.str(); err != nil {
			return nil, 0, err
		}
		if t.Road, err = c.u16(); err != nil {
			return nil, 0, err
		}
		if t.Mile1, err = c.u16(); err != nil {
			return nil, 0, err
		}
		if t.Timestamp1, err = c.u32(); err != nil {
			return nil, 0, err
		}
		if t.Mile2, err = c.u16(); err != nil {
			return nil, 0, err
		}
		if t.Timestamp2, err = c.u32(); err != nil {
			return nil, 0, err
		}
		if t.Speed, err = c.u16(); err != nil {
			return nil, 0, err
		}
		return t, c.pos, nil
	default:
		return nil, 0, fmt.Errorf("%w: tag 0x%02X", ErrMalformed, tag)
	}
}
