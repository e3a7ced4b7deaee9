package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

// wellFormedClient is a corpus of complete client frames used by the
// decode and incomplete-safety tests.
var wellFormedClient = [][]byte{
	// Plate "UN1X" at t=0
	{0x20, 0x04, 'U', 'N', '1', 'X', 0x00, 0x00, 0x00, 0x00},
	// Plate "" at t=45
	{0x20, 0x00, 0x00, 0x00, 0x00, 0x2D},
	// WantHeartbeat interval=10
	{0x40, 0x00, 0x00, 0x00, 0x0A},
	// IAmCamera road=123 mile=8 limit=60
	{0x80, 0x00, 0x7B, 0x00, 0x08, 0x00, 0x3C},
	// IAmDispatcher numroads=1 [123]
	{0x81, 0x01, 0x00, 0x7B},
	// IAmDispatcher numroads=0
	{0x81, 0x00},
}

func TestDecodeClientFrames(t *testing.T) {
	want := []ClientFrame{
		Plate{Plate: "UN1X", Timestamp: 0},
		Plate{Plate: "", Timestamp: 45},
		WantHeartbeat{Interval: 10},
		IAmCamera{Road: 123, Mile: 8, Limit: 60},
		IAmDispatcher{Roads: []uint16{123}},
		IAmDispatcher{Roads: []uint16{}},
	}
	for i, b := range wellFormedClient {
		f, n, err := Decode(b)
		if err != nil {
			t.Fatalf("frame %d: decode: %v", i, err)
		}
		if n != len(b) {
			t.Fatalf("frame %d: consumed %d of %d bytes", i, n, len(b))
		}
		if !reflect.DeepEqual(f, want[i]) {
			t.Fatalf("frame %d: got %#v want %#v", i, f, want[i])
		}
	}
}

func TestDecodeConsumesOneFrameAtATime(t *testing.T) {
	var stream []byte
	for _, b := range wellFormedClient {
		stream = append(stream, b...)
	}
	var decoded int
	for len(stream) > 0 {
		_, n, err := Decode(stream)
		if err != nil {
			t.Fatalf("frame %d: %v", decoded, err)
		}
		if n != len(wellFormedClient[decoded]) {
			t.Fatalf("frame %d: consumed %d want %d", decoded, n, len(wellFormedClient[decoded]))
		}
		stream = stream[n:]
		decoded++
	}
	if decoded != len(wellFormedClient) {
		t.Fatalf("decoded %d frames, want %d", decoded, len(wellFormedClient))
	}
}

// Every strict prefix of a well-formed frame must report ErrIncomplete with
// zero bytes consumed, so the session can retry the same buffer later.
func TestDecodeIncompletePrefixes(t *testing.T) {
	for i, b := range wellFormedClient {
		for cut := 0; cut < len(b); cut++ {
			f, n, err := Decode(b[:cut])
			if !errors.Is(err, ErrIncomplete) {
				t.Fatalf("frame %d cut %d: err=%v frame=%#v", i, cut, err, f)
			}
			if n != 0 {
				t.Fatalf("frame %d cut %d: consumed %d bytes on incomplete", i, cut, n)
			}
		}
	}
}

func TestDecodeMalformedTags(t *testing.T) {
	// Unknown tags plus the server-only tags, which a client must not send.
	for _, tag := range []byte{0xFF, 0x00, 0x10, 0x21, 0x41, 0x7E} {
		_, _, err := Decode([]byte{tag, 0x01, 0x02, 0x03, 0x04})
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("tag 0x%02X: want ErrMalformed, got %v", tag, err)
		}
	}
}

func TestDecodeMaxLengthPlate(t *testing.T) {
	b := []byte{0x20, 0xFF}
	plate := bytes.Repeat([]byte{'A'}, 255)
	b = append(b, plate...)
	b = append(b, 0x00, 0x01, 0x02, 0x03)
	f, n, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d of %d", n, len(b))
	}
	p := f.(Plate)
	if len(p.Plate) != 255 || p.Timestamp != 0x00010203 {
		t.Fatalf("got len=%d ts=%d", len(p.Plate), p.Timestamp)
	}
}

func TestServerFrameRoundTrip(t *testing.T) {
	frames := []ServerFrame{
		Error{Msg: "not identified"},
		Error{Msg: ""},
		Heartbeat{},
		Ticket{Plate: "UN1X", Road: 123, Mile1: 8, Timestamp1: 0, Mile2: 9, Timestamp2: 45, Speed: 8000},
		Ticket{Plate: "", Road: 0, Mile1: 65535, Timestamp1: 4294967295, Mile2: 0, Timestamp2: 4294967295, Speed: 65535},
	}
	for i, f := range frames {
		b := Encode(f)
		got, n, err := DecodeServer(b)
		if err != nil {
			t.Fatalf("frame %d: decode: %v", i, err)
		}
		if n != len(b) {
			t.Fatalf("frame %d: consumed %d of %d", i, n, len(b))
		}
		if !reflect.DeepEqual(got, f) {
			t.Fatalf("frame %d: got %#v want %#v", i, got, f)
		}
		// encode(decode(b)) must reproduce the exact bytes.
		if again := Encode(got); !bytes.Equal(again, b) {
			t.Fatalf("frame %d: re-encode mismatch\n b=% X\n again=% X", i, b, again)
		}
	}
}

func TestTicketWireLayout(t *testing.T) {
	tk := Ticket{Plate: "UN1X", Road: 123, Mile1: 8, Timestamp1: 0, Mile2: 9, Timestamp2: 45, Speed: 8000}
	want := []byte{
		0x21, 0x04, 'U', 'N', '1', 'X',
		0x00, 0x7B,
		0x00, 0x08,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x09,
		0x00, 0x00, 0x00, 0x2D,
		0x1F, 0x40,
	}
	if got := Encode(tk); !bytes.Equal(got, want) {
		t.Fatalf("layout mismatch\n got=% X\nwant=% X", got, want)
	}
}

func TestErrorWireLayout(t *testing.T) {
	want := []byte{0x10, 0x03, 'b', 'a', 'd'}
	if got := Encode(Error{Msg: "bad"}); !bytes.Equal(got, want) {
		t.Fatalf("layout mismatch\n got=% X\nwant=% X", got, want)
	}
	if got := Encode(Heartbeat{}); !bytes.Equal(got, []byte{0x41}) {
		t.Fatalf("heartbeat layout mismatch: % X", got)
	}
}

func TestAppendFrame(t *testing.T) {
	b := AppendFrame(nil, Heartbeat{})
	b = AppendFrame(b, Error{Msg: "x"})
	want := []byte{0x41, 0x10, 0x01, 'x'}
	if !bytes.Equal(b, want) {
		t.Fatalf("got % X want % X", b, want)
	}
}
