package wire

import (
	"errors"
	"testing"
)

// FuzzDecode ensures the decoder never panics and never consumes bytes on
// an incomplete frame, for arbitrary input.
func FuzzDecode(f *testing.F) {
	for _, b := range wellFormedClient {
		f.Add(b)
		f.Add(b[:len(b)-1])
	}
	f.Add([]byte{0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		rest := data
		for i := 0; i < 8 && len(rest) > 0; i++ {
			fr, n, err := Decode(rest)
			if err != nil {
				if errors.Is(err, ErrIncomplete) && n != 0 {
					t.Fatalf("incomplete consumed %d bytes", n)
				}
				return
			}
			if fr == nil || n <= 0 || n > len(rest) {
				t.Fatalf("bad consume count %d for %d buffered bytes", n, len(rest))
			}
			rest = rest[n:]
		}
	})
}

// FuzzDecodeServer mirrors FuzzDecode for the server-frame parser used by
// test clients.
func FuzzDecodeServer(f *testing.F) {
	f.Add(Encode(Error{Msg: "bad"}))
	f.Add(Encode(Heartbeat{}))
	f.Add(Encode(Ticket{Plate: "UN1X", Road: 123, Mile1: 8, Mile2: 9, Timestamp2: 45, Speed: 8000}))
	f.Fuzz(func(t *testing.T, data []byte) {
		fr, n, err := DecodeServer(data)
		if err != nil {
			return
		}
		// Whatever parses must re-encode to the bytes it was parsed from.
		if got := Encode(fr); string(got) != string(data[:n]) {
			t.Fatalf("re-encode mismatch\n in=% X\nout=% X", data[:n], got)
		}
	})
}
