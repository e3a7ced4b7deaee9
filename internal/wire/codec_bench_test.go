package wire

import "testing"

func BenchmarkDecodePlate(b *testing.B) {
	buf := []byte{0x20, 0x04, 'U', 'N', '1', 'X', 0x00, 0x00, 0x00, 0x2D}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _, _ = Decode(buf)
	}
}

func BenchmarkEncodeTicket(b *testing.B) {
	tk := Ticket{Plate: "UN1X", Road: 123, Mile1: 8, Timestamp1: 0, Mile2: 9, Timestamp2: 45, Speed: 8000}
	scratch := make([]byte, 0, 64)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		scratch = AppendFrame(scratch[:0], tk)
	}
}
