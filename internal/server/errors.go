package server

import (
	"errors"

	"github.com/trafficwatch/speed-daemon/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrContext   = errors.New("context_cancelled")
)

// ErrDirtyEOF reports a peer that closed mid-frame: bytes remained in the
// read buffer that never formed a complete frame.
var ErrDirtyEOF = errors.New("connection reset mid-frame")

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrDirtyEOF):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPAccept
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
