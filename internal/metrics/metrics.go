package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trafficwatch/speed-daemon/internal/logging"
)

// Prometheus counters
var (
	PlatesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plates_rx_total",
		Help: "Total Plate frames received from cameras.",
	})
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_rx_total",
		Help: "Total client frames decoded across all connections.",
	})
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_tx_total",
		Help: "Total server frames written to clients.",
	})
	HeartbeatsTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeats_tx_total",
		Help: "Total Heartbeat frames emitted.",
	})
	TicketsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_issued_total",
		Help: "Total speeding tickets issued (delivered or parked).",
	})
	TicketsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_delivered_total",
		Help: "Total tickets handed to a dispatcher queue.",
	})
	TicketsParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_parked_total",
		Help: "Total tickets parked while no dispatcher covered the road.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (unknown tags, truncated streams).",
	})
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_violations_total",
		Help: "Total sessions closed with an Error frame for a protocol violation.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Current number of connected client sessions.",
	})
	RegisteredCameras = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "registered_cameras",
		Help: "Cameras registered since process start (records are process-lifetime).",
	})
	ConnectedDispatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connected_dispatchers",
		Help: "Currently connected ticket dispatchers.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrTCPAccept = "tcp_accept"
	ErrProtocol  = "protocol"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFramesRx    uint64
	localFramesTx    uint64
	localPlates      uint64
	localHeartbeats  uint64
	localIssued      uint64
	localDelivered   uint64
	localParked      uint64
	localMalformed   uint64
	localViolations  uint64
	localErrors      uint64
	localSessions    uint64
	localCameras     uint64
	localDispatchers uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesRx         uint64
	FramesTx         uint64
	Plates           uint64
	Heartbeats       uint64
	TicketsIssued    uint64
	TicketsDelivered uint64
	TicketsParked    uint64
	Malformed        uint64
	Violations       uint64
	Errors           uint64 // sum across error labels
	Sessions         uint64
	Cameras          uint64
	Dispatchers      uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesRx:         atomic.LoadUint64(&localFramesRx),
		FramesTx:         atomic.LoadUint64(&localFramesTx),
		Plates:           atomic.LoadUint64(&localPlates),
		Heartbeats:       atomic.LoadUint64(&localHeartbeats),
		TicketsIssued:    atomic.LoadUint64(&localIssued),
		TicketsDelivered: atomic.LoadUint64(&localDelivered),
		TicketsParked:    atomic.LoadUint64(&localParked),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Violations:       atomic.LoadUint64(&localViolations),
		Errors:           atomic.LoadUint64(&localErrors),
		Sessions:         atomic.LoadUint64(&localSessions),
		Cameras:          atomic.LoadUint64(&localCameras),
		Dispatchers:      atomic.LoadUint64(&localDispatchers),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFrameRx() {
	FramesRx.Inc()
	atomic.AddUint64(&localFramesRx, 1)
}

func AddFramesTx(n int) {
	FramesTx.Add(float64(n))
	atomic.AddUint64(&localFramesTx, uint64(n))
}

func IncPlateRx() {
	PlatesRx.Inc()
	atomic.AddUint64(&localPlates, 1)
}

func IncHeartbeatTx() {
	HeartbeatsTx.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

func IncTicketIssued() {
	TicketsIssued.Inc()
	atomic.AddUint64(&localIssued, 1)
}

func IncTicketDelivered() {
	TicketsDelivered.Inc()
	atomic.AddUint64(&localDelivered, 1)
}

func IncTicketsParked() {
	TicketsParked.Inc()
	atomic.AddUint64(&localParked, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncViolation() {
	ProtocolViolations.Inc()
	atomic.AddUint64(&localViolations, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetSessions(n int) {
	ActiveSessions.Set(float64(n))
	atomic.StoreUint64(&localSessions, uint64(n))
}

func SetCameras(n int) {
	RegisteredCameras.Set(float64(n))
	atomic.StoreUint64(&localCameras, uint64(n))
}

// IncDispatchers / DecDispatchers track the live dispatcher gauge. The
// local mirror counts registrations since start (monotonic, for logs).
func IncDispatchers() {
	ConnectedDispatchers.Inc()
	atomic.AddUint64(&localDispatchers, 1)
}

func DecDispatchers() {
	ConnectedDispatchers.Dec()
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{ErrTCPRead, ErrTCPWrite, ErrTCPAccept, ErrProtocol} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
