package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arksine/katapult-flashtool/internal/logging"
)

// Prometheus counters
var (
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes read from the serial link.",
	})
	SerialTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_bytes_total",
		Help: "Total bytes written to the serial link.",
	})
	CommandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "command_retries_total",
		Help: "Total bootloader command attempts beyond the first.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (CRC mismatch, bad trailer, resync drops).",
	})
	BlocksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_blocks_written_total",
		Help: "Total flash blocks acknowledged by the bootloader.",
	})
	BlocksVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flash_blocks_verified_total",
		Help: "Total flash blocks read back during verification.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrCANRead     = "can_read"
	ErrCANWrite    = "can_write"
	ErrCANOver     = "can_tx_overflow"
	ErrSerialRead  = "serial_read"
	ErrSerialWrite = "serial_write"
	ErrCommand     = "command"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
// Useful when a long flash should be observable from outside the process.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
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
	localCANRx          uint64
	localCANTx          uint64
	localSerialRx       uint64
	localSerialTx       uint64
	localRetries        uint64
	localMalformed      uint64
	localBlocksWritten  uint64
	localBlocksVerified uint64
	localErrors         uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANRx          uint64
	CANTx          uint64
	SerialRxBytes  uint64
	SerialTxBytes  uint64
	Retries        uint64
	Malformed      uint64
	BlocksWritten  uint64
	BlocksVerified uint64
	Errors         uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:          atomic.LoadUint64(&localCANRx),
		CANTx:          atomic.LoadUint64(&localCANTx),
		SerialRxBytes:  atomic.LoadUint64(&localSerialRx),
		SerialTxBytes:  atomic.LoadUint64(&localSerialTx),
		Retries:        atomic.LoadUint64(&localRetries),
		Malformed:      atomic.LoadUint64(&localMalformed),
		BlocksWritten:  atomic.LoadUint64(&localBlocksWritten),
		BlocksVerified: atomic.LoadUint64(&localBlocksVerified),
		Errors:         atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func AddSerialRx(n int) {
	SerialRxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialRx, uint64(n))
}

func AddSerialTx(n int) {
	SerialTxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialTx, uint64(n))
}

func IncRetry() {
	CommandRetries.Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncBlockWritten() {
	BlocksWritten.Inc()
	atomic.AddUint64(&localBlocksWritten, 1)
}

func IncBlockVerified() {
	BlocksVerified.Inc()
	atomic.AddUint64(&localBlocksVerified, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrCANRead, ErrCANWrite, ErrCANOver,
		ErrSerialRead, ErrSerialWrite, ErrCommand,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}
