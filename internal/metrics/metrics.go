// Package metrics exposes Prometheus counters/gauges for the dispatcher
// plus a locally-mirrored atomic snapshot for cheap periodic logging
// without scraping the in-process registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sttdispatch/sttd/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	WorkersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workers_registered_total",
		Help: "Total worker Register frames processed.",
	})
	WorkersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workers_evicted_total",
		Help: "Total workers removed by the heartbeat/GC sweep.",
	})
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workers_active",
		Help: "Current number of registered workers.",
	})
	WorkersAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workers_available",
		Help: "Current number of workers with available=true.",
	})
	ConnectsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connects_accepted_total",
		Help: "Total client Connect requests matched to a worker.",
	})
	ConnectsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connects_rejected_total",
		Help: "Total client Connect requests rejected for lack of an available worker.",
	})
	AudioChunksRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audio_chunks_received_total",
		Help: "Total Data(mode=Client) audio chunks received from clients.",
	})
	ResultChunksTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "result_chunks_sent_total",
		Help: "Total Result frames forwarded to clients.",
	})
	MailboxQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailbox_queue_depth",
		Help: "Most recently observed worker mailbox queue depth, max across workers.",
	})
	ClientWritersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "client_writers_active",
		Help: "Current number of client write-halves attached across all worker mailboxes.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem/kind.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total frames rejected for bad magic or truncated payload.",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable values to bound cardinality).
const (
	ErrTCPRead       = "tcp_read"
	ErrTCPWrite      = "tcp_write"
	ErrMagicMismatch = "magic_mismatch"
	ErrTruncated     = "truncated_payload"
	ErrNoWorker      = "no_available_worker"
	ErrASRFailure    = "asr_failure"
	ErrEngineInit    = "engine_init"
	ErrBind          = "bind"
	ErrInvalidPcm    = "invalid_pcm_length"
)

// StartHTTP serves Prometheus metrics and a readiness probe.
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging.
var (
	localWorkersRegistered uint64
	localWorkersEvicted    uint64
	localConnectsAccepted  uint64
	localConnectsRejected  uint64
	localAudioChunksRx     uint64
	localResultChunksTx    uint64
	localErrors            uint64
	localWorkersActive     uint64
	localWorkersAvailable  uint64
	localMalformed         uint64
	localQueueDepth        uint64
	localClientWriters     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	WorkersRegistered uint64
	WorkersEvicted    uint64
	WorkersActive     uint64
	WorkersAvailable  uint64
	ConnectsAccepted  uint64
	ConnectsRejected  uint64
	AudioChunksRx     uint64
	ResultChunksTx    uint64
	Errors            uint64
	Malformed         uint64
	QueueDepth        uint64
	ClientWriters     uint64
}

func Snap() Snapshot {
	return Snapshot{
		WorkersRegistered: atomic.LoadUint64(&localWorkersRegistered),
		WorkersEvicted:    atomic.LoadUint64(&localWorkersEvicted),
		WorkersActive:     atomic.LoadUint64(&localWorkersActive),
		WorkersAvailable:  atomic.LoadUint64(&localWorkersAvailable),
		ConnectsAccepted:  atomic.LoadUint64(&localConnectsAccepted),
		ConnectsRejected:  atomic.LoadUint64(&localConnectsRejected),
		AudioChunksRx:     atomic.LoadUint64(&localAudioChunksRx),
		ResultChunksTx:    atomic.LoadUint64(&localResultChunksTx),
		Errors:            atomic.LoadUint64(&localErrors),
		Malformed:         atomic.LoadUint64(&localMalformed),
		QueueDepth:        atomic.LoadUint64(&localQueueDepth),
		ClientWriters:     atomic.LoadUint64(&localClientWriters),
	}
}

func IncWorkerRegistered() {
	WorkersRegistered.Inc()
	atomic.AddUint64(&localWorkersRegistered, 1)
}

func IncWorkerEvicted() {
	WorkersEvicted.Inc()
	atomic.AddUint64(&localWorkersEvicted, 1)
}

func SetWorkersActive(n int) {
	WorkersActive.Set(float64(n))
	atomic.StoreUint64(&localWorkersActive, uint64(n))
}

func SetWorkersAvailable(n int) {
	WorkersAvailable.Set(float64(n))
	atomic.StoreUint64(&localWorkersAvailable, uint64(n))
}

func IncConnectAccepted() {
	ConnectsAccepted.Inc()
	atomic.AddUint64(&localConnectsAccepted, 1)
}

func IncConnectRejected() {
	ConnectsRejected.Inc()
	atomic.AddUint64(&localConnectsRejected, 1)
}

func IncAudioChunkRx() {
	AudioChunksRx.Inc()
	atomic.AddUint64(&localAudioChunksRx, 1)
}

func IncResultChunkTx() {
	ResultChunksTx.Inc()
	atomic.AddUint64(&localResultChunksTx, 1)
}

func SetClientWritersActive(n int) {
	ClientWritersActive.Set(float64(n))
	atomic.StoreUint64(&localClientWriters, uint64(n))
}

func SetQueueDepth(n int) {
	MailboxQueueDepth.Set(float64(n))
	atomic.StoreUint64(&localQueueDepth, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrMagicMismatch, ErrTruncated,
		ErrNoWorker, ErrASRFailure, ErrEngineInit, ErrBind,
		ErrInvalidPcm,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to true
// when none has been set yet.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
