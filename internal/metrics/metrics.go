package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide counters for the device bridge. Each is
// an atomic.Uint64 exposed to Prometheus through a GaugeFunc, exactly as
// the teacher's own internal/metrics wires counters into its private
// registry.
type Metrics struct {
	FramesProcessed    atomic.Uint64
	FramesDroppedStale atomic.Uint64
	FramesDroppedDup   atomic.Uint64
	TilesEmitted       atomic.Uint64

	FullFrameForcedRequest atomic.Uint64
	FullFrameForcedTiles   atomic.Uint64
	FullFrameForcedArea    atomic.Uint64
	FullFrameForcedCadence atomic.Uint64
	FullFrameForcedFirst   atomic.Uint64

	BroadcastBytes atomic.Uint64

	ConnectedClients atomic.Uint64
	ConnectedDevices atomic.Uint64

	IdleSessionsEvicted atomic.Uint64

	BackpressureWaitMs atomic.Uint64

	DecodeErrors  atomic.Uint64
	EncodeErrors  atomic.Uint64
	CommandErrors atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its Prometheus collectors wired up.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauge := func(name, help string, get func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help}, get,
		))
	}

	gauge("devicebridge_frames_processed_total", "Total frames that reached FrameProcessor.ProcessFrame",
		func() float64 { return float64(m.FramesProcessed.Load()) })
	gauge("devicebridge_frames_dropped_stale_total", "Frames discarded by stale-frame dropping in the broadcaster drain",
		func() float64 { return float64(m.FramesDroppedStale.Load()) })
	gauge("devicebridge_frames_dropped_duplicate_total", "Frames dropped before decode because their hash matched the previous frame",
		func() float64 { return float64(m.FramesDroppedDup.Load()) })
	gauge("devicebridge_tiles_emitted_total", "Total changed/full-frame tile rectangles emitted",
		func() float64 { return float64(m.TilesEmitted.Load()) })

	gauge("devicebridge_full_frame_forced_request_total", "Full frames forced by an explicit RequestFullFrame latch",
		func() float64 { return float64(m.FullFrameForcedRequest.Load()) })
	gauge("devicebridge_full_frame_forced_tile_count_total", "Full frames forced by changed-tile-count threshold",
		func() float64 { return float64(m.FullFrameForcedTiles.Load()) })
	gauge("devicebridge_full_frame_forced_area_total", "Full frames forced by changed-area-fraction threshold",
		func() float64 { return float64(m.FullFrameForcedArea.Load()) })
	gauge("devicebridge_full_frame_forced_cadence_total", "Full frames forced by the fullFrameEvery cadence",
		func() float64 { return float64(m.FullFrameForcedCadence.Load()) })
	gauge("devicebridge_full_frame_forced_first_total", "Full frames forced because they were the session's first frame",
		func() float64 { return float64(m.FullFrameForcedFirst.Load()) })

	gauge("devicebridge_broadcast_bytes_total", "Total bytes written to client connections",
		func() float64 { return float64(m.BroadcastBytes.Load()) })

	gauge("devicebridge_connected_clients", "Currently connected transport clients across all devices",
		func() float64 { return float64(m.ConnectedClients.Load()) })
	gauge("devicebridge_connected_devices", "Currently active device sessions",
		func() float64 { return float64(m.ConnectedDevices.Load()) })

	gauge("devicebridge_idle_sessions_evicted_total", "Sessions destroyed by CleanupIdle",
		func() float64 { return float64(m.IdleSessionsEvicted.Load()) })

	gauge("devicebridge_backpressure_wait_ms_total", "Cumulative milliseconds spent waiting for client buffers to drain",
		func() float64 { return float64(m.BackpressureWaitMs.Load()) })

	gauge("devicebridge_decode_errors_total", "Frame decode failures", func() float64 { return float64(m.DecodeErrors.Load()) })
	gauge("devicebridge_encode_errors_total", "Tile/full-frame encode failures", func() float64 { return float64(m.EncodeErrors.Load()) })
	gauge("devicebridge_command_errors_total", "Browser control command failures", func() float64 { return float64(m.CommandErrors.Load()) })
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
