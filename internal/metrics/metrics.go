package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/presence-monitor/internal/capture"
)

// Metrics holds all application metrics
type Metrics struct {
	// Detection loop counters
	DetectionsRun   atomic.Uint64
	DetectionErrors atomic.Uint64
	PersonFrames    atomic.Uint64

	// Recording counters
	RecordingsStarted   atomic.Uint64
	RecordingsFinalized atomic.Uint64
	RecorderErrors      atomic.Uint64
	RecordedFrames      atomic.Uint64
	RecordedBytes       atomic.Uint64

	// Controller state
	Armed     atomic.Uint64 // 0 = disarmed, 1 = armed
	Recording atomic.Uint64 // 0 = idle, 1 = capturing
	Records   atomic.Uint64

	// WebRTC client tracking
	ActiveClients atomic.Uint64
	TotalClients  atomic.Uint64

	// Last detection round trip in ms
	DetectLatencyMs atomic.Uint64

	detectLatency prometheus.Histogram
	registry      *prometheus.Registry
}

// StreamStats is implemented by capture.Stream.
type StreamStats interface {
	Stats() capture.Stats
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_detect_duration_seconds",
			Help:    "Detector round trip time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"presence_detections_total", "Frames submitted to the detector", &m.DetectionsRun},
		{"presence_detection_errors_total", "Detector calls that failed and counted as no person", &m.DetectionErrors},
		{"presence_person_frames_total", "Frames in which a person was detected", &m.PersonFrames},
		{"presence_recordings_started_total", "Recorder starts", &m.RecordingsStarted},
		{"presence_recordings_finalized_total", "Records appended to the records list", &m.RecordingsFinalized},
		{"presence_recorder_errors_total", "Recorder start or stop failures", &m.RecorderErrors},
		{"presence_recorded_frames_total", "Frames written into finalized records", &m.RecordedFrames},
		{"presence_recorded_bytes_total", "Bytes written into finalized records", &m.RecordedBytes},
		{"presence_webrtc_clients_total", "WebRTC clients connected since start", &m.TotalClients},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	gauges := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"presence_armed", "Controller armed (0=idle, 1=armed)", &m.Armed},
		{"presence_recording", "Recorder active (0=inactive, 1=active)", &m.Recording},
		{"presence_records", "Records held in memory", &m.Records},
		{"presence_webrtc_active_clients", "Number of open WebRTC event channels", &m.ActiveClients},
		{"presence_detect_latency_ms", "Last detector round trip in milliseconds", &m.DetectLatencyMs},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(m.detectLatency)
}

// WatchStream exports the capture stream counters.
func (m *Metrics) WatchStream(s StreamStats) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "presence_frames_captured_total",
			Help: "Frames published by the capture source",
		},
		func() float64 { return float64(s.Stats().Published) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "presence_frames_dropped_total",
			Help: "Frames overwritten before the detection loop consumed them",
		},
		func() float64 { return float64(s.Stats().Dropped) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "presence_subscriber_frames_missed_total",
			Help: "Frames not delivered to a subscriber (such as the recorder) whose buffer was full",
		},
		func() float64 { return float64(s.Stats().SubscriberMiss) },
	))
}

// ObserveDetect records one detector round trip.
func (m *Metrics) ObserveDetect(d time.Duration) {
	m.DetectionsRun.Add(1)
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
	m.detectLatency.Observe(d.Seconds())
}

// SetState mirrors the controller flags.
func (m *Metrics) SetState(armed, recording bool, records int) {
	m.Armed.Store(boolToUint(armed))
	m.Recording.Store(boolToUint(recording))
	m.Records.Store(uint64(records))
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
