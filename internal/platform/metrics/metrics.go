package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the streaming agent.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	broadcastBytesTotal  prometheus.Counter
	audioSubscribers     prometheus.Gauge
	encoderRestartsTotal prometheus.Counter
	broadcastActive      prometheus.Gauge
	commandsTotal        prometheus.Counter
	timelapseFramesTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the agent.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	broadcastBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_audio_broadcast_bytes_total",
		Help: "Total number of audio bytes published to the fan-out bus",
	})
	audioSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "printcast_audio_subscribers",
		Help: "Number of live audio subscribers",
	})
	encoderRestartsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_encoder_restarts_total",
		Help: "Total number of encoder child process restarts",
	})
	broadcastActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "printcast_broadcast_active",
		Help: "1 when a live broadcast exists, else 0",
	})
	commandsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_printer_commands_total",
		Help: "Total number of printer commands dispatched",
	})
	timelapseFramesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "printcast_timelapse_frames_total",
		Help: "Total number of time-lapse frames captured",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		broadcastBytesTotal,
		audioSubscribers,
		encoderRestartsTotal,
		broadcastActive,
		commandsTotal,
		timelapseFramesTotal,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		broadcastBytesTotal:  broadcastBytesTotal,
		audioSubscribers:     audioSubscribers,
		encoderRestartsTotal: encoderRestartsTotal,
		broadcastActive:      broadcastActive,
		commandsTotal:        commandsTotal,
		timelapseFramesTotal: timelapseFramesTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// AddBroadcastBytes adds n to the published audio byte counter.
func (m *Metrics) AddBroadcastBytes(n int) {
	m.broadcastBytesTotal.Add(float64(n))
}

// SetAudioSubscribers sets the audio subscriber gauge.
func (m *Metrics) SetAudioSubscribers(n int) {
	m.audioSubscribers.Set(float64(n))
}

// IncEncoderRestarts increments the encoder restart counter.
func (m *Metrics) IncEncoderRestarts() {
	m.encoderRestartsTotal.Inc()
}

// SetBroadcastActive sets the broadcast-active gauge to 1 or 0.
func (m *Metrics) SetBroadcastActive(active bool) {
	if active {
		m.broadcastActive.Set(1)
	} else {
		m.broadcastActive.Set(0)
	}
}

// IncCommands increments the dispatched printer command counter.
func (m *Metrics) IncCommands() {
	m.commandsTotal.Inc()
}

// IncTimelapseFrames increments the captured frame counter.
func (m *Metrics) IncTimelapseFrames() {
	m.timelapseFramesTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. subscriber count, broadcast state).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
