// Package metrics exposes Prometheus instrumentation for the acquisition
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/enose/pkg/device"
)

const namespace = "enose"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	framesTotal       prometheus.Counter
	malformedTotal    *prometheus.CounterVec // By reason
	readingsTotal     prometheus.Counter
	droppedTotal      *prometheus.CounterVec // By transport
	clients           *prometheus.GaugeVec   // By transport
	transitionsTotal  *prometheus.CounterVec // By stage and reason
	stage             prometheus.Gauge
	progress          prometheus.Gauge
	deviceStatus      *prometheus.GaugeVec // By status, 1 for the current one
	bridgePublished   *prometheus.CounterVec
	bridgeErrorsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "frames_total",
			Help:      "Total number of well-formed frames received from the device",
		}),
		malformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "malformed_frames_total",
			Help:      "Total number of discarded device frames",
		}, []string{"reason"}), // reason: malformed, partial, too_long
		deviceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "status",
			Help:      "Current device link status (1 for the active status)",
		}, []string{"status"}),

		readingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "readings_total",
			Help:      "Total number of annotated readings broadcast",
		}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped from full client queues (oldest first)",
		}, []string{"transport"}),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Number of connected stream clients",
		}, []string{"transport"}),

		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Sampling stage transitions",
		}, []string{"stage", "reason"}),
		stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "stage",
			Help:      "Index of the current sampling stage (0 = IDLE)",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "progress",
			Help:      "Progress of the current sampling session (0..1)",
		}),

		bridgePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "published_total",
			Help:      "Messages published to a broker",
		}, []string{"bridge"}),
		bridgeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "errors_total",
			Help:      "Failed broker publishes",
		}, []string{"bridge"}),
	}

	m.registry.MustRegister(
		m.framesTotal,
		m.malformedTotal,
		m.deviceStatus,
		m.readingsTotal,
		m.droppedTotal,
		m.clients,
		m.transitionsTotal,
		m.stage,
		m.progress,
		m.bridgePublished,
		m.bridgeErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// FrameReceived counts a well-formed frame.
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesTotal.Inc()
}

// FrameDiscarded counts a rejected frame. reason is a short label.
func (m *Metrics) FrameDiscarded(reason string) {
	if m == nil {
		return
	}
	m.malformedTotal.WithLabelValues(reason).Inc()
}

// DeviceStatus marks status as the current device status.
func (m *Metrics) DeviceStatus(status string) {
	if m == nil {
		return
	}
	m.deviceStatus.Reset()
	m.deviceStatus.WithLabelValues(status).Set(1)
}

// ReadingBroadcast counts one annotated reading.
func (m *Metrics) ReadingBroadcast() {
	if m == nil {
		return
	}
	m.readingsTotal.Inc()
}

// MessagesDropped counts messages evicted from a client queue.
func (m *Metrics) MessagesDropped(transport string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedTotal.WithLabelValues(transport).Add(float64(n))
}

// ClientConnected tracks a new client.
func (m *Metrics) ClientConnected(transport string) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(transport).Inc()
}

// ClientDisconnected tracks a departed client.
func (m *Metrics) ClientDisconnected(transport string) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(transport).Dec()
}

// StageChanged records a transition into stage.
func (m *Metrics) StageChanged(stage string, index int, reason string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(stage, reason).Inc()
	m.stage.Set(float64(index))
}

// Progress records the session progress.
func (m *Metrics) Progress(p float64) {
	if m == nil {
		return
	}
	m.progress.Set(p)
}

// BridgePublished counts a successful broker publish.
func (m *Metrics) BridgePublished(bridge string) {
	if m == nil {
		return
	}
	m.bridgePublished.WithLabelValues(bridge).Inc()
}

// BridgeError counts a failed broker publish.
func (m *Metrics) BridgeError(bridge string) {
	if m == nil {
		return
	}
	m.bridgeErrorsTotal.WithLabelValues(bridge).Inc()
}

// Reason labels used with FrameDiscarded.
const (
	ReasonMalformed = "malformed"
	ReasonPartial   = "partial"
	ReasonTooLong   = "too_long"
)

// DeviceHooks returns frame hooks feeding the device counters.
func (m *Metrics) DeviceHooks() device.Hooks {
	return device.Hooks{
		Frame: m.FrameReceived,
		Malformed: func(_ string, err error) {
			switch {
			case errors.Is(err, device.ErrFrameTooLong):
				m.FrameDiscarded(ReasonTooLong)
			case errors.Is(err, device.ErrPartialFrame):
				m.FrameDiscarded(ReasonPartial)
			default:
				m.FrameDiscarded(ReasonMalformed)
			}
		},
	}
}
