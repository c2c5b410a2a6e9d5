package monitoring

import (
	"net/http"

	"streamcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements ports.MetricsRecorder on a dedicated
// registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsOpened prometheus.Counter
	connectionsClosed *prometheus.CounterVec

	framesBroadcast prometheus.Counter
	bytesSent       prometheus.Counter
	frameSize       prometheus.Histogram
	frameReceivers  prometheus.Histogram
	ticksSkipped    *prometheus.CounterVec
	encodeFailures  prometheus.Counter

	qosFPS          prometheus.Gauge
	qosQuality      prometheus.Gauge
	qosCeiling      prometheus.Gauge
	qosWindowBytes  prometheus.Gauge
	qosAdjustments  prometheus.Counter
	playbackState   *prometheus.GaugeVec
	controlMessages *prometheus.CounterVec

	decodeErrors    *prometheus.CounterVec
	framesDiscarded *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_connections_active",
			Help: "Number of registered connections",
		}),
		connectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_connections_opened_total",
			Help: "Total number of accepted connections",
		}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_connections_closed_total",
			Help: "Connections removed, by reason",
		}, []string{"reason"}),

		framesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_frames_broadcast_total",
			Help: "Frames encoded and fanned out",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_bytes_sent_total",
			Help: "Bytes delivered to all receivers",
		}),
		frameSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcast_frame_size_bytes",
			Help:    "Size of broadcast frame packets",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
		}),
		frameReceivers: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamcast_frame_receivers",
			Help:    "Connections that received each frame",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		ticksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_ticks_skipped_total",
			Help: "Scheduler ticks that sent nothing, by reason",
		}, []string{"reason"}),
		encodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_encode_failures_total",
			Help: "Encoder calls that failed",
		}),

		qosFPS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_qos_fps",
			Help: "Current target frame rate",
		}),
		qosQuality: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_qos_quality_percent",
			Help: "Current encoder quality hint",
		}),
		qosCeiling: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_qos_bandwidth_ceiling_bytes_per_second",
			Help: "Current outbound bandwidth ceiling",
		}),
		qosWindowBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamcast_qos_window_bytes",
			Help: "Bytes sent over the bandwidth window at the last update",
		}),
		qosAdjustments: factory.NewCounter(prometheus.CounterOpts{
			Name: "streamcast_qos_adjustments_total",
			Help: "QoS state changes",
		}),
		playbackState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamcast_playback_state",
			Help: "1 for the current playback state, 0 otherwise",
		}, []string{"state"}),
		controlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_control_messages_total",
			Help: "Inbound control messages, by kind",
		}, []string{"kind"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_decode_errors_total",
			Help: "Inbound packets that failed to decode, by reason",
		}, []string{"reason"}),
		framesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamcast_frames_discarded_total",
			Help: "Inbound frames dropped before their track was configured",
		}, []string{"kind"}),
	}
}

// Registry returns the registry the collector's metrics live on.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsOpened.Inc()
	p.connectionsActive.Inc()
}

func (p *PrometheusCollector) ConnectionClosed(reason string) {
	p.connectionsClosed.WithLabelValues(reason).Inc()
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) FrameBroadcast(bytes, receivers int) {
	p.framesBroadcast.Inc()
	p.bytesSent.Add(float64(bytes * receivers))
	p.frameSize.Observe(float64(bytes))
	p.frameReceivers.Observe(float64(receivers))
}

func (p *PrometheusCollector) TickSkipped(reason string) {
	p.ticksSkipped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) EncodeFailed() {
	p.encodeFailures.Inc()
}

func (p *PrometheusCollector) QoSUpdated(snapshot domain.QoSSnapshot) {
	p.qosAdjustments.Inc()
	p.qosFPS.Set(float64(snapshot.FPS))
	p.qosQuality.Set(float64(snapshot.QualityPercent))
	p.qosCeiling.Set(float64(snapshot.BandwidthCeilingBytesPerSec))
	p.qosWindowBytes.Set(float64(snapshot.WindowBytes))
}

func (p *PrometheusCollector) PlaybackChanged(state domain.PlaybackState) {
	for _, s := range []domain.PlaybackState{domain.PlaybackStopped, domain.PlaybackPlaying, domain.PlaybackPaused} {
		value := 0.0
		if s == state {
			value = 1
		}
		p.playbackState.WithLabelValues(s.String()).Set(value)
	}
}

func (p *PrometheusCollector) ControlReceived(kind string) {
	p.controlMessages.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) DecodeFailed(reason string) {
	p.decodeErrors.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) FrameDiscarded(kind string) {
	p.framesDiscarded.WithLabelValues(kind).Inc()
}
