package prometheus

import (
	"strconv"
	"time"

	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// connectionStates are the values of the comfyrt_connection_state gauge
var connectionStates = []string{"disconnected", "connecting", "open", "reconnecting"}

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	framesReceived    *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	unknownKinds      prometheus.Counter
	reconnects        prometheus.Counter
	polls             *prometheus.CounterVec
	submissions       *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	submissionLatency prometheus.Histogram
}

// NewCollector creates a collector registered on reg. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfyrt_frames_received_total",
				Help: "Total number of realtime frames dispatched",
			},
			[]string{"kind"},
		),
		decodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfyrt_decode_errors_total",
				Help: "Total number of frames dropped because they could not be decoded",
			},
			[]string{"reason"},
		),
		unknownKinds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "comfyrt_unknown_kinds_total",
				Help: "Number of distinct unrecognized message kinds seen",
			},
		),
		reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "comfyrt_reconnects_total",
				Help: "Total number of realtime reconnect attempts",
			},
		),
		polls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfyrt_status_polls_total",
				Help: "Total number of status polls by result",
			},
			[]string{"ok"},
		),
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comfyrt_prompts_submitted_total",
				Help: "Total number of prompt submissions by result",
			},
			[]string{"status"},
		),
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "comfyrt_connection_state",
				Help: "1 for the current realtime connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		submissionLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "comfyrt_prompt_submit_duration_seconds",
				Help:    "Prompt submission round trip in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
	}
}

// RecordFrame counts a dispatched frame
func (c *Collector) RecordFrame(kind protocol.Kind) {
	c.framesReceived.WithLabelValues(string(kind)).Inc()
}

// RecordDecodeError counts a dropped frame
func (c *Collector) RecordDecodeError(reason string) {
	c.decodeErrors.WithLabelValues(reason).Inc()
}

// RecordUnknownKind counts a newly seen unrecognized kind
func (c *Collector) RecordUnknownKind() {
	c.unknownKinds.Inc()
}

// RecordConnectionState sets the state gauge
func (c *Collector) RecordConnectionState(state string) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.connectionState.WithLabelValues(s).Set(value)
	}
}

// RecordReconnect counts a reconnect attempt
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// RecordPoll counts a status poll
func (c *Collector) RecordPoll(ok bool) {
	c.polls.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// RecordSubmission counts a submission and observes its latency
func (c *Collector) RecordSubmission(status string, duration time.Duration) {
	c.submissions.WithLabelValues(status).Inc()
	c.submissionLatency.Observe(duration.Seconds())
}
