// Package metrics provides the Prometheus-backed implementation of the
// write-only Metrics interfaces internal/collector and internal/uplink
// define. Neither of those packages imports this one — Sink is wired in at
// cmd/collector/main.go and passed down as an interface, the same way the
// teacher wires its eventstream.EventStream into actors that only need to
// publish on it.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the concrete metrics backend. It satisfies both
// internal/collector.Metrics and internal/uplink.Metrics structurally.
type Sink struct {
	pollSuccess     *prometheus.CounterVec
	pollError       *prometheus.CounterVec
	channelOverflow *prometheus.CounterVec
	actorRestart    *prometheus.CounterVec
	loopLag         prometheus.Histogram

	publishSuccess prometheus.Counter
	publishBatch   prometheus.Histogram
	publishError   prometheus.Counter
	bufferSize     prometheus.Gauge
	backpressure   prometheus.Counter
}

// NewSink registers every metric against reg and returns the Sink. Call
// this once per process; registering the same metric twice panics, which
// is Prometheus' own defense against duplicate collectors and is treated
// here as a startup-time programming error, not something to recover from.
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		pollSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sunspec_collector_poll_success_total",
			Help: "Successful polling cycles, by device host.",
		}, []string{"host"}),
		pollError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sunspec_collector_poll_error_total",
			Help: "Failed polling cycles, by device host and failure kind.",
		}, []string{"host", "kind"}),
		channelOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sunspec_collector_channel_overflow_total",
			Help: "Observations dropped because the telemetry channel was full, by device host.",
		}, []string{"host"}),
		actorRestart: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sunspec_collector_actor_restart_total",
			Help: "Device actor restarts ordered by the Supervisor, by device host.",
		}, []string{"host"}),
		loopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sunspec_collector_loop_lag_seconds",
			Help:    "Difference between a polling cycle's actual duration and poll_interval.",
			Buckets: prometheus.DefBuckets,
		}),
		publishSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sunspec_collector_publish_success_total",
			Help: "Successful buffer-drain publish batches.",
		}),
		publishBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sunspec_collector_publish_batch_size",
			Help:    "Number of records published per successful batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		publishError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sunspec_collector_publish_error_total",
			Help: "Failed buffer-drain publish attempts.",
		}),
		bufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sunspec_collector_buffer_size",
			Help: "Current number of records queued in the durable buffer.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sunspec_collector_buffer_backpressure_total",
			Help: "Drain cycles observed with the buffer at or above its high water mark.",
		}),
	}

	reg.MustRegister(
		s.pollSuccess, s.pollError, s.channelOverflow, s.actorRestart, s.loopLag,
		s.publishSuccess, s.publishBatch, s.publishError, s.bufferSize, s.backpressure,
	)
	return s
}

// --- internal/collector.Metrics ---

func (s *Sink) PollSuccess(host string) {
	s.pollSuccess.WithLabelValues(host).Inc()
}

func (s *Sink) PollError(host, kind string) {
	s.pollError.WithLabelValues(host, kind).Inc()
}

func (s *Sink) ChannelOverflow(host string) {
	s.channelOverflow.WithLabelValues(host).Inc()
}

func (s *Sink) LoopLag(d time.Duration) {
	s.loopLag.Observe(d.Seconds())
}

func (s *Sink) ActorRestart(host string) {
	s.actorRestart.WithLabelValues(host).Inc()
}

// --- internal/uplink.Metrics ---

func (s *Sink) PublishSuccess(batchSize int) {
	s.publishSuccess.Inc()
	s.publishBatch.Observe(float64(batchSize))
}

func (s *Sink) PublishError() {
	s.publishError.Inc()
}

func (s *Sink) BufferSize(n int) {
	s.bufferSize.Set(float64(n))
}

func (s *Sink) Backpressure() {
	s.backpressure.Inc()
}
