// Package metrics exposes dispatcher and pipeline activity as Prometheus
// collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitrise-io/go-s3stream/dispatch"
	"github.com/bitrise-io/go-s3stream/pipeline"
	"github.com/bitrise-io/go-s3stream/region"
)

const namespace = "s3stream"

// Collector implements dispatch.Observer and pipeline.Observer.
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attempts        prometheus.Histogram
	retries         *prometheus.CounterVec

	chunks        *prometheus.CounterVec
	chunkBytes    prometheus.Counter
	chunkDuration prometheus.Histogram
	inFlight      prometheus.Gauge
}

var (
	_ dispatch.Observer = (*Collector)(nil)
	_ pipeline.Observer = (*Collector)(nil)
)

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Logical requests by method and final status (0 when no response was received).",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Duration of logical requests including every retry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts",
			Help:      "Transmissions per logical request.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "classified_retries_total",
			Help:      "Retry cycles started by classified server errors.",
		}, []string{"reason"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks_total",
			Help:      "Finished chunk operations by result.",
		}, []string{"result"}),
		chunkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "bytes_total",
			Help:      "Bytes in successfully transmitted chunks.",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunk_duration_seconds",
			Help:      "Read plus transmit time of a chunk.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Chunk operations currently in flight.",
		}),
	}

	reg.MustRegister(c.requests, c.requestDuration, c.attempts, c.retries,
		c.chunks, c.chunkBytes, c.chunkDuration, c.inFlight)

	return c
}

// ObserveRequest implements dispatch.Observer.
func (c *Collector) ObserveRequest(method string, status int, duration time.Duration, attempts int) {
	c.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	c.attempts.Observe(float64(attempts))
}

// ObserveRetry implements dispatch.Observer.
func (c *Collector) ObserveRetry(reason string) {
	c.retries.WithLabelValues(reason).Inc()
}

// ObserveInFlight implements pipeline.Observer.
func (c *Collector) ObserveInFlight(delta int) {
	c.inFlight.Add(float64(delta))
}

// ObserveChunk implements pipeline.Observer.
func (c *Collector) ObserveChunk(bytes int64, duration time.Duration, err error) {
	if err != nil {
		c.chunks.WithLabelValues("error").Inc()
		return
	}
	c.chunks.WithLabelValues("ok").Inc()
	c.chunkBytes.Add(float64(bytes))
	c.chunkDuration.Observe(duration.Seconds())
}

// RegisterRegionCache exposes the number of cached bucket regions.
func RegisterRegionCache(reg prometheus.Registerer, cache *region.Cache) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "region",
		Name:      "cached_buckets",
		Help:      "Buckets with a cached region.",
	}, func() float64 {
		return float64(cache.Len())
	}))
}
