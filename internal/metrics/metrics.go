// Package metrics provides Prometheus metrics for the speech service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nikhilbhutani/supertts/internal/enginepool"
)

const Namespace = "supertts"

// Metrics holds the request-path metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Synthesis metrics
	SynthesisTotal    *prometheus.CounterVec
	SynthesisDuration prometheus.Histogram
	AudioSeconds      prometheus.Counter
	CheckoutWait      prometheus.Histogram

	// Audio cache metrics
	AudioCacheLookups *prometheus.CounterVec

	// Batch metrics
	BatchTasksEnqueued prometheus.Counter
	BatchItems         *prometheus.CounterVec
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		SynthesisTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "synthesis_total",
			Help:      "Synthesis calls by outcome",
		}, []string{"outcome"}),
		SynthesisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Wall time of a synthesis call",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		AudioSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "audio_generated_seconds_total",
			Help:      "Seconds of audio produced",
		}),
		CheckoutWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "engine_checkout_wait_seconds",
			Help:      "Time spent waiting for an engine",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		AudioCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "audio_cache_lookups_total",
			Help:      "Audio cache lookups by result",
		}, []string{"result"}),

		BatchTasksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batch_tasks_enqueued_total",
			Help:      "Batch synthesis tasks enqueued",
		}),
		BatchItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "batch_items_total",
			Help:      "Batch items processed by outcome",
		}, []string{"outcome"}),
	}
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordSynthesis records one synthesis call.
func (m *Metrics) RecordSynthesis(err error, d, audio time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SynthesisTotal.WithLabelValues(outcome).Inc()
	m.SynthesisDuration.Observe(d.Seconds())
	if err == nil {
		m.AudioSeconds.Add(audio.Seconds())
	}
}

func (m *Metrics) RecordCheckoutWait(d time.Duration) {
	m.CheckoutWait.Observe(d.Seconds())
}

func (m *Metrics) RecordAudioCache(hit bool) {
	if hit {
		m.AudioCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.AudioCacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) RecordBatchItem(err error) {
	if err != nil {
		m.BatchItems.WithLabelValues("error").Inc()
		return
	}
	m.BatchItems.WithLabelValues("ok").Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StatsSource is satisfied by *enginepool.Pool.
type StatsSource interface {
	Stats() enginepool.Stats
}

// PoolCollector exports pool statistics at scrape time.
type PoolCollector struct {
	src StatsSource

	engines      *prometheus.Desc
	busy         *prometheus.Desc
	permits      *prometheus.Desc
	styles       *prometheus.Desc
	checkouts    *prometheus.Desc
	cacheHits    *prometheus.Desc
	cacheMisses  *prometheus.Desc
	evictions    *prometheus.Desc
	replacements *prometheus.Desc
}

func NewPoolCollector(src StatsSource) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "pool", name), help, nil, nil)
	}
	return &PoolCollector{
		src:          src,
		engines:      desc("engines", "Engines currently loaded"),
		busy:         desc("busy_engines", "Engines bound to a live handle"),
		permits:      desc("available_permits", "Checkout permits not in use"),
		styles:       desc("cached_voice_styles", "Voice styles in the cache"),
		checkouts:    desc("checkouts_total", "Successful engine checkouts"),
		cacheHits:    desc("voice_style_cache_hits_total", "Voice style cache hits"),
		cacheMisses:  desc("voice_style_cache_misses_total", "Voice style cache misses"),
		evictions:    desc("voice_style_cache_evictions_total", "Voice style cache evictions"),
		replacements: desc("engine_replacements_total", "Engines discarded after failure"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.engines, c.busy, c.permits, c.styles, c.checkouts,
		c.cacheHits, c.cacheMisses, c.evictions, c.replacements,
	} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge(c.engines, float64(s.TotalEngines))
	gauge(c.busy, float64(s.BusyEngines))
	gauge(c.permits, float64(s.AvailablePermits))
	gauge(c.styles, float64(s.CachedVoiceStyles))
	counter(c.checkouts, s.TotalCheckouts)
	counter(c.cacheHits, s.CacheHits)
	counter(c.cacheMisses, s.CacheMisses)
	counter(c.evictions, s.CacheEvictions)
	counter(c.replacements, s.EngineReplacements)
}
