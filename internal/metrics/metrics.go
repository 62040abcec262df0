package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"routeGuard/internal/model"
	"routeGuard/internal/ratelimit"
)

const namespace = "routeguard"

var histogramBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics holds the collectors and implements the pool, limiter and orchestrator
// observer hooks.
type Metrics struct {
	rotations     *prometheus.CounterVec
	health        *prometheus.GaugeVec
	rateLimitHits *prometheus.CounterVec
	cooldowns     *prometheus.CounterVec
	swaps         *prometheus.CounterVec
	swapDuration  *prometheus.HistogramVec
}

// New registers the collectors on reg. Collectors that are already registered are
// reused.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "rotations_total",
			Help:      "Endpoint rotations by reason",
		}, []string{"reason"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "healthy",
			Help:      "1 when the endpoint passed its last health check",
		}, []string{"url"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Rate-limit responses seen per bucket",
		}, []string{"bucket"}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "cooldowns_total",
			Help:      "Bucket cooldowns entered",
		}, []string{"bucket"}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "results_total",
			Help:      "Terminal swap results by provider and outcome",
		}, []string{"provider", "side", "outcome"}),
		swapDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "duration_seconds",
			Help:      "Wall time of orchestrator calls",
			Buckets:   histogramBuckets,
		}, []string{"provider"}),
	}

	m.rotations = register(reg, m.rotations)
	m.health = register(reg, m.health)
	m.rateLimitHits = register(reg, m.rateLimitHits)
	m.cooldowns = register(reg, m.cooldowns)
	m.swaps = register(reg, m.swaps)
	m.swapDuration = register(reg, m.swapDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) EndpointRotated(_, _, reason string) {
	m.rotations.WithLabelValues(reason).Inc()
}

func (m *Metrics) EndpointHealth(url string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.health.WithLabelValues(url).Set(v)
}

func (m *Metrics) RateLimitHit(bucket string) {
	m.rateLimitHits.WithLabelValues(bucket).Inc()
}

func (m *Metrics) BucketCooldown(bucket string, _ time.Time) {
	m.cooldowns.WithLabelValues(bucket).Inc()
}

func (m *Metrics) SwapCompleted(result model.SwapResult, elapsed time.Duration) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
		if result.ErrorKind != "" {
			outcome = result.ErrorKind
		}
	}
	provider := result.Provider
	if provider == "" {
		provider = "none"
	}
	m.swaps.WithLabelValues(provider, result.Side, outcome).Inc()
	m.swapDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// StatusFunc returns a limiter snapshot.
type StatusFunc func() ratelimit.Status

// BucketCollector exports live token counts read from the limiter at scrape time.
type BucketCollector struct {
	status   StatusFunc
	tokens   *prometheus.Desc
	capacity *prometheus.Desc
	queued   *prometheus.Desc
	cooling  *prometheus.Desc
}

func NewBucketCollector(status StatusFunc) *BucketCollector {
	labels := []string{"tier", "bucket"}
	return &BucketCollector{
		status:   status,
		tokens:   prometheus.NewDesc(namespace+"_ratelimit_tokens", "Tokens available in the bucket", labels, nil),
		capacity: prometheus.NewDesc(namespace+"_ratelimit_capacity", "Bucket capacity", labels, nil),
		queued:   prometheus.NewDesc(namespace+"_ratelimit_queued", "Callers waiting for a token", labels, nil),
		cooling:  prometheus.NewDesc(namespace+"_ratelimit_cooling_down", "1 while the bucket is cooling down", labels, nil),
	}
}

func (c *BucketCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tokens
	ch <- c.capacity
	ch <- c.queued
	ch <- c.cooling
}

func (c *BucketCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.status()
	buckets := []ratelimit.BucketStatus{st.General}
	if !st.Price.Shared {
		buckets = append(buckets, st.Price)
	}
	for _, b := range buckets {
		cooling := 0.0
		if b.CoolingDown {
			cooling = 1
		}
		ch <- prometheus.MustNewConstMetric(c.tokens, prometheus.GaugeValue, b.Tokens, st.Tier, b.Name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, b.Capacity, st.Tier, b.Name)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(b.Queued), st.Tier, b.Name)
		ch <- prometheus.MustNewConstMetric(c.cooling, prometheus.GaugeValue, cooling, st.Tier, b.Name)
	}
}
