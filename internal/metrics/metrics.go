// Package metrics holds the Prometheus collectors shared by shardcast components.
//
// Every recording method is safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shardcast"

// Metrics groups all collectors exported by the process.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	cacheEntries     prometheus.Gauge
	cacheExpired     prometheus.Counter
	cacheConflicts   prometheus.Counter
	eventsApplied    *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	rateWait         *prometheus.HistogramVec
	rateRejected     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryRetries  prometheus.Counter
	deduplicated     prometheus.Counter
	subscriptions    prometheus.Gauge
	shardStatus      *prometheus.GaugeVec
	shardReconnects  *prometheus.CounterVec
	heartbeatLatency *prometheus.HistogramVec
	feedReconnects   prometheus.Counter
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates collectors bound to registerer; a nil registerer uses the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		cacheEntries:   newGauge("cache", "entries", "Number of live entries held by the entity cache"),
		cacheExpired:   newCounter("cache", "expired_total", "Entries removed because their TTL elapsed"),
		cacheConflicts: newCounter("cache", "version_conflicts_total", "Optimistic writes rejected with a version conflict"),
		eventsApplied:  newCounterVec("normalizer", "events_applied_total", "Events applied to the cache", []string{"origin", "event"}),
		eventsDropped:  newCounterVec("normalizer", "events_dropped_total", "Events dropped before reaching the cache", []string{"origin", "reason"}),
		rateWait: newHistogramVec("ratelimit", "wait_seconds", "Time spent waiting for a rate budget",
			[]float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10}, []string{"scope"}),
		rateRejected:    newCounterVec("ratelimit", "rejected_total", "Acquisitions rejected with rate exceeded", []string{"scope", "reason"}),
		deliveries:      newCounterVec("dispatch", "deliveries_total", "Outbound delivery outcomes", []string{"result"}),
		deliveryRetries: newCounter("dispatch", "delivery_retries_total", "Outbound delivery retry attempts"),
		deduplicated:    newCounter("dispatch", "deduplicated_total", "Candidates suppressed by the dedup watermark"),
		subscriptions:   newGauge("dispatch", "subscriptions", "Active subscriptions"),
		shardStatus:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "gateway", Name: "shard_status", Help: "1 for the current status of each shard"}, []string{"shard", "status"}),
		shardReconnects: newCounterVec("gateway", "reconnects_total", "Shard reconnect attempts", []string{"shard", "mode"}),
		heartbeatLatency: newHistogramVec("gateway", "heartbeat_latency_seconds", "Heartbeat round trip latency",
			[]float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}, []string{"shard"}),
		feedReconnects: newCounter("feed", "reconnects_total", "Live-activity feed reconnect attempts"),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.cacheEntries,
		m.cacheExpired,
		m.cacheConflicts,
		m.eventsApplied,
		m.eventsDropped,
		m.rateWait,
		m.rateRejected,
		m.deliveries,
		m.deliveryRetries,
		m.deduplicated,
		m.subscriptions,
		m.shardStatus,
		m.shardReconnects,
		m.heartbeatLatency,
		m.feedReconnects,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// SetCacheEntries records the current number of cache entries.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// AddCacheExpired records entries removed by TTL.
func (m *Metrics) AddCacheExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheExpired.Add(float64(n))
}

// IncVersionConflict records one rejected optimistic write.
func (m *Metrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.cacheConflicts.Inc()
}

// IncEventApplied records one event applied to the cache.
func (m *Metrics) IncEventApplied(origin, event string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(origin, event).Inc()
}

// IncEventDropped records one event dropped for reason (unknown, duplicate, malformed).
func (m *Metrics) IncEventDropped(origin, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(origin, reason).Inc()
}

// ObserveRateWait records the time one acquisition spent suspended.
func (m *Metrics) ObserveRateWait(scope string, wait time.Duration) {
	if m == nil {
		return
	}
	m.rateWait.WithLabelValues(scope).Observe(wait.Seconds())
}

// IncRateRejected records one rejected acquisition.
func (m *Metrics) IncRateRejected(scope, reason string) {
	if m == nil {
		return
	}
	m.rateRejected.WithLabelValues(scope, reason).Inc()
}

// IncDelivery records one delivery outcome (sent, failed, dropped, notice).
func (m *Metrics) IncDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// IncDeliveryRetry records one delivery retry attempt.
func (m *Metrics) IncDeliveryRetry() {
	if m == nil {
		return
	}
	m.deliveryRetries.Inc()
}

// IncDeduplicated records one candidate suppressed by a watermark.
func (m *Metrics) IncDeduplicated() {
	if m == nil {
		return
	}
	m.deduplicated.Inc()
}

// SetSubscriptions records the active subscription count.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// SetShardStatus marks status as the only active status of shard.
func (m *Metrics) SetShardStatus(shard int, status string, all []string) {
	if m == nil {
		return
	}
	label := strconv.Itoa(shard)
	for _, candidate := range all {
		value := 0.0
		if candidate == status {
			value = 1
		}
		m.shardStatus.WithLabelValues(label, candidate).Set(value)
	}
}

// IncShardReconnect records one reconnect of shard in mode (resume or identify).
func (m *Metrics) IncShardReconnect(shard int, mode string) {
	if m == nil {
		return
	}
	m.shardReconnects.WithLabelValues(strconv.Itoa(shard), mode).Inc()
}

// ObserveHeartbeat records one heartbeat round trip of shard.
func (m *Metrics) ObserveHeartbeat(shard int, latency time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.WithLabelValues(strconv.Itoa(shard)).Observe(latency.Seconds())
}

// IncFeedReconnect records one feed reconnect.
func (m *Metrics) IncFeedReconnect() {
	if m == nil {
		return
	}
	m.feedReconnects.Inc()
}
