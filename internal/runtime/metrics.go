package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks messenger throughput per entity.
type Metrics struct {
	mu sync.RWMutex

	entities map[string]*EntityStats

	sentTotal      *prometheus.CounterVec
	receivedTotal  *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	abandonedTotal *prometheus.CounterVec
	erroredTotal   *prometheus.CounterVec
	poisonTotal    *prometheus.CounterVec
	pollErrors     *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	sizeBytes      *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// EntityStats holds the counters of a single entity.
type EntityStats struct {
	Sent           uint64    `json:"sent"`
	Received       uint64    `json:"received"`
	Completed      uint64    `json:"completed"`
	Abandoned      uint64    `json:"abandoned"`
	Errored        uint64    `json:"errored"`
	PoisonRemoved  uint64    `json:"poison_removed"`
	PollErrors     uint64    `json:"poll_errors"`
	InFlight       int64     `json:"in_flight"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// MetricsSnapshot provides a point-in-time view of the messenger metrics.
type MetricsSnapshot struct {
	Entities    map[string]EntityStats `json:"entities"`
	CollectedAt time.Time              `json:"collected_at"`
}

func newCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queueflow",
			Subsystem: "messenger",
			Name:      name,
			Help:      help,
		},
		[]string{"entity"},
	)
}

// NewMetrics creates a metrics collector. A nil registerer uses the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		entities:       make(map[string]*EntityStats),
		registerer:     registerer,
		sentTotal:      newCounterVec("sent_total", "Total number of messages sent"),
		receivedTotal:  newCounterVec("received_total", "Total number of messages delivered to subscribers"),
		completedTotal: newCounterVec("completed_total", "Total number of messages completed"),
		abandonedTotal: newCounterVec("abandoned_total", "Total number of messages abandoned"),
		erroredTotal:   newCounterVec("errored_total", "Total number of messages errored"),
		poisonTotal:    newCounterVec("poison_removed_total", "Total number of undecodable messages removed"),
		pollErrors:     newCounterVec("poll_errors_total", "Total number of failed poll ticks"),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queueflow",
			Subsystem: "messenger",
			Name:      "in_flight",
			Help:      "Messages delivered but not yet acknowledged",
		}, []string{"entity"}),
		sizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queueflow",
			Subsystem: "messenger",
			Name:      "message_size_bytes",
			Help:      "Serialized envelope size of sent messages",
			Buckets:   []float64{256, 1024, 4096, 16384, 32768, 65536},
		}, []string{"entity"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// When another messenger already registered a collector on the same
// registerer, the existing one is adopted so both record into the same series.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	counters := []**prometheus.CounterVec{
		&m.sentTotal,
		&m.receivedTotal,
		&m.completedTotal,
		&m.abandonedTotal,
		&m.erroredTotal,
		&m.poisonTotal,
		&m.pollErrors,
	}
	for _, c := range counters {
		existing, err := registerOrAdopt(m.registerer, *c)
		if err != nil {
			return err
		}
		*c = existing
	}

	inFlight, err := registerOrAdopt(m.registerer, m.inFlight)
	if err != nil {
		return err
	}
	sizeBytes, err := registerOrAdopt(m.registerer, m.sizeBytes)
	if err != nil {
		return err
	}
	m.inFlight, m.sizeBytes = inFlight, sizeBytes

	m.registered = true
	return nil
}

func registerOrAdopt[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return c, err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return c, fmt.Errorf("metrics: collector registered with a different type: %w", err)
	}
	return existing, nil
}

func (m *Metrics) update(entity string, fn func(*EntityStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.entities[entity]
	if !ok {
		stats = &EntityStats{}
		m.entities[entity] = stats
	}
	fn(stats)
	stats.LastActivityAt = time.Now()
}

// RecordSent records one successful send of size bytes.
func (m *Metrics) RecordSent(entity string, size int) {
	m.update(entity, func(s *EntityStats) { s.Sent++ })
	m.sentTotal.WithLabelValues(entity).Inc()
	m.sizeBytes.WithLabelValues(entity).Observe(float64(size))
}

// RecordReceived records n messages delivered and now in flight.
func (m *Metrics) RecordReceived(entity string, n int) {
	if n == 0 {
		return
	}
	m.update(entity, func(s *EntityStats) {
		s.Received += uint64(n)
		s.InFlight += int64(n)
	})
	m.receivedTotal.WithLabelValues(entity).Add(float64(n))
	m.inFlight.WithLabelValues(entity).Add(float64(n))
}

func (m *Metrics) settle(entity string, counter *prometheus.CounterVec, fn func(*EntityStats)) {
	var tracked bool
	m.update(entity, func(s *EntityStats) {
		fn(s)
		if s.InFlight > 0 {
			s.InFlight--
			tracked = true
		}
	})
	counter.WithLabelValues(entity).Inc()
	if tracked {
		m.inFlight.WithLabelValues(entity).Dec()
	}
}

// RecordCompleted records a completed message.
func (m *Metrics) RecordCompleted(entity string) {
	m.settle(entity, m.completedTotal, func(s *EntityStats) { s.Completed++ })
}

// RecordAbandoned records an abandoned message.
func (m *Metrics) RecordAbandoned(entity string) {
	m.settle(entity, m.abandonedTotal, func(s *EntityStats) { s.Abandoned++ })
}

// RecordErrored records a message completed through Error.
func (m *Metrics) RecordErrored(entity string) {
	m.settle(entity, m.erroredTotal, func(s *EntityStats) { s.Errored++ })
}

// RecordPoisonRemoved records an undecodable message deleted from the entity.
func (m *Metrics) RecordPoisonRemoved(entity string) {
	m.update(entity, func(s *EntityStats) { s.PoisonRemoved++ })
	m.poisonTotal.WithLabelValues(entity).Inc()
}

// RecordPollError records a failed poll tick.
func (m *Metrics) RecordPollError(entity string) {
	m.update(entity, func(s *EntityStats) { s.PollErrors++ })
	m.pollErrors.WithLabelValues(entity).Inc()
}

// ResetInFlight drops the messages this collector counted as in flight, used
// when tracking is dropped. Gauges shared with other messengers keep their
// share.
func (m *Metrics) ResetInFlight() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for entity, s := range m.entities {
		if s.InFlight != 0 {
			m.inFlight.WithLabelValues(entity).Sub(float64(s.InFlight))
		}
		s.InFlight = 0
	}
}

// Snapshot returns a copy of the per-entity counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := MetricsSnapshot{Entities: make(map[string]EntityStats, len(m.entities)), CollectedAt: time.Now()}
	for name, s := range m.entities {
		out.Entities[name] = *s
	}
	return out
}

// EntityStats returns the counters of entity, or nil if nothing was recorded.
func (m *Metrics) EntityStats(entity string) *EntityStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.entities[entity]; ok {
		c := *s
		return &c
	}
	return nil
}
