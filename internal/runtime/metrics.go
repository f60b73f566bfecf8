package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/dualrun/internal/runtime/eventbus"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/storage"
)

const metricsNamespace = "dualrun"

// Metrics exports dispatch, comparison, audit and sink counters to
// Prometheus and keeps a plain copy for the admin API.
type Metrics struct {
	mu sync.RWMutex

	outcomes map[model.Core]map[model.OutcomeStatus]uint64
	skips    map[string]uint64
	verdicts map[model.Verdict]uint64
	audit    AuditCounters
	sink     SinkCounters

	outcomesTotal    *prometheus.CounterVec
	latencySeconds   *prometheus.HistogramVec
	skippedTotal     *prometheus.CounterVec
	comparisonsTotal *prometheus.CounterVec
	latencyDelta     prometheus.Histogram
	auditWritten     *prometheus.CounterVec
	auditDropped     *prometheus.CounterVec
	auditRetries     prometheus.Counter
	sinkPublished    *prometheus.CounterVec

	busCollectors []prometheus.Collector

	registerer prometheus.Registerer
	registered bool
}

// AuditCounters mirrors the audit collectors.
type AuditCounters struct {
	Written map[storage.Kind]uint64 `json:"written"`
	Dropped map[string]uint64       `json:"dropped"`
	Retries uint64                  `json:"retries"`
}

// SinkCounters mirrors the event sink collector.
type SinkCounters struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Outcomes    map[model.Core]map[model.OutcomeStatus]uint64 `json:"outcomes"`
	Skips       map[string]uint64                             `json:"secondary_skips"`
	Verdicts    map[model.Verdict]uint64                      `json:"verdicts"`
	Audit       AuditCounters                                 `json:"audit"`
	Sink        SinkCounters                                  `json:"sink"`
	CollectedAt time.Time                                     `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Nothing is registered until Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		outcomes: make(map[model.Core]map[model.OutcomeStatus]uint64),
		skips:    make(map[string]uint64),
		verdicts: make(map[model.Verdict]uint64),
		audit: AuditCounters{
			Written: make(map[storage.Kind]uint64),
			Dropped: make(map[string]uint64),
		},
		registerer:       registerer,
		outcomesTotal:    newCounterVec("dispatch", "outcomes_total", "Terminal outcomes per core and status", []string{"core", "status"}),
		latencySeconds:   newHistogramVec("dispatch", "latency_seconds", "Latency of completed calls per core", prometheus.DefBuckets, []string{"core"}),
		skippedTotal:     newCounterVec("dispatch", "secondary_skipped_total", "Mirrored requests whose Secondary call was skipped", []string{"reason"}),
		comparisonsTotal: newCounterVec("compare", "results_total", "Comparison results per verdict", []string{"verdict"}),
		latencyDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "compare",
			Name:      "latency_delta_seconds",
			Help:      "Secondary latency minus Primary latency for decided comparisons",
			Buckets:   []float64{-1, -0.25, -0.05, -0.01, 0, 0.01, 0.05, 0.25, 1},
		}),
		auditWritten: newCounterVec("audit", "written_total", "Records persisted by the audit recorder", []string{"kind"}),
		auditDropped: newCounterVec("audit", "dropped_total", "Records dropped by the audit recorder", []string{"kind", "reason"}),
		auditRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "retries_total",
			Help:      "Storage append retries",
		}),
		sinkPublished: newCounterVec("sink", "published_total", "Lifecycle events handed to the event sink", []string{"result"}),
	}
}

// WatchBus exposes the bus ring statistics as gauges. Call before Register.
func (m *Metrics) WatchBus(bus *eventbus.Bus) {
	if bus == nil {
		return
	}
	gauge := func(name, help string, fn func(eventbus.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(bus.Stats()) })
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busCollectors = append(m.busCollectors,
		gauge("dropped", "Events evicted from the ring before every subscriber read them", func(s eventbus.Stats) float64 { return float64(s.Dropped) }),
		gauge("buffered", "Events currently retained by the ring", func(s eventbus.Stats) float64 { return float64(s.Buffered) }),
		gauge("subscribers", "Attached bus subscribers", func(s eventbus.Stats) float64 { return float64(s.Subscribers) }),
	)
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.outcomesTotal,
		m.latencySeconds,
		m.skippedTotal,
		m.comparisonsTotal,
		m.latencyDelta,
		m.auditWritten,
		m.auditDropped,
		m.auditRetries,
		m.sinkPublished,
	}
	collectors = append(collectors, m.busCollectors...)

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveOutcome counts a terminal outcome.
func (m *Metrics) ObserveOutcome(o *model.ResponseOutcome) {
	if o == nil {
		return
	}
	m.mu.Lock()
	byStatus, ok := m.outcomes[o.Core]
	if !ok {
		byStatus = make(map[model.OutcomeStatus]uint64)
		m.outcomes[o.Core] = byStatus
	}
	byStatus[o.Status]++
	if o.Status == model.StatusSkipped {
		m.skips[o.Reason]++
	}
	m.mu.Unlock()

	m.outcomesTotal.WithLabelValues(string(o.Core), string(o.Status)).Inc()
	switch o.Status {
	case model.StatusSkipped:
		m.skippedTotal.WithLabelValues(o.Reason).Inc()
	case model.StatusSuccess, model.StatusFail:
		m.latencySeconds.WithLabelValues(string(o.Core)).Observe(o.Latency.Seconds())
	}
}

// ObserveComparison counts a comparison result.
func (m *Metrics) ObserveComparison(r model.ComparisonResult) {
	m.mu.Lock()
	m.verdicts[r.Verdict]++
	m.mu.Unlock()

	m.comparisonsTotal.WithLabelValues(string(r.Verdict)).Inc()
	if r.PrimaryPresent && r.SecondaryPresent && r.Comparable() {
		m.latencyDelta.Observe(r.LatencyDelta.Seconds())
	}
}

func (m *Metrics) AuditWritten(kind storage.Kind, n int) {
	m.mu.Lock()
	m.audit.Written[kind] += uint64(n)
	m.mu.Unlock()
	m.auditWritten.WithLabelValues(string(kind)).Add(float64(n))
}

func (m *Metrics) AuditDropped(kind storage.Kind, reason string) {
	m.mu.Lock()
	m.audit.Dropped[reason]++
	m.mu.Unlock()
	m.auditDropped.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) AuditRetried() {
	m.mu.Lock()
	m.audit.Retries++
	m.mu.Unlock()
	m.auditRetries.Inc()
}

// SinkResult counts one forwarder publish attempt.
func (m *Metrics) SinkResult(err error) {
	result := "ok"
	m.mu.Lock()
	if err != nil {
		result = "error"
		m.sink.Failed++
	} else {
		m.sink.Published++
	}
	m.mu.Unlock()
	m.sinkPublished.WithLabelValues(result).Inc()
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		Outcomes: make(map[model.Core]map[model.OutcomeStatus]uint64, len(m.outcomes)),
		Skips:    make(map[string]uint64, len(m.skips)),
		Verdicts: make(map[model.Verdict]uint64, len(m.verdicts)),
		Audit: AuditCounters{
			Written: make(map[storage.Kind]uint64, len(m.audit.Written)),
			Dropped: make(map[string]uint64, len(m.audit.Dropped)),
			Retries: m.audit.Retries,
		},
		Sink:        m.sink,
		CollectedAt: time.Now().UTC(),
	}
	for core, byStatus := range m.outcomes {
		cp := make(map[model.OutcomeStatus]uint64, len(byStatus))
		for status, n := range byStatus {
			cp[status] = n
		}
		snap.Outcomes[core] = cp
	}
	for k, v := range m.skips {
		snap.Skips[k] = v
	}
	for k, v := range m.verdicts {
		snap.Verdicts[k] = v
	}
	for k, v := range m.audit.Written {
		snap.Audit.Written[k] = v
	}
	for k, v := range m.audit.Dropped {
		snap.Audit.Dropped[k] = v
	}
	return snap
}
