package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/model"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory buckets failures in the stats breakdown.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps an error to a category.
type ErrorClassifier func(error) ErrorCategory

// ClassifyError is the default ErrorClassifier.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var fault *errorspkg.TransportFault
	switch {
	case errors.As(err, &fault):
		if fault.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, errorspkg.ErrOversizeBody),
		errors.Is(err, errorspkg.ErrRuleInvalid):
		return ErrorCategoryValidation
	}
	var cfgErr errorspkg.ConfigValidationError
	if errors.As(err, &cfgErr) {
		return ErrorCategoryValidation
	}
	return ErrorCategoryOther
}

// outcomeCategory classifies an outcome from its status and reason code.
func outcomeCategory(o *model.ResponseOutcome) ErrorCategory {
	switch o.Status {
	case model.StatusSuccess, model.StatusSkipped:
		return ErrorCategoryNone
	case model.StatusTimeout:
		return ErrorCategoryTimeout
	}
	switch errorspkg.FaultKind(o.Reason) {
	case errorspkg.FaultConnection, errorspkg.FaultProtocol:
		return ErrorCategoryTransport
	case errorspkg.FaultTimeout:
		return ErrorCategoryTimeout
	}
	return ErrorCategoryOther
}

// CoreStats are rolling statistics for one core.
type CoreStats struct {
	Completed       uint64            `json:"completed"`
	Failed          uint64            `json:"failed"`
	Skipped         uint64            `json:"skipped"`
	LastCompletedAt time.Time         `json:"last_completed_at"`
	Latency         LatencyMetrics    `json:"latency"`
	Throughput      ThroughputMetrics `json:"throughput"`
	Errors          ErrorBreakdown    `json:"errors"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"requests_in_window"`
	TotalMessages    uint64  `json:"total_requests"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Timeout    uint64 `json:"timeout"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

// Record counts one failure.
func (e *ErrorBreakdown) Record(category ErrorCategory, message string) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryTimeout:
		e.Timeout++
	default:
		e.Other++
	}
	if message != "" {
		e.LastError = message
	}
}

// StatsSnapshot is served at GET /api/stats.
type StatsSnapshot struct {
	Cores       map[model.Core]CoreStats `json:"cores"`
	Resource    ResourceUsage            `json:"resource"`
	CollectedAt time.Time                `json:"collected_at"`
}

type coreWindow struct {
	stats      CoreStats
	totalNs    int64
	latency    *latencyWindow
	throughput *throughputWindow
}

// Stats keeps latency percentiles, throughput and an error breakdown per core.
type Stats struct {
	mu        sync.Mutex
	cores     map[model.Core]*coreWindow
	resources *resourceTracker
	now       func() time.Time
}

// NewStats returns empty rolling statistics.
func NewStats() *Stats {
	return &Stats{
		cores:     make(map[model.Core]*coreWindow),
		resources: newResourceTracker(),
		now:       time.Now,
	}
}

func (s *Stats) window(core model.Core) *coreWindow {
	w, ok := s.cores[core]
	if !ok {
		w = &coreWindow{
			latency:    newLatencyWindow(latencySampleSize),
			throughput: newThroughputWindow(throughputWindowSize),
		}
		s.cores[core] = w
	}
	return w
}

// ObserveOutcome folds one terminal outcome into the core's window.
// Skipped outcomes are counted but carry no latency.
func (s *Stats) ObserveOutcome(o *model.ResponseOutcome) {
	if o == nil {
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.window(o.Core)
	if o.Status == model.StatusSkipped {
		w.stats.Skipped++
		return
	}

	w.stats.Completed++
	if o.Status != model.StatusSuccess {
		w.stats.Failed++
	}
	w.stats.LastCompletedAt = now.UTC()

	w.totalNs += int64(o.Latency)
	w.latency.Add(o.Latency)
	snapshot := w.latency.Snapshot()
	snapshot.AverageNs = w.totalNs / int64(w.stats.Completed)
	w.stats.Latency = snapshot

	tp := w.throughput.AddAndSnapshot(now)
	w.stats.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    w.stats.Completed,
	}

	w.stats.Errors.Record(outcomeCategory(o), o.Error)
}

// Snapshot copies the per-core stats and samples process resources.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	cores := make(map[model.Core]CoreStats, len(s.cores))
	for core, w := range s.cores {
		cores[core] = w.stats
	}
	s.mu.Unlock()

	return StatsSnapshot{
		Cores:       cores,
		Resource:    s.resources.Snapshot(),
		CollectedAt: s.now().UTC(),
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

// percentile interpolates linearly between the two nearest ranks of a sorted slice.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
