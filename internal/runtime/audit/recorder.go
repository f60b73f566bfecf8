package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/storage"
)

// Drop reasons reported to Metrics.
const (
	DropQueueFull  = "queue_full"
	DropExhausted  = "retries_exhausted"
	DropEncode     = "encode_failed"
	DropDependency = "dependency_dropped"
	DropClosed     = "closed"
)

// Options tunes batching and retries.
type Options struct {
	QueueSize       int
	BatchSize       int
	FlushInterval   time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// SensitiveHeaders are masked before a record is queued.
	SensitiveHeaders []string
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 200 * time.Millisecond
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 50 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 2 * time.Second
	}
	return o
}

// Metrics observes the recorder. Implementations must be cheap.
type Metrics interface {
	AuditWritten(kind storage.Kind, n int)
	AuditDropped(kind storage.Kind, reason string)
	AuditRetried()
}

type noopMetrics struct{}

func (noopMetrics) AuditWritten(storage.Kind, int)    {}
func (noopMetrics) AuditDropped(storage.Kind, string) {}
func (noopMetrics) AuditRetried()                     {}

type item struct {
	kind       storage.Kind
	id         string
	request    *model.RequestSnapshot
	outcome    *model.ResponseOutcome
	comparison *model.ComparisonResult
}

// Recorder queues records and appends them in batches from a single
// background goroutine, so records reach storage in the order they were
// recorded.
type Recorder struct {
	store   storage.Adapter
	opts    Options
	masker  *Masker
	logger  logging.ServiceLogger
	metrics Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}

	// dropped holds ids whose request or outcome never reached storage;
	// comparisons for them are dropped as well.
	droppedMu sync.Mutex
	dropped   map[string]struct{}

	enqueued atomic.Uint64
	written  atomic.Uint64
	lost     atomic.Uint64
	retries  atomic.Uint64
}

// NewRecorder starts the background flusher.
func NewRecorder(store storage.Adapter, opts Options, logger logging.ServiceLogger, metrics Metrics) (*Recorder, error) {
	if store == nil {
		return nil, errorspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errorspkg.ErrLoggerRequired
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	opts = opts.withDefaults()
	r := &Recorder{
		store:   store,
		opts:    opts,
		masker:  NewMasker(opts.SensitiveHeaders),
		logger:  logging.Component(logger, "audit_recorder"),
		metrics: metrics,
		queue:   make(chan item, opts.QueueSize),
		done:    make(chan struct{}),
		dropped: make(map[string]struct{}),
	}
	go r.run()
	return r, nil
}

// Masker exposes the header masker used before records are queued.
func (r *Recorder) Masker() *Masker { return r.masker }

// RecordRequest masks and queues a snapshot. The stored copy never carries
// raw headers.
func (r *Recorder) RecordRequest(s *model.RequestSnapshot) error {
	if s == nil {
		return nil
	}
	cp := *s
	cp.MaskedHeaders = r.masker.Apply(s.Headers)
	cp.Headers = nil
	return r.enqueue(item{kind: storage.KindRequest, id: cp.CorrelationID, request: &cp})
}

// RecordOutcome masks response headers and queues the outcome.
func (r *Recorder) RecordOutcome(o *model.ResponseOutcome) error {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Headers = r.masker.Apply(o.Headers)
	return r.enqueue(item{kind: storage.KindOutcome, id: cp.CorrelationID, outcome: &cp})
}

// RecordComparison queues a comparison result.
func (r *Recorder) RecordComparison(c *model.ComparisonResult) error {
	if c == nil {
		return nil
	}
	cp := *c
	return r.enqueue(item{kind: storage.KindComparison, id: cp.CorrelationID, comparison: &cp})
}

func (r *Recorder) enqueue(it item) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(it, DropClosed)
		return errorspkg.ErrRecorderDone
	}
	select {
	case r.queue <- it:
		r.enqueued.Add(1)
		return nil
	default:
		r.drop(it, DropQueueFull)
		return errorspkg.ErrQueueFull
	}
}

func (r *Recorder) drop(it item, reason string) {
	r.lost.Add(1)
	r.metrics.AuditDropped(it.kind, reason)
	if it.kind != storage.KindComparison {
		r.droppedMu.Lock()
		if len(r.dropped) >= 100_000 {
			r.dropped = make(map[string]struct{})
		}
		r.dropped[it.id] = struct{}{}
		r.droppedMu.Unlock()
	}
}

func (r *Recorder) dependencyDropped(id string) bool {
	r.droppedMu.Lock()
	defer r.droppedMu.Unlock()
	_, ok := r.dropped[id]
	return ok
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]item, 0, r.opts.BatchSize)
	for {
		select {
		case it, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, it)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []item) {
	if len(batch) == 0 {
		return
	}
	records := make([]storage.Record, 0, len(batch))
	kept := make([]item, 0, len(batch))
	for _, it := range batch {
		if it.kind == storage.KindComparison && r.dependencyDropped(it.id) {
			r.drop(it, DropDependency)
			r.logger.Info("Dropping comparison whose outcome was not persisted", logging.LogFields{"correlation_id": it.id})
			continue
		}
		rec, err := encode(it)
		if err != nil {
			r.drop(it, DropEncode)
			r.logger.Error("Failed to encode audit record", err, logging.LogFields{"correlation_id": it.id, "kind": it.kind})
			continue
		}
		records = append(records, rec)
		kept = append(kept, it)
	}
	if len(records) == 0 {
		return
	}

	if err := r.appendWithRetry(records); err != nil {
		for _, it := range kept {
			r.drop(it, DropExhausted)
		}
		r.logger.Error("Dropping audit batch after retries", err, logging.LogFields{"records": len(records)})
		return
	}
	r.written.Add(uint64(len(records)))
	counts := make(map[storage.Kind]int, 3)
	for _, rec := range records {
		counts[rec.Kind]++
	}
	for kind, n := range counts {
		r.metrics.AuditWritten(kind, n)
	}
}

func (r *Recorder) appendWithRetry(records []storage.Record) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, r.store.Append(context.Background(), records...)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.retries.Add(1)
			r.metrics.AuditRetried()
			r.logger.Debug("Retrying audit append", logging.LogFields{"error": err.Error(), "next": next.String()})
		}),
	)
	return err
}

func encode(it item) (storage.Record, error) {
	switch it.kind {
	case storage.KindRequest:
		return storage.NewRequestRecord(it.request)
	case storage.KindOutcome:
		return storage.NewOutcomeRecord(it.outcome)
	case storage.KindComparison:
		return storage.NewComparisonRecord(it.comparison)
	default:
		return storage.Record{}, fmt.Errorf("unknown audit item kind %q", it.kind)
	}
}

// Stats is a point-in-time view of the recorder.
type Stats struct {
	Queued   int    `json:"queued"`
	Enqueued uint64 `json:"enqueued"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Retries  uint64 `json:"retries"`
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Queued:   len(r.queue),
		Enqueued: r.enqueued.Load(),
		Written:  r.written.Load(),
		Dropped:  r.lost.Load(),
		Retries:  r.retries.Load(),
	}
}

// Close stops accepting records and waits until everything queued was
// flushed or ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
