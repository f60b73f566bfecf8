package compare

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
	"github.com/drblury/dualrun/internal/runtime/workers"
)

// ReasonGraceExpired marks a Secondary outcome synthesised because the
// Secondary did not report within the grace period after the Primary.
const ReasonGraceExpired = "grace_expired"

// Recorder persists the artefacts produced by the coordinator. Calls must
// not block.
type Recorder interface {
	RecordOutcome(*model.ResponseOutcome) error
	RecordComparison(*model.ComparisonResult) error
}

// CoordinatorOptions tunes pairing and evaluation.
type CoordinatorOptions struct {
	// Grace is how long to wait for the Secondary outcome after the Primary
	// outcome arrived.
	Grace time.Duration
	// PrimaryWait bounds how long a Secondary outcome waits for its Primary.
	// On expiry the result is undecidable and no Primary outcome is made up.
	PrimaryWait time.Duration
	Workers     int
	Queue       int
	// RuleTimeout bounds the rule store lookup of one evaluation.
	RuleTimeout time.Duration
	// TombstoneTTL is how long finalized ids are remembered so late
	// outcomes can be ignored.
	TombstoneTTL time.Duration
	// OnResult observes every result after it was handed to the recorder.
	OnResult func(model.ComparisonResult)
}

func (o CoordinatorOptions) withDefaults() CoordinatorOptions {
	if o.Grace <= 0 {
		o.Grace = 3 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Queue <= 0 {
		o.Queue = o.Workers * 64
	}
	if o.PrimaryWait <= 0 {
		o.PrimaryWait = 10 * o.Grace
	}
	if o.RuleTimeout <= 0 {
		o.RuleTimeout = time.Second
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = o.PrimaryWait + o.Grace
	}
	return o
}

type pending struct {
	apiType   string
	primary   *model.ResponseOutcome
	secondary *model.ResponseOutcome
	timer     *time.Timer
}

// Coordinator pairs the outcomes of each correlation id and evaluates every
// pair exactly once on its own worker pool.
type Coordinator struct {
	engine   *Engine
	rules    rules.Store
	recorder Recorder
	opts     CoordinatorOptions
	logger   logging.ServiceLogger
	pool     *workers.Pool
	tracer   trace.Tracer
	now      func() time.Time

	mu         sync.Mutex
	pending    map[string]*pending
	tombstones map[string]time.Time
	lastSweep  time.Time
	closed     bool
}

// NewCoordinator wires the engine to a rule store and recorder. A nil
// recorder discards results except for OnResult.
func NewCoordinator(engine *Engine, store rules.Store, recorder Recorder, opts CoordinatorOptions, logger logging.ServiceLogger) *Coordinator {
	opts = opts.withDefaults()
	if engine == nil {
		engine = NewEngine()
	}
	if store == nil {
		store = rules.NewMemoryStore()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logging.Component(logger, "comparison_coordinator")
	return &Coordinator{
		engine:     engine,
		rules:      store,
		recorder:   recorder,
		opts:       opts,
		logger:     logger,
		pool:       workers.New(workers.Options{Name: "comparison", Workers: opts.Workers, Queue: opts.Queue}, logger),
		tracer:     otel.Tracer("github.com/drblury/dualrun/compare"),
		now:        time.Now,
		pending:    make(map[string]*pending),
		tombstones: make(map[string]time.Time),
	}
}

// Offer hands one outcome to the coordinator. The first outcome per core
// wins; outcomes for ids that were already evaluated are ignored.
func (c *Coordinator) Offer(apiType string, outcome *model.ResponseOutcome) {
	if outcome == nil || outcome.CorrelationID == "" {
		return
	}
	id := outcome.CorrelationID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.sweepLocked()
	if _, done := c.tombstones[id]; done {
		c.mu.Unlock()
		c.logger.Debug("Ignoring late outcome", logging.LogFields{"correlation_id": id, "core": outcome.Core})
		return
	}
	p := c.pending[id]
	if p == nil {
		p = &pending{apiType: apiType}
		c.pending[id] = p
	}
	if p.apiType == "" {
		p.apiType = apiType
	}
	switch outcome.Core {
	case model.CorePrimary:
		if p.primary != nil {
			c.mu.Unlock()
			return
		}
		p.primary = outcome
	case model.CoreSecondary:
		if p.secondary != nil {
			c.mu.Unlock()
			return
		}
		p.secondary = outcome
	default:
		c.mu.Unlock()
		return
	}

	if p.primary != nil && p.secondary != nil {
		c.finalizeLocked(id, p)
		c.mu.Unlock()
		c.submit(p)
		return
	}
	// The grace period runs from the Primary's completion. A Secondary that
	// finished first only waits up to PrimaryWait.
	if p.timer == nil {
		wait := c.opts.Grace
		if p.primary == nil {
			wait = c.opts.PrimaryWait
		}
		p.timer = time.AfterFunc(wait, func() { c.expire(id) })
	}
	c.mu.Unlock()
}

// Pending returns the number of ids waiting for their second outcome.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) finalizeLocked(id string, p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, id)
	c.tombstones[id] = c.now().Add(c.opts.TombstoneTTL)
}

func (c *Coordinator) sweepLocked() {
	now := c.now()
	if now.Sub(c.lastSweep) < c.opts.TombstoneTTL/2 {
		return
	}
	c.lastSweep = now
	for id, until := range c.tombstones {
		if now.After(until) {
			delete(c.tombstones, id)
		}
	}
}

func (c *Coordinator) expire(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.finalizeLocked(id, p)
	c.mu.Unlock()

	c.fillMissing(p)
	c.submit(p)
}

// fillMissing records a TIMEOUT outcome for a Secondary that never reported,
// before the comparison that references it. A missing Primary is left
// missing: its real outcome is still recorded by the dispatcher.
func (c *Coordinator) fillMissing(p *pending) {
	if p.primary == nil || p.secondary != nil {
		return
	}
	id := p.primary.CorrelationID
	synth := &model.ResponseOutcome{
		CorrelationID: id,
		Core:          model.CoreSecondary,
		Status:        model.StatusTimeout,
		CompletedAt:   c.now().UTC(),
		Body:          model.BodyRef{StorageType: model.PayloadNone},
		Reason:        ReasonGraceExpired,
	}
	p.secondary = synth
	if c.recorder != nil {
		if err := c.recorder.RecordOutcome(synth); err != nil {
			c.logger.Debug("Synthesised outcome not recorded", logging.LogFields{"correlation_id": id, "error": err.Error()})
		}
	}
}

func (c *Coordinator) submit(p *pending) {
	if err := c.pool.TrySubmit(func() { c.evaluate(p) }); err != nil {
		result := c.engine.Undecidable(p.primary, p.secondary, rules.Empty(p.apiType), ReasonSaturated)
		c.logger.Error("Comparison skipped", err, logging.LogFields{"correlation_id": result.CorrelationID})
		c.emit(result)
	}
}

func (c *Coordinator) evaluate(p *pending) {
	ctx, span := c.tracer.Start(context.Background(), "dualrun.compare")
	defer span.End()

	ruleCtx, cancel := context.WithTimeout(ctx, c.opts.RuleTimeout)
	rule, err := c.rules.GetActiveRule(ruleCtx, p.apiType)
	cancel()

	var result model.ComparisonResult
	if err != nil {
		c.logger.Error("Failed to load comparison rule", err, logging.LogFields{"api_type": p.apiType})
		result = c.engine.Error(p.primary, p.secondary, rules.Empty(p.apiType), ReasonRuleUnavailable)
	} else {
		result = c.engine.Compare(p.primary, p.secondary, rule)
	}
	span.SetAttributes(
		attribute.String("dualrun.correlation_id", result.CorrelationID),
		attribute.String("dualrun.verdict", string(result.Verdict)),
		attribute.String("dualrun.rule_version", result.RuleVersion),
		attribute.Int("dualrun.diffs", len(result.Diffs)),
	)
	c.emit(result)
}

func (c *Coordinator) emit(result model.ComparisonResult) {
	if c.recorder != nil {
		if err := c.recorder.RecordComparison(&result); err != nil {
			c.logger.Debug("Comparison not recorded", logging.LogFields{"correlation_id": result.CorrelationID, "error": err.Error()})
		}
	}
	if c.opts.OnResult != nil {
		c.opts.OnResult(result)
	}
}

// Close evaluates every pending id immediately, waits for the evaluations
// and stops accepting outcomes.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	flush := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		c.finalizeLocked(id, p)
		flush = append(flush, p)
	}
	c.mu.Unlock()

	for _, p := range flush {
		c.fillMissing(p)
		c.submit(p)
	}
	return c.pool.Stop(ctx)
}
