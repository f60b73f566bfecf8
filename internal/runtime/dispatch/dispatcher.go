// Package dispatch routes one inbound request to the Primary service and,
// when the traffic plan allows it, mirrors it to the Secondary service out
// of band.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/dualrun/internal/runtime/bodystream"
	"github.com/drblury/dualrun/internal/runtime/config"
	"github.com/drblury/dualrun/internal/runtime/correlation"
	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/eventbus"
	"github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/traffic"
	"github.com/drblury/dualrun/internal/runtime/workers"
)

// Recorder receives audit records. Both calls must return immediately.
type Recorder interface {
	RecordRequest(s *model.RequestSnapshot) error
	RecordOutcome(o *model.ResponseOutcome) error
}

// Comparator pairs outcomes of mirrored requests.
type Comparator interface {
	Offer(apiType string, outcome *model.ResponseOutcome)
}

// Publisher accepts lifecycle events without blocking.
type Publisher interface {
	Publish(ev eventbus.Event)
}

// HeaderMasker redacts headers before they leave the dispatcher in events.
type HeaderMasker interface {
	Apply(h http.Header) http.Header
}

// Observer is told about every outcome, typically for metrics.
type Observer interface {
	ObserveOutcome(o *model.ResponseOutcome)
}

// Deps wires a Dispatcher. Settings, Primary and Logger are required.
type Deps struct {
	Settings   traffic.SettingsSource
	Planner    *traffic.Controller
	Primary    model.ServiceClient
	Secondary  model.ServiceClient
	Pool       *workers.Pool
	Recorder   Recorder
	Comparator Comparator
	Bus        Publisher
	Masker     HeaderMasker
	Observer   Observer
	OnState    StateFunc
	Logger     logging.ServiceLogger
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Dispatcher implements the dual-run request path.
type Dispatcher struct {
	deps   Deps
	logger logging.ServiceLogger
	tracer trace.Tracer
	now    func() time.Time
}

// New validates deps. A missing Planner defaults to a clock-seeded one; a
// missing Pool or Secondary means every mirror attempt is skipped.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Settings == nil {
		return nil, errorspkg.ErrConfigRequired
	}
	if deps.Primary == nil {
		return nil, errorspkg.ErrClientRequired
	}
	if deps.Logger == nil {
		return nil, errorspkg.ErrLoggerRequired
	}
	if deps.Planner == nil {
		deps.Planner = traffic.NewController(deps.Settings, nil)
	}
	d := &Dispatcher{
		deps:   deps,
		logger: logging.Component(deps.Logger, "dispatcher"),
		tracer: deps.Tracer,
		now:    deps.Now,
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/drblury/dualrun/dispatch")
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// exchange is the state shared by both branches of one request.
type exchange struct {
	id       string
	apiType  string
	cfg      *config.Config
	plan     traffic.DispatchPlan
	mirrored bool
	snapshot *model.RequestSnapshot
	capture  *bodystream.Capture
	started  time.Time
}

// Dispatch forwards req to the Primary and returns its response. It never
// waits for the Secondary. A Primary transport fault is returned unchanged.
// The caller must close the returned body; the Primary outcome is recorded
// once the body reached EOF or was closed.
func (d *Dispatcher) Dispatch(ctx context.Context, req *model.Request) (*model.Response, error) {
	cfg := d.deps.Settings.Current()
	settings := cfg
	if settings == nil {
		settings = config.Default()
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	ctx, id := correlation.Ensure(ctx, req.Header, settings.AcceptInboundCorrelationID)
	d.state(id, StateReceived)

	apiType := req.Header.Get(settings.APITypeHeader)
	plan := d.deps.Planner.PlanWith(cfg, traffic.PlanInput{
		Method:       req.Method,
		Path:         req.Path,
		APIType:      apiType,
		Header:       req.Header,
		DeclaredSize: req.ContentLength,
	})
	if plan.Secondary && (d.deps.Secondary == nil || d.deps.Pool == nil) {
		plan.Secondary = false
	}

	x := &exchange{
		id:      id,
		apiType: apiType,
		cfg:     settings,
		plan:    plan,
		capture: bodystream.NewCapture(settings.MaxForkBytes),
		started: d.now(),
	}
	if req.Body == nil || req.Body == http.NoBody {
		x.capture.MarkComplete()
	}
	x.mirrored = plan.Secondary || plan.SkipRecorded()
	x.snapshot = &model.RequestSnapshot{
		CorrelationID: id,
		ArrivedAt:     x.started,
		Method:        req.Method,
		Path:          req.Path,
		RawQuery:      req.RawQuery,
		APIType:       apiType,
		Headers:       req.Header.Clone(),
		DeclaredSize:  req.ContentLength,
		Mode:          plan.Mode,
		PlanReason:    string(plan.Reason),
	}

	primaryBody, secondaryBody, shared, skip := d.fork(x, req)
	d.state(id, StateBodyForked)
	d.publish(eventbus.Event{Kind: eventbus.KindRequest, CorrelationID: id, Request: d.eventSnapshot(x.snapshot)})

	switch {
	case skip != "":
		d.skipSecondary(x, skip)
	case secondaryBody != nil:
		d.submitSecondary(ctx, x, req, secondaryBody, shared)
	}

	return d.callPrimary(ctx, x, req, primaryBody)
}

// fork splits the request body when the Secondary is planned. A non-empty
// skip reason means the Secondary must be recorded as SKIPPED.
func (d *Dispatcher) fork(x *exchange, req *model.Request) (primary io.Reader, secondary io.ReadCloser, shared *bodystream.Shared, skip string) {
	switch {
	case x.plan.SkipRecorded():
		return x.capture.Reader(bodyOrEmpty(req.Body)), nil, nil, SkipOversize
	case !x.plan.Secondary:
		return x.capture.Reader(bodyOrEmpty(req.Body)), nil, nil, ""
	}

	shared, err := bodystream.Fork(req.Body, req.ContentLength, bodystream.Options{MaxBytes: x.cfg.MaxForkBytes})
	if err != nil {
		d.logger.Debug("Body fork refused", logging.LogFields{"correlation_id": x.id, "error": err.Error()})
		return x.capture.Reader(bodyOrEmpty(req.Body)), nil, nil, SkipOversize
	}
	return x.capture.Reader(shared.Stream(0)), shared.Stream(1), shared, ""
}

func (d *Dispatcher) callPrimary(ctx context.Context, x *exchange, req *model.Request, body io.Reader) (*model.Response, error) {
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if x.cfg.PrimaryTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, x.cfg.PrimaryTimeout)
	}
	pctx, span := d.tracer.Start(pctx, "dualrun.primary", trace.WithAttributes(
		attribute.String("dualrun.correlation_id", x.id),
		attribute.String("dualrun.plan_reason", string(x.plan.Reason)),
	))

	d.state(x.id, StatePrimaryDispatched)
	resp, err := d.deps.Primary.Invoke(pctx, outbound(req, x.id, body))
	latency := d.now().Sub(x.started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "primary failed")
		span.End()
		cancel()

		d.state(x.id, StatePrimaryFailed)
		outcome := faultOutcome(x.id, model.CorePrimary, err, latency, d.now())
		d.finishRequest(x)
		d.complete(x, outcome)
		d.state(x.id, StateResponded)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	span.End()
	d.state(x.id, StatePrimarySucceeded)

	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	correlation.Inject(resp.Header, x.id)

	capture := bodystream.NewCapture(x.cfg.MaxForkBytes)
	outcome := &model.ResponseOutcome{
		CorrelationID: x.id,
		Core:          model.CorePrimary,
		Status:        model.StatusSuccess,
		HTTPStatus:    resp.StatusCode,
		Latency:       latency,
		Headers:       resp.Header.Clone(),
		ContentType:   resp.Header.Get("Content-Type"),
	}
	src := resp.Body
	if src == nil {
		src = http.NoBody
	}
	resp.Body = &primaryBody{
		rc: capture.ReadCloser(src),
		finish: func() {
			fillBody(outcome, capture, x.cfg.InlineBodyBytes)
			outcome.CompletedAt = d.now()
			d.finishRequest(x)
			d.complete(x, outcome)
		},
		cancel: cancel,
	}
	d.state(x.id, StateResponded)
	return resp, nil
}

// finishRequest records the snapshot once the Primary is done with the body.
// A Primary that stopped reading early leaves a truncated ref; the size then
// falls back to the declared length and no hash is recorded for the prefix.
func (d *Dispatcher) finishRequest(x *exchange) {
	ref := x.capture.Ref(x.cfg.InlineBodyBytes)
	x.snapshot.Body = ref
	x.snapshot.Size = x.capture.Size()
	if ref.Truncated {
		x.snapshot.Size = max(x.snapshot.Size, x.snapshot.DeclaredSize)
	} else {
		x.snapshot.BodyHash = x.capture.Sum()
	}
	if d.deps.Recorder == nil {
		return
	}
	if err := d.deps.Recorder.RecordRequest(x.snapshot); err != nil {
		d.logger.Debug("Request snapshot not recorded", logging.LogFields{"correlation_id": x.id, "error": err.Error()})
	}
}

func (d *Dispatcher) submitSecondary(ctx context.Context, x *exchange, req *model.Request, body io.ReadCloser, shared *bodystream.Shared) {
	detached := context.WithoutCancel(ctx)
	sreq := outbound(req, x.id, body)
	err := d.deps.Pool.TrySubmit(func() {
		d.runSecondary(detached, x, sreq, body, shared)
	})
	if err != nil {
		_ = body.Close()
		d.skipSecondary(x, SkipPoolSaturated)
		return
	}
	d.state(x.id, StateSecondaryDispatched)
}

// runSecondary executes on a pool worker. Nothing it does can reach the
// Primary response: panics, faults and deadlines all become outcomes.
func (d *Dispatcher) runSecondary(ctx context.Context, x *exchange, req *model.Request, body io.Closer, shared *bodystream.Shared) {
	started := d.now()
	sctx, cancel := context.WithTimeout(ctx, x.cfg.SecondaryTimeout)
	defer cancel()
	sctx, span := d.tracer.Start(sctx, "dualrun.secondary", trace.WithAttributes(
		attribute.String("dualrun.correlation_id", x.id),
	))
	defer span.End()

	var outcome *model.ResponseOutcome
	defer func() {
		_ = body.Close()
		if r := recover(); r != nil {
			d.logger.Error("Secondary branch panicked", fmt.Errorf("panic: %v", r), logging.LogFields{"correlation_id": x.id})
			outcome = &model.ResponseOutcome{
				CorrelationID: x.id,
				Core:          model.CoreSecondary,
				Status:        model.StatusFail,
				Latency:       d.now().Sub(started),
				CompletedAt:   d.now(),
				Error:         fmt.Sprint(r),
				Reason:        "panic",
				Body:          model.BodyRef{StorageType: model.PayloadNone},
			}
		}
		if outcome.Status != model.StatusSuccess {
			span.SetStatus(codes.Error, string(outcome.Status))
		}
		d.finishSecondary(x, outcome)
	}()

	resp, err := d.deps.Secondary.Invoke(sctx, req)
	if err != nil {
		switch {
		case errors.Is(err, errorspkg.ErrCircuitOpen):
			outcome = skippedOutcome(x.id, SkipCircuitOpen, d.now())
		case errors.Is(err, errorspkg.ErrOversizeBody) || shared.Overflowed():
			outcome = skippedOutcome(x.id, SkipOversize, d.now())
		default:
			if sctx.Err() == context.DeadlineExceeded {
				err = &errorspkg.TransportFault{Kind: errorspkg.FaultTimeout, Service: "secondary", Err: err}
			}
			span.RecordError(err)
			outcome = faultOutcome(x.id, model.CoreSecondary, err, d.now().Sub(started), d.now())
		}
		return
	}
	defer resp.Body.Close()

	latency := d.now().Sub(started)
	capture := bodystream.NewCapture(x.cfg.MaxForkBytes)
	_, readErr := io.Copy(capture, resp.Body)
	if readErr == nil {
		capture.MarkComplete()
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	outcome = &model.ResponseOutcome{
		CorrelationID: x.id,
		Core:          model.CoreSecondary,
		Status:        model.StatusSuccess,
		HTTPStatus:    resp.StatusCode,
		Latency:       latency,
		CompletedAt:   d.now(),
		Headers:       resp.Header.Clone(),
		ContentType:   resp.Header.Get("Content-Type"),
	}
	fillBody(outcome, capture, x.cfg.InlineBodyBytes)
	if readErr != nil {
		kind := errorspkg.FaultProtocol
		if sctx.Err() == context.DeadlineExceeded {
			kind = errorspkg.FaultTimeout
			outcome.Status = model.StatusTimeout
		} else {
			outcome.Status = model.StatusFail
		}
		outcome.Reason = string(kind)
		outcome.Error = readErr.Error()
	}
}

func (d *Dispatcher) skipSecondary(x *exchange, reason string) {
	d.finishSecondary(x, skippedOutcome(x.id, reason, d.now()))
}

func (d *Dispatcher) finishSecondary(x *exchange, outcome *model.ResponseOutcome) {
	switch outcome.Status {
	case model.StatusSuccess:
		d.state(x.id, StateSecondarySucceeded)
	case model.StatusTimeout:
		d.state(x.id, StateSecondaryTimeout)
	case model.StatusSkipped:
		d.state(x.id, StateSecondarySkipped)
	default:
		d.state(x.id, StateSecondaryFailed)
	}
	d.complete(x, outcome)
	d.state(x.id, StateSecondaryDone)
}

// complete fans a terminal outcome out to the bus, the recorder, metrics
// and the comparison coordinator.
func (d *Dispatcher) complete(x *exchange, outcome *model.ResponseOutcome) {
	kind := eventbus.KindResponse
	if outcome.Status == model.StatusFail || outcome.Status == model.StatusTimeout {
		kind = eventbus.KindError
	}
	d.publish(eventbus.Event{Kind: kind, CorrelationID: x.id, Core: outcome.Core, Outcome: d.eventOutcome(outcome)})

	if d.deps.Recorder != nil {
		if err := d.deps.Recorder.RecordOutcome(outcome); err != nil {
			d.logger.Debug("Outcome not recorded", logging.LogFields{"correlation_id": x.id, "core": outcome.Core, "error": err.Error()})
		}
	}
	if d.deps.Observer != nil {
		d.deps.Observer.ObserveOutcome(outcome)
	}
	if x.mirrored && d.deps.Comparator != nil {
		d.deps.Comparator.Offer(x.apiType, outcome)
	}
}

func (d *Dispatcher) publish(ev eventbus.Event) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(ev)
	}
}

func (d *Dispatcher) state(id string, s State) {
	if d.deps.OnState != nil {
		d.deps.OnState(id, s)
	}
}

// eventSnapshot copies s for subscribers without raw headers.
func (d *Dispatcher) eventSnapshot(s *model.RequestSnapshot) *model.RequestSnapshot {
	cp := *s
	cp.Headers = nil
	cp.MaskedHeaders = d.mask(s.Headers)
	return &cp
}

func (d *Dispatcher) eventOutcome(o *model.ResponseOutcome) *model.ResponseOutcome {
	cp := *o
	cp.Headers = d.mask(o.Headers)
	return &cp
}

func (d *Dispatcher) mask(h http.Header) http.Header {
	if d.deps.Masker == nil {
		return nil
	}
	return d.deps.Masker.Apply(h)
}

func outbound(req *model.Request, id string, body io.Reader) *model.Request {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	correlation.Inject(header, id)
	return &model.Request{
		Method:        req.Method,
		Path:          req.Path,
		RawQuery:      req.RawQuery,
		Header:        header,
		Body:          body,
		ContentLength: req.ContentLength,
	}
}

func fillBody(o *model.ResponseOutcome, c *bodystream.Capture, inlineThreshold int64) {
	o.Body = c.Ref(inlineThreshold)
	o.BodyHash = c.Sum()
	o.Size = c.Size()
}

func faultOutcome(id string, core model.Core, err error, latency time.Duration, at time.Time) *model.ResponseOutcome {
	o := &model.ResponseOutcome{
		CorrelationID: id,
		Core:          core,
		Status:        model.StatusFail,
		Latency:       latency,
		CompletedAt:   at,
		Error:         err.Error(),
		Reason:        string(errorspkg.FaultConnection),
		Body:          model.BodyRef{StorageType: model.PayloadNone},
	}
	var fault *errorspkg.TransportFault
	switch {
	case errors.As(err, &fault):
		o.Reason = string(fault.Kind)
		if fault.Timeout() {
			o.Status = model.StatusTimeout
		}
	case errors.Is(err, context.DeadlineExceeded):
		o.Status = model.StatusTimeout
		o.Reason = string(errorspkg.FaultTimeout)
	}
	return o
}

func skippedOutcome(id, reason string, at time.Time) *model.ResponseOutcome {
	return &model.ResponseOutcome{
		CorrelationID: id,
		Core:          model.CoreSecondary,
		Status:        model.StatusSkipped,
		CompletedAt:   at,
		Reason:        reason,
		Body:          model.BodyRef{StorageType: model.PayloadNone},
	}
}

func bodyOrEmpty(r io.Reader) io.Reader {
	if r == nil {
		return http.NoBody
	}
	return r
}

// primaryBody hands the Primary response to the caller byte for byte and
// records the outcome on EOF or Close, whichever comes first.
type primaryBody struct {
	rc     io.ReadCloser
	once   sync.Once
	finish func()
	cancel context.CancelFunc
}

func (b *primaryBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.once.Do(b.finish)
	}
	return n, err
}

func (b *primaryBody) Close() error {
	err := b.rc.Close()
	b.once.Do(b.finish)
	b.cancel()
	return err
}
