package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/dualrun/internal/runtime/audit"
	"github.com/drblury/dualrun/internal/runtime/clients"
	"github.com/drblury/dualrun/internal/runtime/compare"
	configpkg "github.com/drblury/dualrun/internal/runtime/config"
	"github.com/drblury/dualrun/internal/runtime/dispatch"
	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/eventbus"
	loggingpkg "github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
	"github.com/drblury/dualrun/internal/runtime/storage"
	"github.com/drblury/dualrun/internal/runtime/traffic"
	"github.com/drblury/dualrun/internal/runtime/workers"
	"github.com/drblury/dualrun/transport"
	_ "github.com/drblury/dualrun/transport/transports"
)

// RuleStore is the rule backend the service serves and publishes to.
type RuleStore interface {
	rules.Store
	PutRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from the configuration.
type ServiceDependencies struct {
	Storage   storage.Adapter
	Rules     RuleStore
	Primary   model.ServiceClient
	Secondary model.ServiceClient
	// Sinks resolves the configured event sink. Defaults to transport.DefaultRegistry.
	Sinks      *transport.Registry
	Registerer prometheus.Registerer
	Sampler    traffic.Sampler
	Scorer     compare.ConfidenceScorer

	Middlewares               []MiddlewareRegistration // Appended after the default stage chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default stage chain when true.

	// Hooks run on their own bus subscriber.
	Hooks        EventHooks
	OnComparison func(model.ComparisonResult)
	OnState      dispatch.StateFunc
}

// Service wires the ingress pipeline, the dispatcher and every background
// component behind it.
type Service struct {
	Logger loggingpkg.ServiceLogger

	holder      *configpkg.Holder
	store       storage.Adapter
	rules       RuleStore
	metrics     *Metrics
	stats       *Stats
	recorder    *audit.Recorder
	bus         *eventbus.Bus
	sink        transport.Sink
	forwarder   *eventbus.Forwarder
	coordinator *compare.Coordinator
	breaker     *clients.Breaker
	pool        *workers.Pool
	dispatcher  *dispatch.Dispatcher
	hooks       EventHooks

	chainMu sync.Mutex
	chain   []Middleware
	handler atomic.Pointer[http.Handler]

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	serversMu     sync.Mutex
	servers       []*http.Server

	consumersCancel context.CancelFunc
	consumers       sync.WaitGroup
	started         atomic.Bool
	closeOnce       sync.Once
	closeErr        error
}

// NewService constructs a Service for the supplied configuration. Components
// that fail to build are closed again before the error is returned.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (_ *Service, err error) {
	if log == nil {
		return nil, errorspkg.ErrLoggerRequired
	}
	holder, err := configpkg.NewHolder(conf)
	if err != nil {
		return nil, err
	}
	cfg := holder.Current()
	log.Info("Creating dual-run service", loggingpkg.LogFields{
		"mode":       cfg.Mode,
		"event_sink": cfg.EventSink,
		"storage":    cfg.StorageDriver,
		"config":     cfg.String(),
	})

	s := &Service{
		Logger:  log,
		holder:  holder,
		hooks:   deps.Hooks,
		metrics: NewMetrics(deps.Registerer),
		stats:   NewStats(),
	}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	if err = s.openStorage(ctx, cfg, deps); err != nil {
		return nil, err
	}
	if err = s.openRules(ctx, cfg, deps); err != nil {
		return nil, err
	}

	s.recorder, err = audit.NewRecorder(s.store, audit.Options{
		QueueSize:        cfg.AuditQueueSize,
		BatchSize:        cfg.AuditBatchSize,
		FlushInterval:    cfg.AuditFlushInterval,
		MaxRetries:       cfg.AuditMaxRetries,
		InitialInterval:  cfg.AuditRetryInitialInterval,
		MaxInterval:      cfg.AuditRetryMaxInterval,
		SensitiveHeaders: cfg.SensitiveHeaders,
	}, log, s.metrics)
	if err != nil {
		return nil, err
	}

	s.bus = eventbus.New(cfg.EventBusCapacity)
	s.metrics.WatchBus(s.bus)
	if err = s.openSink(ctx, cfg, deps); err != nil {
		return nil, err
	}

	var engineOpts []compare.Option
	if deps.Scorer != nil {
		engineOpts = append(engineOpts, compare.WithScorer(deps.Scorer))
	}
	s.coordinator = compare.NewCoordinator(compare.NewEngine(engineOpts...), s.rules, s.recorder, compare.CoordinatorOptions{
		Grace:       cfg.ComparisonGrace,
		PrimaryWait: cfg.PrimaryTimeout + cfg.ComparisonGrace,
		Workers:     cfg.ComparisonWorkers,
		OnResult: func(r model.ComparisonResult) {
			s.metrics.ObserveComparison(r)
			if deps.OnComparison != nil {
				deps.OnComparison(r)
			}
		},
	}, log)

	primary, secondary, err := s.buildClients(cfg, deps)
	if err != nil {
		return nil, err
	}

	s.pool = workers.New(workers.Options{
		Name:    "secondary",
		Workers: cfg.SecondaryWorkers,
		Queue:   cfg.SecondaryQueue,
		OnPanic: func(recovered any) {
			log.Error("Secondary worker panicked", fmt.Errorf("panic: %v", recovered), nil)
		},
	}, log)

	s.dispatcher, err = dispatch.New(dispatch.Deps{
		Settings:   holder,
		Planner:    traffic.NewController(holder, deps.Sampler),
		Primary:    primary,
		Secondary:  secondary,
		Pool:       s.pool,
		Recorder:   s.recorder,
		Comparator: s.coordinator,
		Bus:        s.bus,
		Masker:     s.recorder.Masker(),
		Observer:   outcomeObservers{s.metrics, s.stats},
		OnState:    deps.OnState,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	if err = s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	if err = s.registerOperationalHandlers(cfg); err != nil {
		return nil, err
	}

	holder.OnApply(func(next *configpkg.Config) {
		log.Info("Configuration applied", loggingpkg.LogFields{"mode": next.Mode, "sampling_percent": next.SamplingPercent})
	})
	return s, nil
}

func (s *Service) openStorage(ctx context.Context, cfg *configpkg.Config, deps ServiceDependencies) error {
	if deps.Storage != nil {
		s.store = deps.Storage
		return nil
	}
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.StorageDriver, err)
	}
	s.store = store
	return nil
}

func (s *Service) openRules(ctx context.Context, cfg *configpkg.Config, deps ServiceDependencies) error {
	if deps.Rules != nil {
		s.rules = deps.Rules
		return nil
	}
	var seed []rules.Rule
	if cfg.RulesFile != "" {
		f, err := os.Open(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("failed to open rules file: %w", err)
		}
		seed, err = rules.ParseYAML(f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}

	switch cfg.RulesDriver {
	case "redis":
		rs, err := rules.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		s.rules = RedisRules{rs}
	default:
		s.rules = MemoryRules{rules.NewMemoryStore()}
	}
	for i := range seed {
		if _, err := s.rules.PutRule(ctx, &seed[i]); err != nil {
			return fmt.Errorf("failed to publish rule %s: %w", seed[i].APIType, err)
		}
	}
	return nil
}

// openSink builds the configured event sink and starts forwarding to it
// once Start runs. An empty sink name disables forwarding.
func (s *Service) openSink(ctx context.Context, cfg *configpkg.Config, deps ServiceDependencies) error {
	if cfg.EventSink == "" || cfg.EventSink == "none" {
		return nil
	}
	registry := deps.Sinks
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	sink, err := registry.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	s.sink = sink
	fwd, err := eventbus.NewForwarder(sink.Publisher, cfg.EventTopic, s.Logger, s.metrics.SinkResult)
	if err != nil {
		return err
	}
	s.forwarder = fwd.WithMaxMessageSize(sink.Capabilities.MaxMessageSize)
	return nil
}

func (s *Service) buildClients(cfg *configpkg.Config, deps ServiceDependencies) (model.ServiceClient, model.ServiceClient, error) {
	primary := deps.Primary
	if primary == nil {
		if cfg.PrimaryURL == "" {
			return nil, nil, fmt.Errorf("%w: primary URL is required", errorspkg.ErrClientRequired)
		}
		c, err := clients.NewHTTP(clients.HTTPOptions{Name: "primary", BaseURL: cfg.PrimaryURL}, s.Logger)
		if err != nil {
			return nil, nil, err
		}
		primary = c
	}

	secondary := deps.Secondary
	if secondary == nil && cfg.SecondaryURL != "" {
		c, err := clients.NewHTTP(clients.HTTPOptions{Name: "secondary", BaseURL: cfg.SecondaryURL}, s.Logger)
		if err != nil {
			return nil, nil, err
		}
		secondary = c
	}
	if secondary != nil {
		s.breaker = clients.NewBreaker("secondary", secondary, clients.BreakerOptions{
			MaxFailures: cfg.BreakerMaxFailures,
			OpenTimeout: cfg.BreakerOpenTimeout,
		}, s.Logger)
		secondary = s.breaker
	}
	return primary, secondary, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	s.chainMu.Lock()
	s.buildHandlerLocked()
	s.chainMu.Unlock()

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) registerOperationalHandlers(cfg *configpkg.Config) error {
	if cfg.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return err
		}
		if cfg.MetricsPort > 0 {
			gatherer, ok := s.metrics.registerer.(prometheus.Gatherer)
			if !ok {
				gatherer = prometheus.DefaultGatherer
			}
			s.RegisterHTTPHandler(cfg.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
	}
	if cfg.AdminEnabled {
		s.RegisterHTTPHandler(cfg.AdminPort, "/api/", s.AdminHandler())
	}
	return nil
}

// Handler returns the ingress pipeline. It is safe to mount on any server.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*s.handler.Load()).ServeHTTP(w, r)
	})
}

// Holder returns the configuration holder; Apply on it reconfigures traffic
// control for subsequent requests.
func (s *Service) Holder() *configpkg.Holder { return s.holder }

// Config returns the active configuration snapshot.
func (s *Service) Config() *configpkg.Config { return s.holder.Current() }

// Bus returns the lifecycle event bus.
func (s *Service) Bus() *eventbus.Bus { return s.bus }

// Metrics returns the service counters.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Stats returns the rolling per-core statistics.
func (s *Service) Stats() *Stats { return s.stats }

// Storage returns the audit storage adapter.
func (s *Service) Storage() storage.Adapter { return s.store }

// Rules returns the rule store used for comparisons.
func (s *Service) Rules() RuleStore { return s.rules }

// Dispatcher returns the request dispatcher behind the ingress pipeline.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Start runs the background consumers and every HTTP server until ctx is
// cancelled, then closes the service.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("service already started")
	}
	s.startConsumers(ctx)

	cfg := s.holder.Current()
	errCh := make(chan error, 1)
	if cfg.ListenAddr != "" {
		s.serve(cfg.ListenAddr, s.Handler(), errCh)
	}
	s.startHTTPServers(errCh)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SecondaryTimeout+cfg.ComparisonGrace+5*time.Second)
	defer cancel()
	return errors.Join(runErr, s.Close(shutdownCtx))
}

// startConsumers attaches the hook consumer and the sink forwarder to the bus.
func (s *Service) startConsumers(ctx context.Context) {
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.consumersCancel = cancel

	if !s.hooks.Empty() {
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			if err := s.hooks.Run(cctx, s.bus); err != nil {
				s.Logger.Error("Hook consumer stopped", err, nil)
			}
		}()
	}
	if s.forwarder != nil {
		s.consumers.Add(1)
		go func() {
			defer s.consumers.Done()
			if err := s.forwarder.Run(cctx, s.bus); err != nil && !errors.Is(err, context.Canceled) {
				s.Logger.Error("Event forwarder stopped", err, nil)
			}
		}()
	}
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(errCh chan<- error) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		s.serve(fmt.Sprintf(":%d", port), mux, errCh)
	}
}

func (s *Service) serve(addr string, handler http.Handler, errCh chan<- error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.serversMu.Lock()
	s.servers = append(s.servers, srv)
	s.serversMu.Unlock()
	s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
	go func() {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
			select {
			case errCh <- err:
			default:
			}
		}
	}()
}

// Close drains the service in dependency order: ingress servers, the
// Secondary pool, pending comparisons, the audit queue, bus consumers, the
// event sink and finally storage and the rule store. It is idempotent.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		s.serversMu.Lock()
		servers := s.servers
		s.serversMu.Unlock()
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(ctx))
		}
		if s.pool != nil {
			errs = append(errs, s.pool.Stop(ctx))
		}
		if s.coordinator != nil {
			errs = append(errs, s.coordinator.Close(ctx))
		}
		if s.recorder != nil {
			errs = append(errs, s.recorder.Close(ctx))
		}
		if s.consumersCancel != nil {
			s.consumersCancel()
			s.consumers.Wait()
		}
		if s.sink.Publisher != nil {
			errs = append(errs, s.sink.Publisher.Close())
		}
		if s.store != nil {
			errs = append(errs, s.store.Close())
		}
		if closer, ok := s.rules.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.Logger.Error("Service closed with errors", s.closeErr, nil)
		}
	})
	return s.closeErr
}

// outcomeObservers fans one outcome out to every observer.
type outcomeObservers []dispatch.Observer

func (o outcomeObservers) ObserveOutcome(outcome *model.ResponseOutcome) {
	for _, obs := range o {
		obs.ObserveOutcome(outcome)
	}
}

// MemoryRules adapts an in-process rule store.
type MemoryRules struct{ *rules.MemoryStore }

func (m MemoryRules) PutRule(_ context.Context, rule *rules.Rule) (*rules.Rule, error) {
	return m.Put(rule)
}

// RedisRules adapts the Redis rule store.
type RedisRules struct{ *rules.RedisStore }

func (r RedisRules) PutRule(ctx context.Context, rule *rules.Rule) (*rules.Rule, error) {
	return r.Put(ctx, rule)
}
