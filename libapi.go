package dualrun

import (
	"log/slog"

	runtimepkg "github.com/drblury/dualrun/internal/runtime"
	"github.com/drblury/dualrun/internal/runtime/compare"
	configpkg "github.com/drblury/dualrun/internal/runtime/config"
	"github.com/drblury/dualrun/internal/runtime/correlation"
	"github.com/drblury/dualrun/internal/runtime/dispatch"
	errspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/eventbus"
	idspkg "github.com/drblury/dualrun/internal/runtime/ids"
	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
	"github.com/drblury/dualrun/internal/runtime/storage"
	"github.com/drblury/dualrun/internal/runtime/traffic"
	"github.com/drblury/dualrun/transport"
)

type (
	Config              = configpkg.Config
	ConfigHolder        = configpkg.Holder
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	Middleware             = runtimepkg.Middleware
	Authenticator          = runtimepkg.Authenticator

	// Lifecycle hooks
	Event      = eventbus.Event
	EventKind  = eventbus.Kind
	EventHooks = runtimepkg.EventHooks

	// Records
	Request          = model.Request
	Response         = model.Response
	RequestSnapshot  = model.RequestSnapshot
	ResponseOutcome  = model.ResponseOutcome
	ComparisonResult = model.ComparisonResult
	DiffEntry        = model.DiffEntry
	Core             = model.Core
	OutcomeStatus    = model.OutcomeStatus
	Verdict          = model.Verdict
	DispatchState    = dispatch.State

	ServiceClient     = model.ServiceClient
	ServiceClientFunc = model.ServiceClientFunc
	Sampler           = traffic.Sampler
	SamplerFunc       = traffic.SamplerFunc
	ConfidenceScorer  = compare.ConfidenceScorer
	ScorerFunc        = compare.ScorerFunc

	Rule          = rules.Rule
	RuleDirective = rules.Directive
	RuleStore     = runtimepkg.RuleStore
	MemoryRules   = runtimepkg.MemoryRules
	RedisRules    = runtimepkg.RedisRules

	StorageAdapter = storage.Adapter
	StoredRecord   = storage.Record
	StoredRecords  = storage.Records

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	MetricsSnapshot = runtimepkg.MetricsSnapshot
	StatsSnapshot   = runtimepkg.StatsSnapshot
	AdminStats      = runtimepkg.AdminStats
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	TransportFault        = errspkg.TransportFault
	FaultKind             = errspkg.FaultKind
	ConfigValidationError = errspkg.ConfigValidationError

	// Event sinks
	SinkBuilder      = transport.Builder
	SinkConfig       = transport.Config
	SinkRegistry     = transport.Registry
	SinkCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	NewHolder      = configpkg.NewHolder

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	LogRequestsMiddleware   = runtimepkg.LogRequestsMiddleware
	AuthMiddleware          = runtimepkg.AuthMiddleware

	// Lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks
	OutcomeError  = runtimepkg.OutcomeError

	ClassifyError = runtimepkg.ClassifyError

	NewMemoryRuleStore  = rules.NewMemoryStore
	DialRedisRules      = rules.DialRedis
	EmptyRule           = rules.Empty
	OpenStorage         = storage.Open
	NewComparisonEngine = compare.NewEngine
	NewSeededSampler    = traffic.NewSeededSampler

	// Event sinks. Import sink packages for their registration side effect,
	// e.g. _ "github.com/drblury/dualrun/transport/kafka".
	DefaultSinkRegistry = transport.DefaultRegistry
	RegisterSink        = transport.Register
	NewSinkRegistry     = transport.NewRegistry

	CorrelationFromContext = correlation.FromContext
	NewCorrelationID       = idspkg.NewCorrelationID
	ValidCorrelationID     = idspkg.Valid

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrClientRequired     = errspkg.ErrClientRequired
	ErrOversizeBody       = errspkg.ErrOversizeBody
	ErrPoolSaturated      = errspkg.ErrPoolSaturated
	ErrCircuitOpen        = errspkg.ErrCircuitOpen
	ErrQueueFull          = errspkg.ErrQueueFull
	ErrRuleInvalid        = errspkg.ErrRuleInvalid
	ErrNotFound           = errspkg.ErrNotFound
	ErrSubscriptionClosed = errspkg.ErrSubscriptionClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewLogger            = loggingpkg.New
	NopLogger            = loggingpkg.Nop
)

// Dispatch modes.
const (
	ModeDualRun   = configpkg.ModeDualRun
	ModeSingleRun = configpkg.ModeSingleRun

	// CorrelationHeader carries the correlation id on every forwarded
	// request and on the response to the client.
	CorrelationHeader = correlation.Header
)

const (
	CorePrimary   = model.CorePrimary
	CoreSecondary = model.CoreSecondary

	StatusSuccess = model.StatusSuccess
	StatusFail    = model.StatusFail
	StatusTimeout = model.StatusTimeout
	StatusSkipped = model.StatusSkipped

	VerdictEquivalent  = model.VerdictEquivalent
	VerdictDifferent   = model.VerdictDifferent
	VerdictUndecidable = model.VerdictUndecidable
	VerdictError       = model.VerdictError
)

// Event kinds published on the lifecycle bus.
const (
	EventRequest  = eventbus.KindRequest
	EventResponse = eventbus.KindResponse
	EventError    = eventbus.KindError
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryTimeout    = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// NewSlogLogger is a shorthand for wrapping the default slog logger.
func NewSlogLogger() ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.Default())
}
